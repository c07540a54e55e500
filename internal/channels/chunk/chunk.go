// Package chunk splits outbound text into transport-sized pieces,
// preferring newline and whitespace boundaries over hard breaks.
package chunk

import (
	"strings"
	"unicode"
)

// DefaultLimit applies to channels without a known message size cap.
const DefaultLimit = 4000

// limits maps channel names to their maximum message length in bytes.
var limits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"slack":    40000,
	"whatsapp": 65536,
	"feishu":   10000,
}

// LimitFor returns the message size limit for a channel.
func LimitFor(channel string) int {
	if limit, ok := limits[strings.ToLower(channel)]; ok {
		return limit
	}
	return DefaultLimit
}

// Text splits text into chunks of at most limit bytes. Break points are
// chosen at the last newline in the window, else the last whitespace,
// else a hard break at the limit.
func Text(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]

		breakIdx := strings.LastIndexByte(window, '\n')
		if breakIdx <= 0 {
			breakIdx = strings.LastIndexFunc(window, unicode.IsSpace)
		}
		if breakIdx <= 0 {
			breakIdx = limit
		}

		piece := strings.TrimRight(remaining[:breakIdx], " \t")
		if piece != "" {
			chunks = append(chunks, piece)
		}

		next := breakIdx
		if next < len(remaining) && unicode.IsSpace(rune(remaining[next])) {
			next++
		}
		remaining = strings.TrimLeft(remaining[next:], " \t")
	}

	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
