package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// metadataLine is the first line of every session file.
type metadataLine struct {
	Type      string         `json:"_type"`
	Key       string         `json:"key,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
}

// Store persists sessions as one JSONL file each under the sessions
// directory. The engine goroutine is the only writer; the cache mutex
// exists for CLI listing and tests.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Session
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithStoreLogger sets the store logger.
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// DefaultDir returns ~/.nanobot/sessions.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nanobot", "sessions")
	}
	return filepath.Join(home, ".nanobot", "sessions")
}

// NewStore creates the sessions directory if needed.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		logger: slog.Default(),
		cache:  map[string]*Session{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the sessions directory.
func (s *Store) Dir() string { return s.dir }

// GetOrCreate returns the cached or persisted session for key, or a
// fresh one. Load failures are treated as "no session".
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache[key]; ok {
		return sess
	}
	sess := s.load(key)
	if sess == nil {
		sess = NewSession(key)
	}
	s.cache[key] = sess
	return sess
}

// Save rewrites the whole session file. The write goes to a temp file
// in the same directory and is renamed over the target, so readers see
// either the old or the new content.
func (s *Store) Save(sess *Session) error {
	path := s.path(sess.Key)

	tmp, err := os.CreateTemp(s.dir, ".tmp-session-*")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	meta := metadataLine{
		Type:      "metadata",
		Key:       sess.Key,
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt,
		Metadata:  sess.Metadata,
	}
	if err := writeLine(w, meta); err != nil {
		tmp.Close()
		return err
	}
	for _, msg := range sess.Messages {
		if err := writeLine(w, msg); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}

	s.mu.Lock()
	s.cache[sess.Key] = sess
	s.mu.Unlock()
	return nil
}

// Delete removes a session from cache and disk. Returns true when a
// file was removed.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	if err := os.Remove(s.path(key)); err != nil {
		return false
	}
	return true
}

// Info describes one stored session for listings.
type Info struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

// List reads the metadata line of every session file, most recently
// updated first. Unreadable files are skipped.
func (s *Store) List() []Info {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		meta, ok := readMetadataLine(path)
		if !ok {
			continue
		}
		key := meta.Key
		if key == "" {
			key = strings.ReplaceAll(strings.TrimSuffix(entry.Name(), ".jsonl"), "_", ":")
		}
		infos = append(infos, Info{
			Key:       key,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Path:      path,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, safeFilename(key)+".jsonl")
}

// load reads a session file, tolerating blank lines and skipping lines
// that fail to parse. Any open/read failure yields nil.
func (s *Store) load(key string) *Session {
	path := s.path(key)
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sess := NewSession(key)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var probe struct {
			Type string `json:"_type"`
		}
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			s.logger.Warn("skipping unparseable session line", "key", key, "error", err)
			continue
		}
		if probe.Type == "metadata" {
			var meta metadataLine
			if err := json.Unmarshal([]byte(line), &meta); err != nil {
				continue
			}
			if !meta.CreatedAt.IsZero() {
				sess.CreatedAt = meta.CreatedAt
			}
			if !meta.UpdatedAt.IsZero() {
				sess.UpdatedAt = meta.UpdatedAt
			}
			if meta.Metadata != nil {
				sess.Metadata = meta.Metadata
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("skipping unparseable session message", "key", key, "error", err)
			continue
		}
		sess.Messages = append(sess.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("failed to read session", "key", key, "error", err)
		return nil
	}
	return sess
}

func writeLine(w *bufio.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode session line: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write session line: %w", err)
	}
	return w.WriteByte('\n')
}

func readMetadataLine(path string) (metadataLine, bool) {
	f, err := os.Open(path)
	if err != nil {
		return metadataLine{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return metadataLine{}, false
	}
	var meta metadataLine
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.Type != "metadata" {
		return metadataLine{}, false
	}
	return meta, true
}

// safeFilename maps a session key to a filesystem-safe name: ":" to
// "_", then anything outside [A-Za-z0-9._-] to "_".
func safeFilename(key string) string {
	replaced := strings.ReplaceAll(key, ":", "_")
	var b strings.Builder
	b.Grow(len(replaced))
	for _, r := range replaced {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
