package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule kinds.
const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Spec describes when a job fires. Exactly one kind is in effect:
// a cron expression, a fixed interval in seconds, or a single
// wall-clock time.
type Spec struct {
	Kind         string    `json:"kind"`
	Expr         string    `json:"expr,omitempty"`
	EverySeconds int64     `json:"every_seconds,omitempty"`
	At           time.Time `json:"at,omitzero"`
}

// ParseSpec builds a Spec from loose tool input. at wins over
// every_seconds, which wins over expr.
func ParseSpec(expr string, everySeconds int64, at string) (Spec, error) {
	if strings.TrimSpace(at) != "" {
		parsed, err := parseAt(at)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: KindAt, At: parsed}, nil
	}
	if everySeconds > 0 {
		return Spec{Kind: KindEvery, EverySeconds: everySeconds}, nil
	}
	if strings.TrimSpace(expr) != "" {
		spec := Spec{Kind: KindCron, Expr: strings.TrimSpace(expr)}
		if err := spec.Validate(); err != nil {
			return Spec{}, err
		}
		return spec, nil
	}
	return Spec{}, fmt.Errorf("schedule is required: set expr, every_seconds, or at")
}

// Validate checks the spec is complete for its kind.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return fmt.Errorf("cron schedule missing expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	case KindEvery:
		if s.EverySeconds <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case KindAt:
		if s.At.IsZero() {
			return fmt.Errorf("at schedule missing timestamp")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first fire time after now. ok is false when the
// schedule has no further runs, which ends one-shot jobs.
func (s Spec) Next(now time.Time) (time.Time, bool, error) {
	switch s.Kind {
	case KindAt:
		if s.At.IsZero() {
			return time.Time{}, false, fmt.Errorf("at schedule missing timestamp")
		}
		if now.After(s.At) {
			return time.Time{}, false, nil
		}
		return s.At, true, nil
	case KindEvery:
		if s.EverySeconds <= 0 {
			return time.Time{}, false, fmt.Errorf("every schedule needs a positive interval")
		}
		return now.Add(time.Duration(s.EverySeconds) * time.Second), true, nil
	case KindCron:
		schedule, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("parse cron expression: %w", err)
		}
		next := schedule.Next(now)
		return next, !next.IsZero(), nil
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}

// String renders the spec for listings.
func (s Spec) String() string {
	switch s.Kind {
	case KindCron:
		return "cron " + s.Expr
	case KindEvery:
		return fmt.Sprintf("every %ds", s.EverySeconds)
	case KindAt:
		return "at " + s.At.Format(time.RFC3339)
	default:
		return s.Kind
	}
}

// parseAt accepts RFC3339, a few looser date layouts, and unix epoch
// values in seconds or milliseconds.
func parseAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("at value required")
	}
	if isNumeric(value) {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("invalid at timestamp %q", value)
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid at time %q", value)
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
