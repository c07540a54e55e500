package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce     = 250 * time.Millisecond
	defaultStatInterval = 30 * time.Second
)

// Loader scans a skills directory and serves skill content to the
// context builder. All reads come from an in-memory snapshot; Load and
// the watcher swap it atomically.
type Loader struct {
	dir          string
	logger       *slog.Logger
	debounce     time.Duration
	statInterval time.Duration

	mu     sync.RWMutex
	skills []*Skill

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures the loader.
type Option func(*Loader)

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger.With("component", "skills")
		}
	}
}

// WithDebounce sets the reload debounce for watcher events.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// WithStatInterval sets the polling interval used when the fsnotify
// watcher cannot start.
func WithStatInterval(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.statInterval = d
		}
	}
}

// NewLoader creates a loader for the given skills directory.
func NewLoader(dir string, opts ...Option) *Loader {
	l := &Loader{
		dir:          dir,
		logger:       slog.Default().With("component", "skills"),
		debounce:     defaultDebounce,
		statInterval: defaultStatInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load rescans the skills directory. A missing directory is not an
// error; it just means no skills yet.
func (l *Loader) Load() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.mu.Lock()
			l.skills = nil
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("read skills dir: %w", err)
	}

	var loaded []*Skill
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skill, err := ParseSkillFile(filepath.Join(l.dir, entry.Name(), SkillFilename))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				l.logger.Warn("skill skipped", "dir", entry.Name(), "error", err)
			}
			continue
		}
		loaded = append(loaded, skill)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	l.mu.Lock()
	l.skills = loaded
	l.mu.Unlock()
	l.logger.Debug("skills loaded", "count", len(loaded))
	return nil
}

// List returns the current skill snapshot.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, len(l.skills))
	copy(out, l.skills)
	return out
}

// AlwaysContent returns the joined bodies of always-on skills whose
// requirements are met.
func (l *Loader) AlwaysContent() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var parts []string
	for _, s := range l.skills {
		if !s.Always || s.Content == "" {
			continue
		}
		if ok, reason := s.Eligible(); !ok {
			l.logger.Debug("always-on skill unavailable", "skill", s.Name, "reason", reason)
			continue
		}
		parts = append(parts, s.Content)
	}
	return strings.Join(parts, "\n\n")
}

// Summary returns the catalogue of on-demand skills, one line per
// skill.
func (l *Loader) Summary() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var lines []string
	for _, s := range l.skills {
		if s.Always {
			continue
		}
		if ok, _ := s.Eligible(); !ok {
			continue
		}
		if s.Description != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.Name, s.Description))
		} else {
			lines = append(lines, "- "+s.Name)
		}
	}
	return strings.Join(lines, "\n")
}

// StartWatching reloads skills when the directory changes. When the
// fsnotify watcher cannot start it falls back to polling modification
// times.
func (l *Loader) StartWatching(ctx context.Context) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.cancel != nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(l.dir)
	}
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		l.logger.Warn("skills watcher unavailable, polling instead", "error", err)
		l.wg.Add(1)
		go l.pollLoop(watchCtx)
		return nil
	}

	// SKILL.md edits happen one level down.
	if entries, err := os.ReadDir(l.dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = watcher.Add(filepath.Join(l.dir, entry.Name()))
			}
		}
	}

	l.watcher = watcher
	l.wg.Add(1)
	go l.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops watching. Safe to call without StartWatching.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	l.wg.Wait()
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			if err := l.Load(); err != nil {
				l.logger.Warn("skill reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			scheduleReload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Warn("skills watch error", "error", err)
		}
	}
}

func (l *Loader) pollLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.statInterval)
	defer ticker.Stop()

	last := l.latestModTime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := l.latestModTime()
			if !current.After(last) {
				continue
			}
			last = current
			if err := l.Load(); err != nil {
				l.logger.Warn("skill reload failed", "error", err)
			}
		}
	}
}

// latestModTime stats the skills tree one level deep.
func (l *Loader) latestModTime() time.Time {
	var latest time.Time
	stat := func(path string) {
		if info, err := os.Stat(path); err == nil && info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	stat(l.dir)
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return latest
	}
	for _, entry := range entries {
		if entry.IsDir() {
			sub := filepath.Join(l.dir, entry.Name())
			stat(sub)
			stat(filepath.Join(sub, SkillFilename))
		}
	}
	return latest
}
