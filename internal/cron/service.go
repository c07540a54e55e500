// Package cron schedules agent wakeups. Jobs live in a JSON store under
// the workspace and fire as system-channel inbound messages, so the
// turn engine treats them like any other incoming message and replies
// to the job's target chat.
package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zekis/nanobot/internal/bus"
	"github.com/zekis/nanobot/pkg/models"
)

const storeVersion = 1

// Job is one scheduled agent wakeup.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Schedule  Spec      `json:"schedule"`
	Message   string    `json:"message"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	LastRun   time.Time `json:"last_run,omitzero"`
	NextRun   time.Time `json:"next_run,omitzero"`
}

type storeFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Service owns the job store and the scheduler loop.
type Service struct {
	bus       *bus.MessageBus
	logger    *slog.Logger
	storePath string
	now       func() time.Time
	tick      time.Duration

	mu      sync.Mutex
	jobs    map[string]*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithStorePath sets the jobs file. An empty path keeps jobs in memory
// only.
func WithStorePath(path string) Option {
	return func(s *Service) { s.storePath = path }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.tick = d
		}
	}
}

// NewService creates a cron service publishing wakeups to the bus.
func NewService(b *bus.MessageBus, opts ...Option) *Service {
	s := &Service{
		bus:    b,
		logger: slog.Default().With("component", "cron"),
		now:    time.Now,
		tick:   time.Second,
		jobs:   make(map[string]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the job store and runs the scheduler loop until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if err := s.loadLocked(); err != nil {
		s.started = false
		s.mu.Unlock()
		return err
	}
	// Jobs saved mid-flight may carry a stale or missing next run.
	now := s.now()
	for _, job := range s.jobs {
		if !job.Enabled || !job.NextRun.IsZero() {
			continue
		}
		if next, ok, err := job.Schedule.Next(now); err == nil && ok {
			job.NextRun = next
		} else {
			job.Enabled = false
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.logger.Info("cron service started", "jobs", count)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to exit. The loop stops when the
// context passed to Start is cancelled.
func (s *Service) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately, primarily for tests.
func (s *Service) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// Add validates and stores a new enabled job.
func (s *Service) Add(name string, spec Spec, message, channel, chatID string) (*Job, error) {
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("message is required")
	}
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(chatID) == "" {
		return nil, fmt.Errorf("channel and chat_id are required")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	next, ok, err := spec.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("schedule has no future runs")
	}

	job := &Job{
		ID:        uuid.NewString()[:8],
		Name:      strings.TrimSpace(name),
		Schedule:  spec,
		Message:   message,
		Channel:   strings.ToLower(strings.TrimSpace(channel)),
		ChatID:    strings.TrimSpace(chatID),
		Enabled:   true,
		CreatedAt: now.UTC(),
		NextRun:   next,
	}
	if job.Name == "" {
		job.Name = job.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	if err := s.saveLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}
	copied := *job
	return &copied, nil
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

// Enable re-arms a job. A one-shot whose time already passed cannot be
// re-enabled.
func (s *Service) Enable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	next, hasNext, err := job.Schedule.Next(s.now())
	if err != nil {
		return err
	}
	if !hasNext {
		return fmt.Errorf("schedule has no future runs")
	}
	job.Enabled = true
	job.NextRun = next
	return s.saveLocked()
}

// Disable stops a job from firing without removing it.
func (s *Service) Disable(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	job.Enabled = false
	job.NextRun = time.Time{}
	return s.saveLocked()
}

// List returns job copies sorted by creation time.
func (s *Service) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copied := *job
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// RunJob fires a job immediately, regardless of its schedule.
func (s *Service) RunJob(ctx context.Context, id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job not found: %s", id)
	}
	snapshot := *job
	s.mu.Unlock()

	if err := s.fire(ctx, &snapshot); err != nil {
		return err
	}

	now := s.now()
	next, hasNext, nextErr := snapshot.Schedule.Next(now)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRun = now.UTC()
	if nextErr != nil || !hasNext {
		job.NextRun = time.Time{}
		job.Enabled = false
	} else if job.Enabled {
		job.NextRun = next
	}
	return s.saveLocked()
}

func (s *Service) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if job.Enabled && !job.NextRun.IsZero() && !now.Before(job.NextRun) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	fired := 0
	for _, job := range due {
		s.mu.Lock()
		snapshot := *job
		s.mu.Unlock()

		if err := s.fire(ctx, &snapshot); err != nil {
			s.logger.Warn("cron job fire failed", "id", snapshot.ID, "error", err)
		} else {
			fired++
		}

		next, hasNext, nextErr := snapshot.Schedule.Next(now)

		s.mu.Lock()
		job.LastRun = now.UTC()
		switch {
		case nextErr != nil:
			s.logger.Warn("cron job disabled", "id", job.ID, "error", nextErr)
			job.NextRun = time.Time{}
			job.Enabled = false
		case hasNext:
			job.NextRun = next
		default:
			// One-shot finished.
			job.NextRun = time.Time{}
			job.Enabled = false
		}
		if err := s.saveLocked(); err != nil {
			s.logger.Error("cron store save failed", "error", err)
		}
		s.mu.Unlock()
	}
	return fired
}

// fire wakes the agent: the job message arrives as a system-channel
// inbound whose chat_id carries the reply target.
func (s *Service) fire(ctx context.Context, job *Job) error {
	inbound := models.NewInboundMessage(
		models.ChannelSystem,
		"cron",
		fmt.Sprintf("%s:%s", job.Channel, job.ChatID),
		job.Message,
	)
	inbound.Metadata["job_id"] = job.ID
	inbound.Metadata["job_name"] = job.Name
	if err := s.bus.PublishInbound(ctx, inbound); err != nil {
		return fmt.Errorf("publish wakeup: %w", err)
	}
	s.logger.Info("cron job fired", "id", job.ID, "name", job.Name, "target", job.Channel+":"+job.ChatID)
	return nil
}

func (s *Service) loadLocked() error {
	if s.storePath == "" {
		return nil
	}
	raw, err := os.ReadFile(s.storePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron store: %w", err)
	}
	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse cron store %s: %w", s.storePath, err)
	}
	for _, job := range file.Jobs {
		if job != nil && job.ID != "" {
			s.jobs[job.ID] = job
		}
	}
	return nil
}

// saveLocked writes the store through a temp file so readers see either
// the old or the new content. Callers hold s.mu.
func (s *Service) saveLocked() error {
	if s.storePath == "" {
		return nil
	}
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	payload, err := json.MarshalIndent(storeFile{Version: storeVersion, Jobs: jobs}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cron store: %w", err)
	}

	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cron store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-jobs-*")
	if err != nil {
		return fmt.Errorf("create cron store temp: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cron store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cron store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.storePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace cron store: %w", err)
	}
	return nil
}
