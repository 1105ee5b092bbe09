// Package scheduler runs the rotation sweep on a fixed interval and on
// demand.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/service"
)

const (
	DefaultInterval   = 15 * time.Minute
	DefaultJobTimeout = 5 * time.Minute
	DefaultWarnWindow = 7 * 24 * time.Hour

	lastRunSetting = "rotation.last_run"
)

// Rotator is the part of the key service the scheduler drives.
type Rotator interface {
	RotateIfNecessary(ctx context.Context, warnWindow time.Duration) (*service.RotationReport, error)
}

// SettingsStore persists the outcome of the most recent run.
type SettingsStore interface {
	GetSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
}

// Options configures a Scheduler. Zero durations select the defaults.
type Options struct {
	Interval   time.Duration
	JobTimeout time.Duration
	WarnWindow time.Duration
	RunOnStart bool
	Store      SettingsStore
	Logger     *slog.Logger
}

// Status is the outcome of one run.
type Status struct {
	Trigger string                  `json:"trigger"`
	Report  *service.RotationReport `json:"report,omitempty"`
	Error   string                  `json:"error,omitempty"`
	RanAt   time.Time               `json:"ran_at"`
}

// Scheduler owns one goroutine that runs the sweep on every tick and on
// every accepted Trigger. Runs never overlap.
type Scheduler struct {
	rotator Rotator
	opts    Options
	logger  *slog.Logger
	trigger chan struct{}

	mu   sync.Mutex
	last *Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler. Call Start to begin running.
func New(rotator Rotator, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = DefaultJobTimeout
	}
	if opts.WarnWindow <= 0 {
		opts.WarnWindow = DefaultWarnWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		rotator: rotator,
		opts:    opts,
		logger:  logger,
		trigger: make(chan struct{}, 1),
	}
}

// Start launches the background loop. Non-blocking.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if s.opts.RunOnStart {
			s.run(ctx, "startup")
		}

		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.run(ctx, "interval")
			case <-s.trigger:
				s.run(ctx, "manual")
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("rotation scheduler started",
		"interval", s.opts.Interval, "warn_window", s.opts.WarnWindow, "run_on_start", s.opts.RunOnStart)
}

// Trigger requests an immediate run. At most one request is queued; it
// returns false when one is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Shutdown stops the loop and waits for a running sweep to return.
func (s *Scheduler) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) run(parent context.Context, trigger string) {
	ctx, cancel := context.WithTimeout(parent, s.opts.JobTimeout)
	defer cancel()

	st := &Status{Trigger: trigger}
	report, err := s.rotator.RotateIfNecessary(ctx, s.opts.WarnWindow)
	st.RanAt = time.Now().UTC()
	st.Report = report
	if err != nil {
		st.Error = err.Error()
		s.logger.Error("rotation sweep failed", "trigger", trigger, "error", err)
	}

	s.mu.Lock()
	s.last = st
	s.mu.Unlock()

	if s.opts.Store != nil {
		// the parent may already be cancelled during shutdown
		pctx, pcancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
		defer pcancel()
		if err := saveStatus(pctx, s.opts.Store, st); err != nil {
			s.logger.Warn("failed to record rotation status", "error", err)
		}
	}
}

// LastRun returns the most recent run of this process, falling back to the
// one recorded in the store. It returns nil when no run is known.
func (s *Scheduler) LastRun(ctx context.Context) (*Status, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil || s.opts.Store == nil {
		return last, nil
	}
	return LoadStatus(ctx, s.opts.Store)
}

// LoadStatus reads the recorded status of the most recent run.
func LoadStatus(ctx context.Context, store SettingsStore) (*Status, error) {
	raw, err := store.GetSetting(ctx, lastRunSetting)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var st Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decode rotation status: %w", err)
	}
	return &st, nil
}

func saveStatus(ctx context.Context, store SettingsStore, st *Status) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return store.SetSetting(ctx, lastRunSetting, string(b))
}
