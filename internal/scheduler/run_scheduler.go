package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var (
	// ErrRunActive is returned by Trigger while another run is in progress
	ErrRunActive = errors.New("a run is already in progress")

	// ErrNotRunning is returned by Trigger before Start or after Stop
	ErrNotRunning = errors.New("run scheduler is not running")
)

// RunFunc performs one full pass over the input tree
type RunFunc func(ctx context.Context) error

// SkipRecorder counts ticks that were dropped because a run was still active
type SkipRecorder interface {
	IncRunsSkipped()
}

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// RunScheduler triggers runs on a cron schedule and never lets two overlap
type RunScheduler struct {
	run        RunFunc
	skips      SkipRecorder
	schedule   string
	runOnStart bool
	cron       *cron.Cron
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	wg      sync.WaitGroup

	active    atomic.Bool
	lastStart atomic.Int64
	lastErr   atomic.Pointer[string]
}

// RunSchedulerConfig holds configuration for the run scheduler
type RunSchedulerConfig struct {
	Schedule   string // Cron schedule string (e.g., "*/5 * * * *" or "@every 1m")
	RunOnStart bool
	Run        RunFunc
	Skips      SkipRecorder // optional
	Logger     zerolog.Logger
}

// NewRunScheduler validates the schedule and creates a scheduler
func NewRunScheduler(cfg *RunSchedulerConfig) (*RunScheduler, error) {
	if cfg.Run == nil {
		return nil, errors.New("run function is required")
	}
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, err
	}

	s := &RunScheduler{
		run:        cfg.Run,
		skips:      cfg.Skips,
		schedule:   cfg.Schedule,
		runOnStart: cfg.RunOnStart,
		logger:     cfg.Logger.With().Str("component", "run-scheduler").Logger(),
	}

	s.logger.Info().
		Str("schedule", cfg.Schedule).
		Bool("run_on_start", cfg.RunOnStart).
		Msg("Run scheduler initialized")

	return s, nil
}

// Start schedules runs. Every run gets ctx as its parent context, so
// cancelling ctx interrupts an in-flight run.
func (s *RunScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Warn().Msg("Run scheduler already running")
		return nil
	}

	s.ctx = ctx
	s.cron = cron.New(cron.WithParser(parser))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.tick("schedule")
	}); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tick("start")
		}()
	}

	s.logger.Info().
		Str("schedule", s.schedule).
		Time("next_run", s.NextRun()).
		Msg("Run scheduler started")

	return nil
}

// Stop stops scheduling and waits for an in-flight run to return
func (s *RunScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	stopped := s.cron.Stop()
	<-stopped.Done()
	s.wg.Wait()

	s.running = false
	s.logger.Info().Msg("Run scheduler stopped")
}

// Close implements shutdown.Shutdownable
func (s *RunScheduler) Close() error {
	s.Stop()
	return nil
}

// Trigger starts a run in the background unless one is already active. The
// run uses the context given to Start, and Stop waits for it.
func (s *RunScheduler) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrNotRunning
	}
	if !s.active.CompareAndSwap(false, true) {
		s.skipped("manual")
		return ErrRunActive
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Store(false)
		s.execute(s.ctx, "manual")
	}()
	return nil
}

func (s *RunScheduler) tick(trigger string) {
	if !s.active.CompareAndSwap(false, true) {
		s.skipped(trigger)
		return
	}
	defer s.active.Store(false)

	if s.ctx.Err() != nil {
		return
	}
	s.execute(s.ctx, trigger)
}

func (s *RunScheduler) execute(ctx context.Context, trigger string) {
	start := time.Now()
	s.lastStart.Store(start.UnixNano())
	s.logger.Info().Str("trigger", trigger).Msg("Starting run")

	err := s.run(ctx)
	if err != nil {
		msg := err.Error()
		s.lastErr.Store(&msg)
		s.logger.Error().
			Err(err).
			Str("trigger", trigger).
			Dur("duration", time.Since(start)).
			Msg("Run failed")
		return
	}

	s.lastErr.Store(nil)
	s.logger.Info().
		Str("trigger", trigger).
		Dur("duration", time.Since(start)).
		Msg("Run completed")
}

func (s *RunScheduler) skipped(trigger string) {
	if s.skips != nil {
		s.skips.IncRunsSkipped()
	}
	s.logger.Warn().
		Str("trigger", trigger).
		Msg("Previous run still active, skipping")
}

// NextRun returns the next scheduled run time
func (s *RunScheduler) NextRun() time.Time {
	schedule, err := parser.Parse(s.schedule)
	if err != nil {
		return time.Time{}
	}
	return schedule.Next(time.Now())
}

// IsRunning returns whether the scheduler is running
func (s *RunScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsRunActive reports whether a run is executing right now
func (s *RunScheduler) IsRunActive() bool {
	return s.active.Load()
}

// Status returns scheduler status
func (s *RunScheduler) Status() map[string]interface{} {
	status := map[string]interface{}{
		"running":    s.IsRunning(),
		"schedule":   s.schedule,
		"run_active": s.IsRunActive(),
	}

	if s.IsRunning() {
		status["next_run"] = s.NextRun().Format(time.RFC3339)
	}
	if ns := s.lastStart.Load(); ns != 0 {
		status["last_start"] = time.Unix(0, ns).UTC().Format(time.RFC3339)
	}
	if msg := s.lastErr.Load(); msg != nil {
		status["last_error"] = *msg
	}

	return status
}
