package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdownable is an interface for components that can be shut down gracefully
type Shutdownable interface {
	Close() error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(ctx context.Context) error

// Coordinator owns the process run context and closes registered components
// in priority order once a signal arrives or shutdown is triggered.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	runCtx    context.Context
	cancelRun context.CancelFunc

	shutdownOnce sync.Once
	triggerOnce  sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error
}

type step struct {
	name     string
	priority int // Lower = shutdown first
	hook     bool
	fn       ShutdownFunc
}

// New creates a new shutdown coordinator
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		timeout:    timeout,
		logger:     logger.With().Str("component", "shutdown").Logger(),
		runCtx:     ctx,
		cancelRun:  cancel,
		shutdownCh: make(chan struct{}),
	}
}

// Context is cancelled as soon as shutdown is triggered. Runs use it as
// their parent so in-flight files are abandoned unarchived.
func (c *Coordinator) Context() context.Context {
	return c.runCtx
}

// Register registers a component for graceful shutdown.
// Priority determines shutdown order (lower = shutdown first).
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.add(step{
		name:     name,
		priority: priority,
		fn:       func(context.Context) error { return component.Close() },
	})
}

// RegisterHook registers a shutdown hook function. Hooks run before components.
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.add(step{name: name, priority: priority, hook: true, fn: hook})
}

func (c *Coordinator) add(s step) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, s)

	c.logger.Debug().
		Str("name", s.name).
		Int("priority", s.priority).
		Bool("hook", s.hook).
		Msg("Registered for shutdown")
}

// WaitForSignal blocks until a shutdown signal is received or shutdown is
// triggered programmatically. The run context is cancelled before it returns.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		c.TriggerShutdown()
		return sig
	case <-c.shutdownCh:
		return syscall.SIGTERM
	}
}

// CancelOnSignal cancels the run context when a signal arrives, without
// blocking the caller. The returned function stops listening.
func (c *Coordinator) CancelOnSignal() (stop func()) {
	done := make(chan struct{})
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			c.logger.Warn().
				Str("signal", sig.String()).
				Msg("Received signal, cancelling run")
			c.TriggerShutdown()
		case <-done:
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// TriggerShutdown cancels the run context and releases WaitForSignal.
// It is safe to call from multiple goroutines concurrently.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Shutdown triggered")
		c.cancelRun()
		close(c.shutdownCh)
	})
}

// Shutdown runs hooks and then closes components, each group in priority
// order. Failures are joined; steps left when the timeout expires are skipped.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.TriggerShutdown()

		c.mu.Lock()
		steps := make([]step, len(c.steps))
		copy(steps, c.steps)
		c.mu.Unlock()

		sortSteps(steps)

		c.logger.Info().
			Dur("timeout", c.timeout).
			Int("steps", len(steps)).
			Msg("Starting graceful shutdown")

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		start := time.Now()
		var errs []error

		for _, s := range steps {
			if ctx.Err() != nil {
				c.logger.Warn().
					Str("name", s.name).
					Msg("Shutdown timeout reached, skipping remaining steps")
				errs = append(errs, ctx.Err())
				break
			}

			if err := c.runStep(ctx, s); err != nil {
				c.logger.Error().
					Err(err).
					Str("name", s.name).
					Msg("Shutdown step failed")
				errs = append(errs, err)
			}
		}

		c.shutdownErr = errors.Join(errs...)
		c.logger.Info().
			Dur("duration", time.Since(start)).
			Msg("Graceful shutdown complete")
	})

	return c.shutdownErr
}

// runStep executes s but gives up once ctx expires
func (c *Coordinator) runStep(ctx context.Context, s step) error {
	done := make(chan error, 1)
	go func() { done <- s.fn(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sortSteps orders hooks before components, then by ascending priority,
// keeping registration order for ties.
func sortSteps(steps []step) {
	sort.SliceStable(steps, func(i, j int) bool {
		if steps[i].hook != steps[j].hook {
			return steps[i].hook
		}
		return steps[i].priority < steps[j].priority
	})
}

// Priorities for logfeed components
const (
	PriorityScheduler  = 10 // Stop triggering runs, wait for the active one
	PriorityHTTPServer = 20 // Status server
	PriorityFanout     = 40 // Pooled destination clients
	PriorityArchive    = 50 // Archive storage backend
	PriorityLedger     = 60 // Run ledger database
	PriorityLog        = 90 // Log file last
)
