// Package fanout replicates batches of points to every configured destination.
//
// Each destination gets its own attempt for every batch. A failure at one
// destination never prevents the attempt at another; the caller receives the
// per-destination results and decides what a failure means for the file.
package fanout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basekick-labs/logfeed/internal/circuitbreaker"
	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/influx"
	"github.com/basekick-labs/logfeed/internal/ingest"
	"github.com/basekick-labs/logfeed/pkg/models"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConnectionMode controls how long destination clients live
type ConnectionMode string

const (
	// PerWrite opens a fresh client for every write and closes it afterwards
	PerWrite ConnectionMode = "per_write"
	// Pooled keeps one client per destination until Close
	Pooled ConnectionMode = "pooled"
)

// ValidMode reports whether m is a known connection mode
func ValidMode(m ConnectionMode) bool {
	return m == PerWrite || m == Pooled
}

// Sink is a single destination endpoint
type Sink interface {
	Name() string
	Write(ctx context.Context, body []byte) error
	Close() error
}

// Dialer creates a sink for a descriptor
type Dialer func(desc destination.Descriptor) Sink

// InfluxDialer returns a Dialer producing InfluxDB HTTP clients
func InfluxDialer(cfg *influx.Config, logger zerolog.Logger) Dialer {
	return func(desc destination.Descriptor) Sink {
		return influx.NewClient(desc, cfg, logger)
	}
}

// Recorder receives one call per destination attempt
type Recorder interface {
	RecordWrite(destination string, points int, ok bool, d time.Duration)
}

// Config holds fan-out settings
type Config struct {
	Mode     ConnectionMode
	Parallel bool

	// BreakerMaxFailures opens a destination's circuit after this many
	// consecutive failures. Zero disables breakers.
	BreakerMaxFailures int
	BreakerCooldown    time.Duration
}

// DefaultConfig returns default fan-out configuration
func DefaultConfig() Config {
	return Config{
		Mode:               Pooled,
		BreakerMaxFailures: 0,
		BreakerCooldown:    30 * time.Second,
	}
}

// Result is the outcome of one batch at one destination
type Result struct {
	Destination string
	Points      int
	Err         error
	Duration    time.Duration
}

// Outcome holds the per-destination results of one batch, in descriptor order
type Outcome struct {
	Results []Result
}

// OK reports whether every destination accepted the batch
func (o Outcome) OK() bool {
	for _, r := range o.Results {
		if r.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the results that carry an error
func (o Outcome) Failed() []Result {
	var failed []Result
	for _, r := range o.Results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// DestinationWriteError joins the failures of one batch
type DestinationWriteError struct {
	Failures []Result
}

func (e *DestinationWriteError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Destination, f.Err))
	}
	return fmt.Sprintf("write failed for %d destination(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As
func (e *DestinationWriteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Destinations lists the names of the failed destinations
func (e *DestinationWriteError) Destinations() []string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Destination)
	}
	return names
}

// Writer sends batches to a set of destinations
type Writer struct {
	cfg      Config
	dial     Dialer
	recorder Recorder
	base     zerolog.Logger
	logger   zerolog.Logger

	mu       sync.Mutex
	pool     map[destination.Descriptor]Sink
	breakers map[string]*circuitbreaker.CircuitBreaker
}

// New creates a fan-out writer. recorder may be nil.
func New(cfg Config, dial Dialer, recorder Recorder, logger zerolog.Logger) *Writer {
	if cfg.Mode == "" {
		cfg.Mode = Pooled
	}
	return &Writer{
		cfg:      cfg,
		dial:     dial,
		recorder: recorder,
		base:     logger,
		logger:   logger.With().Str("component", "fanout").Logger(),
		pool:     make(map[destination.Descriptor]Sink),
		breakers: make(map[string]*circuitbreaker.CircuitBreaker),
	}
}

// Write encodes points once and attempts the batch at every destination.
// The returned error is a *DestinationWriteError when any destination failed.
func (w *Writer) Write(ctx context.Context, points []*models.Point, dests []destination.Descriptor) (Outcome, error) {
	if len(points) == 0 || len(dests) == 0 {
		return Outcome{}, nil
	}

	body, err := ingest.EncodeBatch(points)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	results := make([]Result, len(dests))
	if w.cfg.Parallel && len(dests) > 1 {
		// No shared cancellation: one failing destination must not cancel the others.
		var g errgroup.Group
		for i, d := range dests {
			g.Go(func() error {
				results[i] = w.writeOne(ctx, d, body, len(points))
				return nil
			})
		}
		g.Wait()
	} else {
		for i, d := range dests {
			results[i] = w.writeOne(ctx, d, body, len(points))
		}
	}

	outcome := Outcome{Results: results}
	failed := outcome.Failed()
	if len(failed) == 0 {
		return outcome, nil
	}
	return outcome, &DestinationWriteError{Failures: failed}
}

func (w *Writer) writeOne(ctx context.Context, d destination.Descriptor, body []byte, points int) Result {
	start := time.Now()
	err := w.breaker(d.Name).Do(ctx, func(ctx context.Context) error {
		sink, release := w.acquire(d)
		defer release()
		return sink.Write(ctx, body)
	})
	res := Result{Destination: d.Name, Points: points, Err: err, Duration: time.Since(start)}

	if w.recorder != nil {
		w.recorder.RecordWrite(d.Name, points, err == nil, res.Duration)
	}
	if err != nil {
		w.logger.Error().
			Err(err).
			Str("destination", d.Name).
			Str("host", d.Host).
			Int("points", points).
			Msg("Failed to write to destination")
	} else {
		w.logger.Debug().
			Str("destination", d.Name).
			Int("points", points).
			Dur("duration", res.Duration).
			Msg("Data sent")
	}
	return res
}

// acquire returns the sink for d and a release func matching the connection mode
func (w *Writer) acquire(d destination.Descriptor) (Sink, func()) {
	if w.cfg.Mode == PerWrite {
		sink := w.dial(d)
		return sink, func() {
			if err := sink.Close(); err != nil {
				w.logger.Warn().Err(err).Str("destination", d.Name).Msg("Failed to close destination client")
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	sink, ok := w.pool[d]
	if !ok {
		sink = w.dial(d)
		w.pool[d] = sink
	}
	return sink, func() {}
}

func (w *Writer) breaker(name string) *circuitbreaker.CircuitBreaker {
	w.mu.Lock()
	defer w.mu.Unlock()

	if cb, ok := w.breakers[name]; ok {
		return cb
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Name:           name,
		MaxFailures:    w.cfg.BreakerMaxFailures,
		Cooldown:       w.cfg.BreakerCooldown,
		HalfOpenProbes: 1,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			w.logger.Warn().
				Str("destination", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Destination circuit state changed")
		},
	}, w.base)
	w.breakers[name] = cb
	return cb
}

// BreakerStats returns the state of every destination breaker seen so far
func (w *Writer) BreakerStats() []circuitbreaker.Stats {
	w.mu.Lock()
	breakers := make([]*circuitbreaker.CircuitBreaker, 0, len(w.breakers))
	for _, cb := range w.breakers {
		breakers = append(breakers, cb)
	}
	w.mu.Unlock()

	stats := make([]circuitbreaker.Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

// Close releases pooled destination clients. The writer can be reused afterwards.
func (w *Writer) Close() error {
	w.mu.Lock()
	pool := w.pool
	w.pool = make(map[destination.Descriptor]Sink)
	w.mu.Unlock()

	var firstErr error
	for d, sink := range pool {
		if err := sink.Close(); err != nil {
			w.logger.Warn().Err(err).Str("destination", d.Name).Msg("Failed to close destination client")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
