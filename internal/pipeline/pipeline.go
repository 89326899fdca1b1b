// Package pipeline runs one full pass over the input tree: every eligible
// file is forwarded to every destination and archived once fully sent.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/basekick-labs/logfeed/internal/archive"
	"github.com/basekick-labs/logfeed/internal/audit"
	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/fanout"
	"github.com/basekick-labs/logfeed/internal/walker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DestinationSource yields the destination set for a run
type DestinationSource interface {
	Current() ([]destination.Descriptor, error)
}

// FileProcessor forwards the records of a single file
type FileProcessor interface {
	ProcessFile(ctx context.Context, path string, dests []destination.Descriptor) (walker.FileResult, error)
}

// Ledger persists run and file outcomes
type Ledger interface {
	RecordFile(ctx context.Context, e *audit.FileEntry) error
	RecordRun(ctx context.Context, r *audit.RunEntry) error
}

// Recorder receives run counters
type Recorder interface {
	IncRuns()
	IncRunsFailed()
	SetDestinations(n int64)
	RecordRunDuration(d time.Duration)
	IncFilesProcessed()
	IncFilesArchived()
	IncFilesFailed()
	AddLinesRead(n int64)
	AddLinesSkipped(n int64)
	AddPointsSent(n int64)
}

// Config holds run settings
type Config struct {
	Root        string
	Extension   string
	FileWorkers int
}

// Deps are the collaborators of a pipeline. Ledger and Metrics are optional.
type Deps struct {
	Destinations DestinationSource
	Processor    FileProcessor
	Archiver     archive.Archiver
	Ledger       Ledger
	Metrics      Recorder
}

// FileSummary is the outcome of one file
type FileSummary struct {
	walker.FileResult
	Subdir   string `json:"subdirectory"`
	Archived bool   `json:"archived"`
	Error    string `json:"error,omitempty"`
}

// Summary aggregates one run
type Summary struct {
	RunID         string         `json:"run_id"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Subdirs       int            `json:"subdirectories"`
	FilesSeen     int            `json:"files_seen"`
	FilesArchived int            `json:"files_archived"`
	FilesFailed   int            `json:"files_failed"`
	LinesRead     int            `json:"lines_read"`
	PointsSent    int            `json:"points_sent"`
	LinesSkipped  int            `json:"lines_skipped"`
	Destinations  fanout.Tallies `json:"destinations"`
	Files         []FileSummary  `json:"files"`
	Error         string         `json:"error,omitempty"`
}

// OK reports whether the run finished without a run error or failed file
func (s *Summary) OK() bool {
	return s.Error == "" && s.FilesFailed == 0
}

func (s *Summary) add(f FileSummary) {
	s.FilesSeen++
	s.LinesRead += f.LinesRead
	s.PointsSent += f.PointsSent
	s.LinesSkipped += f.LinesSkipped
	s.Destinations.Merge(f.Tallies)
	if f.Archived {
		s.FilesArchived++
	}
	if f.Error != "" {
		s.FilesFailed++
	}
	s.Files = append(s.Files, f)
}

// runState is shared by the files of one run
type runState struct {
	id    string
	log   zerolog.Logger
	dests []destination.Descriptor
}

// Pipeline coordinates runs
type Pipeline struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger

	mu   sync.RWMutex
	last *Summary
}

// New creates a pipeline
func New(cfg Config, deps Deps, logger zerolog.Logger) *Pipeline {
	if cfg.FileWorkers <= 0 {
		cfg.FileWorkers = 1
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run performs one pass. Failed files are logged, recorded and left in place;
// the returned error is reserved for run-level failures such as an unreadable
// root, a missing destination set or cancellation.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{
		RunID:        uuid.NewString(),
		StartedAt:    time.Now().UTC(),
		Destinations: fanout.Tallies{},
	}
	log := p.logger.With().Str("run_id", sum.RunID).Logger()
	p.deps.Metrics.IncRuns()

	dests, err := p.deps.Destinations.Current()
	if err != nil {
		return p.finish(ctx, log, sum, fmt.Errorf("failed to load destinations: %w", err))
	}
	if len(dests) == 0 {
		return p.finish(ctx, log, sum, destination.ErrNoDestinations)
	}
	p.deps.Metrics.SetDestinations(int64(len(dests)))

	subdirs, err := walker.Enumerate(p.cfg.Root)
	if err != nil {
		return p.finish(ctx, log, sum, err)
	}

	run := &runState{id: sum.RunID, log: log, dests: dests}
	log.Info().
		Str("root", p.cfg.Root).
		Int("subdirectories", len(subdirs)).
		Strs("destinations", destination.Names(dests)).
		Msg("Starting run")

	for _, subdir := range subdirs {
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, log, sum, err)
		}
		sum.Subdirs++

		files, err := walker.EnumerateFiles(subdir, p.cfg.Extension)
		if err != nil {
			log.Error().Err(err).Str("subdirectory", subdir).Msg("Skipping unreadable subdirectory")
			continue
		}

		results := p.processSubdir(ctx, run, subdir, files)
		var archived, failed, points int
		for _, f := range results {
			sum.add(f)
			points += f.PointsSent
			if f.Archived {
				archived++
			}
			if f.Error != "" {
				failed++
			}
		}

		log.Info().
			Str("subdirectory", subdir).
			Int("files", len(files)).
			Int("archived", archived).
			Int("failed", failed).
			Int("points_sent", points).
			Msgf("Processed %d files in %s", len(files), filepath.Base(subdir))
	}

	return p.finish(ctx, log, sum, ctx.Err())
}

// processSubdir handles the files of one subdirectory with up to
// FileWorkers files in flight. Results keep the file order.
func (p *Pipeline) processSubdir(ctx context.Context, run *runState, subdir string, files []string) []FileSummary {
	results := make([]FileSummary, len(files))

	var g errgroup.Group
	g.SetLimit(p.cfg.FileWorkers)
	for i, path := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = p.processFile(ctx, run, subdir, path)
			return nil
		})
	}
	g.Wait()

	// Drop files never started because the run was cancelled
	done := results[:0]
	for _, r := range results {
		if r.Path != "" {
			done = append(done, r)
		}
	}
	return done
}

func (p *Pipeline) processFile(ctx context.Context, run *runState, subdir, path string) FileSummary {
	log := run.log
	res, err := p.deps.Processor.ProcessFile(ctx, path, run.dests)
	res.Path = path
	f := FileSummary{FileResult: res, Subdir: filepath.Base(subdir)}

	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		if aerr := p.deps.Archiver.Archive(ctx, subdir, path); aerr != nil {
			err = fmt.Errorf("failed to archive %s: %w", path, aerr)
		} else {
			f.Archived = true
		}
	}

	m := p.deps.Metrics
	m.IncFilesProcessed()
	m.AddLinesRead(int64(res.LinesRead))
	m.AddLinesSkipped(int64(res.LinesSkipped))
	m.AddPointsSent(int64(res.PointsSent))

	if err != nil {
		f.Error = err.Error()
		m.IncFilesFailed()
		ev := log.Error()
		var dwErr *fanout.DestinationWriteError
		if errors.As(err, &dwErr) {
			ev = ev.Strs("destinations", dwErr.Destinations())
		}
		ev.Err(err).
			Str("file", path).
			Int("lines", res.LinesRead).
			Int("points_sent", res.PointsSent).
			Msg("File not archived")
	} else {
		m.IncFilesArchived()
		log.Info().
			Str("file", path).
			Int("lines", res.LinesRead).
			Int("points_sent", res.PointsSent).
			Int("skipped", res.LinesSkipped).
			Msg("File archived")
	}

	if p.deps.Ledger != nil {
		entry := &audit.FileEntry{
			RunID:        run.id,
			Path:         path,
			Subdir:       f.Subdir,
			LinesRead:    res.LinesRead,
			PointsSent:   res.PointsSent,
			LinesSkipped: res.LinesSkipped,
			Archived:     f.Archived,
			Error:        f.Error,
			DurationMs:   res.Duration.Milliseconds(),
			ProcessedAt:  time.Now().UTC(),
		}
		// Ledger writes outlive a cancelled run
		if lerr := p.deps.Ledger.RecordFile(context.WithoutCancel(ctx), entry); lerr != nil {
			log.Warn().Err(lerr).Str("file", path).Msg("Failed to record file outcome")
		}
	}

	return f
}

// finish stamps the summary, records it and keeps it as the last run
func (p *Pipeline) finish(ctx context.Context, log zerolog.Logger, sum *Summary, err error) (*Summary, error) {
	sum.FinishedAt = time.Now().UTC()
	duration := sum.FinishedAt.Sub(sum.StartedAt)
	p.deps.Metrics.RecordRunDuration(duration)

	if err != nil {
		sum.Error = err.Error()
	}
	if !sum.OK() {
		p.deps.Metrics.IncRunsFailed()
	}

	if err != nil {
		log.Error().Err(err).Dur("duration", duration).Msg("Run failed")
	} else {
		ev := log.Info()
		if sum.FilesFailed > 0 {
			ev = log.Warn()
		}
		ev.Int("subdirectories", sum.Subdirs).
			Int("files", sum.FilesSeen).
			Int("archived", sum.FilesArchived).
			Int("failed", sum.FilesFailed).
			Int("lines", sum.LinesRead).
			Int("points_sent", sum.PointsSent).
			Int("skipped", sum.LinesSkipped).
			Dur("duration", duration).
			Msg("Run complete")
	}

	if p.deps.Ledger != nil {
		entry := &audit.RunEntry{
			RunID:         sum.RunID,
			StartedAt:     sum.StartedAt,
			FinishedAt:    sum.FinishedAt,
			Subdirs:       sum.Subdirs,
			FilesSeen:     sum.FilesSeen,
			FilesArchived: sum.FilesArchived,
			FilesFailed:   sum.FilesFailed,
			LinesRead:     sum.LinesRead,
			PointsSent:    sum.PointsSent,
			LinesSkipped:  sum.LinesSkipped,
			Error:         sum.Error,
		}
		if lerr := p.deps.Ledger.RecordRun(context.WithoutCancel(ctx), entry); lerr != nil {
			log.Warn().Err(lerr).Msg("Failed to record run")
		}
	}

	p.mu.Lock()
	p.last = sum
	p.mu.Unlock()

	return sum, err
}

// Last returns the summary of the most recent run, or nil before the first one
func (p *Pipeline) Last() *Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

type nopRecorder struct{}

func (nopRecorder) IncRuns()                        {}
func (nopRecorder) IncRunsFailed()                  {}
func (nopRecorder) SetDestinations(int64)           {}
func (nopRecorder) RecordRunDuration(time.Duration) {}
func (nopRecorder) IncFilesProcessed()              {}
func (nopRecorder) IncFilesArchived()               {}
func (nopRecorder) IncFilesFailed()                 {}
func (nopRecorder) AddLinesRead(int64)              {}
func (nopRecorder) AddLinesSkipped(int64)           {}
func (nopRecorder) AddPointsSent(int64)             {}
