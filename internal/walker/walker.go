// Package walker finds input files and forwards their records line by line.
package walker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/fanout"
	"github.com/basekick-labs/logfeed/internal/ingest"
	"github.com/basekick-labs/logfeed/pkg/models"
	"github.com/rs/zerolog"
)

// Decode error policies
const (
	DecodeSkip  = "skip"
	DecodeAbort = "abort"
)

// Destination error policies
const (
	DestinationAbort    = "abort"
	DestinationContinue = "continue"
)

// DefaultMaxLineBytes bounds a single input line
const DefaultMaxLineBytes = 1024 * 1024

// Config holds per-file processing settings
type Config struct {
	BatchSize          int
	MaxLineBytes       int
	OnDecodeError      string
	OnDestinationError string
	Transform          ingest.Options
}

// DefaultConfig returns default walker configuration
func DefaultConfig() Config {
	return Config{
		BatchSize:          1,
		MaxLineBytes:       DefaultMaxLineBytes,
		OnDecodeError:      DecodeSkip,
		OnDestinationError: DestinationAbort,
	}
}

// BatchWriter sends a batch of points to every destination
type BatchWriter interface {
	Write(ctx context.Context, points []*models.Point, dests []destination.Descriptor) (fanout.Outcome, error)
}

// FileResult is the processing state of one file
type FileResult struct {
	Path         string         `json:"path"`
	LinesRead    int            `json:"lines_read"`
	Records      int            `json:"records"`
	PointsSent   int            `json:"points_sent"`
	LinesSkipped int            `json:"lines_skipped"`
	EmptyRecords int            `json:"empty_records"`
	Tallies      fanout.Tallies `json:"destinations"`
	Duration     time.Duration  `json:"duration"`
}

// Walker reads files and hands their records to a BatchWriter
type Walker struct {
	cfg    Config
	writer BatchWriter
	logger zerolog.Logger
}

// New creates a walker
func New(cfg Config, writer BatchWriter, logger zerolog.Logger) *Walker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.OnDecodeError == "" {
		cfg.OnDecodeError = DecodeSkip
	}
	if cfg.OnDestinationError == "" {
		cfg.OnDestinationError = DestinationAbort
	}
	return &Walker{
		cfg:    cfg,
		writer: writer,
		logger: logger.With().Str("component", "walker").Logger(),
	}
}

// Enumerate returns the immediate subdirectories of root, sorted
func Enumerate(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// EnumerateFiles returns the regular files in dir whose name ends with ext, sorted
func EnumerateFiles(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// ProcessFile forwards every record of path to dests. A nil error means every
// record reached every destination and the file may be archived.
func (w *Walker) ProcessFile(ctx context.Context, path string, dests []destination.Descriptor) (FileResult, error) {
	start := time.Now()
	res := FileResult{Path: path, Tallies: fanout.Tallies{}}
	log := w.logger.With().Str("file", path).Logger()

	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	lines := newLineReader(f, w.cfg.MaxLineBytes)

	var (
		batch     = make([]*models.Point, 0, w.cfg.BatchSize)
		failures  []fanout.Result
		lineNo    int
		sendErr   error
		firstLine int
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		outcome, err := w.writer.Write(ctx, batch, dests)
		res.Tallies.Add(outcome)

		var dwErr *fanout.DestinationWriteError
		switch {
		case err == nil:
			res.PointsSent += len(batch)
		case errors.As(err, &dwErr):
			log.Error().
				Strs("destinations", dwErr.Destinations()).
				Int("line", firstLine).
				Int("points", len(batch)).
				Msg("Data not written")
			failures = append(failures, dwErr.Failures...)
			if w.cfg.OnDestinationError == DestinationAbort {
				batch = batch[:0]
				return &fanout.DestinationWriteError{Failures: failures}
			}
		default:
			batch = batch[:0]
			return err
		}
		batch = batch[:0]
		return nil
	}

scan:
	for {
		if err := ctx.Err(); err != nil {
			sendErr = err
			break
		}

		raw, err := lines.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, ErrLineTooLong) {
			sendErr = fmt.Errorf("failed to read %s after line %d: %w", path, lineNo, err)
			break
		}

		lineNo++
		res.LinesRead++
		if err != nil {
			if w.cfg.OnDecodeError == DecodeAbort {
				sendErr = fmt.Errorf("line %d: %w", lineNo, err)
				break
			}
			log.Warn().Int("line", lineNo).Int("max_bytes", w.cfg.MaxLineBytes).Msg("Skipping overlong line")
			res.LinesSkipped++
			continue
		}

		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}

		point, err := ingest.Transform(line, w.cfg.Transform)
		switch {
		case errors.Is(err, ingest.ErrEmptyRecord):
			log.Warn().Int("line", lineNo).Msg("No data sent")
			res.EmptyRecords++
			res.LinesSkipped++
			continue
		case err != nil && w.cfg.OnDecodeError == DecodeAbort:
			sendErr = fmt.Errorf("line %d: %w", lineNo, err)
			break scan
		case err != nil:
			log.Warn().Err(err).Int("line", lineNo).Msg("Skipping invalid record")
			res.LinesSkipped++
			continue
		}

		res.Records++
		if len(batch) == 0 {
			firstLine = lineNo
		}
		batch = append(batch, point)
		if len(batch) >= w.cfg.BatchSize {
			if err := flush(); err != nil {
				sendErr = err
				break
			}
		}
	}

	if sendErr == nil {
		if err := ctx.Err(); err != nil {
			sendErr = err
		} else {
			sendErr = flush()
		}
	}
	if sendErr == nil && len(failures) > 0 {
		sendErr = &fanout.DestinationWriteError{Failures: failures}
	}

	res.Duration = time.Since(start)
	log.Info().
		Int("lines", res.LinesRead).
		Int("points_sent", res.PointsSent).
		Int("skipped", res.LinesSkipped).
		Dur("duration", res.Duration).
		Msgf("Read %d records from file", res.LinesRead)

	return res, sendErr
}
