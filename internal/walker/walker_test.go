package walker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/fanout"
	"github.com/basekick-labs/logfeed/internal/influx"
	"github.com/basekick-labs/logfeed/internal/influx/influxtest"
	"github.com/basekick-labs/logfeed/internal/ingest"
	"github.com/basekick-labs/logfeed/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLine = `{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"21.5"}`

func writeFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	content := ""
	if len(lines) > 0 {
		content = strings.Join(lines, "\n") + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func line(value string) string {
	return `{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"` + value + `"}`
}

// recordingWriter keeps every batch and fails the batches listed in failOn (1-based)
type recordingWriter struct {
	mu      sync.Mutex
	batches [][]*models.Point
	failOn  map[int]bool
}

func (w *recordingWriter) Write(ctx context.Context, points []*models.Point, dests []destination.Descriptor) (fanout.Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batches = append(w.batches, append([]*models.Point(nil), points...))
	var outcome fanout.Outcome
	for _, d := range dests {
		r := fanout.Result{Destination: d.Name, Points: len(points)}
		if w.failOn[len(w.batches)] && d.Name == "db2" {
			r.Err = errors.New("connection refused")
		}
		outcome.Results = append(outcome.Results, r)
	}
	if failed := outcome.Failed(); len(failed) > 0 {
		return outcome, &fanout.DestinationWriteError{Failures: failed}
	}
	return outcome, nil
}

func twoDests() []destination.Descriptor {
	return []destination.Descriptor{
		{Name: "db1", Host: "h1", Port: 8086, User: "u", Password: "p", Database: "db"},
		{Name: "db2", Host: "h2", Port: 8086, User: "u", Password: "p", Database: "db"},
	}
}

func TestEnumerate(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sensorB", "sensorA", ".hidden"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	writeFile(t, filepath.Join(root, "stray.log"), sampleLine)

	dirs, err := Enumerate(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(root, ".hidden"),
		filepath.Join(root, "sensorA"),
		filepath.Join(root, "sensorB"),
	}, dirs)

	_, err = Enumerate(filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestEnumerateFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.log"))
	writeFile(t, filepath.Join(dir, "a.log"))
	writeFile(t, filepath.Join(dir, "c.LOG"))
	writeFile(t, filepath.Join(dir, "notes.txt"))
	writeFile(t, filepath.Join(dir, "x.log.gz"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "dir.log"), 0755))
	writeFile(t, filepath.Join(dir, ".old", "old.log"))

	files, err := EnumerateFiles(dir, ".log")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.log"), filepath.Join(dir, "b.log")}, files)
}

func TestProcessFileSendsToDestination(t *testing.T) {
	srv := influxtest.NewServer()
	defer srv.Close()

	writer := fanout.New(fanout.DefaultConfig(), fanout.InfluxDialer(influx.DefaultConfig(), zerolog.Nop()), nil, zerolog.Nop())
	defer writer.Close()

	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, sampleLine)

	w := New(DefaultConfig(), writer, zerolog.Nop())
	res, err := w.ProcessFile(context.Background(), path, []destination.Descriptor{srv.Descriptor("db1")})
	require.NoError(t, err)

	assert.Equal(t, 1, res.LinesRead)
	assert.Equal(t, 1, res.PointsSent)
	assert.Equal(t, fanout.Tally{Writes: 1, Points: 1}, res.Tallies["db1"])

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "temp,topic=room1 data=21.5 1672531200000000000", reqs[0].Body)
}

func TestProcessFileOneWritePerLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), line("2"), line("3"))

	rw := &recordingWriter{}
	w := New(DefaultConfig(), rw, zerolog.Nop())
	res, err := w.ProcessFile(context.Background(), path, twoDests())
	require.NoError(t, err)

	require.Len(t, rw.batches, 3)
	for i, b := range rw.batches {
		require.Len(t, b, 1)
		assert.Equal(t, float64(i+1), b[0].Fields[models.DataField])
	}
	assert.Equal(t, 3, res.PointsSent)
	assert.Equal(t, 3, res.Tallies["db1"].Writes)
	assert.Equal(t, 3, res.Tallies["db2"].Writes)
}

func TestProcessFileBatching(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), line("2"), line("3"), line("4"), line("5"))

	cfg := DefaultConfig()
	cfg.BatchSize = 2
	rw := &recordingWriter{}
	res, err := New(cfg, rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
	require.NoError(t, err)

	require.Len(t, rw.batches, 3)
	assert.Len(t, rw.batches[0], 2)
	assert.Len(t, rw.batches[1], 2)
	assert.Len(t, rw.batches[2], 1)
	assert.Equal(t, 5, res.PointsSent)
}

func TestProcessFileBlankAndEmptyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), "", "   ", "{}", line("2"))

	rw := &recordingWriter{}
	res, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
	require.NoError(t, err)

	assert.Equal(t, 5, res.LinesRead)
	assert.Equal(t, 2, res.Records)
	assert.Equal(t, 1, res.EmptyRecords)
	assert.Equal(t, 1, res.LinesSkipped)
	assert.Len(t, rw.batches, 2)
}

func TestProcessFileDecodePolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), "not json", `{"h":"temp"}`, line("2"))

	t.Run("skip", func(t *testing.T) {
		rw := &recordingWriter{}
		res, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
		require.NoError(t, err)
		assert.Equal(t, 2, res.LinesSkipped)
		assert.Equal(t, 2, res.PointsSent)
		assert.Len(t, rw.batches, 2)
	})

	t.Run("abort", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OnDecodeError = DecodeAbort
		rw := &recordingWriter{}
		res, err := New(cfg, rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
		require.Error(t, err)
		assert.True(t, ingest.IsRecordError(err))
		assert.Contains(t, err.Error(), "line 2")
		assert.Len(t, rw.batches, 1)
		assert.Equal(t, 1, res.PointsSent)
	})
}

func TestProcessFileDestinationPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), line("2"), line("3"), line("4"))

	t.Run("abort", func(t *testing.T) {
		rw := &recordingWriter{failOn: map[int]bool{2: true}}
		res, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())

		var dwErr *fanout.DestinationWriteError
		require.True(t, errors.As(err, &dwErr))
		assert.Equal(t, []string{"db2"}, dwErr.Destinations())
		assert.Len(t, rw.batches, 2)
		assert.Equal(t, 1, res.PointsSent)
		assert.Equal(t, fanout.Tally{Writes: 2, Points: 2}, res.Tallies["db1"])
		assert.Equal(t, fanout.Tally{Writes: 1, Failures: 1, Points: 1}, res.Tallies["db2"])
	})

	t.Run("continue", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.OnDestinationError = DestinationContinue
		rw := &recordingWriter{failOn: map[int]bool{2: true, 3: true}}
		res, err := New(cfg, rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())

		var dwErr *fanout.DestinationWriteError
		require.True(t, errors.As(err, &dwErr))
		assert.Len(t, dwErr.Failures, 2)
		assert.Len(t, rw.batches, 4)
		assert.Equal(t, 2, res.PointsSent)
		assert.Equal(t, 4, res.Tallies["db1"].Writes)
		assert.Equal(t, 2, res.Tallies["db2"].Failures)
	})
}

func TestProcessFileCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path, line("1"), line("2"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rw := &recordingWriter{}
	_, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(ctx, path, twoDests())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rw.batches)
}

func TestProcessFileLineTooLong(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	long := `{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"` + strings.Repeat("9", 200) + `"}`
	writeFile(t, path, line("1"), long, line("3"))

	t.Run("skip", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxLineBytes = 128
		rw := &recordingWriter{}
		res, err := New(cfg, rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
		require.NoError(t, err)
		assert.Equal(t, 3, res.LinesRead)
		assert.Equal(t, 1, res.LinesSkipped)
		assert.Equal(t, 2, res.PointsSent)
		require.Len(t, rw.batches, 2)
		assert.Equal(t, 3.0, rw.batches[1][0].Fields["data"])
	})

	t.Run("abort", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxLineBytes = 128
		cfg.OnDecodeError = DecodeAbort
		rw := &recordingWriter{}
		_, err := New(cfg, rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
		assert.ErrorIs(t, err, ErrLineTooLong)
		assert.Len(t, rw.batches, 1)
	})
}

func TestLineReader(t *testing.T) {
	input := "short\n" + strings.Repeat("x", 40) + "\n\n" + strings.Repeat("y", 15) + "\r\nlast"
	lr := newLineReader(strings.NewReader(input), 16)

	var got []string
	var tooLong int
	for {
		b, err := lr.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, ErrLineTooLong) {
			tooLong++
			got = append(got, "<long>")
			continue
		}
		require.NoError(t, err)
		got = append(got, string(b))
	}

	assert.Equal(t, []string{"short", "<long>", "", strings.Repeat("y", 15) + "\r", "last"}, got)
	assert.Equal(t, 1, tooLong)
}

func TestProcessFileEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	writeFile(t, path)

	rw := &recordingWriter{}
	res, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(context.Background(), path, twoDests())
	require.NoError(t, err)
	assert.Equal(t, 0, res.LinesRead)
	assert.Empty(t, rw.batches)
}

func TestProcessFileMissing(t *testing.T) {
	rw := &recordingWriter{}
	_, err := New(DefaultConfig(), rw, zerolog.Nop()).ProcessFile(context.Background(), filepath.Join(t.TempDir(), "nope.log"), twoDests())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
