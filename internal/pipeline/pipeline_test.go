package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/logfeed/internal/archive"
	"github.com/basekick-labs/logfeed/internal/audit"
	"github.com/basekick-labs/logfeed/internal/destination"
	"github.com/basekick-labs/logfeed/internal/fanout"
	"github.com/basekick-labs/logfeed/internal/influx"
	"github.com/basekick-labs/logfeed/internal/influx/influxtest"
	"github.com/basekick-labs/logfeed/internal/metrics"
	"github.com/basekick-labs/logfeed/internal/walker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRecord = `{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"21.5"}`

type harness struct {
	root     string
	pipeline *Pipeline
	metrics  *metrics.Metrics
	writer   *fanout.Writer
}

// writeSource writes a descriptor source listing the servers as db1, db2, ...
func writeSource(t *testing.T, servers ...*influxtest.Server) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("influxdb:\n")
	for i, s := range servers {
		d := s.Descriptor(fmt.Sprintf("db%d", i+1))
		fmt.Fprintf(&b, "  - name: %s\n    host: %s\n    port: %d\n    user: %s\n    password: %s\n    dbname: %s\n",
			d.Name, d.Host, d.Port, d.User, d.Password, d.Database)
	}
	path := filepath.Join(t.TempDir(), "influx_config.yml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0600))
	return path
}

func writeInput(t *testing.T, root, subdir, name string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, subdir)
	require.NoError(t, os.MkdirAll(dir, 0755))
	path := filepath.Join(dir, name)
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newHarness(t *testing.T, workers int, ledger Ledger, wcfg walker.Config, servers ...*influxtest.Server) *harness {
	t.Helper()
	logger := zerolog.Nop()

	registry, err := destination.NewRegistry(writeSource(t, servers...), logger)
	require.NoError(t, err)

	m := metrics.New(logger)
	fcfg := fanout.DefaultConfig()
	fcfg.BreakerMaxFailures = 0
	writer := fanout.New(fcfg, fanout.InfluxDialer(influx.DefaultConfig(), logger), m, logger)
	t.Cleanup(func() { writer.Close() })

	root := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.MkdirAll(root, 0755))

	deps := Deps{
		Destinations: registry,
		Processor:    walker.New(wcfg, writer, logger),
		Archiver:     archive.NewLocalArchiver(archive.DefaultSuffix, logger),
		Metrics:      m,
	}
	if ledger != nil {
		deps.Ledger = ledger
	}

	p := New(Config{Root: root, Extension: ".log", FileWorkers: workers}, deps, logger)
	return &harness{root: root, pipeline: p, metrics: m, writer: writer}
}

func TestRunForwardsAndArchives(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1)
	src := writeInput(t, h.root, "sensorA", "a.log", sampleRecord)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, sum.OK())

	reqs := db1.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "temp,topic=room1 data=21.5 1672531200000000000", reqs[0].Body)
	assert.Equal(t, "telemetry", reqs[0].Database)

	assert.NoFileExists(t, src)
	assert.FileExists(t, filepath.Join(h.root, "sensorA", ".old", "a.log"))

	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, 1, sum.Subdirs)
	assert.Equal(t, 1, sum.FilesSeen)
	assert.Equal(t, 1, sum.FilesArchived)
	assert.Equal(t, 1, sum.LinesRead)
	assert.Equal(t, 1, sum.PointsSent)
	assert.Equal(t, fanout.Tally{Writes: 1, Points: 1}, sum.Destinations["db1"])
	require.Len(t, sum.Files, 1)
	assert.Equal(t, "sensorA", sum.Files[0].Subdir)
	assert.True(t, sum.Files[0].Archived)
	assert.Same(t, sum, h.pipeline.Last())

	snap := h.metrics.Snapshot()
	assert.Equal(t, int64(1), snap["files_archived_total"])
	assert.Equal(t, int64(1), snap["points_sent_total"])
}

func TestRunIsIdempotent(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1)
	writeInput(t, h.root, "sensorA", "a.log", sampleRecord)

	_, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, sum.FilesSeen)
	assert.Equal(t, 1, db1.Attempts())
}

func TestRunOneAttemptPerLinePerDestination(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()
	db2 := influxtest.NewServer()
	defer db2.Close()

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1, db2)
	writeInput(t, h.root, "sensorA", "a.log",
		`{"h":"temp","t":"room1","d":1672531200000000000,"v":1}`,
		`{"h":"temp","t":"room1","d":1672531201000000000,"v":2}`,
		`{"h":"temp","t":"room1","d":1672531202000000000,"v":3}`,
	)
	// Wrong extension, never read
	writeInput(t, h.root, "sensorA", "notes.txt", sampleRecord)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, db1.Attempts())
	assert.Equal(t, 3, db2.Attempts())
	assert.Equal(t, 1, sum.FilesArchived)
	assert.FileExists(t, filepath.Join(h.root, "sensorA", "notes.txt"))
}

func TestRunLeavesFileWhenDestinationFails(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()
	db2 := influxtest.NewServer()
	defer db2.Close()
	db2.FailWith(http.StatusInternalServerError)

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1, db2)
	src := writeInput(t, h.root, "sensorA", "a.log", sampleRecord, sampleRecord)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err, "a failed file is not a run error")
	assert.False(t, sum.OK())
	assert.Equal(t, 1, sum.FilesFailed)
	assert.Equal(t, 0, sum.FilesArchived)

	// db2 failed on the first batch, which still reached db1
	assert.Equal(t, 1, db1.Attempts())
	assert.Equal(t, 1, db2.Attempts())
	assert.FileExists(t, src)
	assert.NoDirExists(t, filepath.Join(h.root, "sensorA", ".old"))
	assert.Contains(t, sum.Files[0].Error, "db2")
	assert.Equal(t, fanout.Tally{Failures: 1}, sum.Destinations["db2"])
}

func TestRunContinuePolicySendsRemainingLines(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()
	db2 := influxtest.NewServer()
	defer db2.Close()
	db2.FailWith(http.StatusServiceUnavailable)

	wcfg := walker.DefaultConfig()
	wcfg.OnDestinationError = walker.DestinationContinue
	h := newHarness(t, 1, nil, wcfg, db1, db2)
	src := writeInput(t, h.root, "sensorA", "a.log", sampleRecord, sampleRecord, sampleRecord)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, db1.Attempts())
	assert.Equal(t, 3, db2.Attempts())
	assert.Equal(t, 1, sum.FilesFailed)
	assert.FileExists(t, src)
}

func TestRunWithFileWorkers(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	h := newHarness(t, 3, nil, walker.DefaultConfig(), db1)
	for _, sub := range []string{"sensorA", "sensorB"} {
		for i := 0; i < 4; i++ {
			writeInput(t, h.root, sub, fmt.Sprintf("%d.log", i), sampleRecord)
		}
	}

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Subdirs)
	assert.Equal(t, 8, sum.FilesArchived)
	assert.Equal(t, 8, db1.Attempts())

	// File order is kept within a subdirectory
	require.Len(t, sum.Files, 8)
	assert.Equal(t, filepath.Join(h.root, "sensorA", "0.log"), sum.Files[0].Path)
	assert.Equal(t, filepath.Join(h.root, "sensorB", "3.log"), sum.Files[7].Path)
}

func TestRunEmptyFileIsArchived(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1)
	writeInput(t, h.root, "sensorA", "empty.log")

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.FilesArchived)
	assert.Equal(t, 0, db1.Attempts())
}

func TestRunRecordsLedger(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	db, err := audit.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	ledger, err := audit.NewLedger(&audit.LedgerConfig{DB: db, Logger: zerolog.Nop()})
	require.NoError(t, err)

	h := newHarness(t, 1, ledger, walker.DefaultConfig(), db1)
	writeInput(t, h.root, "sensorA", "a.log", sampleRecord, `{}`)

	sum, err := h.pipeline.Run(context.Background())
	require.NoError(t, err)

	last, err := ledger.LastRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sum.RunID, last.RunID)
	assert.Equal(t, 1, last.FilesArchived)

	files, err := ledger.Files(context.Background(), sum.RunID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Archived)
	assert.Equal(t, 2, files[0].LinesRead)
	assert.Equal(t, 1, files[0].LinesSkipped)
}

type failingSource struct{ err error }

func (s failingSource) Current() ([]destination.Descriptor, error) { return nil, s.err }

type unusedProcessor struct{ t *testing.T }

func (p unusedProcessor) ProcessFile(context.Context, string, []destination.Descriptor) (walker.FileResult, error) {
	p.t.Error("no file should be processed")
	return walker.FileResult{}, nil
}

func TestRunFailsWithoutDestinations(t *testing.T) {
	m := metrics.New(zerolog.Nop())
	p := New(Config{Root: t.TempDir(), Extension: ".log"}, Deps{
		Destinations: failingSource{err: destination.ErrNoDestinations},
		Processor:    unusedProcessor{t},
		Archiver:     archive.NewLocalArchiver("", zerolog.Nop()),
		Metrics:      m,
	}, zerolog.Nop())

	sum, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, destination.ErrNoDestinations))
	assert.False(t, sum.OK())
	assert.Equal(t, int64(1), m.Snapshot()["runs_failed"])
}

type staticSource []destination.Descriptor

func (s staticSource) Current() ([]destination.Descriptor, error) { return s, nil }

func TestRunFailsOnUnreadableRoot(t *testing.T) {
	p := New(Config{Root: filepath.Join(t.TempDir(), "missing"), Extension: ".log"}, Deps{
		Destinations: staticSource{{Name: "db1"}},
		Processor:    unusedProcessor{t},
		Archiver:     archive.NewLocalArchiver("", zerolog.Nop()),
	}, zerolog.Nop())

	_, err := p.Run(context.Background())
	assert.Error(t, err)
}

func TestRunCancelledLeavesFiles(t *testing.T) {
	db1 := influxtest.NewServer()
	defer db1.Close()

	h := newHarness(t, 1, nil, walker.DefaultConfig(), db1)
	src := writeInput(t, h.root, "sensorA", "a.log", sampleRecord)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.pipeline.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.FilesArchived)
	assert.FileExists(t, src)
	assert.Equal(t, 0, db1.Attempts())
}
