package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds the forwarder counters for the JSON and Prometheus endpoints.
type Metrics struct {
	startTime time.Time

	// Run metrics
	runsTotal        atomic.Int64
	runsFailed       atomic.Int64
	runsSkipped      atomic.Int64
	runDurationSum   atomic.Int64 // milliseconds
	lastRunUnix      atomic.Int64
	destinationsSeen atomic.Int64

	// File metrics
	filesProcessed atomic.Int64
	filesArchived  atomic.Int64
	filesFailed    atomic.Int64

	// Record metrics
	linesRead    atomic.Int64
	linesSkipped atomic.Int64
	pointsSent   atomic.Int64

	// Per-destination write metrics
	destMu sync.RWMutex
	dests  map[string]*destinationCounters

	logger zerolog.Logger
}

type destinationCounters struct {
	writesOK     atomic.Int64
	writesFailed atomic.Int64
	points       atomic.Int64
	latencySum   atomic.Int64 // microseconds
}

// DestinationStats is a point-in-time copy of one destination's counters.
type DestinationStats struct {
	Name          string `json:"name"`
	WritesOK      int64  `json:"writes_ok"`
	WritesFailed  int64  `json:"writes_failed"`
	PointsWritten int64  `json:"points_written"`
	LatencySumUS  int64  `json:"latency_sum_us"`
}

// New creates an empty metrics collector.
func New(logger zerolog.Logger) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		dests:     make(map[string]*destinationCounters),
		logger:    logger.With().Str("component", "metrics").Logger(),
	}
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Run Metrics
func (m *Metrics) IncRuns()                { m.runsTotal.Add(1) }
func (m *Metrics) IncRunsFailed()          { m.runsFailed.Add(1) }
func (m *Metrics) IncRunsSkipped()         { m.runsSkipped.Add(1) }
func (m *Metrics) SetDestinations(n int64) { m.destinationsSeen.Store(n) }

// RecordRunDuration adds a finished run's wall time and marks it as the last run.
func (m *Metrics) RecordRunDuration(d time.Duration) {
	m.runDurationSum.Add(d.Milliseconds())
	m.lastRunUnix.Store(time.Now().Unix())
}

// File Metrics
func (m *Metrics) IncFilesProcessed() { m.filesProcessed.Add(1) }
func (m *Metrics) IncFilesArchived()  { m.filesArchived.Add(1) }
func (m *Metrics) IncFilesFailed()    { m.filesFailed.Add(1) }

// Record Metrics
func (m *Metrics) AddLinesRead(n int64)    { m.linesRead.Add(n) }
func (m *Metrics) AddLinesSkipped(n int64) { m.linesSkipped.Add(n) }
func (m *Metrics) AddPointsSent(n int64)   { m.pointsSent.Add(n) }

// RecordWrite records one batch write attempt against a destination.
func (m *Metrics) RecordWrite(destination string, points int, ok bool, d time.Duration) {
	c := m.destination(destination)
	if ok {
		c.writesOK.Add(1)
		c.points.Add(int64(points))
	} else {
		c.writesFailed.Add(1)
	}
	c.latencySum.Add(d.Microseconds())
}

func (m *Metrics) destination(name string) *destinationCounters {
	m.destMu.RLock()
	c, ok := m.dests[name]
	m.destMu.RUnlock()
	if ok {
		return c
	}

	m.destMu.Lock()
	defer m.destMu.Unlock()
	if c, ok = m.dests[name]; ok {
		return c
	}
	c = &destinationCounters{}
	m.dests[name] = c
	return c
}

// Destinations returns per-destination counters sorted by name.
func (m *Metrics) Destinations() []DestinationStats {
	m.destMu.RLock()
	out := make([]DestinationStats, 0, len(m.dests))
	for name, c := range m.dests {
		out = append(out, DestinationStats{
			Name:          name,
			WritesOK:      c.writesOK.Load(),
			WritesFailed:  c.writesFailed.Load(),
			PointsWritten: c.points.Load(),
			LatencySumUS:  c.latencySum.Load(),
		})
	}
	m.destMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot returns all metrics as a map (for JSON endpoint)
func (m *Metrics) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		// Process info
		"uptime_seconds": time.Since(m.startTime).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),

		// Memory (Go runtime)
		"memory_alloc_bytes":      memStats.Alloc,
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"gc_cycles":               memStats.NumGC,

		// Runs
		"runs_total":          m.runsTotal.Load(),
		"runs_failed":         m.runsFailed.Load(),
		"runs_skipped":        m.runsSkipped.Load(),
		"run_duration_sum_ms": m.runDurationSum.Load(),
		"last_run_unix":       m.lastRunUnix.Load(),
		"destinations":        m.destinationsSeen.Load(),

		// Files
		"files_processed_total": m.filesProcessed.Load(),
		"files_archived_total":  m.filesArchived.Load(),
		"files_failed_total":    m.filesFailed.Load(),

		// Records
		"lines_read_total":    m.linesRead.Load(),
		"lines_skipped_total": m.linesSkipped.Load(),
		"points_sent_total":   m.pointsSent.Load(),

		"destination_writes": m.Destinations(),
	}
}

// PrometheusFormat returns metrics in Prometheus text exposition format
func (m *Metrics) PrometheusFormat() string {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	var b []byte
	b = append(b, "# HELP logfeed_uptime_seconds Time since the process started\n"...)
	b = append(b, "# TYPE logfeed_uptime_seconds gauge\n"...)
	b = appendMetric(b, "logfeed_uptime_seconds", time.Since(m.startTime).Seconds())

	b = append(b, "# HELP logfeed_goroutines Number of goroutines\n"...)
	b = append(b, "# TYPE logfeed_goroutines gauge\n"...)
	b = appendMetric(b, "logfeed_goroutines", float64(runtime.NumGoroutine()))

	b = append(b, "# HELP logfeed_memory_alloc_bytes Current allocated memory\n"...)
	b = append(b, "# TYPE logfeed_memory_alloc_bytes gauge\n"...)
	b = appendMetric(b, "logfeed_memory_alloc_bytes", float64(memStats.Alloc))

	// Run metrics
	b = append(b, "# HELP logfeed_runs_total Completed runs\n"...)
	b = append(b, "# TYPE logfeed_runs_total counter\n"...)
	b = appendMetric(b, "logfeed_runs_total", float64(m.runsTotal.Load()))

	b = append(b, "# HELP logfeed_runs_failed_total Runs that ended with an error or failed files\n"...)
	b = append(b, "# TYPE logfeed_runs_failed_total counter\n"...)
	b = appendMetric(b, "logfeed_runs_failed_total", float64(m.runsFailed.Load()))

	b = append(b, "# HELP logfeed_runs_skipped_total Scheduled runs skipped because a run was active\n"...)
	b = append(b, "# TYPE logfeed_runs_skipped_total counter\n"...)
	b = appendMetric(b, "logfeed_runs_skipped_total", float64(m.runsSkipped.Load()))

	b = append(b, "# HELP logfeed_run_duration_milliseconds_sum Total run wall time\n"...)
	b = append(b, "# TYPE logfeed_run_duration_milliseconds_sum counter\n"...)
	b = appendMetric(b, "logfeed_run_duration_milliseconds_sum", float64(m.runDurationSum.Load()))

	b = append(b, "# HELP logfeed_last_run_timestamp_seconds Unix time of the last finished run\n"...)
	b = append(b, "# TYPE logfeed_last_run_timestamp_seconds gauge\n"...)
	b = appendMetric(b, "logfeed_last_run_timestamp_seconds", float64(m.lastRunUnix.Load()))

	b = append(b, "# HELP logfeed_destinations Destinations in the current set\n"...)
	b = append(b, "# TYPE logfeed_destinations gauge\n"...)
	b = appendMetric(b, "logfeed_destinations", float64(m.destinationsSeen.Load()))

	// File metrics
	b = append(b, "# HELP logfeed_files_total Files by outcome\n"...)
	b = append(b, "# TYPE logfeed_files_total counter\n"...)
	b = appendMetricWithLabel(b, "logfeed_files_total", "outcome", "processed", float64(m.filesProcessed.Load()))
	b = appendMetricWithLabel(b, "logfeed_files_total", "outcome", "archived", float64(m.filesArchived.Load()))
	b = appendMetricWithLabel(b, "logfeed_files_total", "outcome", "failed", float64(m.filesFailed.Load()))

	// Record metrics
	b = append(b, "# HELP logfeed_lines_read_total Lines read from input files\n"...)
	b = append(b, "# TYPE logfeed_lines_read_total counter\n"...)
	b = appendMetric(b, "logfeed_lines_read_total", float64(m.linesRead.Load()))

	b = append(b, "# HELP logfeed_lines_skipped_total Lines skipped as undecodable or empty\n"...)
	b = append(b, "# TYPE logfeed_lines_skipped_total counter\n"...)
	b = appendMetric(b, "logfeed_lines_skipped_total", float64(m.linesSkipped.Load()))

	b = append(b, "# HELP logfeed_points_sent_total Points accepted by every destination\n"...)
	b = append(b, "# TYPE logfeed_points_sent_total counter\n"...)
	b = appendMetric(b, "logfeed_points_sent_total", float64(m.pointsSent.Load()))

	// Destination metrics
	dests := m.Destinations()
	b = append(b, "# HELP logfeed_destination_writes_total Batch writes per destination and result\n"...)
	b = append(b, "# TYPE logfeed_destination_writes_total counter\n"...)
	for _, d := range dests {
		b = appendMetricWithLabels(b, "logfeed_destination_writes_total", d.Name, "ok", float64(d.WritesOK))
		b = appendMetricWithLabels(b, "logfeed_destination_writes_total", d.Name, "error", float64(d.WritesFailed))
	}

	b = append(b, "# HELP logfeed_destination_points_total Points written per destination\n"...)
	b = append(b, "# TYPE logfeed_destination_points_total counter\n"...)
	for _, d := range dests {
		b = appendMetricWithLabel(b, "logfeed_destination_points_total", "destination", d.Name, float64(d.PointsWritten))
	}

	return string(b)
}

// Helper functions for Prometheus format
func appendMetric(b []byte, name string, value float64) []byte {
	b = append(b, name...)
	b = append(b, ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabel(b []byte, name, labelName, labelValue string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = appendLabel(b, labelName, labelValue)
	b = append(b, '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendMetricWithLabels(b []byte, name, destination, result string, value float64) []byte {
	b = append(b, name...)
	b = append(b, '{')
	b = appendLabel(b, "destination", destination)
	b = append(b, ',')
	b = appendLabel(b, "result", result)
	b = append(b, '}', ' ')
	b = appendFloat(b, value)
	b = append(b, '\n')
	return b
}

func appendLabel(b []byte, name, value string) []byte {
	b = append(b, name...)
	b = append(b, '=', '"')
	for i := 0; i < len(value); i++ {
		switch c := value[i]; c {
		case '\\', '"':
			b = append(b, '\\', c)
		case '\n':
			b = append(b, '\\', 'n')
		default:
			b = append(b, c)
		}
	}
	return append(b, '"')
}

func appendFloat(b []byte, v float64) []byte {
	if v == float64(int64(v)) {
		return appendInt(b, int64(v))
	}
	// Up to 6 decimal places
	intPart := int64(v)
	fracPart := int64((v - float64(intPart)) * 1000000)
	if fracPart < 0 {
		fracPart = -fracPart
	}
	b = appendInt(b, intPart)
	b = append(b, '.')
	for pad := int64(100000); pad > 1 && fracPart < pad; pad /= 10 {
		b = append(b, '0')
	}
	return appendInt(b, fracPart)
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	if v == 0 {
		return append(b, '0')
	}
	var digits [20]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(b, digits[i:]...)
}
