package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Caller    string    `json:"caller,omitempty"`
}

// LogBuffer is a circular buffer that stores recent log entries
type LogBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	size     int
	writePos int
	count    int
}

// NewLogBuffer creates a new log buffer with specified capacity
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
		size:    size,
	}
}

// Add adds a log entry to the buffer
func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.writePos] = entry
	b.writePos = (b.writePos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
}

// GetRecent returns the most recent log entries
func (b *LogBuffer) GetRecent(limit int, level string, sinceMinutes int) []LogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}

	cutoffTime := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
	levelUpper := strings.ToUpper(level)

	// Collect matching entries from most recent to oldest
	var result []LogEntry
	for i := 0; i < b.count && len(result) < limit; i++ {
		idx := (b.writePos - 1 - i + b.size) % b.size
		entry := b.entries[idx]

		// Skip if before cutoff time
		if entry.Timestamp.Before(cutoffTime) {
			continue
		}

		// Filter by level if specified
		if levelUpper != "" && !matchesLevel(entry.Level, levelUpper) {
			continue
		}

		result = append(result, entry)
	}

	return result
}

// matchesLevel checks if the entry level matches or exceeds the filter level
func matchesLevel(entryLevel, filterLevel string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
		"FATAL": 4,
	}

	entryPriority, ok1 := levels[strings.ToUpper(entryLevel)]
	filterPriority, ok2 := levels[filterLevel]

	if !ok1 || !ok2 {
		return strings.EqualFold(entryLevel, filterLevel)
	}

	return entryPriority >= filterPriority
}

// Count returns the current number of entries in the buffer
func (b *LogBuffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// LogBufferWriter is an io.Writer that captures zerolog JSON output into a buffer
type LogBufferWriter struct {
	buffer   *LogBuffer
	original io.Writer
}

// NewLogBufferWriter creates a writer that stores entries in buffer and
// forwards the raw bytes to original when it is not nil
func NewLogBufferWriter(buffer *LogBuffer, original io.Writer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer:   buffer,
		original: original,
	}
}

// Write implements io.Writer
func (w *LogBufferWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	if entry, ok := parseLogLine(p); ok {
		w.buffer.Add(entry)
	}
	return n, err
}

// parseLogLine extracts an entry from one zerolog JSON line
func parseLogLine(line []byte) (LogEntry, bool) {
	var raw struct {
		Level     string `json:"level"`
		Component string `json:"component"`
		Message   string `json:"message"`
		Caller    string `json:"caller"`
		Time      string `json:"time"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}
	if raw.Message == "" && raw.Level == "" {
		return LogEntry{}, false
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     strings.ToUpper(raw.Level),
		Component: raw.Component,
		Message:   raw.Message,
		Caller:    raw.Caller,
	}
	if t, err := time.Parse(time.RFC3339, raw.Time); err == nil {
		entry.Timestamp = t
	}
	return entry, true
}
