// Package logger builds the process logger and the in-memory ring of recent entries.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultBufferSize is the number of recent entries kept for /api/v1/logs
const DefaultBufferSize = 10000

// Output is a configured root logger together with its recent-entry buffer
type Output struct {
	Logger zerolog.Logger
	Buffer *LogBuffer

	file *os.File
}

// Setup builds a root logger writing JSON or console output to stdout, or to
// file in append mode when file is set. Every entry is also kept in Buffer.
func Setup(level, format, file string) (*Output, error) {
	out := &Output{Buffer: NewLogBuffer(DefaultBufferSize)}

	var base io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out.file = f
		base = f
	}

	if strings.ToLower(format) == "console" {
		base = zerolog.ConsoleWriter{
			Out:        base,
			TimeFormat: time.RFC3339,
			NoColor:    file != "",
		}
	}

	// The buffer always receives the JSON form of each entry
	output := zerolog.MultiLevelWriter(base, NewLogBufferWriter(out.Buffer, nil))

	out.Logger = zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Caller().
		Logger()

	return out, nil
}

// Close closes the log file, if any
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// parseLevel converts string level to zerolog.Level. "critical" maps to
// error, the most severe level the forwarder emits.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error", "critical":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level names a known log level
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error", "critical", "fatal", "panic":
		return true
	}
	return false
}
