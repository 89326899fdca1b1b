// Package ingest turns JSON log records into time-series points and encodes
// points as InfluxDB Line Protocol.
//
// Record format (one JSON object per line):
//
//	{"h": "<measurement>", "t": "<topic>", "d": "<timestamp>", "v": <value>, ...}
//
// Example:
//
//	{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"21.5"}
//
// becomes
//
//	temp,topic=room1 data=21.5 1672531200000000000
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/basekick-labs/logfeed/pkg/models"
)

// Required record keys
const (
	KeyMeasurement = "h"
	KeyTopic       = "t"
	KeyTime        = "d"
	KeyValue       = "v"
)

// Options controls how records are transformed
type Options struct {
	// TimePrecision is the unit of numeric timestamps: ns (default), us, ms or s
	TimePrecision string

	// IncludeExtraFields adds every key besides h, t, d and v as a coerced field
	IncludeExtraFields bool
}

// timeLayouts are tried in order for string timestamps
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Transform converts one raw log line into a point. It performs no I/O and
// keeps no state.
func Transform(line []byte, opts Options) (*models.Point, error) {
	record, err := decodeObject(line)
	if err != nil {
		return nil, err
	}
	if len(record) == 0 {
		return nil, ErrEmptyRecord
	}

	for _, key := range []string{KeyMeasurement, KeyTopic, KeyTime, KeyValue} {
		if v, ok := record[key]; !ok || v == nil {
			return nil, &MissingFieldError{Field: key}
		}
	}

	measurement, err := scalarString(KeyMeasurement, record[KeyMeasurement])
	if err != nil {
		return nil, err
	}
	topic, err := scalarString(KeyTopic, record[KeyTopic])
	if err != nil {
		return nil, err
	}

	rawTime := plain(record[KeyTime])
	timestamp, err := ResolveTime(rawTime, opts.TimePrecision)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		models.DataField: CoerceNumeric(record[KeyValue]),
	}
	if opts.IncludeExtraFields {
		for key, value := range record {
			switch key {
			case KeyMeasurement, KeyTopic, KeyTime, KeyValue:
				continue
			}
			if value == nil {
				continue
			}
			fields[key] = CoerceNumeric(value)
		}
	}

	return &models.Point{
		Measurement: measurement,
		Tags:        map[string]string{models.TopicTag: topic},
		Time:        rawTime,
		Timestamp:   timestamp,
		Fields:      fields,
	}, nil
}

// decodeObject decodes exactly one JSON object, keeping numbers as json.Number
func decodeObject(line []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Err: errors.New("unexpected data after JSON object")}
	}

	record, ok := raw.(map[string]interface{})
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("expected JSON object, got %T", raw)}
	}
	return record, nil
}

// scalarString renders a JSON scalar as the text it was written with
func scalarString(key string, value interface{}) (string, error) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case json.Number:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	default:
		return "", &MissingFieldError{Field: key, Reason: "must be a string"}
	}

	if strings.TrimSpace(s) == "" {
		return "", &MissingFieldError{Field: key, Reason: "is empty"}
	}
	return s, nil
}

// plain replaces json.Number with its literal text so points never carry decoder types
func plain(value interface{}) interface{} {
	if n, ok := value.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	}
	return value
}

// ResolveTime converts a record timestamp into nanoseconds since the epoch.
// Strings are parsed as dates (RFC 3339 and a few common layouts, UTC when no
// zone is given) or as numbers; numbers are interpreted in precision units.
// Instants that do not fit in int64 nanoseconds are rejected.
func ResolveTime(value interface{}, precision string) (int64, error) {
	scale, err := precisionScale(precision)
	if err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case int64:
		if ns, ok := scaleInt(v, scale); ok {
			return ns, nil
		}
	case int:
		if ns, ok := scaleInt(int64(v), scale); ok {
			return ns, nil
		}
	case float64:
		if ns, ok := scaleFloat(v, scale); ok {
			return ns, nil
		}
	case json.Number:
		return ResolveTime(plain(v), precision)
	case string:
		s := strings.TrimSpace(v)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				if t.Before(minTime) || t.After(maxTime) {
					return 0, &InvalidTimeError{Value: value}
				}
				return t.UnixNano(), nil
			}
		}
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			if ns, ok := scaleInt(i, scale); ok {
				return ns, nil
			}
			return 0, &InvalidTimeError{Value: value}
		}
		if f, ok := parseFinite(s); ok {
			if ns, ok := scaleFloat(f, scale); ok {
				return ns, nil
			}
		}
	}

	return 0, &InvalidTimeError{Value: value}
}

// Range of instants representable as int64 nanoseconds
var (
	minTime = time.Unix(0, math.MinInt64).UTC()
	maxTime = time.Unix(0, math.MaxInt64).UTC()
)

func scaleInt(v, scale int64) (int64, bool) {
	if v > math.MaxInt64/scale || v < math.MinInt64/scale {
		return 0, false
	}
	return v * scale, true
}

func scaleFloat(v float64, scale int64) (int64, bool) {
	ns := v * float64(scale)
	// float64(MaxInt64) rounds up to 2^63, which is already out of range
	if math.IsNaN(ns) || ns >= math.MaxInt64 || ns < math.MinInt64 {
		return 0, false
	}
	return int64(ns), true
}

// precisionScale returns how many nanoseconds one unit of precision spans
func precisionScale(precision string) (int64, error) {
	switch precision {
	case "", "ns":
		return 1, nil
	case "us":
		return int64(time.Microsecond), nil
	case "ms":
		return int64(time.Millisecond), nil
	case "s":
		return int64(time.Second), nil
	default:
		return 0, fmt.Errorf("unsupported time precision %q", precision)
	}
}

// ValidPrecision reports whether precision is a supported timestamp unit
func ValidPrecision(precision string) bool {
	_, err := precisionScale(precision)
	return err == nil
}
