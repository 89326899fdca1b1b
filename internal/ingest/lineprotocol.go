package ingest

// This file implements InfluxDB Line Protocol encoding for outbound writes and
// a matching parser used to inspect what was written.
//
// Line Protocol Format:
//
//	measurement[,tag_key=tag_value...] field_key=field_value[,field_key=field_value...] [timestamp]

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/basekick-labs/logfeed/pkg/models"
)

// ErrNoFields is returned when a point has no field that can be encoded
var ErrNoFields = errors.New("point has no encodable fields")

var (
	measurementEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ",", `\,`, " ", `\ `)
	keyEscaper         = strings.NewReplacer(`\`, `\\`, "\n", `\n`, ",", `\,`, "=", `\=`, " ", `\ `)
	stringEscaper      = strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`)
	stringUnescaper    = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\"`, `"`)
)

// AppendLineProtocol appends the line protocol form of p (without a trailing
// newline) to buf. Timestamps are written in nanoseconds.
func AppendLineProtocol(buf []byte, p *models.Point) ([]byte, error) {
	if p.Measurement == "" {
		return buf, errors.New("point has no measurement")
	}

	start := len(buf)
	buf = append(buf, measurementEscaper.Replace(p.Measurement)...)

	tagKeys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		tagKeys = append(tagKeys, k)
	}
	slices.Sort(tagKeys)
	for _, k := range tagKeys {
		v := p.Tags[k]
		if k == "" || v == "" {
			continue
		}
		buf = append(buf, ',')
		buf = append(buf, keyEscaper.Replace(k)...)
		buf = append(buf, '=')
		buf = append(buf, keyEscaper.Replace(v)...)
	}

	fieldKeys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		fieldKeys = append(fieldKeys, k)
	}
	slices.Sort(fieldKeys)

	sep := byte(' ')
	written := 0
	for _, k := range fieldKeys {
		encoded, ok := encodeFieldValue(p.Fields[k])
		if !ok || k == "" {
			continue
		}
		buf = append(buf, sep)
		buf = append(buf, keyEscaper.Replace(k)...)
		buf = append(buf, '=')
		buf = append(buf, encoded...)
		sep = ','
		written++
	}
	if written == 0 {
		return buf[:start], fmt.Errorf("%w: %s", ErrNoFields, p.Measurement)
	}

	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, p.Timestamp, 10)
	return buf, nil
}

// EncodeBatch encodes points as newline separated line protocol
func EncodeBatch(points []*models.Point) ([]byte, error) {
	buf := make([]byte, 0, 128*len(points))
	for i, p := range points {
		if i > 0 {
			buf = append(buf, '\n')
		}
		var err error
		buf, err = AppendLineProtocol(buf, p)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// encodeFieldValue renders a field value. Numbers become floats, strings are
// quoted, and nested values are sent as their JSON text.
func encodeFieldValue(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case float32:
		return encodeFieldValue(float64(v))
	case int:
		return strconv.Itoa(v) + "i", true
	case int64:
		return strconv.FormatInt(v, 10) + "i", true
	case uint64:
		return strconv.FormatUint(v, 10) + "u", true
	case bool:
		return strconv.FormatBool(v), true
	case string:
		return `"` + stringEscaper.Replace(v) + `"`, true
	case json.Number:
		return encodeFieldValue(CoerceNumeric(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return `"` + stringEscaper.Replace(string(raw)) + `"`, true
	}
}

// LineProtocolParser parses InfluxDB Line Protocol format
type LineProtocolParser struct{}

// NewLineProtocolParser creates a new Line Protocol parser
func NewLineProtocolParser() *LineProtocolParser {
	return &LineProtocolParser{}
}

// ParseLine parses a single line of line protocol with a nanosecond timestamp.
// Returns nil if the line is invalid, blank or a comment.
func (p *LineProtocolParser) ParseLine(line []byte) *models.Point {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == '#' {
		return nil
	}

	parts := splitOnDelimiter(line, ' ')
	if len(parts) < 2 {
		return nil
	}

	measurement, tags := p.parseMeasurementTags(parts[0])
	if measurement == "" {
		return nil
	}

	fields := p.parseFields(parts[1])
	if len(fields) == 0 {
		return nil
	}

	point := &models.Point{
		Measurement: measurement,
		Tags:        tags,
		Fields:      fields,
	}
	if len(parts) >= 3 {
		if ts, err := strconv.ParseInt(string(parts[2]), 10, 64); err == nil {
			point.Timestamp = ts
			point.Time = ts
		}
	}
	return point
}

// ParseBatch parses multiple newline separated lines, skipping invalid ones
func (p *LineProtocolParser) ParseBatch(data []byte) []*models.Point {
	lines := bytes.Split(data, []byte{'\n'})
	points := make([]*models.Point, 0, len(lines))
	for _, line := range lines {
		if point := p.ParseLine(line); point != nil {
			points = append(points, point)
		}
	}
	return points
}

// splitOnDelimiter splits data on an unescaped delimiter, respecting escaped chars and quoted strings.
func splitOnDelimiter(data []byte, delim byte) [][]byte {
	var parts [][]byte
	var current []byte
	inQuotes := false

	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			current = append(current, data[i], data[i+1])
			i++
		} else if data[i] == '"' {
			inQuotes = !inQuotes
			current = append(current, data[i])
		} else if data[i] == delim && !inQuotes {
			if len(current) > 0 {
				parts = append(parts, current)
				current = nil
			}
		} else {
			current = append(current, data[i])
		}
	}

	if len(current) > 0 {
		parts = append(parts, current)
	}
	return parts
}

// parseMeasurementTags parses measurement[,tag=value,...]
func (p *LineProtocolParser) parseMeasurementTags(part []byte) (string, map[string]string) {
	components := splitOnDelimiter(part, ',')
	if len(components) == 0 {
		return "", nil
	}

	measurement := unescape(components[0])
	tags := make(map[string]string)

	for _, component := range components[1:] {
		idx := indexUnescaped(component, '=')
		if idx > 0 {
			tags[unescape(component[:idx])] = unescape(component[idx+1:])
		}
	}
	return measurement, tags
}

// parseFields parses field_key=field_value[,field_key=field_value...]
func (p *LineProtocolParser) parseFields(part []byte) map[string]interface{} {
	fields := make(map[string]interface{})

	for _, fieldPart := range splitOnDelimiter(part, ',') {
		idx := indexUnescaped(fieldPart, '=')
		if idx <= 0 {
			continue
		}
		if value := parseFieldValue(fieldPart[idx+1:]); value != nil {
			fields[unescape(fieldPart[:idx])] = value
		}
	}
	return fields
}

// parseFieldValue parses a field value based on InfluxDB type indicators:
// 123i integer, 123u unsigned, "text" string, t/true/f/false boolean,
// anything else numeric is a float.
func parseFieldValue(value []byte) interface{} {
	value = bytes.TrimSpace(value)
	if len(value) == 0 {
		return nil
	}

	strValue := string(value)
	switch strings.ToLower(strValue) {
	case "t", "true":
		return true
	case "f", "false":
		return false
	}

	if value[0] == '"' && len(value) > 1 && value[len(value)-1] == '"' {
		inner := strValue[1 : len(strValue)-1]
		return stringUnescaper.Replace(inner)
	}

	switch value[len(value)-1] {
	case 'i':
		if i, err := strconv.ParseInt(strValue[:len(strValue)-1], 10, 64); err == nil {
			return i
		}
		return nil
	case 'u':
		if u, err := strconv.ParseUint(strValue[:len(strValue)-1], 10, 64); err == nil {
			return u
		}
		return nil
	}

	if f, err := strconv.ParseFloat(strValue, 64); err == nil {
		return f
	}
	return strValue
}

// indexUnescaped returns the index of the first b not preceded by a backslash
func indexUnescaped(data []byte, b byte) int {
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' {
			i++
			continue
		}
		if data[i] == b {
			return i
		}
	}
	return -1
}

// unescape removes line protocol escapes (\, \space \= \\ \n)
func unescape(data []byte) string {
	if !bytes.ContainsRune(data, '\\') {
		return string(data)
	}

	buf := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == '\\' && i+1 < len(data) {
			next := data[i+1]
			switch next {
			case ',', ' ', '=', '\\':
				buf = append(buf, next)
				i++
				continue
			case 'n':
				buf = append(buf, '\n')
				i++
				continue
			}
		}
		buf = append(buf, data[i])
	}
	return string(buf)
}
