package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// CoerceNumeric converts values that read as a finite number into float64 and
// returns anything else unchanged. It never fails.
func CoerceNumeric(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		if f, ok := parseFinite(strings.TrimSpace(v)); ok {
			return f
		}
		return v
	case json.Number:
		if f, ok := parseFinite(v.String()); ok {
			return f
		}
		return v.String()
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case uint64:
		return float64(v)
	case uint32:
		return float64(v)
	default:
		return value
	}
}

// parseFinite parses s as a float64, rejecting NaN and infinities which
// have no line protocol representation
func parseFinite(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
