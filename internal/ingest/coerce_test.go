package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerceNumeric(t *testing.T) {
	tests := []struct {
		name  string
		input interface{}
		want  interface{}
	}{
		{"float string", "21.5", 21.5},
		{"integer string", "42", float64(42)},
		{"negative exponent", "-1.5e-3", -0.0015},
		{"padded", "  7 ", float64(7)},
		{"word", "open", "open"},
		{"empty", "", ""},
		{"nan stays text", "NaN", "NaN"},
		{"inf stays text", "Inf", "Inf"},
		{"overflow stays text", "1e400", "1e400"},
		{"json number", json.Number("3.25"), 3.25},
		{"int", 5, float64(5)},
		{"int64", int64(6), float64(6)},
		{"float64", 1.25, 1.25},
		{"bool unchanged", true, true},
		{"nil unchanged", nil, nil},
		{"slice unchanged", []interface{}{"1"}, []interface{}{"1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoerceNumeric(tt.input))
		})
	}
}
