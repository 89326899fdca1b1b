package ingest

import (
	"strings"
	"testing"

	"github.com/basekick-labs/logfeed/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLineProtocol(t *testing.T) {
	tests := []struct {
		name  string
		point *models.Point
		want  string
	}{
		{
			name: "float field",
			point: &models.Point{
				Measurement: "temp",
				Tags:        map[string]string{"topic": "room1"},
				Fields:      map[string]interface{}{"data": 21.5},
				Timestamp:   1672531200000000000,
			},
			want: "temp,topic=room1 data=21.5 1672531200000000000",
		},
		{
			name: "string field is quoted and escaped",
			point: &models.Point{
				Measurement: "door",
				Tags:        map[string]string{"topic": "hall"},
				Fields:      map[string]interface{}{"data": `say "hi" \o/`},
				Timestamp:   1,
			},
			want: `door,topic=hall data="say \"hi\" \\o/" 1`,
		},
		{
			name: "special characters in names",
			point: &models.Point{
				Measurement: "cpu load,total",
				Tags:        map[string]string{"topic": "a=b c,d"},
				Fields:      map[string]interface{}{"data": float64(1)},
				Timestamp:   2,
			},
			want: `cpu\ load\,total,topic=a\=b\ c\,d data=1 2`,
		},
		{
			name: "backslash and newline in names",
			point: &models.Point{
				Measurement: "dir\\logs",
				Tags:        map[string]string{"topic": "C:\\", "zone": "room\n1"},
				Fields:      map[string]interface{}{"data": "line1\nline2"},
				Timestamp:   5,
			},
			want: `dir\\logs,topic=C:\\,zone=room\n1 data="line1\nline2" 5`,
		},
		{
			name: "fields sorted and mixed types",
			point: &models.Point{
				Measurement: "m",
				Tags:        map[string]string{"topic": "t"},
				Fields: map[string]interface{}{
					"data":  float64(3),
					"ok":    true,
					"count": int64(4),
					"nil":   nil,
					"list":  []interface{}{1.0, "x"},
				},
				Timestamp: 3,
			},
			want: `m,topic=t count=4i,data=3,list="[1,\"x\"]",ok=true 3`,
		},
		{
			name: "empty tag value dropped",
			point: &models.Point{
				Measurement: "m",
				Tags:        map[string]string{"topic": ""},
				Fields:      map[string]interface{}{"data": 0.5},
				Timestamp:   4,
			},
			want: "m data=0.5 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AppendLineProtocol(nil, tt.point)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestAppendLineProtocolErrors(t *testing.T) {
	_, err := AppendLineProtocol(nil, &models.Point{Fields: map[string]interface{}{"data": 1.0}})
	require.Error(t, err)

	prefix := []byte("keep")
	got, err := AppendLineProtocol(prefix, &models.Point{
		Measurement: "m",
		Fields:      map[string]interface{}{"data": nil},
	})
	assert.ErrorIs(t, err, ErrNoFields)
	assert.Equal(t, "keep", string(got))
}

func TestEncodeBatchRoundTrip(t *testing.T) {
	lines := []string{
		`{"h":"temp","t":"room1","d":"2023-01-01T00:00:00Z","v":"21.5"}`,
		`{"h":"temp","t":"room 2","d":"2023-01-01T00:00:01Z","v":"warm, dry"}`,
	}

	points := make([]*models.Point, 0, len(lines))
	for _, line := range lines {
		p, err := Transform([]byte(line), Options{})
		require.NoError(t, err)
		points = append(points, p)
	}

	body, err := EncodeBatch(points)
	require.NoError(t, err)

	parsed := NewLineProtocolParser().ParseBatch(body)
	require.Len(t, parsed, 2)

	for i, p := range parsed {
		assert.Equal(t, points[i].Measurement, p.Measurement)
		assert.Equal(t, points[i].Tags, p.Tags)
		assert.Equal(t, points[i].Fields, p.Fields)
		assert.Equal(t, points[i].Timestamp, p.Timestamp)
	}
}

func TestEncodeBatchRoundTripEscapes(t *testing.T) {
	lines := []string{
		`{"h":"temp","t":"room\n1","d":"2023-01-01T00:00:00Z","v":"21.5"}`,
		`{"h":"temp","t":"C:\\","d":"2023-01-01T00:00:00Z","v":"21.5"}`,
		`{"h":"temp\\raw","t":"a\\,b","d":"2023-01-01T00:00:00Z","v":"x\ny\\"}`,
	}

	points := make([]*models.Point, 0, len(lines))
	for _, line := range lines {
		p, err := Transform([]byte(line), Options{})
		require.NoError(t, err)
		points = append(points, p)
	}
	assert.Equal(t, "room\n1", points[0].Tags["topic"])
	assert.Equal(t, `C:\`, points[1].Tags["topic"])

	body, err := EncodeBatch(points)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(body), "\n"), "only batch separators may be raw newlines")

	parsed := NewLineProtocolParser().ParseBatch(body)
	require.Len(t, parsed, len(points))
	for i, p := range parsed {
		assert.Equal(t, points[i].Measurement, p.Measurement)
		assert.Equal(t, points[i].Tags, p.Tags)
		assert.Equal(t, points[i].Fields, p.Fields)
		assert.Equal(t, points[i].Timestamp, p.Timestamp)
	}
}

func TestLineProtocolParserParseLine(t *testing.T) {
	parser := NewLineProtocolParser()

	p := parser.ParseLine([]byte(`http_requests,method=GET,path=/a\ b count=42i,bytes=1024u,ok=t,msg="x y" 1609459200000000000`))
	require.NotNil(t, p)
	assert.Equal(t, "http_requests", p.Measurement)
	assert.Equal(t, map[string]string{"method": "GET", "path": "/a b"}, p.Tags)
	assert.Equal(t, map[string]interface{}{
		"count": int64(42),
		"bytes": uint64(1024),
		"ok":    true,
		"msg":   "x y",
	}, p.Fields)
	assert.Equal(t, int64(1609459200000000000), p.Timestamp)

	assert.Nil(t, parser.ParseLine([]byte("# comment")))
	assert.Nil(t, parser.ParseLine([]byte("   ")))
	assert.Nil(t, parser.ParseLine([]byte("measurement_only")))
}
