package models

// Point represents a single time-series observation forwarded to a destination.
// This is the internal format produced by the record transformer.
type Point struct {
	Measurement string                 `json:"measurement"`
	Tags        map[string]string      `json:"tags"`
	Time        interface{}            `json:"time"`      // Timestamp exactly as it appeared in the source record
	Timestamp   int64                  `json:"timestamp"` // Nanoseconds since epoch, resolved from Time
	Fields      map[string]interface{} `json:"fields"`
}

// Well-known tag and field names of a forwarded point
const (
	TopicTag  = "topic"
	DataField = "data"
)
