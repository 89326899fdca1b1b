package ingest

import (
	"errors"
	"fmt"
)

// ErrEmptyRecord is returned for a line that decodes to an empty JSON object.
// There is nothing to send; callers log it and move on.
var ErrEmptyRecord = errors.New("no data sent: record is empty")

// DecodeError is returned when a line is not a JSON object
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid record: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// MissingFieldError is returned when a required key is absent or unusable
type MissingFieldError struct {
	Field  string
	Reason string
}

func (e *MissingFieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("record field %q %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("record field %q is missing", e.Field)
}

// InvalidTimeError is returned when the timestamp cannot be resolved to an instant
type InvalidTimeError struct {
	Value interface{}
}

func (e *InvalidTimeError) Error() string {
	return fmt.Sprintf("invalid record time %v", e.Value)
}

// IsRecordError reports whether err means a single line could not become a point
func IsRecordError(err error) bool {
	var decodeErr *DecodeError
	var missingErr *MissingFieldError
	var timeErr *InvalidTimeError
	return errors.As(err, &decodeErr) || errors.As(err, &missingErr) || errors.As(err, &timeErr)
}
