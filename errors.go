package tsconv

import (
	"fmt"
	"strings"
)

// InvalidRecordError reports a construction-time data violation.
type InvalidRecordError struct {
	Reason string
}

func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record: %s", e.Reason)
}

// UnknownFormatError reports a registry miss.
type UnknownFormatError struct {
	Format string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("unknown format '%s'", e.Format)
}

// AmbiguousFormatError means the detector could not settle on a single
// format. Candidates lists what it considered.
type AmbiguousFormatError struct {
	Candidates []string
}

func (e *AmbiguousFormatError) Error() string {
	return fmt.Sprintf("ambiguous format, candidates: %s", strings.Join(e.Candidates, ", "))
}

// DecodeError is a format-specific parse failure. Line and Offset are
// populated when the format can report them (0 means unknown).
type DecodeError struct {
	Format string
	Line   int
	Offset int64
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := fmt.Sprintf("decoding %s: %s", e.Format, e.Reason)
	if e.Line > 0 {
		msg += fmt.Sprintf(" (line %d)", e.Line)
	} else if e.Offset > 0 {
		msg += fmt.Sprintf(" (offset %d)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError means the target format cannot represent the given
// records.
type EncodeError struct {
	Format string
	Reason string
	Err    error
}

func (e *EncodeError) Error() string {
	msg := fmt.Sprintf("encoding %s: %s", e.Format, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EncodeError) Unwrap() error { return e.Err }

// StageError wraps a failure with the conversion stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
