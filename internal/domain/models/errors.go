package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunActive   = errors.New("run still in progress")
)

// MalformedRecordError rejects a single catalog record. The batch continues.
type MalformedRecordError struct {
	RecordID string
	Field    string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	id := e.RecordID
	if id == "" {
		id = "<no id>"
	}
	return fmt.Sprintf("malformed record %s: %s: %s", id, e.Field, e.Reason)
}

// EphemerisGapError means the ephemeris has no data for a requested instant.
type EphemerisGapError struct {
	At   time.Time
	Body Body
}

func (e *EphemerisGapError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ephemeris gap at %s", e.At.Format(time.RFC3339))
	}
	return fmt.Sprintf("ephemeris gap at %s for %s", e.At.Format(time.RFC3339), e.Body)
}

// UnderdeterminedModelError is returned when the design matrix is rank
// deficient. Columns names the offending or collinear columns.
type UnderdeterminedModelError struct {
	Model   string
	Rank    int
	Cols    int
	Columns []string
	Reason  string
}

func (e *UnderdeterminedModelError) Error() string {
	msg := fmt.Sprintf("model %s underdetermined: rank %d < %d columns", e.Model, e.Rank, e.Cols)
	if e.Rank < 0 {
		msg = fmt.Sprintf("model %s underdetermined", e.Model)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Columns) > 0 {
		msg += " [" + strings.Join(e.Columns, ", ") + "]"
	}
	return msg
}

// InsufficientSampleError accompanies a computed but low-confidence result.
type InsufficientSampleError struct {
	Test string
	Have int
	Min  int
}

func (e *InsufficientSampleError) Error() string {
	return fmt.Sprintf("%s: %d events below minimum %d, result is low-confidence", e.Test, e.Have, e.Min)
}
