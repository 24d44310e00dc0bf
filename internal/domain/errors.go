package domain

import (
	"fmt"
	"time"
)

// AuthError reports a missing, malformed, or rejected credential.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// JobCreationError is returned when createQueryJob answers without a job id.
type JobCreationError struct {
	Body string
}

func (e *JobCreationError) Error() string {
	return fmt.Sprintf("create job: response has no job id: %s", e.Body)
}

// JobFailedError is returned when a job leaves RUNNING with any status other
// than COMPLETE.
type JobFailedError struct {
	JobID  string
	Status JobStatus
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s finished with status %q", e.JobID, e.Status)
}

// JobTimeoutError is returned when a job does not reach a terminal status
// before its deadline. The job is abandoned, not cancelled server side.
type JobTimeoutError struct {
	JobID   string
	Timeout time.Duration
}

func (e *JobTimeoutError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("job timed out after %s before it was created", e.Timeout)
	}
	return fmt.Sprintf("job %s timed out after %s", e.JobID, e.Timeout)
}

// SchemaMismatchError reports a raw row whose cell count differs from the
// schema. Row is the zero-based index within the fetched result set.
type SchemaMismatchError struct {
	Row      int
	Got      int
	Expected int
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("row %d: got %d values, schema has %d columns", e.Row, e.Got, e.Expected)
}

// ColumnError reports a cell that cannot be decoded to its column type.
type ColumnError struct {
	Row    int
	Column string
	Value  any
	Err    error
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("row %d column %s: value %v: %v", e.Row, e.Column, e.Value, e.Err)
}

func (e *ColumnError) Unwrap() error { return e.Err }

// TransportError is a network or HTTP failure talking to the query service.
// Retryable marks failures worth another attempt (5xx, 429, network errors).
type TransportError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
