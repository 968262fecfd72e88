package audit

import "fmt"

// WriteError reports that the durable-write step of an append failed
// (disk full, permissions, quota). The event is not recorded and the
// chain tip is unchanged; retrying is the caller's decision.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("audit write to %s failed: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// SerializationError reports that an event could not be canonically
// encoded (bad detail key, unsupported value). Raised before any chain
// mutation, so the segment is never left inconsistent.
type SerializationError struct {
	Field  string
	Reason string
}

func (e *SerializationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("cannot encode audit event: field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("cannot encode audit event: %s", e.Reason)
}

// MalformedRecordError reports a stored line that could not be parsed
// back into a record: invalid JSON, a missing required field, or an
// unknown enum value. During verification this is a tamper signal, not
// something to skip silently.
type MalformedRecordError struct {
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed audit record: %s: %v", e.Reason, e.Err)
	}
	return "malformed audit record: " + e.Reason
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }
