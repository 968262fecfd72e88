package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Action is the closed set of privileged operations the trail records.
// Callers must not invent new values without a schema update — the
// action string is part of the wire contract and of the hash input.
type Action string

const (
	ActionUpload       Action = "UPLOAD"
	ActionAnalysis     Action = "ANALYSIS"
	ActionDownload     Action = "DOWNLOAD"
	ActionLogin        Action = "LOGIN"
	ActionSecurityScan Action = "SECURITY_SCAN"
)

// ParseAction validates a wire string against the known action set.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionUpload, ActionAnalysis, ActionDownload, ActionLogin, ActionSecurityScan:
		return a, nil
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// Result is the outcome of a recorded action.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultFailure  Result = "FAILURE"
	ResultRejected Result = "REJECTED"
	ResultError    Result = "ERROR"
)

// ParseResult validates a wire string against the known result set.
func ParseResult(s string) (Result, error) {
	switch r := Result(s); r {
	case ResultSuccess, ResultFailure, ResultRejected, ResultError:
		return r, nil
	}
	return "", fmt.Errorf("unknown result %q", s)
}

// Actor identifies the principal performing an action. A nil *Actor on
// an Event means the action was unauthenticated (e.g. a failed login).
type Actor struct {
	ID   int64
	Name string
}

// Event is what callers hand to Sink.Record. The sink fills in the
// timestamp and chain fields at append time.
type Event struct {
	Action        Action
	Result        Result
	Actor         *Actor
	Details       Details
	SourceAddress string
	AgentString   string
}

// Record is one committed audit trail entry. Records are immutable once
// written: the only lifecycle is append and read.
//
// RecordHash covers every other field (PreviousHash included), so
// changing any byte of a stored record is detectable, and because each
// record embeds the previous record's hash, so is removing or
// reordering one.
type Record struct {
	Timestamp     string  `json:"timestamp"`
	ActorID       *int64  `json:"actor_id"`
	ActorName     *string `json:"actor_name"`
	Action        Action  `json:"action"`
	Result        Result  `json:"result"`
	Details       Details `json:"details"`
	SourceAddress string  `json:"source_address"`
	AgentString   string  `json:"agent_string"`
	PreviousHash  string  `json:"previous_hash"`
	RecordHash    string  `json:"record_hash"`
}

// Details is an order-preserving list of scalar context fields. The
// order is fixed when the event is built and survives the round trip
// through JSON, which keeps the canonical byte form deterministic.
//
// Values are limited to strings, integers, and booleans. Floats are
// deliberately excluded from the hash input — callers that need one
// must format it to a fixed string first.
type Details []Field

// Field is a single key/value pair inside Details.
type Field struct {
	Key   string
	kind  fieldKind
	str   string
	num   int64
	truth bool
}

type fieldKind uint8

const (
	kindString fieldKind = iota
	kindInt
	kindBool
)

// String builds a string-valued detail field.
func String(key, value string) Field { return Field{Key: key, kind: kindString, str: value} }

// Int builds an integer-valued detail field.
func Int(key string, value int64) Field { return Field{Key: key, kind: kindInt, num: value} }

// Bool builds a boolean-valued detail field.
func Bool(key string, value bool) Field { return Field{Key: key, kind: kindBool, truth: value} }

// Value returns the field's value as the Go type it was built with.
func (f Field) Value() any {
	switch f.kind {
	case kindInt:
		return f.num
	case kindBool:
		return f.truth
	default:
		return f.str
	}
}

// appendJSON writes the field's value in its canonical JSON form.
func (f Field) appendJSON(buf *bytes.Buffer) {
	switch f.kind {
	case kindInt:
		buf.WriteString(strconv.FormatInt(f.num, 10))
	case kindBool:
		buf.WriteString(strconv.FormatBool(f.truth))
	default:
		appendJSONString(buf, f.str)
	}
}

// validate rejects detail lists that cannot be canonically encoded.
func (d Details) validate() error {
	seen := make(map[string]bool, len(d))
	for _, f := range d {
		if f.Key == "" {
			return &SerializationError{Field: "details", Reason: "empty detail key"}
		}
		if seen[f.Key] {
			return &SerializationError{Field: f.Key, Reason: "duplicate detail key"}
		}
		seen[f.Key] = true
	}
	return nil
}

// MarshalJSON emits the details as a JSON object whose member order is
// the field order, not a sorted or map-iteration order.
func (d Details) MarshalJSON() ([]byte, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		appendJSONString(&buf, f.Key)
		buf.WriteByte(':')
		f.appendJSON(&buf)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON parses a flat JSON object back into ordered fields.
// Nested objects, arrays, nulls, and non-integer numbers are rejected —
// they were never legal on the write path, so seeing one on read means
// the line did not come from this writer.
func (d *Details) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("details must be a JSON object")
	}

	var fields Details
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)

		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		switch v := valTok.(type) {
		case string:
			fields = append(fields, String(key, v))
		case bool:
			fields = append(fields, Bool(key, v))
		case json.Number:
			n, err := strconv.ParseInt(v.String(), 10, 64)
			if err != nil {
				return fmt.Errorf("detail %q: non-integer number %s", key, v)
			}
			fields = append(fields, Int(key, n))
		default:
			return fmt.Errorf("detail %q: value must be a string, integer, or boolean", key)
		}
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return err
	}

	*d = fields
	return nil
}

// Typed detail constructors for the known actions. Using these instead
// of ad-hoc field lists keeps the per-action schema fixed, so drift
// shows up at the call site rather than as a hash mismatch later.

// UploadDetails describes a project archive upload.
func UploadDetails(filename string, sizeBytes int64, scanResult string) Details {
	return Details{
		String("filename", filename),
		Int("size_bytes", sizeBytes),
		String("scan_result", scanResult),
	}
}

// AnalysisDetails describes a static-analysis run over an upload.
func AnalysisDetails(filename string, findings int64, elapsedMS int64) Details {
	return Details{
		String("filename", filename),
		Int("findings", findings),
		Int("elapsed_ms", elapsedMS),
	}
}

// DownloadDetails describes a report download.
func DownloadDetails(reportID int64, format string) Details {
	return Details{
		Int("report_id", reportID),
		String("format", format),
	}
}

// LoginDetails describes an authentication attempt.
func LoginDetails(method string) Details {
	return Details{String("method", method)}
}

// SecurityScanDetails describes an archive security scan.
func SecurityScanDetails(filename, verdict string, rulesMatched int64) Details {
	return Details{
		String("filename", filename),
		String("verdict", verdict),
		Int("rules_matched", rulesMatched),
	}
}

// encodeCanonical serializes a record, minus record_hash, into its
// canonical byte form: compact JSON with the field order fixed by the
// schema. previous_hash is serialized last, so the byte stream is the
// event fields followed by the chain link — exactly what the record
// hash is computed over. Stable across runs and platforms.
func encodeCanonical(r *Record) ([]byte, error) {
	if err := r.Details.validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":`)
	appendJSONString(&buf, r.Timestamp)

	buf.WriteString(`,"actor_id":`)
	if r.ActorID == nil {
		buf.WriteString("null")
	} else {
		buf.WriteString(strconv.FormatInt(*r.ActorID, 10))
	}

	buf.WriteString(`,"actor_name":`)
	if r.ActorName == nil {
		buf.WriteString("null")
	} else {
		appendJSONString(&buf, *r.ActorName)
	}

	buf.WriteString(`,"action":`)
	appendJSONString(&buf, string(r.Action))

	buf.WriteString(`,"result":`)
	appendJSONString(&buf, string(r.Result))

	buf.WriteString(`,"details":`)
	details, err := r.Details.MarshalJSON()
	if err != nil {
		return nil, err
	}
	buf.Write(details)

	buf.WriteString(`,"source_address":`)
	appendJSONString(&buf, r.SourceAddress)

	buf.WriteString(`,"agent_string":`)
	appendJSONString(&buf, r.AgentString)

	buf.WriteString(`,"previous_hash":`)
	appendJSONString(&buf, r.PreviousHash)

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeLine serializes the complete record (record_hash included) as
// one self-contained JSONL line, newline excluded. The stored form is
// the canonical form plus the trailing record_hash member, so a stored
// line re-parses into exactly the record that was hashed.
func encodeLine(r *Record) ([]byte, error) {
	canonical, err := encodeCanonical(r)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(canonical[:len(canonical)-1]) // strip closing '}'
	buf.WriteString(`,"record_hash":`)
	appendJSONString(&buf, r.RecordHash)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// decodeRecord parses one stored line back into a Record. It is the
// exact inverse of encodeLine for well-formed input; anything else —
// invalid JSON, missing required fields, unknown enum values — comes
// back as a MalformedRecordError.
func decodeRecord(line []byte) (*Record, error) {
	var raw struct {
		Timestamp     *string `json:"timestamp"`
		ActorID       *int64  `json:"actor_id"`
		ActorName     *string `json:"actor_name"`
		Action        *string `json:"action"`
		Result        *string `json:"result"`
		Details       Details `json:"details"`
		SourceAddress string  `json:"source_address"`
		AgentString   string  `json:"agent_string"`
		PreviousHash  *string `json:"previous_hash"`
		RecordHash    *string `json:"record_hash"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, &MalformedRecordError{Reason: "invalid JSON", Err: err}
	}

	for name, present := range map[string]bool{
		"timestamp":     raw.Timestamp != nil,
		"action":        raw.Action != nil,
		"result":        raw.Result != nil,
		"previous_hash": raw.PreviousHash != nil,
		"record_hash":   raw.RecordHash != nil,
	} {
		if !present {
			return nil, &MalformedRecordError{Reason: "missing required field " + name}
		}
	}

	action, err := ParseAction(*raw.Action)
	if err != nil {
		return nil, &MalformedRecordError{Reason: "bad action", Err: err}
	}
	result, err := ParseResult(*raw.Result)
	if err != nil {
		return nil, &MalformedRecordError{Reason: "bad result", Err: err}
	}

	return &Record{
		Timestamp:     *raw.Timestamp,
		ActorID:       raw.ActorID,
		ActorName:     raw.ActorName,
		Action:        action,
		Result:        result,
		Details:       raw.Details,
		SourceAddress: raw.SourceAddress,
		AgentString:   raw.AgentString,
		PreviousHash:  *raw.PreviousHash,
		RecordHash:    *raw.RecordHash,
	}, nil
}

// appendJSONString writes s JSON-escaped, delegating the escaping rules
// to encoding/json so the canonical form never drifts from what a
// standard decoder reads back.
func appendJSONString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s) // marshaling a string cannot fail
	buf.Write(b)
}
