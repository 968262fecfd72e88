package audit

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

func testRecord() *Record {
	id := int64(42)
	name := "alice"
	return &Record{
		Timestamp: "2026-08-30T10:00:00.123456789Z",
		ActorID:   &id,
		ActorName: &name,
		Action:    ActionUpload,
		Result:    ResultSuccess,
		Details: Details{
			String("filename", "project.zip"),
			Int("size_bytes", 1048576),
			Bool("scanned", true),
		},
		SourceAddress: "10.0.0.7",
		AgentString:   "Mozilla/5.0",
		PreviousHash:  "",
	}
}

func TestEncodeCanonical_Stable(t *testing.T) {
	r := testRecord()

	first, err := encodeCanonical(r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	second, err := encodeCanonical(r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("canonical encoding should be identical across runs")
	}
}

func TestEncodeCanonical_FieldOrderFixed(t *testing.T) {
	data, err := encodeCanonical(testRecord())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Schema order, with previous_hash last: the hash input literally
	// ends with the chain link.
	fields := []string{
		`"timestamp":`, `"actor_id":`, `"actor_name":`, `"action":`,
		`"result":`, `"details":`, `"source_address":`, `"agent_string":`,
		`"previous_hash":`,
	}
	pos := -1
	for _, f := range fields {
		i := bytes.Index(data, []byte(f))
		if i < 0 {
			t.Fatalf("canonical form missing %s", f)
		}
		if i < pos {
			t.Errorf("field %s out of schema order", f)
		}
		pos = i
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	r := testRecord()
	hash, err := chainHash(r, r.PreviousHash)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	r.RecordHash = hash

	line, err := encodeLine(r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeRecord(line)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if !reflect.DeepEqual(r, decoded) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", decoded, r)
	}
}

func TestCodec_RoundTrip_NilActor(t *testing.T) {
	r := &Record{
		Timestamp: "2026-08-30T10:00:00Z",
		Action:    ActionLogin,
		Result:    ResultFailure,
		Details:   LoginDetails("password"),
	}
	hash, err := chainHash(r, "")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	r.RecordHash = hash

	line, err := encodeLine(r)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := decodeRecord(line)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ActorID != nil || decoded.ActorName != nil {
		t.Error("unauthenticated record should decode with nil actor fields")
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"invalid json", `{"timestamp":"2026-08-30T10:00:00Z",`},
		{"missing timestamp", `{"action":"LOGIN","result":"SUCCESS","previous_hash":"","record_hash":"ab"}`},
		{"missing action", `{"timestamp":"2026-08-30T10:00:00Z","result":"SUCCESS","previous_hash":"","record_hash":"ab"}`},
		{"unknown action", `{"timestamp":"2026-08-30T10:00:00Z","action":"FORMAT_DISK","result":"SUCCESS","previous_hash":"","record_hash":"ab"}`},
		{"unknown result", `{"timestamp":"2026-08-30T10:00:00Z","action":"LOGIN","result":"MAYBE","previous_hash":"","record_hash":"ab"}`},
		{"float detail", `{"timestamp":"2026-08-30T10:00:00Z","action":"LOGIN","result":"SUCCESS","details":{"elapsed":1.5},"previous_hash":"","record_hash":"ab"}`},
		{"nested detail", `{"timestamp":"2026-08-30T10:00:00Z","action":"LOGIN","result":"SUCCESS","details":{"inner":{}},"previous_hash":"","record_hash":"ab"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeRecord([]byte(tt.line))
			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				t.Errorf("want MalformedRecordError, got %v", err)
			}
		})
	}
}

func TestDetails_OrderPreserved(t *testing.T) {
	d := Details{
		String("zebra", "z"),
		String("alpha", "a"),
		Int("middle", 1),
	}

	data, err := d.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"zebra":"z","alpha":"a","middle":1}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}

	var back Details
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !reflect.DeepEqual(d, back) {
		t.Errorf("details order lost in round trip: %#v", back)
	}
}

func TestDetails_Invalid(t *testing.T) {
	var serr *SerializationError

	dup := Details{String("k", "a"), String("k", "b")}
	if _, err := dup.MarshalJSON(); !errors.As(err, &serr) {
		t.Errorf("duplicate key: want SerializationError, got %v", err)
	}

	empty := Details{String("", "a")}
	if _, err := empty.MarshalJSON(); !errors.As(err, &serr) {
		t.Errorf("empty key: want SerializationError, got %v", err)
	}
}

func TestParseEnums(t *testing.T) {
	if _, err := ParseAction("UPLOAD"); err != nil {
		t.Errorf("UPLOAD should parse: %v", err)
	}
	if _, err := ParseAction("upload"); err == nil {
		t.Error("enum values are case-sensitive wire strings")
	}
	if _, err := ParseResult("REJECTED"); err != nil {
		t.Errorf("REJECTED should parse: %v", err)
	}
	if _, err := ParseResult("OK"); err == nil {
		t.Error("unknown result should not parse")
	}
}
