package audit

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// tamperField flips one field's value inside a stored line without
// touching the hashes, e.g. "SUCCESS" -> "FAILURE".
func tamperField(t *testing.T, s *Sink, date string, lineIdx int, from, to string) {
	t.Helper()
	path := segmentPath(s.Dir(), date)
	records, err := readSegmentRecords(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	line, err := encodeLine(records[lineIdx])
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	mutated := strings.Replace(string(line), from, to, 1)
	if mutated == string(line) {
		t.Fatalf("tamper target %q not found in line %d", from, lineIdx)
	}
	rewriteLine(t, path, lineIdx, mutated)
}

func TestVerify_EmptySegment(t *testing.T) {
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	report, err := s.VerifySegment("20260830")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.Valid || report.TotalRecords != 0 || report.FirstBreak != -1 {
		t.Errorf("zero-record segment must be trivially valid, got %+v", report)
	}
}

func TestVerify_TamperedResult(t *testing.T) {
	// The concrete two-record scenario: login, then upload, then the
	// second record's result is flipped on disk.
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	if _, err := s.Record(loginEvent("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.advance(time.Second)
	if _, err := s.Record(uploadEvent("u1", "a.zip")); err != nil {
		t.Fatalf("append: %v", err)
	}

	date := testEpoch.Format(segmentDateFormat)
	tamperField(t, s, date, 1, `"result":"SUCCESS"`, `"result":"FAILURE"`)

	report, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered segment reported valid")
	}
	if report.FirstBreak != 1 {
		t.Errorf("break at %d, want 1", report.FirstBreak)
	}
	if report.Inconsistent(0) {
		t.Error("record before the break must stay verified")
	}
	if !report.Inconsistent(1) {
		t.Error("tampered record must be inconsistent")
	}
	if report.Verified != 1 {
		t.Errorf("verified = %d, want 1", report.Verified)
	}

	found := false
	for _, f := range report.Findings {
		if f.Kind == FindingHashMismatch && f.Index == 1 {
			if f.Expected == "" || f.Actual == "" || f.Expected == f.Actual {
				t.Errorf("mismatch finding should carry expected and actual hashes: %+v", f)
			}
			found = true
		}
	}
	if !found {
		t.Errorf("want a hash_mismatch finding at index 1, got %+v", report.Findings)
	}
}

func TestVerify_TamperMarksAllLaterRecords(t *testing.T) {
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	for i := 0; i < 5; i++ {
		if _, err := s.Record(uploadEvent("u1", "f.zip")); err != nil {
			t.Fatalf("append: %v", err)
		}
		clock.advance(time.Second)
	}

	date := testEpoch.Format(segmentDateFormat)
	tamperField(t, s, date, 2, `"filename":"f.zip"`, `"filename":"x.zip"`)

	report, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.FirstBreak != 2 {
		t.Fatalf("break at %d, want 2", report.FirstBreak)
	}
	for i := 0; i < 2; i++ {
		if report.Inconsistent(i) {
			t.Errorf("record %d before the break must stay verified", i)
		}
	}
	for i := 2; i < 5; i++ {
		if !report.Inconsistent(i) {
			t.Errorf("record %d at/after the break must be inconsistent", i)
		}
	}
}

func TestVerify_RemovedRecordBreaksChain(t *testing.T) {
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	for i := 0; i < 4; i++ {
		if _, err := s.Record(loginEvent("u1")); err != nil {
			t.Fatalf("append: %v", err)
		}
		clock.advance(time.Second)
	}

	date := testEpoch.Format(segmentDateFormat)
	rewriteLine(t, segmentPath(s.Dir(), date), 1, "") // drop record 1

	report, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid {
		t.Fatal("segment with a removed record reported valid")
	}
	if report.FirstBreak != 1 {
		t.Errorf("break at %d, want 1 (where the chain no longer links)", report.FirstBreak)
	}

	hasChainBreak := false
	for _, f := range report.Findings {
		if f.Kind == FindingChainBreak {
			hasChainBreak = true
		}
	}
	if !hasChainBreak {
		t.Errorf("want a chain_break finding, got %+v", report.Findings)
	}
}

func TestVerify_MalformedLine(t *testing.T) {
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	for i := 0; i < 3; i++ {
		if _, err := s.Record(loginEvent("u1")); err != nil {
			t.Fatalf("append: %v", err)
		}
		clock.advance(time.Second)
	}

	date := testEpoch.Format(segmentDateFormat)
	rewriteLine(t, segmentPath(s.Dir(), date), 1, "{ not json at all")

	report, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if report.Valid || report.FirstBreak != 1 {
		t.Fatalf("want break at 1, got %+v", report)
	}

	hasMalformed := false
	for _, f := range report.Findings {
		if f.Kind == FindingMalformed && f.Index == 1 {
			hasMalformed = true
		}
	}
	if !hasMalformed {
		t.Errorf("want a malformed_record finding at index 1, got %+v", report.Findings)
	}
}

func TestVerify_Idempotent(t *testing.T) {
	clock := newFakeClock(testEpoch)
	s := newTestSink(t, t.TempDir(), clock)

	for i := 0; i < 3; i++ {
		if _, err := s.Record(uploadEvent("u1", "a.zip")); err != nil {
			t.Fatalf("append: %v", err)
		}
		clock.advance(time.Second)
	}
	date := testEpoch.Format(segmentDateFormat)
	tamperField(t, s, date, 0, `"filename":"a.zip"`, `"filename":"b.zip"`)

	first, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	second, err := s.VerifySegment(date)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated verification differs:\n%+v\n%+v", first, second)
	}
}

func TestVerifyAll(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC))
	s := newTestSink(t, t.TempDir(), clock)

	if _, err := s.Record(loginEvent("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}
	clock.advance(2 * time.Second)
	if _, err := s.Record(loginEvent("u1")); err != nil {
		t.Fatalf("append: %v", err)
	}

	reports, err := s.VerifyAll()
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	for _, r := range reports {
		if !r.Valid || r.TotalRecords != 1 {
			t.Errorf("segment %s: valid=%v total=%d", r.Date, r.Valid, r.TotalRecords)
		}
	}
}
