package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// segmentDateFormat is the UTC calendar day carried in segment file
// names: audit_YYYYMMDD.jsonl plus the integrity_YYYYMMDD.hash sidecar.
const segmentDateFormat = "20060102"

// segment owns the chain state for one UTC day. All mutation (tip read,
// hash, write, tip update) happens under mu, so concurrent appends to
// the same day produce a strictly ordered chain. Different days carry
// independent locks and append concurrently.
type segment struct {
	mu     sync.Mutex
	date   string // YYYYMMDD
	path   string // audit_YYYYMMDD.jsonl
	digest string // integrity_YYYYMMDD.hash
	file   *os.File

	// tip is the record_hash of the last committed record, "" while the
	// segment is empty. It is only read or written on the append path.
	tip string

	// lastStamp is the last committed timestamp, used to keep segment
	// timestamps monotonically non-decreasing when the clock steps back.
	lastStamp time.Time

	// count is the number of committed records, used by the live feed to
	// detect what other processes have appended.
	count int

	// stuck is non-nil when a failed write could not be reconciled with
	// disk; the segment refuses appends until a recover succeeds.
	stuck error
}

// segmentManager maps points in time to segments, creating handles
// lazily. On first touch of a day it re-derives the chain tip from the
// last committed line on disk, so a restarted process resumes the
// chain instead of starting a fresh one mid-segment.
type segmentManager struct {
	mu   sync.Mutex
	dir  string
	segs map[string]*segment
}

func newSegmentManager(dir string) *segmentManager {
	return &segmentManager{dir: dir, segs: make(map[string]*segment)}
}

// segmentPath returns the segment file path for a YYYYMMDD date.
func segmentPath(dir, date string) string {
	return filepath.Join(dir, "audit_"+date+".jsonl")
}

// digestPath returns the integrity sidecar path for a YYYYMMDD date.
func digestPath(dir, date string) string {
	return filepath.Join(dir, "integrity_"+date+".hash")
}

// resolve returns the segment handle for the day containing t, creating
// and recovering it on first use in this process lifetime.
func (m *segmentManager) resolve(t time.Time) (*segment, error) {
	date := t.UTC().Format(segmentDateFormat)

	m.mu.Lock()
	defer m.mu.Unlock()

	if seg, ok := m.segs[date]; ok {
		return seg, nil
	}

	seg := &segment{
		date:   date,
		path:   segmentPath(m.dir, date),
		digest: digestPath(m.dir, date),
	}
	if err := seg.recover(); err != nil {
		return nil, err
	}
	m.segs[date] = seg
	return seg, nil
}

// recover re-derives the chain tip from disk: the record_hash of the
// last committed record, or "" if the segment file is new or empty.
// A segment whose last line cannot be parsed refuses to load — chaining
// new records onto a corrupt tail would destroy the evidence.
func (s *segment) recover() error {
	last, n, err := readLastRecord(s.path)
	if err != nil {
		return fmt.Errorf("recovering segment %s: %w", s.date, err)
	}
	s.count = n
	if last == nil {
		return nil
	}

	s.tip = last.RecordHash
	if ts, err := time.Parse(time.RFC3339Nano, last.Timestamp); err == nil {
		s.lastStamp = ts
	}
	slog.Info("audit segment recovered", "date", s.date, "records", n, "tip", shortHash(s.tip))
	return nil
}

// open lazily opens the append handle. Called under s.mu.
func (s *segment) open() error {
	if s.file != nil {
		return nil
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	s.file = f
	return nil
}

// close releases the append handle. Called under s.mu.
func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// digestEntry is one line of the integrity sidecar: the chain tip after
// each commit plus the byte position of the record that produced it.
// The sidecar supports cheap spot-checks (read the last line, compare
// against the segment tail) — the authoritative check is a full verify.
type digestEntry struct {
	Timestamp    string `json:"timestamp"`
	RecordHash   string `json:"record_hash"`
	PreviousHash string `json:"previous_hash"`
	Position     int64  `json:"position"`
}

// appendDigest records the new chain tip in the sidecar. Advisory only:
// failures are logged and never fail the append that already committed.
func (s *segment) appendDigest(r *Record, position int64) {
	entry := digestEntry{
		Timestamp:    r.Timestamp,
		RecordHash:   r.RecordHash,
		PreviousHash: r.PreviousHash,
		Position:     position,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("digest encode failed", "date", s.date, "error", err)
		return
	}

	f, err := os.OpenFile(s.digest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("digest open failed", "path", s.digest, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("digest write failed", "path", s.digest, "error", err)
	}
}

// readDigestTip returns the chain tip recorded by the sidecar, or "" if
// the sidecar is absent or empty.
func readDigestTip(dir, date string) (string, error) {
	f, err := os.Open(digestPath(dir, date))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	var lastLine []byte
	scanner := newLineScanner(f)
	for scanner.Scan() {
		if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
			lastLine = append(lastLine[:0], line...)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if len(lastLine) == 0 {
		return "", nil
	}

	var entry digestEntry
	if err := json.Unmarshal(lastLine, &entry); err != nil {
		return "", fmt.Errorf("parsing digest for %s: %w", date, err)
	}
	return entry.RecordHash, nil
}

// listSegmentDates returns the YYYYMMDD dates of all segment files in
// dir, sorted ascending.
func listSegmentDates(dir string) ([]string, error) {
	matches, err := filepath.Glob(segmentPath(dir, "*"))
	if err != nil {
		return nil, fmt.Errorf("listing audit segments: %w", err)
	}

	var dates []string
	for _, m := range matches {
		base := filepath.Base(m)
		date := strings.TrimSuffix(strings.TrimPrefix(base, "audit_"), ".jsonl")
		if _, err := time.Parse(segmentDateFormat, date); err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Strings(dates)
	return dates, nil
}

// readLastRecord reads the last non-empty line of a segment file and
// the total record-line count. Returns (nil, 0, nil) when the file does
// not exist or is empty.
func readLastRecord(path string) (*Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var lastLine []byte
	count := 0
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		count++
		lastLine = append(lastLine[:0], line...)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, 0, nil
	}

	rec, err := decodeRecord(lastLine)
	if err != nil {
		return nil, count, err
	}
	return rec, count, nil
}

// readSegmentRecords reads every line of a segment file in file order.
// Lines that fail to decode are returned as nil entries in the slice so
// callers can account for their positions; the verifier turns those
// into malformed-record findings. A missing file is an empty segment.
func readSegmentRecords(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []*Record
	scanner := newLineScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := decodeRecord(line)
		if err != nil {
			records = append(records, nil)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// newLineScanner builds a bufio.Scanner sized for long detail payloads.
func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	return scanner
}

// shortHash abbreviates a hash for log output.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
