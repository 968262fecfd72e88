package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Sink is the single entry point callers use to record and read audit
// events. It is constructed once at process start and passed by handle
// wherever events need recording — never reached through global state,
// so tests run against an isolated directory.
//
// Storage layout:
//
//	<dir>/
//	├── audit_20260830.jsonl      # one append-only segment per UTC day
//	├── integrity_20260830.hash   # advisory chain-tip digest sidecar
//	└── index.db                  # rebuildable SQLite query index
//
// Thread-safe; concurrent Record calls on the same day serialize on
// that segment's lock.
type Sink struct {
	dir      string
	segments *segmentManager
	index    *sqliteIndex
	now      func() time.Time
	onRecord func(Record)
}

// Options tunes Sink construction. The zero value is the production
// configuration.
type Options struct {
	// DisableIndex skips the SQLite index; Tail and Query fall back to
	// scanning the segment files.
	DisableIndex bool

	// Now overrides the clock. Tests use it to pin timestamps.
	Now func() time.Time

	// OnRecord, if set, is invoked after each durable append. Embedding
	// services use it to mirror records into their own pipelines.
	OnRecord func(Record)
}

// New opens or creates an audit trail rooted at dir.
func New(dir string, opts Options) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory %s: %w", dir, err)
	}

	s := &Sink{
		dir:      dir,
		segments: newSegmentManager(dir),
		now:      opts.Now,
		onRecord: opts.OnRecord,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if !opts.DisableIndex {
		idx, err := openIndex(filepath.Join(dir, "index.db"))
		if err != nil {
			return nil, err
		}
		s.index = idx
		s.reindex()
	}

	slog.Info("audit sink opened", "dir", dir)
	return s, nil
}

// Close releases every open segment handle and the index.
func (s *Sink) Close() error {
	var errs []error

	s.segments.mu.Lock()
	for _, seg := range s.segments.segs {
		seg.mu.Lock()
		if err := seg.close(); err != nil {
			errs = append(errs, err)
		}
		seg.mu.Unlock()
	}
	s.segments.mu.Unlock()

	if s.index != nil {
		if err := s.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing audit sink: %v", errs)
	}
	return nil
}

// Dir returns the audit directory the sink operates on.
func (s *Sink) Dir() string { return s.dir }

// QueryParams filters a read over the trail. Zero values mean no
// filter on that dimension.
type QueryParams struct {
	Actor  string // glob pattern on actor_name, e.g. "admin*"
	Action string
	Result string
	Since  string // RFC3339 timestamp or Go duration (e.g. "24h")
	Limit  int
}

// Tail returns the n most recent records, newest first.
func (s *Sink) Tail(n int) ([]Record, error) {
	return s.Query(QueryParams{Limit: n})
}

// Query retrieves records matching the filters, newest first. Served
// from the SQLite index when available, otherwise by scanning the
// segment files.
func (s *Sink) Query(params QueryParams) ([]Record, error) {
	// Convert a duration-style Since ("1h", "24h") into a timestamp.
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = s.now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	var actorGlob glob.Glob
	if params.Actor != "" {
		g, err := glob.Compile(params.Actor)
		if err != nil {
			return nil, fmt.Errorf("invalid actor pattern %q: %w", params.Actor, err)
		}
		actorGlob = g
	}

	var records []Record
	var err error
	if s.index != nil {
		// The index applies everything except the actor glob, which has
		// no faithful SQL translation; over-fetch when one is present so
		// post-filtering can still fill the limit.
		indexParams := params
		if actorGlob != nil && indexParams.Limit > 0 {
			indexParams.Limit = 0
		}
		records, err = s.index.query(indexParams)
	} else {
		records, err = s.scanAll(params)
	}
	if err != nil {
		return nil, err
	}

	if actorGlob != nil {
		filtered := records[:0]
		for _, r := range records {
			if r.ActorName != nil && actorGlob.Match(*r.ActorName) {
				filtered = append(filtered, r)
			}
		}
		records = filtered
		if params.Limit > 0 && len(records) > params.Limit {
			records = records[:params.Limit]
		}
	}
	return records, nil
}

// scanAll reads every segment file and filters in memory, newest first.
// Fallback path when the index is disabled.
func (s *Sink) scanAll(params QueryParams) ([]Record, error) {
	dates, err := listSegmentDates(s.dir)
	if err != nil {
		return nil, err
	}

	var matched []Record
	for _, date := range dates {
		records, err := readSegmentRecords(segmentPath(s.dir, date))
		if err != nil {
			return nil, fmt.Errorf("reading segment %s: %w", date, err)
		}
		for _, rec := range records {
			if rec == nil {
				slog.Warn("skipping malformed audit line", "segment", date)
				continue
			}
			if params.Action != "" && string(rec.Action) != params.Action {
				continue
			}
			if params.Result != "" && string(rec.Result) != params.Result {
				continue
			}
			if params.Since != "" && rec.Timestamp < params.Since {
				continue
			}
			matched = append(matched, *rec)
		}
	}

	// File order is oldest first; callers expect newest first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}
	return matched, nil
}

// Follow invokes fn for every record appended after the call, polling
// the current day's segment. Blocks until ctx is cancelled. Works
// across processes: appends by a separate CLI invocation are picked up
// from the file.
func (s *Sink) Follow(ctx context.Context, fn func(Record)) error {
	date := s.now().UTC().Format(segmentDateFormat)
	_, seen, err := readLastRecord(segmentPath(s.dir, date))
	if err != nil {
		seen = 0
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			today := s.now().UTC().Format(segmentDateFormat)
			if today != date {
				// Day rolled over; the new segment starts from scratch.
				date = today
				seen = 0
			}
			fresh, total, err := s.RecordsAfter(date, seen)
			if err != nil {
				slog.Error("follow: reading new records failed", "segment", date, "error", err)
				continue
			}
			for _, rec := range fresh {
				fn(rec)
			}
			seen = total
		}
	}
}

// RecordsAfter returns the records past index seen in a segment, plus
// the segment's new total line count. Lets external pollers (directory
// watchers, dashboards) pick up appends without re-reading whole files.
func (s *Sink) RecordsAfter(date string, seen int) ([]Record, int, error) {
	records, err := readSegmentRecords(segmentPath(s.dir, date))
	if err != nil {
		return nil, seen, err
	}
	if len(records) <= seen {
		return nil, len(records), nil
	}

	var fresh []Record
	for _, rec := range records[seen:] {
		if rec != nil {
			fresh = append(fresh, *rec)
		}
	}
	return fresh, len(records), nil
}

// SegmentDates lists the YYYYMMDD dates that have segment files.
func (s *Sink) SegmentDates() ([]string, error) {
	return listSegmentDates(s.dir)
}

// DigestTip returns the chain tip recorded in a segment's advisory
// digest sidecar, or "" when no digest exists. Cheap spot-check only;
// VerifySegment is the authoritative answer.
func (s *Sink) DigestTip(date string) (string, error) {
	normalized, err := normalizeDate(date)
	if err != nil {
		return "", err
	}
	return readDigestTip(s.dir, normalized)
}

// CheckDigest compares the advisory digest tip against the segment's
// last committed record hash. A false result means sidecar and segment
// tail disagree: someone touched one of them and a full VerifySegment
// is warranted. Missing sidecar plus empty segment agree trivially.
func (s *Sink) CheckDigest(date string) (bool, error) {
	normalized, err := normalizeDate(date)
	if err != nil {
		return false, err
	}

	tip, err := readDigestTip(s.dir, normalized)
	if err != nil {
		return false, err
	}
	last, _, err := readLastRecord(segmentPath(s.dir, normalized))
	if err != nil {
		// An unreadable tail can never match the sidecar.
		return false, nil
	}
	if last == nil {
		return tip == "", nil
	}
	return tip == last.RecordHash, nil
}

// reindex backfills the SQLite index from the segment files, covering
// records a previous process appended before crashing mid-index. The
// insert key is the record hash, so replaying is idempotent.
func (s *Sink) reindex() {
	dates, err := listSegmentDates(s.dir)
	if err != nil {
		slog.Error("reindex: listing segments failed", "error", err)
		return
	}

	for _, date := range dates {
		records, err := readSegmentRecords(segmentPath(s.dir, date))
		if err != nil {
			slog.Error("reindex: reading segment failed", "segment", date, "error", err)
			continue
		}

		parsable := 0
		for _, rec := range records {
			if rec != nil {
				parsable++
			}
		}
		if s.index.segmentCount(date) >= parsable {
			continue
		}

		for _, rec := range records {
			if rec != nil {
				s.index.insert(date, rec)
			}
		}
		slog.Info("audit index rebuilt", "segment", date, "records", parsable)
	}
}
