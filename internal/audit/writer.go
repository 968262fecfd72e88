package audit

import (
	"time"
)

// Record appends one event to the trail and makes it durable before
// returning. The whole mutation — tip read, hash, write, fsync, tip
// update — runs under the per-segment lock, so concurrent callers
// produce a strictly ordered chain with no two records sharing a
// previous hash.
//
// On a SerializationError the segment is untouched. On a WriteError no
// chain-tip update happens and the event counts as not recorded; the
// segment re-derives its tip from disk so a later append cannot chain
// off state the failed write left behind.
//
// Record blocks on the segment lock and on durable I/O. It is not
// cancellable mid-write; callers that need a timeout must apply it
// before calling.
func (s *Sink) Record(e Event) (*Record, error) {
	if _, err := ParseAction(string(e.Action)); err != nil {
		return nil, &SerializationError{Field: "action", Reason: err.Error()}
	}
	if _, err := ParseResult(string(e.Result)); err != nil {
		return nil, &SerializationError{Field: "result", Reason: err.Error()}
	}
	if err := e.Details.validate(); err != nil {
		return nil, err
	}

	seg, err := s.segments.resolve(s.now())
	if err != nil {
		return nil, err
	}

	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.stuck != nil {
		// Retry the reconcile; the condition (e.g. an unreadable tail
		// line) may have been repaired out of band.
		if seg.stuck = seg.recover(); seg.stuck != nil {
			return nil, &WriteError{Path: seg.path, Err: seg.stuck}
		}
	}

	// Stamp the append time, clamped forward so timestamps within a
	// segment never move backward even if the wall clock does.
	ts := s.now().UTC()
	if !seg.lastStamp.IsZero() && ts.Before(seg.lastStamp) {
		ts = seg.lastStamp
	}

	rec := &Record{
		Timestamp:     ts.Format(time.RFC3339Nano),
		Action:        e.Action,
		Result:        e.Result,
		Details:       e.Details,
		SourceAddress: e.SourceAddress,
		AgentString:   e.AgentString,
		PreviousHash:  seg.tip,
	}
	if e.Actor != nil {
		id, name := e.Actor.ID, e.Actor.Name
		rec.ActorID = &id
		rec.ActorName = &name
	}

	hash, err := chainHash(rec, seg.tip)
	if err != nil {
		return nil, err
	}
	rec.RecordHash = hash

	line, err := encodeLine(rec)
	if err != nil {
		return nil, err
	}

	if err := seg.open(); err != nil {
		return nil, err
	}

	// Byte offset the record lands at, recorded in the digest sidecar.
	position := int64(0)
	if st, err := seg.file.Stat(); err == nil {
		position = st.Size()
	}

	// One write call for the whole line: a record is either fully
	// present or absent from the reader's perspective.
	if _, err := seg.file.Write(append(line, '\n')); err != nil {
		seg.reset()
		return nil, &WriteError{Path: seg.path, Err: err}
	}

	// Audit records must survive a crash, so every append syncs.
	if err := seg.file.Sync(); err != nil {
		seg.reset()
		return nil, &WriteError{Path: seg.path, Err: err}
	}

	seg.tip = rec.RecordHash
	seg.lastStamp = ts
	seg.count++
	seg.appendDigest(rec, position)

	if s.index != nil {
		s.index.insert(seg.date, rec)
	}
	if s.onRecord != nil {
		s.onRecord(*rec)
	}
	return rec, nil
}

// reset drops the append handle and re-derives the tip from disk after
// a failed write, keeping the in-memory chain state consistent with
// whatever actually landed. If recovery itself fails the segment is
// marked stuck and refuses further appends rather than chain onto
// unknown state. Called under s.mu.
func (s *segment) reset() {
	s.close()
	s.stuck = s.recover()
}
