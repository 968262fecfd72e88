package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
)

// Export writes every record (oldest first, across all segments) to w
// in the requested format: "jsonl" (default), "json", or "csv". Export
// reads the segment files, not the index, so the output reflects the
// source of truth.
func (s *Sink) Export(w io.Writer, format string) error {
	dates, err := listSegmentDates(s.dir)
	if err != nil {
		return err
	}

	var all []Record
	for _, date := range dates {
		records, err := readSegmentRecords(segmentPath(s.dir, date))
		if err != nil {
			return fmt.Errorf("reading segment %s: %w", date, err)
		}
		for _, rec := range records {
			if rec == nil {
				slog.Warn("export: skipping malformed audit line", "segment", date)
				continue
			}
			all = append(all, *rec)
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(all)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		header := []string{"timestamp", "actor_id", "actor_name", "action", "result", "source_address", "previous_hash", "record_hash"}
		if err := cw.Write(header); err != nil {
			return err
		}
		for _, r := range all {
			actorID, actorName := "", ""
			if r.ActorID != nil {
				actorID = strconv.FormatInt(*r.ActorID, 10)
			}
			if r.ActorName != nil {
				actorName = *r.ActorName
			}
			row := []string{
				r.Timestamp, actorID, actorName,
				string(r.Action), string(r.Result),
				r.SourceAddress, r.PreviousHash, r.RecordHash,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, r := range all {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
