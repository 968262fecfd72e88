package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the trail. The JSONL
// segments are the source of truth; the index is a projection that can
// always be rebuilt from them, so index failures never fail an append.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the index database. WAL mode allows the
// CLI to query while a serve process is appending.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			record_hash TEXT PRIMARY KEY,
			segment     TEXT NOT NULL,
			ts          TEXT NOT NULL,
			actor_id    INTEGER,
			actor_name  TEXT,
			action      TEXT NOT NULL,
			result      TEXT NOT NULL,
			details     TEXT NOT NULL DEFAULT '{}',
			source_addr TEXT NOT NULL DEFAULT '',
			agent_str   TEXT NOT NULL DEFAULT '',
			prev_hash   TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_segment ON records(segment);
		CREATE INDEX IF NOT EXISTS idx_ts ON records(ts);
		CREATE INDEX IF NOT EXISTS idx_action ON records(action);
		CREATE INDEX IF NOT EXISTS idx_result ON records(result);
		CREATE INDEX IF NOT EXISTS idx_actor ON records(actor_name);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit index schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds a record to the index. Errors are logged, not returned:
// the record is already durable in its segment, and the index can be
// rebuilt.
func (idx *sqliteIndex) insert(segment string, r *Record) {
	detailsJSON, err := json.Marshal(r.Details)
	if err != nil {
		slog.Error("index detail encode failed", "hash", shortHash(r.RecordHash), "error", err)
		return
	}

	_, err = idx.db.Exec(
		`INSERT OR REPLACE INTO records
		 (record_hash, segment, ts, actor_id, actor_name, action, result, details, source_addr, agent_str, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RecordHash, segment, r.Timestamp, r.ActorID, r.ActorName,
		string(r.Action), string(r.Result), string(detailsJSON),
		r.SourceAddress, r.AgentString, r.PreviousHash,
	)
	if err != nil {
		slog.Error("audit index insert failed", "hash", shortHash(r.RecordHash), "error", err)
	}
}

// query retrieves records matching the given filters, newest first.
// Actor glob patterns are applied by the caller on the result set.
func (idx *sqliteIndex) query(params QueryParams) ([]Record, error) {
	q := "SELECT ts, actor_id, actor_name, action, result, details, source_addr, agent_str, prev_hash, record_hash FROM records WHERE 1=1"
	var args []any

	if params.Action != "" {
		q += " AND action = ?"
		args = append(args, params.Action)
	}
	if params.Result != "" {
		q += " AND result = ?"
		args = append(args, params.Result)
	}
	if params.Since != "" {
		q += " AND ts >= ?"
		args = append(args, params.Since)
	}

	q += " ORDER BY ts DESC, rowid DESC"

	if params.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit index: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var action, result, detailsJSON string
		err := rows.Scan(
			&r.Timestamp, &r.ActorID, &r.ActorName, &action, &result,
			&detailsJSON, &r.SourceAddress, &r.AgentString,
			&r.PreviousHash, &r.RecordHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit index row: %w", err)
		}
		r.Action = Action(action)
		r.Result = Result(result)
		if err := json.Unmarshal([]byte(detailsJSON), &r.Details); err != nil {
			slog.Warn("index row has undecodable details", "hash", shortHash(r.RecordHash), "error", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// segmentCount returns how many records the index holds for a segment,
// used to decide whether a startup reindex is needed.
func (idx *sqliteIndex) segmentCount(segment string) int {
	var n sql.NullInt64
	err := idx.db.QueryRow("SELECT COUNT(*) FROM records WHERE segment = ?", segment).Scan(&n)
	if err != nil || !n.Valid {
		return 0
	}
	return int(n.Int64)
}

// close closes the index database.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
