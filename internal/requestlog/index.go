package requestlog

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// Index is an optional queryable projection of the JSONL request log,
// supplementing spec.md §4.9's required linear-scan Get/List with
// indexed lookups by service/status/time range, used by the dashboard's
// GET /api/requests?since= handler.
// The JSONL file stays the source of truth — the index can always be
// rebuilt from it. Adapted from internal/audit/index.go's sqliteIndex.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the SQLite index at path.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening request log index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS requests (
			id          TEXT PRIMARY KEY,
			service     TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL DEFAULT '',
			path        TEXT NOT NULL DEFAULT '',
			config_name TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			success     INTEGER NOT NULL DEFAULT 0,
			blocked     INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_requests_service ON requests(service);
		CREATE INDEX IF NOT EXISTS idx_requests_ts ON requests(ts);
		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status_code);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating request log index schema: %w", err)
	}

	return &Index{db: db}, nil
}

// Insert projects r into the index. Errors are logged, not returned —
// the index is a convenience layer and must never block logging.
func (idx *Index) Insert(r Record) {
	success := 0
	if r.Success {
		success = 1
	}
	blocked := 0
	if r.Blocked {
		blocked = 1
	}
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO requests (id, service, ts, method, path, config_name, status_code, success, blocked, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Service, r.Timestamp, r.ClientMethod, r.ClientPath, r.ConfigName, r.StatusCode, success, blocked, r.DurationMs,
	)
	if err != nil {
		slog.Error("request log index insert failed", "id", r.ID, "error", err)
	}
}

// QueryParams filters an indexed search; zero values mean "no filter".
type QueryParams struct {
	Service string
	Since   string // ISO-8601 lower bound on ts
	Limit   int
}

// Query returns indexed row IDs matching params, newest first. Callers
// resolve full Records via Log.Get since the index stores only the
// fields needed to filter, not the request/response bodies.
func (idx *Index) Query(params QueryParams) ([]string, error) {
	query := "SELECT id FROM requests WHERE 1=1"
	var args []any

	if params.Service != "" {
		query += " AND service = ?"
		args = append(args, params.Service)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}
	query += " ORDER BY ts DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying request log index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning request log index row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// QueryRecords returns indexed rows matching params as partial Records,
// newest first. Rows evicted from the ring only carry the summary
// fields the index stores (no headers/bodies) — this is what lets
// /api/requests?since= reach past the ring's capacity-1000 window
// instead of being limited to Log.List/Get.
func (idx *Index) QueryRecords(params QueryParams) ([]Record, error) {
	query := `SELECT id, service, ts, method, path, config_name, status_code, success, blocked, duration_ms
		FROM requests WHERE 1=1`
	var args []any

	if params.Service != "" {
		query += " AND service = ?"
		args = append(args, params.Service)
	}
	if params.Since != "" {
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}
	query += " ORDER BY ts DESC"
	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying request log index: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var success, blocked int
		if err := rows.Scan(&r.ID, &r.Service, &r.Timestamp, &r.ClientMethod, &r.ClientPath,
			&r.ConfigName, &r.StatusCode, &success, &blocked, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("scanning request log index row: %w", err)
		}
		r.Success = success != 0
		r.Blocked = blocked != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (idx *Index) Close() error {
	return idx.db.Close()
}
