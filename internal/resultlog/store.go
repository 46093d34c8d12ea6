package resultlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/hpc-test-orchestrator/internal/result"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
    run_id INTEGER PRIMARY KEY,
    series_id INTEGER,
    name TEXT NOT NULL,
    result TEXT NOT NULL,
    duration REAL,
    created TIMESTAMP,
    started TIMESTAMP,
    finished TIMESTAMP,
    return_value INTEGER,
    notes TEXT,
    keys TEXT
);

CREATE INDEX IF NOT EXISTS idx_results_name ON results(name);
CREATE INDEX IF NOT EXISTS idx_results_result ON results(result);
CREATE INDEX IF NOT EXISTS idx_results_series ON results(series_id);
CREATE INDEX IF NOT EXISTS idx_results_finished ON results(finished);
`

// Store is the sqlite index over the central result log. It is derived,
// node-local state: results.log stays authoritative and the index can be
// rebuilt from it at any time. Queries never feed back into coordination.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the index at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating result index: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or replaces one record in the index. The run ID is the
// primary key; re-indexing the same run overwrites its row.
func (s *Store) Upsert(rec Record) error {
	keysJSON, err := json.Marshal(rec.Keys)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO results (run_id, series_id, name, result, duration, created, started, finished, return_value, notes, keys)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			series_id = excluded.series_id,
			name = excluded.name,
			result = excluded.result,
			duration = excluded.duration,
			created = excluded.created,
			started = excluded.started,
			finished = excluded.finished,
			return_value = excluded.return_value,
			notes = excluded.notes,
			keys = excluded.keys
	`,
		rec.ID,
		rec.Series,
		rec.Name,
		string(rec.Result),
		rec.Duration,
		rec.Created,
		rec.Started,
		rec.Finished,
		rec.ReturnValue,
		rec.Notes,
		string(keysJSON),
	)
	return err
}

// QueryOptions filters an index query. Zero values mean "no filter".
type QueryOptions struct {
	Name   string
	Result string
	Series int
	Since  time.Time
	Limit  int
}

// Query returns indexed records matching the options, newest first.
func (s *Store) Query(opts QueryOptions) ([]Record, error) {
	query := `SELECT run_id, series_id, name, result, duration, created, started, finished, return_value, notes, keys FROM results WHERE 1=1`
	var args []interface{}

	if opts.Name != "" {
		query += " AND name = ?"
		args = append(args, opts.Name)
	}
	if opts.Result != "" {
		query += " AND result = ?"
		args = append(args, opts.Result)
	}
	if opts.Series > 0 {
		query += " AND series_id = ?"
		args = append(args, opts.Series)
	}
	if !opts.Since.IsZero() {
		query += " AND finished >= ?"
		args = append(args, opts.Since)
	}

	query += " ORDER BY finished DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Rebuild drops all indexed rows and re-indexes every record in the
// central log.
func (s *Store) Rebuild(logPath string) (int, error) {
	records, err := ReadAll(logPath)
	if err != nil {
		return 0, err
	}
	if _, err := s.db.Exec(`DELETE FROM results`); err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := s.Upsert(rec); err != nil {
			return 0, fmt.Errorf("indexing run %d: %w", rec.ID, err)
		}
	}
	return len(records), nil
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var outcome, keysJSON string
	var notes sql.NullString
	var started sql.NullTime

	err := rows.Scan(&rec.ID, &rec.Series, &rec.Name, &outcome, &rec.Duration,
		&rec.Created, &started, &rec.Finished, &rec.ReturnValue, &notes, &keysJSON)
	if err != nil {
		return rec, err
	}

	rec.Result = result.Outcome(outcome)
	if notes.Valid {
		rec.Notes = notes.String
	}
	if started.Valid {
		rec.Started = started.Time
	}
	if keysJSON != "" && keysJSON != "null" {
		if err := json.Unmarshal([]byte(keysJSON), &rec.Keys); err != nil {
			return rec, err
		}
	}
	return rec, nil
}
