package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"

	"github.com/blackroad/meshgate/internal/signal"
)

// SQLiteStore is the default durable backend. Use ":memory:" for an
// ephemeral store in tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		at         TEXT NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT,
		outcome    TEXT NOT NULL,
		request_id TEXT,
		payload    TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit_log: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_log(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,
	} {
		_, _ = db.Exec(idx)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, r Record) error {
	enrich(&r)

	payload, err := json.Marshal(r.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_log
		(id, at, actor, action, resource, outcome, request_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.At.UTC().Format(time.RFC3339Nano),
		r.Actor,
		r.Action,
		r.Resource,
		r.Outcome,
		r.RequestID,
		string(payload),
	)
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	query, args, err := s.buildQuery(f, true)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, false)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(f, false)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			continue
		}
		row := []string{r.ID, r.At.Format(time.RFC3339Nano), r.Actor, r.Action, r.Resource, r.Outcome, r.RequestID}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}

func (s *SQLiteStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count reports the total persisted record count.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_log").Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) buildQuery(f Filter, includeLimit bool) (string, []any, error) {
	query := "SELECT id, at, actor, action, resource, outcome, request_id, payload FROM audit_log WHERE 1=1"
	var args []any

	if f.Actor != "" {
		query += " AND actor = ?"
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		query += " AND action = ?"
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		query += " AND resource = ?"
		args = append(args, f.Resource)
	}
	if f.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		query += " AND at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.Cursor != "" {
		var cursorAt string
		err := s.db.QueryRow("SELECT at FROM audit_log WHERE id = ?", f.Cursor).Scan(&cursorAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				query += " AND 1=0"
			} else {
				return "", nil, err
			}
		} else {
			query += " AND (at < ? OR (at = ? AND id < ?))"
			args = append(args, cursorAt, cursorAt, f.Cursor)
		}
	}

	query += " ORDER BY at DESC, id DESC"
	if includeLimit && f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var r Record
	var at, payload string
	if err := sc.Scan(&r.ID, &at, &r.Actor, &r.Action, &r.Resource, &r.Outcome, &r.RequestID, &payload); err != nil {
		return Record{}, err
	}
	r.At, _ = time.Parse(time.RFC3339Nano, at)
	if payload != "" && payload != "null" {
		var s signal.Signal
		if err := json.Unmarshal([]byte(payload), &s); err == nil {
			r.Signal = s
		}
	}
	return r, nil
}
