package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackroad/meshgate/internal/signal"
)

// PostgresStore backs the trail with Postgres for multi-node deployments
// where a node-local SQLite file is not enough.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with the given DSN and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit db: %w", err)
	}

	_, err = pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS audit_log (
		id         TEXT PRIMARY KEY,
		at         TIMESTAMPTZ NOT NULL,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		resource   TEXT NOT NULL DEFAULT '',
		outcome    TEXT NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		payload    JSONB NOT NULL
	)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create audit_log: %w", err)
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_log(outcome)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,
	} {
		_, _ = pool.Exec(ctx, idx)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, r Record) error {
	enrich(&r)

	payload, err := json.Marshal(r.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO audit_log
		(id, at, actor, action, resource, outcome, request_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.At.UTC(), r.Actor, r.Action, r.Resource, r.Outcome, r.RequestID, payload,
	)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	query, args, err := s.buildQuery(ctx, f, true)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) StreamJSONL(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(ctx, f, false)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	for rows.Next() {
		r, err := scanPGRecord(rows)
		if err != nil {
			continue
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args, err := s.buildQuery(ctx, f, false)
	if err != nil {
		return err
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for rows.Next() {
		r, err := scanPGRecord(rows)
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

func (s *PostgresStore) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, "DELETE FROM audit_log WHERE at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) buildQuery(ctx context.Context, f Filter, includeLimit bool) (string, []any, error) {
	query := "SELECT id, at, actor, action, resource, outcome, request_id, payload FROM audit_log WHERE true"
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if f.Actor != "" {
		query += " AND actor = " + arg(f.Actor)
	}
	if f.Action != "" {
		query += " AND action = " + arg(f.Action)
	}
	if f.Resource != "" {
		query += " AND resource = " + arg(f.Resource)
	}
	if f.Outcome != "" {
		query += " AND outcome = " + arg(f.Outcome)
	}
	if !f.Since.IsZero() {
		query += " AND at >= " + arg(f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += " AND at <= " + arg(f.Until.UTC())
	}
	if f.Cursor != "" {
		var cursorAt time.Time
		err := s.pool.QueryRow(ctx, "SELECT at FROM audit_log WHERE id = $1", f.Cursor).Scan(&cursorAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				query += " AND false"
			} else {
				return "", nil, err
			}
		} else {
			query += fmt.Sprintf(" AND (at < %s OR (at = %s AND id < %s))",
				arg(cursorAt), arg(cursorAt), arg(f.Cursor))
		}
	}

	query += " ORDER BY at DESC, id DESC"
	if includeLimit && f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}
	return query, args, nil
}

func scanPGRecord(rows pgx.Rows) (Record, error) {
	var r Record
	var payload []byte
	if err := rows.Scan(&r.ID, &r.At, &r.Actor, &r.Action, &r.Resource, &r.Outcome, &r.RequestID, &payload); err != nil {
		return Record{}, err
	}
	if len(payload) > 0 {
		var s signal.Signal
		if err := json.Unmarshal(payload, &s); err == nil {
			r.Signal = s
		}
	}
	return r, nil
}
