package metrics

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Rollup snapshots the counter totals once an hour and stores the delta per
// family in the metrics_hourly table. Dashboards read these rows instead of
// scraping history from Prometheus.
type Rollup struct {
	metrics *Metrics
	db      *sql.DB
	logger  *zap.Logger
	cron    *cron.Cron

	mu   sync.Mutex
	last map[string]float64
}

// NewRollup opens (or creates) the rollup table in the given SQLite file.
func NewRollup(metrics *Metrics, dbPath string, logger *zap.Logger) (*Rollup, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open metrics db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS metrics_hourly (
		hour   TEXT NOT NULL,
		family TEXT NOT NULL,
		value  REAL NOT NULL,
		PRIMARY KEY (hour, family)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create metrics_hourly: %w", err)
	}

	return &Rollup{
		metrics: metrics,
		db:      db,
		logger:  logger,
		last:    make(map[string]float64),
	}, nil
}

// Start schedules the hourly snapshot. Stop with Stop.
func (r *Rollup) Start() error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc("0 * * * *", func() {
		if err := r.Snapshot(time.Now().UTC()); err != nil {
			r.logger.Warn("metrics rollup failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule rollup: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop halts the schedule and closes the database.
func (r *Rollup) Stop() error {
	if r.cron != nil {
		r.cron.Stop()
	}
	return r.db.Close()
}

// Snapshot writes one row per family with the delta since the previous
// snapshot. Gauges roll up as-is; resets clamp to zero rather than going
// negative.
func (r *Rollup) Snapshot(now time.Time) error {
	totals, err := r.metrics.Totals()
	if err != nil {
		return err
	}

	hour := now.Truncate(time.Hour).Format(time.RFC3339)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, f := range totals {
		delta := f.Total - r.last[f.Name]
		if delta < 0 {
			delta = f.Total
		}
		r.last[f.Name] = f.Total

		if _, err := r.db.Exec(`INSERT INTO metrics_hourly (hour, family, value) VALUES (?, ?, ?)
			ON CONFLICT(hour, family) DO UPDATE SET value = value + excluded.value`,
			hour, f.Name, delta,
		); err != nil {
			return fmt.Errorf("store rollup row: %w", err)
		}
	}
	return nil
}

// Hourly returns the stored values for a family, oldest first, up to limit
// rows.
func (r *Rollup) Hourly(family string, limit int) (map[string]float64, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := r.db.Query(`SELECT hour, value FROM metrics_hourly WHERE family = ?
		ORDER BY hour DESC LIMIT ?`, family, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var hour string
		var value float64
		if err := rows.Scan(&hour, &value); err != nil {
			continue
		}
		out[hour] = value
	}
	return out, rows.Err()
}
