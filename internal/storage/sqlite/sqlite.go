// Package sqlite is the embedded SQL backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/storage"
	"kpiwatch/internal/threshold"
)

var (
	_ storage.Backend    = (*Store)(nil)
	_ storage.AlertStore = (*Store)(nil)
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) LoadHistory(ctx context.Context) ([]kpi.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT as_of_date, window_days, section, metric_key, metric_label,
			value, value_type, source, refreshed_at
		FROM metric_history
		ORDER BY as_of_date, section, metric_key, window_days
	`)
}

func (s *Store) ReplaceHistory(ctx context.Context, rows []kpi.Observation) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM metric_history`); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_history (
			as_of_date, window_days, section, metric_key, metric_label,
			value, value_type, source, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err = stmt.ExecContext(ctx, observationArgs(row)...); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) MergeMonth(ctx context.Context, month string, rows []kpi.Observation) (err error) {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO metric_history_archive (
			year_month, as_of_date, window_days, section, metric_key, metric_label,
			value, value_type, source, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(as_of_date, window_days, section, metric_key)
		DO UPDATE SET
			year_month = excluded.year_month,
			metric_label = excluded.metric_label,
			value = excluded.value,
			value_type = excluded.value_type,
			source = excluded.source,
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		args := append([]any{month}, observationArgs(row)...)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("archive %s: %w", month, err)
		}
	}
	return tx.Commit()
}

// LoadArchive lists one archived month.
func (s *Store) LoadArchive(ctx context.Context, month string) ([]kpi.Observation, error) {
	return s.queryObservations(ctx, `
		SELECT as_of_date, window_days, section, metric_key, metric_label,
			value, value_type, source, refreshed_at
		FROM metric_history_archive
		WHERE year_month = ?
		ORDER BY as_of_date, section, metric_key, window_days
	`, month)
}

func (s *Store) LoadSnapshot(ctx context.Context) ([]snapshot.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT as_of_date, window_days, section, metric_key, metric_label, value,
			value_type, source, status, lower_threshold, upper_threshold, pct_change,
			seasonal_zscore, signal_count, signals, rolling_points_used,
			seasonal_points_used, weekday_filter_applied, refreshed_at
		FROM serving_snapshot
		ORDER BY section, metric_key, window_days
	`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot: %w", err)
	}
	defer rows.Close()

	out := make([]snapshot.Row, 0)
	for rows.Next() {
		var (
			row                              snapshot.Row
			date, valueType, status, signals string
			refreshed                        string
			lower, upper, pct, z             sql.NullFloat64
		)
		if err := rows.Scan(
			&date, &row.WindowDays, &row.Section, &row.MetricKey, &row.MetricLabel, &row.Value,
			&valueType, &row.Source, &status, &lower, &upper, &pct,
			&z, &row.SignalCount, &signals, &row.RollingPointsUsed,
			&row.SeasonalPointsUsed, &row.WeekdayFilterApplied, &refreshed,
		); err != nil {
			return nil, err
		}
		if row.AsOfDate, err = kpi.ParseDate(date); err != nil {
			return nil, fmt.Errorf("parse snapshot date: %w", err)
		}
		if row.Status, err = threshold.ParseStatus(status); err != nil {
			return nil, err
		}
		if row.Signals, err = threshold.ParseSignalSet(signals); err != nil {
			return nil, err
		}
		row.ValueType = kpi.ParseValueType(valueType)
		row.LowerThreshold = nullable(lower)
		row.UpperThreshold = nullable(upper)
		row.PctChange = nullable(pct)
		row.SeasonalZScore = nullable(z)
		row.RefreshedAt = parseTime(refreshed)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM serving_snapshot`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO serving_snapshot (
			as_of_date, window_days, section, metric_key, metric_label, value,
			value_type, source, status, lower_threshold, upper_threshold, pct_change,
			seasonal_zscore, signal_count, signals, rolling_points_used,
			seasonal_points_used, weekday_filter_applied, refreshed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		_, err = stmt.ExecContext(ctx,
			row.AsOfDate.Format(kpi.DateLayout),
			row.WindowDays,
			row.Section,
			row.MetricKey,
			row.MetricLabel,
			row.Value,
			string(row.ValueType),
			row.Source,
			string(row.Status),
			row.LowerThreshold,
			row.UpperThreshold,
			row.PctChange,
			row.SeasonalZScore,
			row.SignalCount,
			row.Signals.String(),
			row.RollingPointsUsed,
			row.SeasonalPointsUsed,
			row.WeekdayFilterApplied,
			row.RefreshedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) RecordAlert(ctx context.Context, alert storage.AlertRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_log (
			as_of_date, window_days, section, metric_key, status, signals, value, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(as_of_date, window_days, section, metric_key) DO NOTHING
	`,
		alert.AsOfDate.Format(kpi.DateLayout),
		alert.WindowDays,
		alert.Section,
		alert.MetricKey,
		string(alert.Status),
		alert.Signals.String(),
		alert.Value,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("record alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, as_of_date, window_days, section, metric_key, status, signals, value, created_at
		FROM alert_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]storage.AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec                            storage.AlertRecord
			date, status, signals, created string
		)
		if err := rows.Scan(&rec.ID, &date, &rec.WindowDays, &rec.Section, &rec.MetricKey, &status, &signals, &rec.Value, &created); err != nil {
			return nil, err
		}
		if rec.AsOfDate, err = kpi.ParseDate(date); err != nil {
			return nil, err
		}
		if rec.Status, err = threshold.ParseStatus(status); err != nil {
			return nil, err
		}
		if rec.Signals, err = threshold.ParseSignalSet(signals); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(created)
		alerts = append(alerts, rec)
	}
	return alerts, rows.Err()
}

func (s *Store) queryObservations(ctx context.Context, query string, args ...any) ([]kpi.Observation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	out := make([]kpi.Observation, 0)
	for rows.Next() {
		var (
			obs             kpi.Observation
			date, valueType string
			refreshed       sql.NullString
		)
		if err := rows.Scan(&date, &obs.WindowDays, &obs.Section, &obs.MetricKey, &obs.MetricLabel,
			&obs.Value, &valueType, &obs.Source, &refreshed); err != nil {
			return nil, err
		}
		if obs.AsOfDate, err = kpi.ParseDate(date); err != nil {
			return nil, fmt.Errorf("parse history date: %w", err)
		}
		obs.ValueType = kpi.ParseValueType(valueType)
		if refreshed.Valid {
			obs.RefreshedAt = parseTime(refreshed.String)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func observationArgs(row kpi.Observation) []any {
	var refreshed any
	if !row.RefreshedAt.IsZero() {
		refreshed = row.RefreshedAt.UTC().Format(time.RFC3339)
	}
	return []any{
		row.AsOfDate.Format(kpi.DateLayout),
		row.WindowDays,
		row.Section,
		row.MetricKey,
		row.MetricLabel,
		row.Value,
		string(row.ValueType),
		row.Source,
		refreshed,
	}
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func parseTime(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS metric_history (
			as_of_date TEXT NOT NULL,
			window_days INTEGER NOT NULL,
			section TEXT NOT NULL,
			metric_key TEXT NOT NULL,
			metric_label TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			value_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			refreshed_at TEXT,
			PRIMARY KEY (as_of_date, window_days, section, metric_key)
		);`,
		`CREATE TABLE IF NOT EXISTS metric_history_archive (
			year_month TEXT NOT NULL,
			as_of_date TEXT NOT NULL,
			window_days INTEGER NOT NULL,
			section TEXT NOT NULL,
			metric_key TEXT NOT NULL,
			metric_label TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			value_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			refreshed_at TEXT,
			PRIMARY KEY (as_of_date, window_days, section, metric_key)
		);`,
		`CREATE INDEX IF NOT EXISTS metric_history_archive_month_idx ON metric_history_archive (year_month);`,
		`CREATE TABLE IF NOT EXISTS serving_snapshot (
			as_of_date TEXT NOT NULL,
			window_days INTEGER NOT NULL,
			section TEXT NOT NULL,
			metric_key TEXT NOT NULL,
			metric_label TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			value_type TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			lower_threshold REAL,
			upper_threshold REAL,
			pct_change REAL,
			seasonal_zscore REAL,
			signal_count INTEGER NOT NULL,
			signals TEXT NOT NULL DEFAULT '',
			rolling_points_used INTEGER NOT NULL,
			seasonal_points_used INTEGER NOT NULL,
			weekday_filter_applied INTEGER NOT NULL,
			refreshed_at TEXT NOT NULL,
			PRIMARY KEY (section, metric_key, window_days)
		);`,
		`CREATE TABLE IF NOT EXISTS alert_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			as_of_date TEXT NOT NULL,
			window_days INTEGER NOT NULL,
			section TEXT NOT NULL,
			metric_key TEXT NOT NULL,
			status TEXT NOT NULL,
			signals TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE (as_of_date, window_days, section, metric_key)
		);`,
	}

	for _, statement := range statements {
		if _, err := s.db.Exec(statement); err != nil {
			return err
		}
	}

	return nil
}
