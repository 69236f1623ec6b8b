package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/threshold"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS metric_history (
        as_of_date   DATE NOT NULL,
        window_days  INTEGER NOT NULL,
        section      TEXT NOT NULL,
        metric_key   TEXT NOT NULL,
        metric_label TEXT NOT NULL DEFAULT '',
        value        DOUBLE PRECISION NOT NULL,
        value_type   TEXT NOT NULL,
        source       TEXT NOT NULL DEFAULT '',
        refreshed_at TIMESTAMPTZ,
        PRIMARY KEY (as_of_date, window_days, section, metric_key)
    );`,
	`CREATE TABLE IF NOT EXISTS metric_history_archive (
        year_month   TEXT NOT NULL,
        as_of_date   DATE NOT NULL,
        window_days  INTEGER NOT NULL,
        section      TEXT NOT NULL,
        metric_key   TEXT NOT NULL,
        metric_label TEXT NOT NULL DEFAULT '',
        value        DOUBLE PRECISION NOT NULL,
        value_type   TEXT NOT NULL,
        source       TEXT NOT NULL DEFAULT '',
        refreshed_at TIMESTAMPTZ,
        PRIMARY KEY (as_of_date, window_days, section, metric_key)
    );`,
	`CREATE INDEX IF NOT EXISTS metric_history_archive_month_idx
        ON metric_history_archive (year_month);`,
	`CREATE TABLE IF NOT EXISTS serving_snapshot (
        as_of_date             DATE NOT NULL,
        window_days            INTEGER NOT NULL,
        section                TEXT NOT NULL,
        metric_key             TEXT NOT NULL,
        metric_label           TEXT NOT NULL DEFAULT '',
        value                  DOUBLE PRECISION NOT NULL,
        value_type             TEXT NOT NULL,
        source                 TEXT NOT NULL DEFAULT '',
        status                 TEXT NOT NULL,
        lower_threshold        DOUBLE PRECISION,
        upper_threshold        DOUBLE PRECISION,
        pct_change             DOUBLE PRECISION,
        seasonal_zscore        DOUBLE PRECISION,
        signal_count           INTEGER NOT NULL,
        signals                TEXT NOT NULL DEFAULT '',
        rolling_points_used    INTEGER NOT NULL,
        seasonal_points_used   INTEGER NOT NULL,
        weekday_filter_applied BOOLEAN NOT NULL,
        refreshed_at           TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (section, metric_key, window_days)
    );`,
	`CREATE TABLE IF NOT EXISTS alert_log (
        id          BIGSERIAL PRIMARY KEY,
        as_of_date  DATE NOT NULL,
        window_days INTEGER NOT NULL,
        section     TEXT NOT NULL,
        metric_key  TEXT NOT NULL,
        status      TEXT NOT NULL,
        signals     TEXT NOT NULL DEFAULT '',
        value       DOUBLE PRECISION NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (as_of_date, window_days, section, metric_key)
    );`,
}

var (
	historyColumns  = []string{"as_of_date", "window_days", "section", "metric_key", "metric_label", "value", "value_type", "source", "refreshed_at"}
	snapshotColumns = []string{
		"as_of_date", "window_days", "section", "metric_key", "metric_label", "value", "value_type", "source",
		"status", "lower_threshold", "upper_threshold", "pct_change", "seasonal_zscore", "signal_count", "signals",
		"rolling_points_used", "seasonal_points_used", "weekday_filter_applied", "refreshed_at",
	}
)

const (
	listHistorySQL = `SELECT
        as_of_date,
        window_days,
        section,
        metric_key,
        metric_label,
        value,
        value_type,
        source,
        refreshed_at
    FROM metric_history
    ORDER BY as_of_date, section, metric_key, window_days;`

	deleteHistorySQL = `DELETE FROM metric_history;`

	upsertArchiveSQL = `INSERT INTO metric_history_archive (
        year_month,
        as_of_date,
        window_days,
        section,
        metric_key,
        metric_label,
        value,
        value_type,
        source,
        refreshed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (as_of_date, window_days, section, metric_key) DO UPDATE
    SET
        year_month   = EXCLUDED.year_month,
        metric_label = EXCLUDED.metric_label,
        value        = EXCLUDED.value,
        value_type   = EXCLUDED.value_type,
        source       = EXCLUDED.source,
        refreshed_at = EXCLUDED.refreshed_at;`

	listSnapshotSQL = `SELECT
        as_of_date,
        window_days,
        section,
        metric_key,
        metric_label,
        value,
        value_type,
        source,
        status,
        lower_threshold,
        upper_threshold,
        pct_change,
        seasonal_zscore,
        signal_count,
        signals,
        rolling_points_used,
        seasonal_points_used,
        weekday_filter_applied,
        refreshed_at
    FROM serving_snapshot
    ORDER BY section, metric_key, window_days;`

	deleteSnapshotSQL = `DELETE FROM serving_snapshot;`

	insertAlertSQL = `INSERT INTO alert_log (
        as_of_date,
        window_days,
        section,
        metric_key,
        status,
        signals,
        value
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (as_of_date, window_days, section, metric_key) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        id,
        as_of_date,
        window_days,
        section,
        metric_key,
        status,
        signals,
        value,
        created_at
    FROM alert_log
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

var (
	_ Backend        = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Store persists history, archive, snapshot and alert log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Closing the session releases the lock anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// LoadHistory lists the active history ordered by natural key.
func (s *Store) LoadHistory(ctx context.Context) ([]kpi.Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	out := make([]kpi.Observation, 0)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ReplaceHistory rewrites the active history in one transaction.
func (s *Store) ReplaceHistory(ctx context.Context, rows []kpi.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteHistorySQL); err != nil {
			return fmt.Errorf("clear history: %w", err)
		}
		source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return observationValues(rows[i]), nil
		})
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"metric_history"}, historyColumns, source); err != nil {
			return fmt.Errorf("copy history: %w", err)
		}
		return nil
	})
}

// MergeMonth upserts rows into the archive table tagged with month.
func (s *Store) MergeMonth(ctx context.Context, month string, rows []kpi.Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, row := range kpi.Merge(nil, rows) {
		batch.Queue(upsertArchiveSQL, append([]any{month}, observationValues(row)...)...)
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("archive %s: %w", month, err)
		}
	}
	return nil
}

// LoadSnapshot lists the serving snapshot.
func (s *Store) LoadSnapshot(ctx context.Context) ([]snapshot.Row, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSnapshotSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list snapshot: %w", queryErr)
	}
	defer rows.Close()

	out := make([]snapshot.Row, 0)
	for rows.Next() {
		row, scanErr := scanSnapshotRow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// ReplaceSnapshot swaps the serving snapshot in one transaction.
func (s *Store) ReplaceSnapshot(ctx context.Context, rows []snapshot.Row) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteSnapshotSQL); err != nil {
			return fmt.Errorf("clear snapshot: %w", err)
		}
		source := pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return snapshotValues(rows[i]), nil
		})
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"serving_snapshot"}, snapshotColumns, source); err != nil {
			return fmt.Errorf("copy snapshot: %w", err)
		}
		return nil
	})
}

// RecordAlert inserts the alert unless the same row was already notified.
func (s *Store) RecordAlert(ctx context.Context, alert AlertRecord) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.AsOfDate,
		alert.WindowDays,
		alert.Section,
		alert.MetricKey,
		string(alert.Status),
		alert.Signals.String(),
		alert.Value,
	)
	if execErr != nil {
		return false, fmt.Errorf("record alert: %w", execErr)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var (
			rec               AlertRecord
			status, signalStr string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AsOfDate,
			&rec.WindowDays,
			&rec.Section,
			&rec.MetricKey,
			&status,
			&signalStr,
			&rec.Value,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		if rec.Status, err = threshold.ParseStatus(status); err != nil {
			return nil, fmt.Errorf("parse alert status: %w", err)
		}
		if rec.Signals, err = threshold.ParseSignalSet(signalStr); err != nil {
			return nil, fmt.Errorf("parse alert signals: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func observationValues(row kpi.Observation) []any {
	var refreshed any
	if !row.RefreshedAt.IsZero() {
		refreshed = row.RefreshedAt.UTC()
	}
	return []any{
		row.AsOfDate,
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

func snapshotValues(row snapshot.Row) []any {
	return []any{
		row.AsOfDate,
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
		row.RefreshedAt.UTC(),
	}
}

func scanObservation(rows pgx.Rows) (kpi.Observation, error) {
	var (
		obs       kpi.Observation
		valueType string
		refreshed *time.Time
	)
	if err := rows.Scan(
		&obs.AsOfDate,
		&obs.WindowDays,
		&obs.Section,
		&obs.MetricKey,
		&obs.MetricLabel,
		&obs.Value,
		&valueType,
		&obs.Source,
		&refreshed,
	); err != nil {
		return kpi.Observation{}, err
	}
	obs.AsOfDate = kpi.Day(obs.AsOfDate)
	obs.ValueType = kpi.ParseValueType(valueType)
	if refreshed != nil {
		obs.RefreshedAt = refreshed.UTC()
	}
	return obs, nil
}

func scanSnapshotRow(rows pgx.Rows) (snapshot.Row, error) {
	var (
		row               snapshot.Row
		valueType, status string
		signalStr         string
	)
	if err := rows.Scan(
		&row.AsOfDate,
		&row.WindowDays,
		&row.Section,
		&row.MetricKey,
		&row.MetricLabel,
		&row.Value,
		&valueType,
		&row.Source,
		&status,
		&row.LowerThreshold,
		&row.UpperThreshold,
		&row.PctChange,
		&row.SeasonalZScore,
		&row.SignalCount,
		&signalStr,
		&row.RollingPointsUsed,
		&row.SeasonalPointsUsed,
		&row.WeekdayFilterApplied,
		&row.RefreshedAt,
	); err != nil {
		return snapshot.Row{}, err
	}

	var err error
	if row.Status, err = threshold.ParseStatus(status); err != nil {
		return snapshot.Row{}, fmt.Errorf("parse snapshot status: %w", err)
	}
	if row.Signals, err = threshold.ParseSignalSet(signalStr); err != nil {
		return snapshot.Row{}, fmt.Errorf("parse snapshot signals: %w", err)
	}
	row.AsOfDate = kpi.Day(row.AsOfDate)
	row.ValueType = kpi.ParseValueType(valueType)
	row.RefreshedAt = row.RefreshedAt.UTC()
	return row, nil
}

var (
	_ Backend        = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
