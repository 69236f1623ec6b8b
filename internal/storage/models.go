package storage

import (
	"context"
	"time"

	"kpiwatch/internal/history"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/threshold"
)

// AlertRecord is one notified snapshot row, kept for de-duplication.
type AlertRecord struct {
	ID         int64
	AsOfDate   time.Time
	WindowDays int
	Section    string
	MetricKey  string
	Status     threshold.Status
	Signals    threshold.SignalSet
	Value      float64
	CreatedAt  time.Time
}

// NewAlertRecord derives the alert-log entry for a snapshot row.
func NewAlertRecord(row snapshot.Row) AlertRecord {
	return AlertRecord{
		AsOfDate:   row.AsOfDate,
		WindowDays: row.WindowDays,
		Section:    row.Section,
		MetricKey:  row.MetricKey,
		Status:     row.Status,
		Signals:    row.Signals,
		Value:      row.Value,
	}
}

// Backend is everything a refresh needs from persistence.
type Backend interface {
	history.Store
	history.Archive
	snapshot.Writer
	snapshot.Reader
	Close()
}

// AlertStore records notified rows. RecordAlert reports false when the row
// had already been recorded.
type AlertStore interface {
	RecordAlert(ctx context.Context, alert AlertRecord) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}
