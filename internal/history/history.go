package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/kpi"
)

// MonthLayout names archive partitions.
const MonthLayout = "2006_01"

// Store persists the active daily history.
type Store interface {
	LoadHistory(ctx context.Context) ([]kpi.Observation, error)
	ReplaceHistory(ctx context.Context, rows []kpi.Observation) error
}

// Archive receives rows that fall out of the retention window.
type Archive interface {
	// MergeMonth merges rows into the partition for month, keeping the last
	// occurrence of each natural key.
	MergeMonth(ctx context.Context, month string, rows []kpi.Observation) error
}

// Append merges incoming rows into existing ones. New rows replace stored
// rows with the same natural key. An empty incoming slice yields nil so that
// callers never overwrite history with an empty refresh.
func Append(existing, incoming []kpi.Observation) []kpi.Observation {
	if len(incoming) == 0 {
		return nil
	}
	return kpi.Merge(existing, incoming)
}

// Cutoff returns the first date kept for a retention of days ending at latest.
func Cutoff(latest time.Time, days int) time.Time {
	return kpi.Day(latest).AddDate(0, 0, -(days - 1))
}

// SplitRetention separates rows older than the retention window. Rows without
// a date are dropped from both halves. A non-positive retention keeps
// everything.
func SplitRetention(rows []kpi.Observation, days int) (kept, expired []kpi.Observation, dropped int) {
	if days <= 0 || len(rows) == 0 {
		return rows, nil, 0
	}

	var latest time.Time
	for _, row := range rows {
		if row.AsOfDate.After(latest) {
			latest = row.AsOfDate
		}
	}
	if latest.IsZero() {
		return nil, nil, len(rows)
	}
	cutoff := Cutoff(latest, days)

	kept = make([]kpi.Observation, 0, len(rows))
	for _, row := range rows {
		switch {
		case row.AsOfDate.IsZero():
			dropped++
		case row.AsOfDate.Before(cutoff):
			expired = append(expired, row)
		default:
			kept = append(kept, row)
		}
	}
	return kept, expired, dropped
}

// Partition is the archive slice for one calendar month.
type Partition struct {
	Month string
	Rows  []kpi.Observation
}

// PartitionByMonth groups rows by year and month, ascending.
func PartitionByMonth(rows []kpi.Observation) []Partition {
	byMonth := make(map[string][]kpi.Observation)
	for _, row := range rows {
		month := row.AsOfDate.Format(MonthLayout)
		byMonth[month] = append(byMonth[month], row)
	}

	parts := make([]Partition, 0, len(byMonth))
	for month, monthRows := range byMonth {
		parts = append(parts, Partition{Month: month, Rows: monthRows})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Month < parts[j].Month })
	return parts
}

// Manager applies append and retention against a store.
type Manager struct {
	store         Store
	archive       Archive
	retentionDays int
	logger        zerolog.Logger
}

// NewManager wires a history store with an optional archive.
func NewManager(store Store, archive Archive, retentionDays int, logger zerolog.Logger) *Manager {
	return &Manager{
		store:         store,
		archive:       archive,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "history").Logger(),
	}
}

// Load returns the stored history.
func (m *Manager) Load(ctx context.Context) ([]kpi.Observation, error) {
	rows, err := m.store.LoadHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return rows, nil
}

// Ingest appends incoming rows, applies retention and rewrites the store.
// When nothing new arrives the stored history is returned untouched.
func (m *Manager) Ingest(ctx context.Context, incoming []kpi.Observation) ([]kpi.Observation, error) {
	existing, err := m.Load(ctx)
	if err != nil {
		return nil, err
	}

	merged := Append(existing, incoming)
	if merged == nil {
		m.logger.Warn().Int("stored_rows", len(existing)).Msg("no new observations; history left unchanged")
		return existing, nil
	}

	kept, err := m.ApplyRetention(ctx, merged)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReplaceHistory(ctx, kept); err != nil {
		return nil, fmt.Errorf("replace history: %w", err)
	}

	m.logger.Info().
		Int("incoming_rows", len(incoming)).
		Int("stored_rows", len(kept)).
		Msg("history updated")
	return kept, nil
}

// ApplyRetention archives rows older than the retention window and returns
// the rows to keep. Archive partitions are written before the caller rewrites
// the active store, so a failure never loses rows.
func (m *Manager) ApplyRetention(ctx context.Context, rows []kpi.Observation) ([]kpi.Observation, error) {
	kept, expired, dropped := SplitRetention(rows, m.retentionDays)
	if dropped > 0 {
		m.logger.Warn().Int("rows", dropped).Msg("dropped history rows without a date")
	}
	if len(expired) == 0 {
		return kept, nil
	}

	if m.archive == nil {
		m.logger.Info().Int("rows", len(expired)).Msg("expired rows discarded; no archive configured")
		return kept, nil
	}

	for _, part := range PartitionByMonth(expired) {
		if err := m.archive.MergeMonth(ctx, part.Month, part.Rows); err != nil {
			return nil, fmt.Errorf("archive %s: %w", part.Month, err)
		}
		m.logger.Debug().Str("month", part.Month).Int("rows", len(part.Rows)).Msg("archived history partition")
	}
	return kept, nil
}
