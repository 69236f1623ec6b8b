package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/kpi"
)

// Column maps one wide-table column onto a metric.
type Column struct {
	Column    string
	MetricKey string
	Label     string
	ValueType kpi.ValueType
	// Section overrides WideOptions.Section when set.
	Section string
}

// WideOptions parameterise a wide daily table: one date column plus one
// column per metric.
type WideOptions struct {
	Name       string
	Path       string
	DateColumn string
	Section    string
	Columns    []Column
}

// Wide reads a daily activity table and unpivots it into observations.
type Wide struct {
	opts   WideOptions
	now    func() time.Time
	logger zerolog.Logger
}

// NewWide constructs a wide-table source.
func NewWide(opts WideOptions, logger zerolog.Logger) *Wide {
	if opts.DateColumn == "" {
		opts.DateColumn = "date"
	}
	return &Wide{
		opts:   opts,
		now:    time.Now,
		logger: logger.With().Str("component", "wide_source").Str("source", opts.Name).Logger(),
	}
}

// Name identifies the source in logs.
func (w *Wide) Name() string { return w.opts.Name }

// Fetch reads the table. Blank cells are skipped; cells that are not finite
// numbers are logged and skipped.
func (w *Wide) Fetch(ctx context.Context) ([]kpi.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(w.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", w.opts.Path, err)
	}
	defer file.Close()
	return w.decode(file)
}

func (w *Wide) decode(r io.Reader) ([]kpi.Observation, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	dateIdx, ok := index[strings.ToLower(w.opts.DateColumn)]
	if !ok {
		return nil, fmt.Errorf("date column %q not found", w.opts.DateColumn)
	}

	type mapped struct {
		Column
		idx int
	}
	cols := make([]mapped, 0, len(w.opts.Columns))
	for _, c := range w.opts.Columns {
		idx, ok := index[strings.ToLower(c.Column)]
		if !ok {
			w.logger.Warn().Str("column", c.Column).Msg("configured column missing from table")
			continue
		}
		if c.MetricKey == "" {
			c.MetricKey = c.Column
		}
		if c.Label == "" {
			c.Label = c.Column
		}
		if c.Section == "" {
			c.Section = w.opts.Section
		}
		cols = append(cols, mapped{Column: c, idx: idx})
	}

	refreshed := w.now().UTC().Truncate(time.Second)
	rows := make([]kpi.Observation, 0)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		if dateIdx >= len(record) {
			continue
		}
		date, err := kpi.ParseDate(record[dateIdx])
		if err != nil {
			w.logger.Warn().Err(err).Int("line", line).Msg("skipping row with bad date")
			continue
		}

		for _, c := range cols {
			if c.idx >= len(record) {
				continue
			}
			raw := strings.TrimSpace(record[c.idx])
			if raw == "" {
				continue
			}
			value, err := kpi.ParseValue(raw)
			if err != nil {
				w.logger.Warn().Err(err).Int("line", line).Str("column", c.Column.Column).Msg("skipping non-numeric cell")
				continue
			}
			rows = append(rows, kpi.NewDailyObservation(date, c.Section, c.MetricKey, c.Label, value, c.ValueType, w.opts.Name, refreshed))
		}
	}
	return rows, nil
}

var _ Source = (*Wide)(nil)
