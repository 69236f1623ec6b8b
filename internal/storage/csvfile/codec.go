package csvfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/threshold"
)

// HistoryHeader is the column order of history and archive files.
var HistoryHeader = []string{
	"as_of_date", "window_days", "section", "metric_key", "metric_label",
	"value", "value_type", "source", "refreshed_at",
}

// SnapshotHeader is the column order of the serving snapshot file.
var SnapshotHeader = []string{
	"as_of_date", "window_days", "section", "metric_key", "metric_label",
	"value", "value_type", "source", "status",
	"lower_threshold", "upper_threshold", "pct_change", "seasonal_zscore",
	"signal_count", "signals", "rolling_points_used", "seasonal_points_used",
	"weekday_filter_applied", "refreshed_at",
}

// columns maps header names to positions.
type columns map[string]int

func indexHeader(header []string, required ...string) (columns, error) {
	cols := make(columns, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	return cols, nil
}

func (c columns) get(record []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// DecodeObservations reads a history-schema CSV. Rows with an unparseable
// date, window or value (including NaN and infinities) are skipped and counted.
func DecodeObservations(r io.Reader, logger zerolog.Logger) ([]kpi.Observation, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	cols, err := indexHeader(header, "as_of_date", "metric_key", "value")
	if err != nil {
		return nil, 0, err
	}

	rows := make([]kpi.Observation, 0)
	skipped := 0
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, fmt.Errorf("read line %d: %w", line, err)
		}

		row, err := decodeObservation(cols, record)
		if err != nil {
			skipped++
			logger.Warn().Err(err).Int("line", line).Msg("skipping malformed history row")
			continue
		}
		rows = append(rows, row)
	}
	return rows, skipped, nil
}

func decodeObservation(cols columns, record []string) (kpi.Observation, error) {
	date, err := kpi.ParseDate(cols.get(record, "as_of_date"))
	if err != nil {
		return kpi.Observation{}, fmt.Errorf("as_of_date: %w", err)
	}

	window := kpi.DailyWindow
	if raw := cols.get(record, "window_days"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return kpi.Observation{}, fmt.Errorf("window_days: %w", err)
		}
		window = int(parsed)
	}

	value, err := kpi.ParseValue(cols.get(record, "value"))
	if err != nil {
		return kpi.Observation{}, fmt.Errorf("value: %w", err)
	}

	key := cols.get(record, "metric_key")
	if key == "" {
		return kpi.Observation{}, errors.New("metric_key is empty")
	}

	var refreshed time.Time
	if raw := cols.get(record, "refreshed_at"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			refreshed = ts.UTC()
		}
	}

	return kpi.Observation{
		AsOfDate:    date,
		WindowDays:  window,
		Section:     cols.get(record, "section"),
		MetricKey:   key,
		MetricLabel: cols.get(record, "metric_label"),
		Value:       value,
		ValueType:   kpi.ParseValueType(cols.get(record, "value_type")),
		Source:      cols.get(record, "source"),
		RefreshedAt: refreshed,
	}, nil
}

// EncodeObservations writes rows with HistoryHeader.
func EncodeObservations(w io.Writer, rows []kpi.Observation) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(HistoryHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.AsOfDate.Format(kpi.DateLayout),
			strconv.Itoa(row.WindowDays),
			row.Section,
			row.MetricKey,
			row.MetricLabel,
			formatFloat(row.Value),
			string(row.ValueType),
			row.Source,
			formatTime(row.RefreshedAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// EncodeSnapshot writes rows with SnapshotHeader.
func EncodeSnapshot(w io.Writer, rows []snapshot.Row) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(SnapshotHeader); err != nil {
		return err
	}
	for _, row := range rows {
		record := []string{
			row.AsOfDate.Format(kpi.DateLayout),
			strconv.Itoa(row.WindowDays),
			row.Section,
			row.MetricKey,
			row.MetricLabel,
			formatFloat(row.Value),
			string(row.ValueType),
			row.Source,
			string(row.Status),
			formatOptional(row.LowerThreshold),
			formatOptional(row.UpperThreshold),
			formatOptional(row.PctChange),
			formatOptional(row.SeasonalZScore),
			strconv.Itoa(row.SignalCount),
			row.Signals.String(),
			strconv.Itoa(row.RollingPointsUsed),
			strconv.Itoa(row.SeasonalPointsUsed),
			strconv.FormatBool(row.WeekdayFilterApplied),
			formatTime(row.RefreshedAt),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// DecodeSnapshot reads a serving snapshot file.
func DecodeSnapshot(r io.Reader) ([]snapshot.Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols, err := indexHeader(header, SnapshotHeader...)
	if err != nil {
		return nil, err
	}

	rows := make([]snapshot.Row, 0)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row, err := decodeSnapshotRow(cols, record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeSnapshotRow(cols columns, record []string) (snapshot.Row, error) {
	var (
		row snapshot.Row
		err error
	)
	if row.AsOfDate, err = kpi.ParseDate(cols.get(record, "as_of_date")); err != nil {
		return row, fmt.Errorf("as_of_date: %w", err)
	}
	if row.WindowDays, err = strconv.Atoi(cols.get(record, "window_days")); err != nil {
		return row, fmt.Errorf("window_days: %w", err)
	}
	if row.Value, err = strconv.ParseFloat(cols.get(record, "value"), 64); err != nil {
		return row, fmt.Errorf("value: %w", err)
	}
	if row.Status, err = threshold.ParseStatus(cols.get(record, "status")); err != nil {
		return row, err
	}
	if row.Signals, err = threshold.ParseSignalSet(cols.get(record, "signals")); err != nil {
		return row, err
	}

	row.Section = cols.get(record, "section")
	row.MetricKey = cols.get(record, "metric_key")
	row.MetricLabel = cols.get(record, "metric_label")
	row.ValueType = kpi.ParseValueType(cols.get(record, "value_type"))
	row.Source = cols.get(record, "source")
	row.LowerThreshold = parseOptional(cols.get(record, "lower_threshold"))
	row.UpperThreshold = parseOptional(cols.get(record, "upper_threshold"))
	row.PctChange = parseOptional(cols.get(record, "pct_change"))
	row.SeasonalZScore = parseOptional(cols.get(record, "seasonal_zscore"))
	row.SignalCount, _ = strconv.Atoi(cols.get(record, "signal_count"))
	row.RollingPointsUsed, _ = strconv.Atoi(cols.get(record, "rolling_points_used"))
	row.SeasonalPointsUsed, _ = strconv.Atoi(cols.get(record, "seasonal_points_used"))
	row.WeekdayFilterApplied, _ = strconv.ParseBool(cols.get(record, "weekday_filter_applied"))
	if ts, err := time.Parse(time.RFC3339, cols.get(record, "refreshed_at")); err == nil {
		row.RefreshedAt = ts.UTC()
	}
	return row, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func parseOptional(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
