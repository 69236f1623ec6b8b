package kpi

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the ISO calendar date format used for as_of_date columns.
const DateLayout = "2006-01-02"

// DailyWindow is the window_days value carried by daily-grain observations.
const DailyWindow = 1

// ValueType tells the aggregator whether a metric is summed or averaged.
type ValueType string

const (
	ValueCount ValueType = "count"
	ValueRate  ValueType = "rate"
)

// ParseValueType normalises a stored value_type. Anything that is not a
// count is treated as a rate.
func ParseValueType(raw string) ValueType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ValueCount):
		return ValueCount
	default:
		return ValueRate
	}
}

// Observation is a single metric fact for one calendar day and window.
type Observation struct {
	AsOfDate    time.Time
	WindowDays  int
	Section     string
	MetricKey   string
	MetricLabel string
	Value       float64
	ValueType   ValueType
	Source      string
	RefreshedAt time.Time
}

// Key is the natural key of an Observation.
type Key struct {
	AsOfDate   string
	WindowDays int
	Section    string
	MetricKey  string
}

// Key returns the natural key used for de-duplication.
func (o Observation) Key() Key {
	return Key{
		AsOfDate:   o.AsOfDate.Format(DateLayout),
		WindowDays: o.WindowDays,
		Section:    o.Section,
		MetricKey:  o.MetricKey,
	}
}

// IsDaily reports whether the observation has daily grain.
func (o Observation) IsDaily() bool {
	return o.WindowDays == DailyWindow
}

// NewDailyObservation builds a daily-grain row. A zero refreshedAt is
// stamped with the current UTC time.
func NewDailyObservation(asOf time.Time, section, metricKey, metricLabel string, value float64, valueType ValueType, source string, refreshedAt time.Time) Observation {
	if refreshedAt.IsZero() {
		refreshedAt = time.Now()
	}
	return Observation{
		AsOfDate:    Day(asOf),
		WindowDays:  DailyWindow,
		Section:     section,
		MetricKey:   metricKey,
		MetricLabel: metricLabel,
		Value:       value,
		ValueType:   valueType,
		Source:      source,
		RefreshedAt: refreshedAt.UTC().Truncate(time.Second),
	}
}

// ErrNonFinite marks a value that parsed as NaN or an infinity.
var ErrNonFinite = errors.New("value is not a finite number")

// ParseValue parses a metric value, rejecting NaN and infinities.
func ParseValue(raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q: %w", raw, ErrNonFinite)
	}
	return v, nil
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses an ISO date, tolerating a trailing time component.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > len(DateLayout) {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			return Day(ts), nil
		}
		raw = raw[:len(DateLayout)]
	}
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, err
	}
	return d, nil
}

// Less orders observations by (as_of_date, section, metric_key, window_days).
func Less(a, b Observation) bool {
	if !a.AsOfDate.Equal(b.AsOfDate) {
		return a.AsOfDate.Before(b.AsOfDate)
	}
	if a.Section != b.Section {
		return a.Section < b.Section
	}
	if a.MetricKey != b.MetricKey {
		return a.MetricKey < b.MetricKey
	}
	return a.WindowDays < b.WindowDays
}

// Sort orders rows in place using Less.
func Sort(rows []Observation) {
	sort.SliceStable(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
}

// Merge concatenates existing and incoming rows, keeps the last occurrence of
// every natural key and returns the result sorted.
func Merge(existing, incoming []Observation) []Observation {
	all := make([]Observation, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	last := make(map[Key]int, len(all))
	for i, row := range all {
		last[row.Key()] = i
	}

	merged := make([]Observation, 0, len(last))
	for i, row := range all {
		if last[row.Key()] == i {
			merged = append(merged, row)
		}
	}
	Sort(merged)
	return merged
}
