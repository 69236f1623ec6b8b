package kpi

import (
	"sort"
	"strings"
	"time"
)

// Point is one dated value of a metric series.
type Point struct {
	Date  time.Time
	Value float64
}

// Series is the daily history of a single (section, metric_key) pair,
// ascending by date with unique dates.
type Series struct {
	Section     string
	MetricKey   string
	MetricLabel string
	ValueType   ValueType
	Points      []Point
}

// Latest returns the most recent point.
func (s Series) Latest() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

type seriesKey struct {
	section string
	metric  string
}

// GroupDaily splits history into per-metric daily series. Rows with a
// window other than one day are ignored. When a date repeats within a metric
// the later row wins. Label and value type come from the latest row.
// Series are returned ordered by (section, metric_key).
func GroupDaily(rows []Observation) []Series {
	groups := make(map[seriesKey][]Observation)
	for _, row := range rows {
		if !row.IsDaily() {
			continue
		}
		k := seriesKey{section: row.Section, metric: row.MetricKey}
		groups[k] = append(groups[k], row)
	}

	out := make([]Series, 0, len(groups))
	for k, obs := range groups {
		sort.SliceStable(obs, func(i, j int) bool { return obs[i].AsOfDate.Before(obs[j].AsOfDate) })

		points := make([]Point, 0, len(obs))
		for _, o := range obs {
			if n := len(points); n > 0 && points[n-1].Date.Equal(o.AsOfDate) {
				points[n-1].Value = o.Value
				continue
			}
			points = append(points, Point{Date: o.AsOfDate, Value: o.Value})
		}

		latest := obs[len(obs)-1]
		out = append(out, Series{
			Section:     k.section,
			MetricKey:   k.metric,
			MetricLabel: latest.MetricLabel,
			ValueType:   latest.ValueType,
			Points:      points,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Section != out[j].Section {
			return out[i].Section < out[j].Section
		}
		return out[i].MetricKey < out[j].MetricKey
	})
	return out
}

// FindSeries returns the daily series for metricKey, optionally restricted to
// a section. Keys match case-insensitively.
func FindSeries(rows []Observation, section, metricKey string) (Series, bool) {
	for _, s := range GroupDaily(rows) {
		if !strings.EqualFold(s.MetricKey, metricKey) {
			continue
		}
		if section != "" && s.Section != section {
			continue
		}
		return s, true
	}
	return Series{}, false
}
