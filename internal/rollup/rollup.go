// Package rollup turns daily metric points into calendar-window aggregates.
package rollup

import (
	"time"

	"kpiwatch/internal/kpi"
)

// Rolling evaluates the window rule at every date of points, which must be
// ascending by date. A window of w days ending at date d covers
// [d-(w-1), d]. Counts are summed so missing days contribute zero; rates are
// averaged over the days actually present.
func Rolling(points []kpi.Point, window int, valueType kpi.ValueType) []kpi.Point {
	if len(points) == 0 || window <= 0 {
		return nil
	}

	out := make([]kpi.Point, len(points))
	span := time.Duration(window-1) * 24 * time.Hour

	// Each window is summed from scratch; a running total drifts with floats.
	start := 0
	for i, p := range points {
		from := p.Date.Add(-span)
		for points[start].Date.Before(from) {
			start++
		}

		sum := 0.0
		for _, q := range points[start : i+1] {
			sum += q.Value
		}

		value := sum
		if valueType != kpi.ValueCount {
			value = sum / float64(i-start+1)
		}
		out[i] = kpi.Point{Date: p.Date, Value: value}
	}
	return out
}

// Aggregate returns the window aggregate ending at the latest date of points.
// ok is false when points is empty or the window is not positive.
func Aggregate(points []kpi.Point, window int, valueType kpi.ValueType) (value float64, ok bool) {
	if len(points) == 0 || window <= 0 {
		return 0, false
	}

	latest := points[len(points)-1].Date
	from := latest.Add(-time.Duration(window-1) * 24 * time.Hour)

	start := len(points) - 1
	for start > 0 && !points[start-1].Date.Before(from) {
		start--
	}

	sum := 0.0
	for _, p := range points[start:] {
		sum += p.Value
	}

	if valueType == kpi.ValueCount {
		return sum, true
	}
	return sum / float64(len(points)-start), true
}
