package threshold

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/rollup"
)

// Result describes the evaluation of one metric window at its latest date.
type Result struct {
	Status               Status
	LowerThreshold       *float64
	UpperThreshold       *float64
	PctChange            *float64
	SeasonalZScore       *float64
	SignalCount          int
	Signals              SignalSet
	RollingPointsUsed    int
	SeasonalPointsUsed   int
	WeekdayFilterApplied bool
}

// neutral is returned when nothing can be computed.
func neutral(weekdayFilter bool) Result {
	return Result{Status: StatusYellow, WeekdayFilterApplied: weekdayFilter}
}

// Evaluate classifies the latest window aggregate of a daily series. points
// must be ascending by date. It never fails: missing data leaves the
// corresponding bound or signal unset.
func Evaluate(cfg Config, points []kpi.Point, valueType kpi.ValueType, window int) Result {
	if len(points) == 0 {
		return neutral(false)
	}
	if cfg == nil {
		cfg = Unconfigured()
	}

	switch c := cfg.(type) {
	case Dynamic:
		return evaluateDynamic(c, points, valueType, window)
	case *Dynamic:
		return evaluateDynamic(*c, points, valueType, window)
	case Static:
		return evaluateStatic(c, points, valueType, window)
	case *Static:
		return evaluateStatic(*c, points, valueType, window)
	default:
		return evaluateStatic(Unconfigured(), points, valueType, window)
	}
}

// Evaluate looks up the metric's configuration and evaluates it.
func (s Set) Evaluate(metricKey string, points []kpi.Point, valueType kpi.ValueType, window int) Result {
	return Evaluate(s.Lookup(metricKey), points, valueType, window)
}

func evaluateStatic(cfg Static, points []kpi.Point, valueType kpi.ValueType, window int) Result {
	series := rollup.Rolling(points, window, valueType)
	if len(series) == 0 {
		return neutral(false)
	}
	current, pct := currentAndChange(series)

	signals := checkBounds(0, cfg.Direction, AllSignals, current, cfg.Lower, cfg.Upper)

	return Result{
		Status:         cfg.Policy.Classify(signals.Len()),
		LowerThreshold: clone(cfg.Lower),
		UpperThreshold: clone(cfg.Upper),
		PctChange:      pct,
		SignalCount:    signals.Len(),
		Signals:        signals,
	}
}

func evaluateDynamic(cfg Dynamic, points []kpi.Point, valueType kpi.ValueType, window int) Result {
	filtered := !cfg.ExcludeWeekdays.Empty()
	if filtered {
		points = excludeWeekdays(points, cfg.ExcludeWeekdays)
		if len(points) == 0 {
			return neutral(true)
		}
	}

	series := rollup.Rolling(points, window, valueType)
	if len(series) == 0 {
		return neutral(filtered)
	}
	current, pct := currentAndChange(series)

	res := Result{PctChange: pct, WeekdayFilterApplied: filtered}

	if len(series) >= cfg.MinHistoryPoints && cfg.Window > 0 && len(series) >= cfg.Window {
		tail := values(series[len(series)-cfg.Window:])
		mean, std := stat.PopMeanStdDev(tail, nil)
		if !math.IsNaN(mean) && !math.IsNaN(std) {
			lower := mean - cfg.K*std
			upper := mean + cfg.K*std
			res.LowerThreshold = &lower
			res.UpperThreshold = &upper
			res.RollingPointsUsed = cfg.Window
		}
	}

	latest := series[len(series)-1].Date
	_, month, dayOfMonth := latest.Date()
	seasonal := make([]float64, 0)
	for _, p := range series[:len(series)-1] {
		if _, m, d := p.Date.Date(); m == month && d == dayOfMonth && p.Date.Before(latest) {
			seasonal = append(seasonal, p.Value)
		}
	}
	res.SeasonalPointsUsed = len(seasonal)
	if len(seasonal) > 0 && len(seasonal) >= cfg.MinSeasonalPoints {
		mean, std := stat.PopMeanStdDev(seasonal, nil)
		if std != 0 && !math.IsNaN(std) {
			z := (current - mean) / std
			res.SeasonalZScore = &z
		}
	}

	signals := checkBounds(0, cfg.Direction, cfg.Signals, current, res.LowerThreshold, res.UpperThreshold)
	if cfg.Signals.Has(SignalSeasonal) && res.SeasonalZScore != nil && math.Abs(*res.SeasonalZScore) >= cfg.ZScoreLimit {
		signals = signals.With(SignalSeasonal)
	}
	if cfg.Signals.Has(SignalPercentChange) && pct != nil && math.Abs(*pct) >= cfg.PercentDrop {
		signals = signals.With(SignalPercentChange)
	}

	res.Signals = signals
	res.SignalCount = signals.Len()
	res.Status = cfg.Policy.Classify(res.SignalCount)
	return res
}

// checkBounds applies the inclusive bound comparisons.
func checkBounds(signals SignalSet, direction Direction, enabled SignalSet, current float64, lower, upper *float64) SignalSet {
	if lower != nil && enabled.Has(SignalLower) && direction.Allows(SignalLower) && current <= *lower {
		signals = signals.With(SignalLower)
	}
	if upper != nil && enabled.Has(SignalUpper) && direction.Allows(SignalUpper) && current >= *upper {
		signals = signals.With(SignalUpper)
	}
	return signals
}

func currentAndChange(series []kpi.Point) (float64, *float64) {
	current := series[len(series)-1].Value
	if len(series) < 2 {
		return current, nil
	}
	prev := series[len(series)-2].Value
	if prev == 0 {
		return current, nil
	}
	pct := (current - prev) / prev
	return current, &pct
}

func excludeWeekdays(points []kpi.Point, excluded WeekdaySet) []kpi.Point {
	out := make([]kpi.Point, 0, len(points))
	for _, p := range points {
		if excluded.Contains(p.Date.Weekday()) {
			continue
		}
		out = append(out, p)
	}
	return out
}

func clone(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func values(points []kpi.Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Value
	}
	return out
}
