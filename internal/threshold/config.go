package threshold

import (
	"fmt"
	"strings"
)

// Mode selects the evaluation strategy of a metric.
type Mode string

const (
	ModeStatic  Mode = "static"
	ModeDynamic Mode = "dynamic"
)

// ParseMode defaults to static for an empty value.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(ModeStatic):
		return ModeStatic, nil
	case string(ModeDynamic):
		return ModeDynamic, nil
	default:
		return "", fmt.Errorf("unknown threshold mode %q", raw)
	}
}

// Direction gates which bound checks are eligible.
type Direction string

const (
	DirectionBoth      Direction = "both"
	DirectionLowerOnly Direction = "lower_only"
	DirectionUpperOnly Direction = "upper_only"
)

// ParseDirection falls back to both for empty or unrecognised values.
func ParseDirection(raw string) Direction {
	switch Direction(strings.ToLower(strings.TrimSpace(raw))) {
	case DirectionLowerOnly:
		return DirectionLowerOnly
	case DirectionUpperOnly:
		return DirectionUpperOnly
	default:
		return DirectionBoth
	}
}

// Allows reports whether a bound signal may fire under this direction.
func (d Direction) Allows(s Signal) bool {
	switch d {
	case DirectionLowerOnly:
		return s == SignalLower
	case DirectionUpperOnly:
		return s == SignalUpper
	default:
		return s == SignalLower || s == SignalUpper
	}
}

// Config is the per-metric threshold configuration: either Static or Dynamic.
type Config interface {
	Mode() Mode
	isConfig()
}

// Static compares the current value with hand-tuned bounds. Nil bounds are
// not checked.
type Static struct {
	Direction Direction
	Lower     *float64
	Upper     *float64
	Policy    Policy
}

func (Static) Mode() Mode { return ModeStatic }
func (Static) isConfig()  {}

// Dynamic derives bounds from rolling statistics and adds seasonal and
// percent-change signals.
type Dynamic struct {
	Direction         Direction
	K                 float64
	Window            int
	ZScoreLimit       float64
	PercentDrop       float64
	MinHistoryPoints  int
	MinSeasonalPoints int
	ExcludeWeekdays   WeekdaySet
	Signals           SignalSet
	Policy            Policy
}

func (Dynamic) Mode() Mode { return ModeDynamic }
func (Dynamic) isConfig()  {}

// DefaultDynamic returns dynamic parameters with every field at its default.
func DefaultDynamic() Dynamic {
	return Dynamic{
		Direction:         DirectionBoth,
		K:                 1.0,
		Window:            30,
		ZScoreLimit:       2.0,
		PercentDrop:       0.5,
		MinHistoryPoints:  30,
		MinSeasonalPoints: 5,
		Signals:           AllSignals,
		Policy:            DefaultDynamicPolicy,
	}
}

// Unconfigured is used for metrics without a thresholds block: no bounds,
// strict policy, so it always evaluates Green.
func Unconfigured() Static {
	return Static{Direction: DirectionBoth, Policy: StrictStaticPolicy}
}

// Set resolves metric keys to their Config. Keys are matched
// case-insensitively.
type Set struct {
	byKey map[string]Config
}

// NewSet builds a Set from configs keyed by metric_key.
func NewSet(configs map[string]Config) Set {
	byKey := make(map[string]Config, len(configs))
	for key, cfg := range configs {
		if cfg == nil {
			continue
		}
		byKey[strings.ToLower(key)] = cfg
	}
	return Set{byKey: byKey}
}

// Lookup returns the metric's Config or Unconfigured when absent.
func (s Set) Lookup(metricKey string) Config {
	if cfg, ok := s.byKey[strings.ToLower(metricKey)]; ok {
		return cfg
	}
	return Unconfigured()
}

// Len is the number of configured metrics.
func (s Set) Len() int { return len(s.byKey) }
