package threshold

import (
	"fmt"
	"strings"
)

// Signal is one independent anomaly indicator.
type Signal uint8

const (
	// SignalLower fires when the current value breaches the lower bound.
	SignalLower Signal = 1 << iota
	// SignalUpper fires when the current value breaches the upper bound.
	SignalUpper
	// SignalSeasonal fires on a seasonal z-score breach.
	SignalSeasonal
	// SignalPercentChange fires on a large day-over-day move.
	SignalPercentChange
)

// orderedSignals fixes the order signals are reported in.
var orderedSignals = [...]Signal{SignalLower, SignalUpper, SignalSeasonal, SignalPercentChange}

// Code returns the single-letter code stored in snapshots.
func (s Signal) Code() string {
	switch s {
	case SignalLower:
		return "L"
	case SignalUpper:
		return "U"
	case SignalSeasonal:
		return "Z"
	case SignalPercentChange:
		return "P"
	default:
		return "?"
	}
}

func (s Signal) String() string { return s.Code() }

// ParseSignal maps a code (case-insensitive) to a Signal.
func ParseSignal(code string) (Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "L":
		return SignalLower, nil
	case "U":
		return SignalUpper, nil
	case "Z":
		return SignalSeasonal, nil
	case "P":
		return SignalPercentChange, nil
	default:
		return 0, fmt.Errorf("unknown signal code %q", code)
	}
}

// SignalSet is a set of signals.
type SignalSet uint8

// AllSignals enables every signal.
const AllSignals = SignalSet(SignalLower | SignalUpper | SignalSeasonal | SignalPercentChange)

// Has reports membership.
func (ss SignalSet) Has(s Signal) bool { return ss&SignalSet(s) != 0 }

// With returns the set plus s.
func (ss SignalSet) With(s Signal) SignalSet { return ss | SignalSet(s) }

// Len counts the signals in the set.
func (ss SignalSet) Len() int {
	n := 0
	for _, s := range orderedSignals {
		if ss.Has(s) {
			n++
		}
	}
	return n
}

// Signals lists members in L, U, Z, P order.
func (ss SignalSet) Signals() []Signal {
	out := make([]Signal, 0, len(orderedSignals))
	for _, s := range orderedSignals {
		if ss.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// String renders the set as "|"-joined codes, e.g. "L|P".
func (ss SignalSet) String() string {
	codes := make([]string, 0, len(orderedSignals))
	for _, s := range ss.Signals() {
		codes = append(codes, s.Code())
	}
	return strings.Join(codes, "|")
}

// ParseSignalSet parses a "|"- or ","-separated list of codes. Unknown codes
// are an error; an empty string yields the empty set.
func ParseSignalSet(raw string) (SignalSet, error) {
	var set SignalSet
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '|' || r == ',' }) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		s, err := ParseSignal(part)
		if err != nil {
			return 0, err
		}
		set = set.With(s)
	}
	return set, nil
}
