package threshold

import (
	"fmt"
	"strings"
)

// Status is the traffic-light alert level.
type Status string

const (
	StatusGreen  Status = "Green"
	StatusYellow Status = "Yellow"
	StatusRed    Status = "Red"
)

// Severity orders statuses, Green lowest.
func (s Status) Severity() int {
	switch s {
	case StatusRed:
		return 2
	case StatusYellow:
		return 1
	default:
		return 0
	}
}

// ParseStatus accepts any casing of green, yellow or red.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "green":
		return StatusGreen, nil
	case "yellow":
		return StatusYellow, nil
	case "red":
		return StatusRed, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

// Policy maps a signal count to a Status.
type Policy struct {
	YellowAt int
	RedAt    int
}

var (
	// DefaultDynamicPolicy needs two corroborating signals for Red.
	DefaultDynamicPolicy = Policy{YellowAt: 1, RedAt: 2}
	// StrictStaticPolicy turns any single breach into Red.
	StrictStaticPolicy = Policy{YellowAt: 1, RedAt: 1}
)

// Classify returns Red at or above RedAt, Yellow at or above YellowAt, else Green.
func (p Policy) Classify(signalCount int) Status {
	if signalCount >= p.RedAt {
		return StatusRed
	}
	if signalCount >= p.YellowAt {
		return StatusYellow
	}
	return StatusGreen
}
