package config

import (
	"fmt"
	"strings"

	"kpiwatch/internal/threshold"
)

// AlertConfig is the per-metric block under alerts.<metric_key>.
type AlertConfig struct {
	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig mirrors alerts.<metric_key>.thresholds.
type ThresholdsConfig struct {
	Mode    string                  `mapstructure:"mode"`
	Static  *StaticThresholdConfig  `mapstructure:"static"`
	Dynamic *DynamicThresholdConfig `mapstructure:"dynamic"`
	Policy  *PolicyConfig           `mapstructure:"policy"`
}

// StaticThresholdConfig holds hand-tuned bounds.
type StaticThresholdConfig struct {
	Direction      string   `mapstructure:"direction"`
	LowerThreshold *float64 `mapstructure:"lower_threshold"`
	UpperThreshold *float64 `mapstructure:"upper_threshold"`
}

// DynamicThresholdConfig holds adaptive-mode parameters. Nil fields take defaults.
type DynamicThresholdConfig struct {
	Direction         string   `mapstructure:"direction"`
	K                 *float64 `mapstructure:"k"`
	Window            *int     `mapstructure:"window"`
	ZScoreLim         *float64 `mapstructure:"z_score_lim"`
	PercentDrop       *float64 `mapstructure:"percent_drop"`
	MinHistoryPoints  *int     `mapstructure:"min_history_points"`
	MinSeasonalPoints *int     `mapstructure:"min_seasonal_points"`
	ExcludeWeekdays   []string `mapstructure:"exclude_weekdays"`
	SignalsEnabled    []string `mapstructure:"signals_enabled"`
}

// PolicyConfig maps signal counts to statuses.
type PolicyConfig struct {
	YellowIfSignalCountGte *int `mapstructure:"yellow_if_signal_count_gte"`
	RedIfSignalCountGte    *int `mapstructure:"red_if_signal_count_gte"`
}

// Thresholds converts the alerts section into a typed threshold.Set.
func (c *Config) Thresholds() (threshold.Set, error) {
	configs := make(map[string]threshold.Config, len(c.Alerts))
	for key, alert := range c.Alerts {
		cfg, err := alert.Thresholds.build()
		if err != nil {
			return threshold.Set{}, fmt.Errorf("alerts.%s.thresholds: %w", key, err)
		}
		configs[key] = cfg
	}
	return threshold.NewSet(configs), nil
}

func (t ThresholdsConfig) build() (threshold.Config, error) {
	mode, err := threshold.ParseMode(t.Mode)
	if err != nil {
		return nil, err
	}

	if mode == threshold.ModeDynamic {
		return t.buildDynamic()
	}

	static := threshold.Unconfigured()
	if t.Static != nil {
		static.Direction = threshold.ParseDirection(t.Static.Direction)
		static.Lower = t.Static.LowerThreshold
		static.Upper = t.Static.UpperThreshold
	}
	if t.Policy != nil {
		static.Policy = t.Policy.build()
	}
	return static, nil
}

func (t ThresholdsConfig) buildDynamic() (threshold.Dynamic, error) {
	dyn := threshold.DefaultDynamic()
	if t.Policy != nil {
		dyn.Policy = t.Policy.build()
	}

	raw := t.Dynamic
	if raw == nil {
		dyn.MinHistoryPoints = max(dyn.Window, 10)
		return dyn, nil
	}

	dyn.Direction = threshold.ParseDirection(raw.Direction)
	if raw.K != nil && *raw.K != 0 {
		dyn.K = *raw.K
	}
	if raw.Window != nil {
		if *raw.Window <= 0 {
			return dyn, fmt.Errorf("dynamic.window must be positive")
		}
		dyn.Window = *raw.Window
	}
	if raw.ZScoreLim != nil && *raw.ZScoreLim != 0 {
		dyn.ZScoreLimit = *raw.ZScoreLim
	}
	if raw.PercentDrop != nil && *raw.PercentDrop != 0 {
		dyn.PercentDrop = *raw.PercentDrop
	}
	dyn.MinHistoryPoints = max(dyn.Window, 10)
	if raw.MinHistoryPoints != nil {
		dyn.MinHistoryPoints = *raw.MinHistoryPoints
	}
	if raw.MinSeasonalPoints != nil {
		dyn.MinSeasonalPoints = *raw.MinSeasonalPoints
	}

	weekdays, err := threshold.ParseWeekdays(raw.ExcludeWeekdays)
	if err != nil {
		return dyn, fmt.Errorf("dynamic.exclude_weekdays: %w", err)
	}
	dyn.ExcludeWeekdays = weekdays

	if raw.SignalsEnabled != nil {
		signals, err := threshold.ParseSignalSet(strings.Join(raw.SignalsEnabled, "|"))
		if err != nil {
			return dyn, fmt.Errorf("dynamic.signals_enabled: %w", err)
		}
		dyn.Signals = signals
	}
	return dyn, nil
}

func (p PolicyConfig) build() threshold.Policy {
	policy := threshold.DefaultDynamicPolicy
	if p.YellowIfSignalCountGte != nil {
		policy.YellowAt = *p.YellowIfSignalCountGte
	}
	if p.RedIfSignalCountGte != nil {
		policy.RedAt = *p.RedIfSignalCountGte
	}
	return policy
}
