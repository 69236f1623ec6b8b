package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"kpiwatch/internal/kpi"
)

// Evaluate runs the threshold evaluation for one metric against stored
// history across windows. Nothing is written.
func (a *App) Evaluate(ctx context.Context, opts EvaluateOptions) error {
	if opts.MetricKey == "" {
		return errors.New("metric key 不能为空")
	}
	out := writerOrStdout(opts.Out)

	builder, err := a.newBuilder(opts.Windows)
	if err != nil {
		return err
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	rows, err := backend.LoadHistory(ctx)
	if err != nil {
		return err
	}
	series, ok := kpi.FindSeries(rows, opts.Section, opts.MetricKey)
	if !ok {
		return fmt.Errorf("metric %q not found in history", opts.MetricKey)
	}

	results := builder.Evaluate(series)
	if len(results) == 0 {
		fmt.Fprintln(out, "no windows evaluated")
		return nil
	}
	writeSnapshotTable(out, results)

	fmt.Fprintln(out)
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Window\tMode\tPoints\tRolling used\tSeasonal used\tWeekday filter")
	cfg := a.thresholdMode(series.MetricKey)
	for _, row := range results {
		fmt.Fprintf(writer, "%dd\t%s\t%d\t%d\t%d\t%t\n",
			row.WindowDays, cfg, len(series.Points), row.RollingPointsUsed, row.SeasonalPointsUsed, row.WeekdayFilterApplied)
	}
	return writer.Flush()
}

func (a *App) thresholdMode(metricKey string) string {
	set, err := a.Config.Thresholds()
	if err != nil {
		return "-"
	}
	return string(set.Lookup(metricKey).Mode())
}
