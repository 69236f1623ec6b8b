package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/service"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/storage"
	"kpiwatch/internal/threshold"
)

// Show prints the serving snapshot and, optionally, recent alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	out := writerOrStdout(opts.Out)

	minStatus := threshold.StatusGreen
	if opts.MinStatus != "" {
		s, err := threshold.ParseStatus(opts.MinStatus)
		if err != nil {
			return err
		}
		minStatus = s
	}

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	rows, err := backend.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	rows = filterSection(snapshot.AtLeast(rows, minStatus), opts.Section)
	if len(rows) == 0 {
		fmt.Fprintln(out, "no snapshot rows found")
	} else {
		writeSnapshotTable(out, rows)
	}

	if opts.Alerts <= 0 {
		return nil
	}
	alerts, ok := backend.(storage.AlertStore)
	if !ok {
		a.Logger.Warn().Str("driver", a.Config.Storage.Driver).Msg("alert log not available for this storage driver")
		return nil
	}
	records, err := alerts.ListRecentAlerts(ctx, opts.Alerts)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	writeAlertTable(out, records)
	return nil
}

func filterSection(rows []snapshot.Row, section string) []snapshot.Row {
	if section == "" {
		return rows
	}
	out := rows[:0:0]
	for _, row := range rows {
		if strings.EqualFold(row.Section, section) {
			out = append(out, row)
		}
	}
	return out
}

func writeSnapshotTable(out io.Writer, rows []snapshot.Row) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "As of\tSection\tMetric\tWindow\tValue\tLower\tUpper\tChange%\tZ\tStatus\tSignals")
	for _, row := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%dd\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.AsOfDate.Format(kpi.DateLayout),
			row.Section,
			row.MetricKey,
			row.WindowDays,
			formatValue(row.Value, row.ValueType),
			formatOptional(row.LowerThreshold, 3),
			formatOptional(row.UpperThreshold, 3),
			formatPercent(row.PctChange),
			formatOptional(row.SeasonalZScore, 2),
			row.Status,
			sanitizeInline(row.Signals.String()),
		)
	}
	writer.Flush()
}

func writeAlertTable(out io.Writer, records []storage.AlertRecord) {
	if len(records) == 0 {
		fmt.Fprintln(out, "no alerts recorded")
		return
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tAs of\tSection\tMetric\tWindow\tValue\tStatus\tSignals")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%dd\t%s\t%s\t%s\n",
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.AsOfDate.Format(kpi.DateLayout),
			rec.Section,
			rec.MetricKey,
			rec.WindowDays,
			formatDecimal(decimal.NewFromFloat(rec.Value), 3),
			rec.Status,
			rec.Signals.String(),
		)
	}
	writer.Flush()
}

func printSummary(out io.Writer, res service.Result) {
	out = writerOrStdout(out)
	if res.Skipped {
		fmt.Fprintf(out, "run %s skipped: advisory lock held elsewhere\n", res.RunID)
		return
	}
	counts := snapshot.CountByStatus(res.Snapshot)
	fmt.Fprintf(out, "run %s: %d incoming, %d history rows, %d snapshot rows (green %d, yellow %d, red %d)\n",
		res.RunID, res.Incoming, res.HistoryRows, len(res.Snapshot),
		counts[threshold.StatusGreen], counts[threshold.StatusYellow], counts[threshold.StatusRed])
	if res.FailedSources > 0 {
		fmt.Fprintf(out, "%d source(s) failed; see logs\n", res.FailedSources)
	}
	if res.AlertsSent+res.AlertsDeduped+res.AlertsFailed > 0 {
		fmt.Fprintf(out, "alerts: %d sent, %d already sent, %d failed\n", res.AlertsSent, res.AlertsDeduped, res.AlertsFailed)
	}
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}

func formatValue(v float64, vt kpi.ValueType) string {
	if vt == kpi.ValueRate {
		return formatDecimal(decimal.NewFromFloat(v), 4)
	}
	return formatDecimal(decimal.NewFromFloat(v), 0)
}

func formatOptional(v *float64, places int32) string {
	if v == nil {
		return "-"
	}
	return formatDecimal(decimal.NewFromFloat(*v), places)
}

func formatPercent(v *float64) string {
	if v == nil {
		return "-"
	}
	return formatDecimal(decimal.NewFromFloat(*v).Mul(decimal.NewFromInt(100)), 1)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func sanitizeInline(v string) string {
	if v == "" {
		return "-"
	}
	cleaned := strings.ReplaceAll(v, "\n", " ")
	return strings.ReplaceAll(cleaned, "\r", " ")
}
