package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/rollup"
	"kpiwatch/internal/threshold"
)

// exportPoint is one dated row of an exported series.
type exportPoint struct {
	Date    time.Time
	Daily   float64
	Rolling float64
}

// Export renders a metric series with its rolling aggregate and current
// bounds as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.MetricKey == "" {
		return errors.New("--metric must be provided")
	}
	if opts.Window <= 0 {
		opts.Window = kpi.DailyWindow
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

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

	thresholds, err := a.Config.Thresholds()
	if err != nil {
		return err
	}
	result := thresholds.Evaluate(series.MetricKey, series.Points, series.ValueType, opts.Window)

	points := windowed(series.Points, rollup.Rolling(series.Points, opts.Window, series.ValueType), opts.From, opts.To)
	if len(points) == 0 {
		a.Logger.Info().Msg("no observations found for export range")
		return nil
	}

	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().
		Str("metric_key", series.MetricKey).
		Int("window_days", opts.Window).
		Int("total", len(points)).
		Int("exported", len(downsampled)).
		Msg("exporting series")

	if opts.CSVPath != "" {
		if err := writeSeriesCSV(opts.CSVPath, downsampled, result); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		title := fmt.Sprintf("%s (%dd)", series.MetricLabel, opts.Window)
		if err := writeSeriesPNG(opts.PNGPath, title, downsampled, result); err != nil {
			return err
		}
	}
	return nil
}

// windowed pairs daily points with their rolling values and keeps the dates
// within [from, to]. Rolling values use the full series, so windows at the
// start of the range still see earlier days.
func windowed(daily, rolling []kpi.Point, from, to *time.Time) []exportPoint {
	out := make([]exportPoint, 0, len(daily))
	for i, p := range daily {
		if from != nil && p.Date.Before(kpi.Day(*from)) {
			continue
		}
		if to != nil && p.Date.After(kpi.Day(*to)) {
			continue
		}
		out = append(out, exportPoint{Date: p.Date, Daily: p.Value, Rolling: rolling[i].Value})
	}
	return out
}

func downsamplePoints(points []exportPoint, max int) []exportPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]exportPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSeriesCSV(path string, points []exportPoint, result threshold.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"as_of_date", "daily_value", "rolling_value", "lower_threshold", "upper_threshold"}
	if err := writer.Write(header); err != nil {
		return err
	}

	lower, upper := optionalString(result.LowerThreshold), optionalString(result.UpperThreshold)
	for _, p := range points {
		record := []string{
			p.Date.Format(kpi.DateLayout),
			strconv.FormatFloat(p.Daily, 'f', -1, 64),
			strconv.FormatFloat(p.Rolling, 'f', -1, 64),
			lower,
			upper,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeSeriesPNG(path, title string, points []exportPoint, result threshold.Result) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	daily := make([]float64, len(points))
	rolling := make([]float64, len(points))
	for i, p := range points {
		x[i] = p.Date
		daily[i] = p.Daily
		rolling[i] = p.Rolling
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Daily", XValues: x, YValues: daily},
		chart.TimeSeries{Name: "Rolling", XValues: x, YValues: rolling},
	}
	if result.LowerThreshold != nil {
		series = append(series, constantSeries("Lower", x, *result.LowerThreshold))
	}
	if result.UpperThreshold != nil {
		series = append(series, constantSeries("Upper", x, *result.UpperThreshold))
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func constantSeries(name string, x []time.Time, v float64) chart.TimeSeries {
	y := make([]float64, len(x))
	for i := range y {
		y[i] = v
	}
	return chart.TimeSeries{
		Name:    name,
		XValues: x,
		YValues: y,
		Style: chart.Style{
			StrokeDashArray: []float64{5, 5},
		},
	}
}

func optionalString(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
