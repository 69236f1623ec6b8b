// Package snapshot evaluates every metric window at its latest date and
// produces the serving snapshot.
package snapshot

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kpiwatch/internal/kpi"
	"kpiwatch/internal/rollup"
	"kpiwatch/internal/threshold"
)

// DefaultSource tags rows computed from history.
const DefaultSource = "window_rollup_from_history"

// Row is one serving snapshot record for a (section, metric_key, window_days).
type Row struct {
	AsOfDate    time.Time
	WindowDays  int
	Section     string
	MetricKey   string
	MetricLabel string
	Value       float64
	ValueType   kpi.ValueType
	Source      string
	RefreshedAt time.Time

	threshold.Result
}

// Less orders rows by (section, metric_key, window_days).
func Less(a, b Row) bool {
	if a.Section != b.Section {
		return a.Section < b.Section
	}
	if a.MetricKey != b.MetricKey {
		return a.MetricKey < b.MetricKey
	}
	return a.WindowDays < b.WindowDays
}

// Sort orders rows in place.
func Sort(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool { return Less(rows[i], rows[j]) })
}

// Writer replaces the persisted snapshot with rows.
type Writer interface {
	ReplaceSnapshot(ctx context.Context, rows []Row) error
}

// Reader loads the persisted snapshot.
type Reader interface {
	LoadSnapshot(ctx context.Context) ([]Row, error)
}

// AtLeast keeps rows whose status is at least min.
func AtLeast(rows []Row, min threshold.Status) []Row {
	out := make([]Row, 0)
	for _, row := range rows {
		if row.Status.Severity() >= min.Severity() {
			out = append(out, row)
		}
	}
	return out
}

// CountByStatus tallies rows per status.
func CountByStatus(rows []Row) map[threshold.Status]int {
	counts := map[threshold.Status]int{
		threshold.StatusGreen:  0,
		threshold.StatusYellow: 0,
		threshold.StatusRed:    0,
	}
	for _, row := range rows {
		counts[row.Status]++
	}
	return counts
}

// Options tune a Builder.
type Options struct {
	Windows []int
	// Workers bounds concurrent evaluations; zero means one per CPU.
	Workers int
	Source  string
	Now     func() time.Time
}

// Builder turns daily history into snapshot rows.
type Builder struct {
	thresholds threshold.Set
	windows    []int
	workers    int
	source     string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewBuilder constructs a Builder over the given thresholds.
func NewBuilder(thresholds threshold.Set, opts Options, logger zerolog.Logger) *Builder {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	source := opts.Source
	if source == "" {
		source = DefaultSource
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		thresholds: thresholds,
		windows:    opts.Windows,
		workers:    workers,
		source:     source,
		now:        now,
		logger:     logger.With().Str("component", "snapshot").Logger(),
	}
}

type job struct {
	series *kpi.Series
	window int
}

// Build evaluates every daily series for every window. Series or windows
// without data are skipped. Rows are returned sorted.
func (b *Builder) Build(ctx context.Context, history []kpi.Observation) ([]Row, error) {
	series := kpi.GroupDaily(history)
	refreshedAt := b.now().UTC().Truncate(time.Second)

	jobs := make([]job, 0, len(series)*len(b.windows))
	for i := range series {
		if len(series[i].Points) == 0 {
			continue
		}
		for _, w := range b.windows {
			if w <= 0 {
				continue
			}
			jobs = append(jobs, job{series: &series[i], window: w})
		}
	}

	slots := make([]*Row, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if row, ok := b.evaluate(j.series, j.window, refreshedAt); ok {
				slots[i] = &row
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	rows := make([]Row, 0, len(slots))
	for _, slot := range slots {
		if slot != nil {
			rows = append(rows, *slot)
		}
	}
	Sort(rows)

	b.logger.Debug().
		Int("series", len(series)).
		Int("windows", len(b.windows)).
		Int("rows", len(rows)).
		Msg("snapshot built")
	return rows, nil
}

// Evaluate builds the rows of a single series without touching storage.
func (b *Builder) Evaluate(series kpi.Series) []Row {
	refreshedAt := b.now().UTC().Truncate(time.Second)
	rows := make([]Row, 0, len(b.windows))
	for _, w := range b.windows {
		if row, ok := b.evaluate(&series, w, refreshedAt); ok {
			rows = append(rows, row)
		}
	}
	Sort(rows)
	return rows
}

func (b *Builder) evaluate(series *kpi.Series, window int, refreshedAt time.Time) (Row, bool) {
	latest, ok := series.Latest()
	if !ok {
		return Row{}, false
	}
	value, ok := rollup.Aggregate(series.Points, window, series.ValueType)
	if !ok {
		return Row{}, false
	}

	result := b.thresholds.Evaluate(series.MetricKey, series.Points, series.ValueType, window)
	return Row{
		AsOfDate:    latest.Date,
		WindowDays:  window,
		Section:     series.Section,
		MetricKey:   series.MetricKey,
		MetricLabel: series.MetricLabel,
		Value:       value,
		ValueType:   series.ValueType,
		Source:      b.source,
		RefreshedAt: refreshedAt,
		Result:      result,
	}, true
}
