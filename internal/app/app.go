package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/alerting"
	"kpiwatch/internal/config"
	"kpiwatch/internal/ingest"
	"kpiwatch/internal/metrics"
	"kpiwatch/internal/scheduler"
	"kpiwatch/internal/service"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/storage"
	"kpiwatch/internal/storage/csvfile"
	"kpiwatch/internal/storage/sqlite"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// openBackend opens the configured storage driver.
func (a *App) openBackend(ctx context.Context) (storage.Backend, error) {
	switch a.Config.Storage.Driver {
	case config.DriverPostgres:
		store, err := storage.Open(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.New(a.Config.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverCSV:
		csv := a.Config.Storage.CSV
		return csvfile.New(csvfile.Options{
			HistoryPath:     csv.HistoryPath,
			ArchiveDir:      csv.ArchiveDir,
			SnapshotPath:    csv.SnapshotPath,
			CompressArchive: csv.CompressArchive,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("storage.driver %q is not supported", a.Config.Storage.Driver)
	}
}

func (a *App) newNotifier() alerting.Notifier {
	var notifiers alerting.Multi
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "telegram":
			if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
				notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", ch).Msg("unknown alert channel ignored")
		}
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

func (a *App) newBuilder(windows []int) (*snapshot.Builder, error) {
	thresholds, err := a.Config.Thresholds()
	if err != nil {
		return nil, err
	}
	return snapshot.NewBuilder(thresholds, snapshot.Options{
		Windows: a.Config.ResolveWindows(windows),
		Workers: a.Config.Snapshot.Workers,
		Source:  a.Config.Snapshot.Source,
	}, a.Logger), nil
}

// newService wires the refresh pipeline over an open backend.
func (a *App) newService(backend storage.Backend, sched *scheduler.Scheduler, sources []ingest.Source, windows []int, recorder *metrics.Recorder) (*service.Service, error) {
	builder, err := a.newBuilder(windows)
	if err != nil {
		return nil, err
	}
	return service.New(a.Config, sched, sources, backend, builder, a.newNotifier(), recorder, a.Logger), nil
}

// Run executes the long-running refresh daemon.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	sources, err := ingest.FromConfig(a.Config.Ingest.Sources, a.Logger)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		a.Logger.Warn().Msg("ingest.sources empty; refreshes rebuild the snapshot from stored history")
	}

	var recorder *metrics.Recorder
	if a.Config.Metrics.Enabled {
		recorder = metrics.New()
		stop := a.serveMetrics(recorder)
		defer stop()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		Offset:       a.Config.Scheduler.Offset,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
	}, a.Logger)

	svc, err := a.newService(backend, sched, sources, nil, recorder)
	if err != nil {
		return err
	}

	a.Logger.Info().Str("driver", a.Config.Storage.Driver).Msg("starting refresh service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("refresh service stopped")
	return nil
}

func (a *App) serveMetrics(recorder *metrics.Recorder) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// Refresh runs the pipeline once and prints a summary.
func (a *App) Refresh(ctx context.Context, opts RefreshOptions) error {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	sources, err := ingest.FromConfig(a.Config.Ingest.Sources, a.Logger)
	if err != nil {
		return err
	}
	svc, err := a.newService(backend, nil, sources, opts.Windows, nil)
	if err != nil {
		return err
	}

	res, err := svc.Refresh(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	printSummary(opts.Out, res)
	return nil
}

// RefreshOptions configure a one-shot refresh.
type RefreshOptions struct {
	Windows []int
	Out     io.Writer
}

// ExportOptions hold parameters for exporting a metric series.
type ExportOptions struct {
	Section   string
	MetricKey string
	Window    int
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	MinStatus string
	Section   string
	Alerts    int
	Out       io.Writer
}

// ImportOptions configure loading observations into history.
type ImportOptions struct {
	Path    string
	DryRun  bool
	Windows []int
	Out     io.Writer
}

// EvaluateOptions select the metric evaluated from stored history.
type EvaluateOptions struct {
	Section   string
	MetricKey string
	Windows   []int
	Out       io.Writer
}
