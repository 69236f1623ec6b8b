package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kpiwatch/internal/alerting"
	"kpiwatch/internal/config"
	"kpiwatch/internal/history"
	"kpiwatch/internal/ingest"
	"kpiwatch/internal/kpi"
	"kpiwatch/internal/metrics"
	"kpiwatch/internal/scheduler"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/storage"
	"kpiwatch/internal/threshold"
)

// Refresh outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Result summarises one refresh.
type Result struct {
	RunID         string
	Skipped       bool
	Incoming      int
	FailedSources int
	HistoryRows   int
	Snapshot      []snapshot.Row
	AlertsSent    int
	AlertsDeduped int
	AlertsFailed  int
	StartedAt     time.Time
	Elapsed       time.Duration
}

// Service orchestrates ingest, history, snapshot, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	sources    []ingest.Source
	history    *history.Manager
	builder    *snapshot.Builder
	snapshots  snapshot.Writer
	alertStore storage.AlertStore
	notifier   alerting.Notifier
	metrics    *metrics.Recorder
	logger     zerolog.Logger

	alertsOn  bool
	minStatus threshold.Status
	channels  []string
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
}

// New wires the refresh pipeline. Alert de-duplication and the advisory
// lock are used when the backend supports them.
func New(cfg *config.Config, sched *scheduler.Scheduler, sources []ingest.Source, backend storage.Backend, builder *snapshot.Builder, notifier alerting.Notifier, recorder *metrics.Recorder, logger zerolog.Logger) *Service {
	var archive history.Archive
	if cfg.History.ArchiveEnabled {
		archive = backend
	}

	var locker storage.AdvisoryLocker
	if l, ok := backend.(storage.AdvisoryLocker); ok {
		locker = l
	}
	var alertStore storage.AlertStore
	if a, ok := backend.(storage.AlertStore); ok {
		alertStore = a
	}

	minStatus, err := threshold.ParseStatus(cfg.Alerting.MinStatus)
	if err != nil {
		minStatus = threshold.StatusRed
	}

	return &Service{
		scheduler:  sched,
		sources:    sources,
		history:    history.NewManager(backend, archive, cfg.History.RetentionDays, logger),
		builder:    builder,
		snapshots:  backend,
		alertStore: alertStore,
		notifier:   notifier,
		metrics:    recorder,
		logger:     logger.With().Str("component", "service").Logger(),
		alertsOn:   cfg.Alerting.Enabled && notifier != nil,
		minStatus:  minStatus,
		channels:   cfg.Alerting.Channels,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
		now:        time.Now,
	}
}

// Run begins the scheduled refresh loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		_, err := s.Refresh(ctx, bucket)
		return err
	})
}

// Refresh collects observations from every source and applies them.
func (s *Service) Refresh(ctx context.Context, bucket time.Time) (Result, error) {
	return s.run(ctx, bucket, func(ctx context.Context, logger zerolog.Logger) ([]kpi.Observation, int) {
		return ingest.Collect(ctx, s.sources, logger)
	})
}

// Apply runs the pipeline with the given observations instead of the
// configured sources.
func (s *Service) Apply(ctx context.Context, incoming []kpi.Observation) (Result, error) {
	return s.run(ctx, s.now().UTC(), func(context.Context, zerolog.Logger) ([]kpi.Observation, int) {
		return incoming, 0
	})
}

type collectFunc func(ctx context.Context, logger zerolog.Logger) ([]kpi.Observation, int)

func (s *Service) run(ctx context.Context, bucket time.Time, collect collectFunc) (Result, error) {
	res := Result{RunID: uuid.NewString(), StartedAt: s.now().UTC()}
	logger := s.logger.With().Str("run_id", res.RunID).Time("bucket", bucket).Logger()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.finish(&res, OutcomeFailed)
		return res, err
	}
	if !proceed {
		logger.Info().Msg("skip refresh because advisory lock held elsewhere")
		res.Skipped = true
		s.finish(&res, OutcomeSkipped)
		return res, nil
	}
	if unlock != nil {
		defer unlock()
	}

	if err := s.execute(ctx, logger, collect, &res); err != nil {
		s.finish(&res, OutcomeFailed)
		logger.Error().Err(err).Msg("refresh failed")
		return res, err
	}
	s.finish(&res, OutcomeSuccess)

	logger.Info().
		Int("incoming_rows", res.Incoming).
		Int("history_rows", res.HistoryRows).
		Int("snapshot_rows", len(res.Snapshot)).
		Int("alerts_sent", res.AlertsSent).
		Dur("elapsed", res.Elapsed).
		Msg("refresh complete")
	return res, nil
}

func (s *Service) execute(ctx context.Context, logger zerolog.Logger, collect collectFunc, res *Result) error {
	incoming, failed := collect(ctx, logger)
	res.Incoming = len(incoming)
	res.FailedSources = failed
	s.metrics.SourceFailed(failed)

	rows, err := s.history.Ingest(ctx, incoming)
	if err != nil {
		return err
	}
	res.HistoryRows = len(rows)

	snap, err := s.builder.Build(ctx, rows)
	if err != nil {
		return fmt.Errorf("build snapshot: %w", err)
	}
	if err := s.snapshots.ReplaceSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	res.Snapshot = snap
	s.metrics.SetSnapshot(snap, len(rows))

	counts := snapshot.CountByStatus(snap)
	logger.Info().
		Int("green", counts[threshold.StatusGreen]).
		Int("yellow", counts[threshold.StatusYellow]).
		Int("red", counts[threshold.StatusRed]).
		Msg("snapshot written")

	if s.alertsOn {
		s.dispatchAlerts(ctx, logger, snap, res)
	}
	return nil
}

// dispatchAlerts notifies rows at or above the configured status. Failures
// are logged and never fail the refresh.
func (s *Service) dispatchAlerts(ctx context.Context, logger zerolog.Logger, rows []snapshot.Row, res *Result) {
	for _, row := range snapshot.AtLeast(rows, s.minStatus) {
		rowLogger := logger.With().
			Str("metric_key", row.MetricKey).
			Int("window_days", row.WindowDays).
			Str("status", string(row.Status)).
			Logger()

		if s.alertStore != nil {
			inserted, err := s.alertStore.RecordAlert(ctx, storage.NewAlertRecord(row))
			if err != nil {
				rowLogger.Error().Err(err).Msg("failed to persist alert record")
			} else if !inserted {
				res.AlertsDeduped++
				s.metrics.AlertSent("duplicate")
				rowLogger.Debug().Msg("alert already sent for this row")
				continue
			}
		}

		if err := s.notifier.Notify(ctx, alerting.NewNotification(row, s.channels)); err != nil {
			res.AlertsFailed++
			s.metrics.AlertSent("failed")
			rowLogger.Error().Err(err).Msg("failed to dispatch alert")
			continue
		}
		res.AlertsSent++
		s.metrics.AlertSent("sent")
	}
}

func (s *Service) finish(res *Result, outcome string) {
	finished := s.now().UTC()
	res.Elapsed = finished.Sub(res.StartedAt)
	s.metrics.ObserveRefresh(outcome, res.Elapsed, finished)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
