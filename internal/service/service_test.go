package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"kpiwatch/internal/alerting"
	"kpiwatch/internal/config"
	"kpiwatch/internal/ingest"
	"kpiwatch/internal/kpi"
	"kpiwatch/internal/metrics"
	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/storage"
	"kpiwatch/internal/threshold"
)

type memoryBackend struct {
	history     []kpi.Observation
	archived    map[string][]kpi.Observation
	snapshot    []snapshot.Row
	replaceErr  error
	replaceHits int
}

func (m *memoryBackend) LoadHistory(context.Context) ([]kpi.Observation, error) {
	return append([]kpi.Observation(nil), m.history...), nil
}

func (m *memoryBackend) ReplaceHistory(_ context.Context, rows []kpi.Observation) error {
	m.replaceHits++
	if m.replaceErr != nil {
		return m.replaceErr
	}
	m.history = append([]kpi.Observation(nil), rows...)
	return nil
}

func (m *memoryBackend) MergeMonth(_ context.Context, month string, rows []kpi.Observation) error {
	if m.archived == nil {
		m.archived = make(map[string][]kpi.Observation)
	}
	m.archived[month] = kpi.Merge(m.archived[month], rows)
	return nil
}

func (m *memoryBackend) ReplaceSnapshot(_ context.Context, rows []snapshot.Row) error {
	m.snapshot = append([]snapshot.Row(nil), rows...)
	return nil
}

func (m *memoryBackend) LoadSnapshot(context.Context) ([]snapshot.Row, error) {
	return m.snapshot, nil
}

func (m *memoryBackend) Close() {}

// alertingBackend adds the alert log and advisory lock.
type alertingBackend struct {
	memoryBackend
	recorded map[string]bool
	lockHeld bool
}

func (a *alertingBackend) RecordAlert(_ context.Context, rec storage.AlertRecord) (bool, error) {
	if a.recorded == nil {
		a.recorded = make(map[string]bool)
	}
	key := fmt.Sprintf("%s/%s/%s/%d", rec.AsOfDate.Format(kpi.DateLayout), rec.Section, rec.MetricKey, rec.WindowDays)
	if a.recorded[key] {
		return false, nil
	}
	a.recorded[key] = true
	return true, nil
}

func (a *alertingBackend) ListRecentAlerts(context.Context, int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (a *alertingBackend) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if a.lockHeld {
		return nil, false, nil
	}
	return func() {}, true, nil
}

type staticSource struct {
	rows []kpi.Observation
}

func (s staticSource) Name() string { return "static" }

func (s staticSource) Fetch(context.Context) ([]kpi.Observation, error) { return s.rows, nil }

type recordingNotifier struct {
	notes []alerting.Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.History.RetentionDays = 730
	cfg.History.ArchiveEnabled = true
	cfg.Alerting.Enabled = true
	cfg.Alerting.MinStatus = "red"
	cfg.Alerting.Channels = []string{"log"}
	cfg.Scheduler.AdvisoryLockKey = 42
	return cfg
}

func dailyRows(start time.Time, values ...float64) []kpi.Observation {
	rows := make([]kpi.Observation, 0, len(values))
	for i, v := range values {
		rows = append(rows, kpi.Observation{
			AsOfDate:    start.AddDate(0, 0, i),
			WindowDays:  kpi.DailyWindow,
			Section:     "funnel",
			MetricKey:   "Seen",
			MetricLabel: "Seen",
			Value:       v,
			ValueType:   kpi.ValueCount,
			Source:      "static",
		})
	}
	return rows
}

func newBuilder() *snapshot.Builder {
	upper := 40.0
	set := threshold.NewSet(map[string]threshold.Config{
		"seen": threshold.Static{Direction: threshold.DirectionBoth, Upper: &upper, Policy: threshold.StrictStaticPolicy},
	})
	fixed := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)
	return snapshot.NewBuilder(set, snapshot.Options{
		Windows: []int{1, 7},
		Workers: 2,
		Now:     func() time.Time { return fixed },
	}, zerolog.Nop())
}

func TestRefreshWritesHistorySnapshotAndAlertsOnce(t *testing.T) {
	backend := &alertingBackend{}
	notifier := &recordingNotifier{}
	recorder := metrics.New()
	source := staticSource{rows: dailyRows(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 10, 10, 10, 10, 50)}

	svc := New(testConfig(), nil, []ingest.Source{source}, backend, newBuilder(), notifier, recorder, zerolog.Nop())

	res, err := svc.Refresh(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if res.RunID == "" || res.Skipped {
		t.Fatalf("结果不正确: %+v", res)
	}
	if len(backend.history) != 5 || res.HistoryRows != 5 {
		t.Fatalf("历史应有 5 行, 实际 %d", len(backend.history))
	}
	if len(backend.snapshot) != 2 {
		t.Fatalf("快照应有 2 行 (1d, 7d), 实际 %d", len(backend.snapshot))
	}
	// 1d = 50 and 7d = 90 both exceed the upper bound of 40.
	if res.AlertsSent != 2 || len(notifier.notes) != 2 {
		t.Fatalf("应发送 2 条告警, 实际 %d", len(notifier.notes))
	}

	res, err = svc.Refresh(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("第二次刷新失败: %v", err)
	}
	if res.AlertsDeduped != 2 || len(notifier.notes) != 2 {
		t.Fatalf("重复告警应被去重: deduped=%d notes=%d", res.AlertsDeduped, len(notifier.notes))
	}
	if len(backend.history) != 5 {
		t.Fatalf("重复数据不应增加历史行数, 实际 %d", len(backend.history))
	}

	// sent + duplicate
	if n, err := testutil.GatherAndCount(recorder.Registry(), "kpiwatch_alerts_sent_total"); err != nil || n != 2 {
		t.Fatalf("告警指标序列数应为 2, 实际 %d (%v)", n, err)
	}
}

func TestRefreshSkipsWhenLockHeld(t *testing.T) {
	backend := &alertingBackend{lockHeld: true}
	source := staticSource{rows: dailyRows(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1, 2, 3)}
	svc := New(testConfig(), nil, []ingest.Source{source}, backend, newBuilder(), nil, nil, zerolog.Nop())

	res, err := svc.Refresh(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("锁被占用时不应报错: %v", err)
	}
	if !res.Skipped || backend.replaceHits != 0 || backend.snapshot != nil {
		t.Fatalf("锁被占用时不应写入: %+v", res)
	}
}

func TestRefreshFailsOnStoreError(t *testing.T) {
	backend := &memoryBackend{replaceErr: errors.New("disk full")}
	source := staticSource{rows: dailyRows(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 1)}
	svc := New(testConfig(), nil, []ingest.Source{source}, backend, newBuilder(), nil, nil, zerolog.Nop())

	if _, err := svc.Refresh(context.Background(), time.Now()); err == nil {
		t.Fatal("存储失败应返回错误")
	}
	if backend.snapshot != nil {
		t.Fatal("历史写入失败时不应写快照")
	}
}

func TestNotificationFailureDoesNotFailRefresh(t *testing.T) {
	backend := &memoryBackend{}
	notifier := &recordingNotifier{err: errors.New("telegram down")}
	svc := New(testConfig(), nil, nil, backend, newBuilder(), notifier, nil, zerolog.Nop())

	res, err := svc.Apply(context.Background(), dailyRows(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 45))
	if err != nil {
		t.Fatalf("通知失败不应导致刷新失败: %v", err)
	}
	if res.AlertsFailed != 2 || res.AlertsSent != 0 {
		t.Fatalf("失败计数不正确: %+v", res)
	}
}

func TestEmptyRefreshRebuildsSnapshotFromStoredHistory(t *testing.T) {
	backend := &memoryBackend{history: dailyRows(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 5, 6)}
	cfg := testConfig()
	cfg.Alerting.Enabled = false
	svc := New(cfg, nil, nil, backend, newBuilder(), nil, nil, zerolog.Nop())

	res, err := svc.Refresh(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if backend.replaceHits != 0 {
		t.Fatal("没有新数据时不应重写历史")
	}
	if len(res.Snapshot) != 2 || res.Snapshot[0].Value != 6 {
		t.Fatalf("快照应基于已有历史构建: %+v", res.Snapshot)
	}
}
