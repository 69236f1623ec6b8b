package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"kpiwatch/internal/snapshot"
	"kpiwatch/internal/threshold"
)

func TestRecorderRefreshAndSnapshot(t *testing.T) {
	rec := New()
	finished := time.Unix(1_700_000_000, 0)

	rec.ObserveRefresh("success", 2*time.Second, finished)
	rec.ObserveRefresh("skipped", 0, finished)
	rec.SetSnapshot([]snapshot.Row{
		{Result: threshold.Result{Status: threshold.StatusRed}},
		{Result: threshold.Result{Status: threshold.StatusRed}},
		{Result: threshold.Result{Status: threshold.StatusGreen}},
	}, 120)
	rec.AlertSent("sent")
	rec.SourceFailed(2)

	if got := testutil.ToFloat64(rec.refreshTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("success 计数应为 1, 实际 %v", got)
	}
	if got := testutil.ToFloat64(rec.lastSuccess); got != float64(finished.Unix()) {
		t.Fatalf("last_success 不正确: %v", got)
	}
	if got := testutil.ToFloat64(rec.snapshotRows.WithLabelValues("Red")); got != 2 {
		t.Fatalf("Red 行数应为 2, 实际 %v", got)
	}
	if got := testutil.ToFloat64(rec.snapshotRows.WithLabelValues("Yellow")); got != 0 {
		t.Fatalf("Yellow 行数应为 0, 实际 %v", got)
	}
	if got := testutil.ToFloat64(rec.historyRows); got != 120 {
		t.Fatalf("history 行数不正确: %v", got)
	}
	if got := testutil.ToFloat64(rec.sourceFailures); got != 2 {
		t.Fatalf("来源失败计数不正确: %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := New()
	rec.AlertSent("duplicate")

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("请求 metrics 失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `kpiwatch_alerts_sent_total{outcome="duplicate"} 1`) {
		t.Fatalf("输出缺少告警计数:\n%s", body)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRefresh("failed", time.Second, time.Now())
	rec.SetSnapshot(nil, 0)
	rec.AlertSent("sent")
	rec.SourceFailed(1)
}
