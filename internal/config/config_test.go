package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"kpiwatch/internal/threshold"
)

const sampleYAML = `
storage:
  driver: csv
  csv:
    history_path: /tmp/kpi/history.csv
    snapshot_path: /tmp/kpi/snapshot.csv
snapshot:
  windows: [1, 7]
alerts:
  AcceptCount:
    thresholds:
      mode: dynamic
      dynamic:
        k: 1.5
        window: 14
        exclude_weekdays: ["sun", 5]
        signals_enabled: ["L", "U", "P"]
  OriginatedCount:
    thresholds:
      mode: static
      static:
        direction: lower_only
        lower_threshold: 100
  ConvRate:
    thresholds:
      mode: static
      static:
        upper_threshold: 0.4
      policy:
        red_if_signal_count_gte: 3
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if cfg.Storage.Driver != DriverCSV {
		t.Fatalf("默认 driver 应为 csv, 实际 %s", cfg.Storage.Driver)
	}
	if cfg.History.RetentionDays != 730 {
		t.Fatalf("默认保留天数应为 730, 实际 %d", cfg.History.RetentionDays)
	}
	if len(cfg.Snapshot.Windows) != 4 || cfg.Snapshot.Windows[3] != 60 {
		t.Fatalf("默认窗口应为 1,7,30,60, 实际 %v", cfg.Snapshot.Windows)
	}
	if cfg.Scheduler.Interval != 24*time.Hour || cfg.Scheduler.Offset != 6*time.Hour || cfg.Scheduler.RunOnStart {
		t.Fatalf("默认调度配置不正确: %+v", cfg.Scheduler)
	}
}

func TestLoadThresholds(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if len(cfg.Snapshot.Windows) != 2 {
		t.Fatalf("窗口配置未生效: %v", cfg.Snapshot.Windows)
	}

	set, err := cfg.Thresholds()
	if err != nil {
		t.Fatalf("构建阈值失败: %v", err)
	}
	if set.Len() != 3 {
		t.Fatalf("应有 3 个指标配置, 实际 %d", set.Len())
	}

	dyn, ok := set.Lookup("AcceptCount").(threshold.Dynamic)
	if !ok {
		t.Fatalf("AcceptCount 应为 dynamic, 实际 %T", set.Lookup("AcceptCount"))
	}
	if dyn.K != 1.5 || dyn.Window != 14 {
		t.Fatalf("dynamic 参数不正确: %+v", dyn)
	}
	if dyn.MinHistoryPoints != 14 || dyn.MinSeasonalPoints != 5 {
		t.Fatalf("dynamic 默认值不正确: %+v", dyn)
	}
	if dyn.Signals.String() != "L|U|P" {
		t.Fatalf("signals_enabled 不正确: %s", dyn.Signals)
	}
	if dyn.ExcludeWeekdays.String() != "sat,sun" {
		t.Fatalf("exclude_weekdays 不正确: %s", dyn.ExcludeWeekdays)
	}
	if dyn.Policy != threshold.DefaultDynamicPolicy {
		t.Fatalf("dynamic 默认策略应为 1/2, 实际 %+v", dyn.Policy)
	}

	static, ok := set.Lookup("OriginatedCount").(threshold.Static)
	if !ok {
		t.Fatalf("OriginatedCount 应为 static")
	}
	if static.Direction != threshold.DirectionLowerOnly || static.Lower == nil || *static.Lower != 100 {
		t.Fatalf("static 参数不正确: %+v", static)
	}
	if static.Policy != threshold.StrictStaticPolicy {
		t.Fatalf("未配置 policy 的 static 应使用严格策略, 实际 %+v", static.Policy)
	}

	partial := set.Lookup("ConvRate").(threshold.Static)
	if partial.Policy.YellowAt != 1 || partial.Policy.RedAt != 3 {
		t.Fatalf("部分 policy 应补齐默认值, 实际 %+v", partial.Policy)
	}

	if _, ok := set.Lookup("Missing").(threshold.Static); !ok {
		t.Fatal("未配置指标应回退为 static")
	}
}

func TestLoadRejectsInvalidThresholds(t *testing.T) {
	body := `
alerts:
  AcceptCount:
    thresholds:
      mode: dynamic
      dynamic:
        exclude_weekdays: ["funday"]
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("未知 weekday 应导致加载失败")
	}
}

func TestValidateStorageDriver(t *testing.T) {
	body := "storage:\n  driver: postgres\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("postgres 缺少 dsn 应报错")
	}

	body = "storage:\n  driver: mongo\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("未知 driver 应报错")
	}
}

func TestResolveOverrides(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}, Snapshot: SnapshotConfig{Windows: []int{1, 7}}}
	if cfg.ResolveMaxPoints(0) != 10 || cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("ResolveMaxPoints 行为不正确")
	}
	if got := cfg.ResolveWindows([]int{30}); len(got) != 1 || got[0] != 30 {
		t.Fatalf("ResolveWindows 应优先使用覆盖值, 实际 %v", got)
	}
}
