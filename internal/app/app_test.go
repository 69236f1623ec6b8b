package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/config"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
storage:
  driver: csv
  csv:
    history_path: %[1]s/refresh/kpi_history.csv
    archive_dir: %[1]s/archive
    snapshot_path: %[1]s/refresh/kpi_serving_metrics.csv
snapshot:
  windows: [1, 7]
  workers: 2
alerts:
  Seen:
    thresholds:
      mode: static
      static:
        upper_threshold: 40
`, filepath.ToSlash(dir))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return NewApp(cfg, zerolog.Nop()), dir
}

func writeObservations(t *testing.T, dir string) string {
	t.Helper()
	lines := []string{"as_of_date,window_days,section,metric_key,metric_label,value,value_type,source,refreshed_at"}
	for i, v := range []int{10, 10, 10, 10, 50} {
		lines = append(lines, fmt.Sprintf("2024-03-0%d,1,funnel,Seen,Applications seen,%d,count,manual,", i+1, v))
	}
	path := filepath.Join(dir, "import.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatalf("写入导入文件失败: %v", err)
	}
	return path
}

func TestImportDryRunWritesNothing(t *testing.T) {
	a, dir := newTestApp(t)
	var out bytes.Buffer

	err := a.Import(context.Background(), ImportOptions{Path: writeObservations(t, dir), DryRun: true, Out: &out})
	if err != nil {
		t.Fatalf("dry-run 失败: %v", err)
	}
	if !strings.Contains(out.String(), "5 rows read") {
		t.Fatalf("dry-run 输出不正确: %s", out.String())
	}
	if _, err := os.Stat(a.Config.Storage.CSV.HistoryPath); !os.IsNotExist(err) {
		t.Fatal("dry-run 不应创建历史文件")
	}
}

func TestImportThenShowAndEvaluate(t *testing.T) {
	a, dir := newTestApp(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := a.Import(ctx, ImportOptions{Path: writeObservations(t, dir), Out: &out}); err != nil {
		t.Fatalf("导入失败: %v", err)
	}
	if !strings.Contains(out.String(), "5 history rows, 2 snapshot rows") {
		t.Fatalf("导入摘要不正确: %s", out.String())
	}

	out.Reset()
	if err := a.Show(ctx, ShowOptions{MinStatus: "red", Out: &out}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	table := out.String()
	for _, want := range []string{"Seen", "Red", "50", "90", "40.000", "U"} {
		if !strings.Contains(table, want) {
			t.Fatalf("快照表缺少 %q:\n%s", want, table)
		}
	}

	out.Reset()
	if err := a.Show(ctx, ShowOptions{Section: "quality", Out: &out}); err != nil {
		t.Fatalf("show 失败: %v", err)
	}
	if !strings.Contains(out.String(), "no snapshot rows found") {
		t.Fatalf("section 过滤无效: %s", out.String())
	}

	out.Reset()
	if err := a.Evaluate(ctx, EvaluateOptions{MetricKey: "seen", Windows: []int{1, 3}, Out: &out}); err != nil {
		t.Fatalf("evaluate 失败: %v", err)
	}
	if !strings.Contains(out.String(), "3d") || !strings.Contains(out.String(), "static") {
		t.Fatalf("evaluate 输出不正确:\n%s", out.String())
	}

	if err := a.Evaluate(ctx, EvaluateOptions{MetricKey: "Missing", Out: &out}); err == nil {
		t.Fatal("未知指标应报错")
	}
}

func TestExportCSV(t *testing.T) {
	a, dir := newTestApp(t)
	ctx := context.Background()
	if err := a.Import(ctx, ImportOptions{Path: writeObservations(t, dir), Out: &bytes.Buffer{}}); err != nil {
		t.Fatalf("导入失败: %v", err)
	}

	from := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	csvPath := filepath.Join(dir, "out", "seen.csv")
	if err := a.Export(ctx, ExportOptions{MetricKey: "Seen", Window: 7, From: &from, CSVPath: csvPath}); err != nil {
		t.Fatalf("导出失败: %v", err)
	}

	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("打开导出文件失败: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析导出文件失败: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("应导出表头 + 2 行, 实际 %d", len(records))
	}
	last := records[2]
	if last[0] != "2024-03-05" || last[1] != "50" || last[2] != "90" || last[4] != "40" {
		t.Fatalf("导出内容不正确: %v", last)
	}
	if records[1][2] != "40" {
		t.Fatalf("范围起点的滚动值应包含更早的数据: %v", records[1])
	}

	if err := a.Export(ctx, ExportOptions{MetricKey: "Seen"}); err == nil {
		t.Fatal("未指定输出路径应报错")
	}
}

func TestDownsamplePoints(t *testing.T) {
	points := make([]exportPoint, 10)
	for i := range points {
		points[i] = exportPoint{Daily: float64(i)}
	}
	got := downsamplePoints(points, 4)
	if len(got) != 4 || got[0].Daily != 0 || got[3].Daily != 9 {
		t.Fatalf("降采样应保留首尾: %+v", got)
	}
	if len(downsamplePoints(points, 20)) != 10 {
		t.Fatal("点数不足时不应降采样")
	}
}
