package ingest

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kpiwatch/internal/config"
	"kpiwatch/internal/kpi"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入文件失败: %v", err)
	}
	return path
}

func TestFileSource(t *testing.T) {
	path := writeFile(t, "obs.csv", strings.Join([]string{
		"as_of_date,window_days,section,metric_key,metric_label,value,value_type,source,refreshed_at",
		"2024-03-01,1,funnel,Seen,Seen,10,count,,",
		"bad,1,funnel,Seen,Seen,10,count,,",
	}, "\n"))

	rows, err := NewFile("manual", path, zerolog.Nop()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(rows) != 1 || rows[0].Source != "manual" {
		t.Fatalf("应保留 1 行并补齐 source: %+v", rows)
	}

	if _, err := NewFile("missing", filepath.Join(t.TempDir(), "nope.csv"), zerolog.Nop()).Fetch(context.Background()); err == nil {
		t.Fatal("文件不存在应报错")
	}
}

func TestWideSourceUnpivots(t *testing.T) {
	path := writeFile(t, "activity.csv", strings.Join([]string{
		"ActivityDate,Seen,Scored,Accepted,ApprovalRate",
		"2024-03-01,100,80,20,0.25",
		"2024-03-02 00:00:00,110,,22,abc",
		"not-a-date,1,1,1,1",
	}, "\n"))

	src := NewWide(WideOptions{
		Name:       "activity",
		Path:       path,
		DateColumn: "ActivityDate",
		Section:    "funnel",
		Columns: []Column{
			{Column: "Seen", ValueType: kpi.ValueCount},
			{Column: "Scored", MetricKey: "ScoredCount", Label: "Scored", ValueType: kpi.ValueCount},
			{Column: "Accepted", ValueType: kpi.ValueCount},
			{Column: "ApprovalRate", ValueType: kpi.ValueRate, Section: "quality"},
			{Column: "Missing", ValueType: kpi.ValueCount},
		},
	}, zerolog.Nop())
	src.now = func() time.Time { return time.Date(2024, 3, 3, 1, 2, 3, 0, time.UTC) }

	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(rows) != 6 {
		t.Fatalf("期望 6 行 (4 + 2), 实际 %d", len(rows))
	}

	byKey := make(map[string]kpi.Observation)
	for _, row := range rows {
		byKey[row.AsOfDate.Format(kpi.DateLayout)+"/"+row.MetricKey] = row
	}
	scored, ok := byKey["2024-03-01/ScoredCount"]
	if !ok || scored.Value != 80 || scored.Section != "funnel" {
		t.Fatalf("列映射不正确: %+v", scored)
	}
	rate := byKey["2024-03-01/ApprovalRate"]
	if rate.Section != "quality" || rate.ValueType != kpi.ValueRate {
		t.Fatalf("列级 section 覆盖不正确: %+v", rate)
	}
	if _, ok := byKey["2024-03-02/ScoredCount"]; ok {
		t.Fatal("空单元格不应生成观测")
	}
	seen := byKey["2024-03-02/Seen"]
	if seen.Value != 110 || !seen.IsDaily() || seen.Source != "activity" {
		t.Fatalf("观测字段不正确: %+v", seen)
	}
	if !seen.RefreshedAt.Equal(time.Date(2024, 3, 3, 1, 2, 3, 0, time.UTC)) {
		t.Fatalf("refreshed_at 不正确: %s", seen.RefreshedAt)
	}
}

func TestWideSourceSkipsNonFiniteCells(t *testing.T) {
	path := writeFile(t, "activity.csv", strings.Join([]string{
		"ActivityDate,Seen,ApprovalRate",
		"2024-03-01,NaN,0.25",
		"2024-03-02,12,Inf",
		"2024-03-03,-inf,0.5",
	}, "\n"))

	src := NewWide(WideOptions{
		Name:       "activity",
		Path:       path,
		DateColumn: "ActivityDate",
		Columns: []Column{
			{Column: "Seen", ValueType: kpi.ValueCount},
			{Column: "ApprovalRate", ValueType: kpi.ValueRate},
		},
	}, zerolog.Nop())

	rows, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("非有限值单元格应被跳过, 实际 %d 行: %+v", len(rows), rows)
	}
	for _, row := range rows {
		if math.IsNaN(row.Value) || math.IsInf(row.Value, 0) {
			t.Fatalf("不应保留非有限值: %+v", row)
		}
	}
}

func TestWideSourceMissingDateColumn(t *testing.T) {
	path := writeFile(t, "activity.csv", "Day,Seen\n2024-03-01,1\n")
	src := NewWide(WideOptions{Name: "activity", Path: path, DateColumn: "ActivityDate"}, zerolog.Nop())
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("缺少日期列应报错")
	}
}

func TestHTTPSourceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("缺少 Accept 头")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"observations":[
			{"as_of_date":"2024-03-01","section":"funnel","metric_key":"Seen","value":100,"value_type":"count"},
			{"as_of_date":"2024-03-01","section":"quality","metric_key":"ApprovalRate","value":"0.25","value_type":"rate","source":"dwh"},
			{"as_of_date":"yesterday","metric_key":"Seen","value":1}
		]}`))
	}))
	defer srv.Close()

	rows, err := NewHTTP(HTTPOptions{Name: "feed", URL: srv.URL, Timeout: time.Second}, zerolog.Nop()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("应跳过非法条目, 实际 %d 行", len(rows))
	}
	if rows[0].Source != "feed" || rows[0].MetricLabel != "Seen" || rows[0].WindowDays != 1 {
		t.Fatalf("默认字段不正确: %+v", rows[0])
	}
	if rows[1].Value != 0.25 || rows[1].Source != "dwh" || rows[1].ValueType != kpi.ValueRate {
		t.Fatalf("字段不正确: %+v", rows[1])
	}
}

func TestHTTPSourceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "warehouse offline"})
	}))
	defer srv.Close()

	_, err := NewHTTP(HTTPOptions{Name: "feed", URL: srv.URL}, zerolog.Nop()).Fetch(context.Background())
	if err == nil || !strings.Contains(err.Error(), "warehouse offline") {
		t.Fatalf("应返回解析后的错误信息, 实际 %v", err)
	}
}

type stubSource struct {
	name string
	rows []kpi.Observation
	err  error
}

func (s stubSource) Name() string { return s.name }

func (s stubSource) Fetch(context.Context) ([]kpi.Observation, error) { return s.rows, s.err }

func TestCollectSkipsFailingSources(t *testing.T) {
	ok := stubSource{name: "ok", rows: []kpi.Observation{{MetricKey: "Seen"}}}
	bad := stubSource{name: "bad", err: context.DeadlineExceeded}

	rows, failed := Collect(context.Background(), []Source{bad, ok}, zerolog.Nop())
	if failed != 1 || len(rows) != 1 {
		t.Fatalf("失败的来源应被跳过: rows=%d failed=%d", len(rows), failed)
	}
}

func TestFromConfig(t *testing.T) {
	sources, err := FromConfig([]config.SourceConfig{
		{Type: "file", Path: "a.csv"},
		{Name: "activity", Type: "wide", Path: "b.csv", Columns: []config.ColumnConfig{{Column: "Seen"}}},
		{Name: "feed", Type: "http", URL: "http://localhost"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("构建来源失败: %v", err)
	}
	if len(sources) != 3 || sources[0].Name() != "file" || sources[1].Name() != "activity" {
		t.Fatalf("来源构建不正确")
	}

	if _, err := FromConfig([]config.SourceConfig{{Type: "ftp"}}, zerolog.Nop()); err == nil {
		t.Fatal("未知类型应报错")
	}
}
