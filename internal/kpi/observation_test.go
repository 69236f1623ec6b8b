package kpi

import (
	"errors"
	"testing"
	"time"
)

func day(s string) time.Time {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func obs(date, key string, value float64) Observation {
	return Observation{
		AsOfDate:   day(date),
		WindowDays: DailyWindow,
		Section:    "funnel",
		MetricKey:  key,
		Value:      value,
		ValueType:  ValueCount,
		Source:     "test",
	}
}

func TestMergeKeepsLastAndSorts(t *testing.T) {
	existing := []Observation{obs("2024-01-02", "A", 1), obs("2024-01-01", "A", 2)}
	incoming := []Observation{obs("2024-01-02", "A", 9), obs("2024-01-01", "B", 3)}

	merged := Merge(existing, incoming)
	if len(merged) != 3 {
		t.Fatalf("期望 3 行, 实际 %d", len(merged))
	}
	if merged[0].MetricKey != "A" || !merged[0].AsOfDate.Equal(day("2024-01-01")) {
		t.Fatalf("排序不正确: %+v", merged[0])
	}
	if merged[2].Value != 9 {
		t.Fatalf("新行应覆盖旧行, 实际 %v", merged[2].Value)
	}
}

func TestMergeIdempotent(t *testing.T) {
	rows := []Observation{obs("2024-01-01", "A", 1), obs("2024-01-02", "A", 2), obs("2024-01-01", "B", 5)}

	once := Merge(nil, rows)
	twice := Merge(once, rows)
	if len(once) != len(twice) {
		t.Fatalf("重复追加应保持行数不变: %d vs %d", len(once), len(twice))
	}
	for i := range once {
		if once[i].Key() != twice[i].Key() || once[i].Value != twice[i].Value {
			t.Fatalf("第 %d 行不一致: %+v vs %+v", i, once[i], twice[i])
		}
	}
}

func TestMergeDistinguishesWindow(t *testing.T) {
	weekly := obs("2024-01-07", "A", 70)
	weekly.WindowDays = 7
	merged := Merge([]Observation{obs("2024-01-07", "A", 10)}, []Observation{weekly})
	if len(merged) != 2 {
		t.Fatalf("不同 window_days 属于不同主键, 实际 %d 行", len(merged))
	}
}

func TestParseDate(t *testing.T) {
	cases := map[string]string{
		"2024-03-05":                "2024-03-05",
		"2024-03-05T23:10:00Z":      "2024-03-05",
		"2024-03-05 08:00:00":       "2024-03-05",
		" 2024-03-05 ":              "2024-03-05",
		"2024-03-05T01:00:00+02:00": "2024-03-05",
	}
	for raw, want := range cases {
		got, err := ParseDate(raw)
		if err != nil {
			t.Fatalf("%q 解析失败: %v", raw, err)
		}
		if got.Format(DateLayout) != want {
			t.Fatalf("%q: 期望 %s, 实际 %s", raw, want, got.Format(DateLayout))
		}
	}
	if _, err := ParseDate("yesterday"); err == nil {
		t.Fatal("非法日期应报错")
	}
}

func TestNewDailyObservation(t *testing.T) {
	o := NewDailyObservation(time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC), "funnel", "Seen", "Seen", 12, ValueCount, "feed", time.Time{})
	if !o.IsDaily() || !o.AsOfDate.Equal(day("2024-05-01")) {
		t.Fatalf("应生成日粒度行: %+v", o)
	}
	if o.RefreshedAt.IsZero() || o.RefreshedAt.Location() != time.UTC {
		t.Fatalf("refreshed_at 应为 UTC 当前时间: %v", o.RefreshedAt)
	}
}

func TestNewDailyObservationKeepsRefreshedAt(t *testing.T) {
	stamp := time.Date(2024, 5, 2, 3, 4, 5, 999, time.FixedZone("UTC+8", 8*3600))
	o := NewDailyObservation(day("2024-05-01"), "funnel", "Seen", "Seen", 12, ValueCount, "feed", stamp)
	if !o.RefreshedAt.Equal(stamp.Truncate(time.Second)) || o.RefreshedAt.Location() != time.UTC {
		t.Fatalf("refreshed_at 应保留传入时间并转为 UTC: %v", o.RefreshedAt)
	}
}

func TestParseValueRejectsNonFinite(t *testing.T) {
	for _, raw := range []string{"NaN", "nan", "Inf", "+Inf", "-Infinity"} {
		if _, err := ParseValue(raw); !errors.Is(err, ErrNonFinite) {
			t.Fatalf("%s 应被拒绝, 实际 err=%v", raw, err)
		}
	}
	if _, err := ParseValue("abc"); err == nil {
		t.Fatal("非数字应报错")
	}
	if v, err := ParseValue(" 12.5 "); err != nil || v != 12.5 {
		t.Fatalf("合法值解析不正确: %v %v", v, err)
	}
}

func TestGroupDaily(t *testing.T) {
	weekly := obs("2024-01-07", "A", 70)
	weekly.WindowDays = 7
	late := obs("2024-01-02", "A", 20)
	late.MetricLabel = "Accepted"

	rows := []Observation{
		obs("2024-01-02", "B", 1),
		obs("2024-01-02", "A", 2),
		obs("2024-01-01", "A", 1),
		weekly,
		late,
	}
	series := GroupDaily(rows)
	if len(series) != 2 {
		t.Fatalf("期望 2 个序列, 实际 %d", len(series))
	}
	a := series[0]
	if a.MetricKey != "A" || len(a.Points) != 2 {
		t.Fatalf("序列 A 不正确: %+v", a)
	}
	if a.Points[1].Value != 20 || a.MetricLabel != "Accepted" {
		t.Fatalf("同日期应以后出现的行为准: %+v", a)
	}
	if latest, ok := a.Latest(); !ok || !latest.Date.Equal(day("2024-01-02")) {
		t.Fatalf("Latest 不正确: %+v", latest)
	}

	if _, ok := FindSeries(rows, "other", "A"); ok {
		t.Fatal("section 不匹配时不应找到序列")
	}
	if s, ok := FindSeries(rows, "", "B"); !ok || len(s.Points) != 1 {
		t.Fatal("应找到序列 B")
	}
}
