package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAlignsWithOffset(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true, Offset: 6 * time.Hour}, zerolog.Nop())

	now := time.Date(2024, 3, 5, 4, 30, 0, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("下一次执行应为 %s, 实际 %s", want, got)
	}

	now = time.Date(2024, 3, 5, 6, 0, 0, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 3, 6, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("恰好在边界时应顺延, 期望 %s, 实际 %s", want, got)
	}

	if got, want := s.bucketStart(time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC)), time.Date(2024, 3, 6, 6, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("bucket 起点不正确: %s", got)
	}
}

func TestNewIgnoresOffsetOutsideInterval(t *testing.T) {
	s := New(Options{Interval: time.Hour, AlignToStart: true, Offset: 2 * time.Hour}, zerolog.Nop())
	if s.opts.Offset != 0 {
		t.Fatalf("超出周期的 offset 应被忽略, 实际 %s", s.opts.Offset)
	}
}

func TestRunOnStartInvokesTickAndStopsOnCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunOnStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Run(ctx, func(context.Context, time.Time) error {
		calls++
		cancel()
		return errors.New("tick errors are logged")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}
	if calls != 1 {
		t.Fatalf("启动时应执行一次, 实际 %d", calls)
	}
}
