package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "ddlbot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		cron     string
		duration time.Duration
	}{
		{name: "cron", raw: "*/30 * * * *", kind: SpecCron, source: "cron", cron: "*/30 * * * *"},
		{name: "cron with seconds", raw: "0 */5 * * * *", kind: SpecCron, source: "cron", cron: "0 */5 * * * *"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron", cron: "@hourly"},
		{name: "prefixed cron", raw: "cron:0 8 * * 1-5", kind: SpecCron, source: "cron", cron: "0 8 * * 1-5"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix", raw: "every:2h30m", kind: SpecInterval, source: "duration", duration: 150 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "daily", raw: "daily:08:05", kind: SpecCron, source: "daily", cron: "5 8 * * *"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
			if _, err := got.Schedule(); err != nil {
				t.Fatalf("Schedule(): %v", err)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "61 * * * *", "0s", "500ms", "00:75", "daily:24:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestServiceRunsOnStartAndTicks(t *testing.T) {
	t.Parallel()

	var startup, ticks atomic.Int32
	s := New(Config{Enabled: true, Schedule: "1s", RunOnStart: true}, func(ctx context.Context, first bool) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("run context has no deadline")
		}
		if first {
			startup.Add(1)
		} else {
			ticks.Add(1)
		}
		return nil
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Next().IsZero() {
		t.Fatal("expected a next run time")
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (startup.Load() == 0 || ticks.Load() == 0) {
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop(context.Background())

	if startup.Load() != 1 {
		t.Fatalf("startup runs = %d, want 1", startup.Load())
	}
	if ticks.Load() == 0 {
		t.Fatal("expected at least one scheduled tick")
	}
	if !s.Next().IsZero() {
		t.Fatal("stopped scheduler should report no next run")
	}
}

func TestServiceDisabledAndApply(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false}, func(context.Context, bool) error { return nil }, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatal("disabled scheduler must not plan runs")
	}

	if err := s.Apply(Config{Enabled: true, Schedule: "bogus"}); err == nil {
		t.Fatal("expected invalid schedule to be rejected")
	}
	if err := s.Apply(Config{Enabled: true, Schedule: "@every 1h", Timezone: "Asia/Shanghai"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if s.Next().IsZero() {
		t.Fatal("expected scheduler to start after Apply")
	}
	s.Stop(context.Background())
}
