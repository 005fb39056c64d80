package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseScheduleCron(t *testing.T) {
	s, err := ParseSchedule(`{"kind":"cron","cron_expr":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" {
		t.Errorf("expected kind 'cron', got '%s'", s.Kind)
	}
	if s.CronExpr != "0 9 * * *" {
		t.Errorf("expected cron expr '0 9 * * *', got '%s'", s.CronExpr)
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	next := NextRun(`{"kind":"cron","cron_expr":"0 9 * * *"}`, now)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if next.Hour() != 9 || next.Minute() != 0 || next.Day() != 10 {
		t.Errorf("expected 09:00 on the same day, got %v", next)
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Now()
	next := NextRun(`{"kind":"interval","interval_ms":60000}`, now)
	if next == nil {
		t.Fatal("expected next run time, got nil")
	}
	if !next.Equal(now.Add(time.Minute)) {
		t.Errorf("expected %v, got %v", now.Add(time.Minute), next)
	}
}

func TestNextRunOnce(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour).UnixMilli()
	if NextRun(fmt.Sprintf(`{"kind":"once","at_ms":%d}`, future), now) == nil {
		t.Fatal("expected next run for future once schedule")
	}

	past := now.Add(-time.Hour).UnixMilli()
	raw := fmt.Sprintf(`{"kind":"once","at_ms":%d}`, past)
	if NextRun(raw, now) != nil {
		t.Error("expected nil for past once schedule")
	}
	first := FirstRun(raw, now)
	if first == nil || !first.Equal(now) {
		t.Errorf("expected past one-off to fire immediately on creation, got %v", first)
	}
}

func TestNextRunInvalid(t *testing.T) {
	now := time.Now()
	if NextRun(`invalid json`, now) != nil {
		t.Error("expected nil for invalid schedule")
	}
	if NextRun(`{"kind":"unknown"}`, now) != nil {
		t.Error("expected nil for unknown kind")
	}
}

func TestNormalizeSchedulePlainCron(t *testing.T) {
	result, err := NormalizeSchedule("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := ParseSchedule(result)
	if err != nil {
		t.Fatalf("result not valid JSON: %v", err)
	}
	if s.Kind != "cron" || s.CronExpr != "*/5 * * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizeScheduleEvery(t *testing.T) {
	result, err := NormalizeSchedule("every 15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := ParseSchedule(result)
	if s.Kind != "interval" || s.IntervalMs != 15*60*1000 {
		t.Errorf("unexpected result: %+v", s)
	}
	if FormatSchedule(result) != "Every 15 minutes" {
		t.Errorf("unexpected format: %s", FormatSchedule(result))
	}
}

func TestNormalizeScheduleAt(t *testing.T) {
	result, err := NormalizeSchedule("at 2030-01-02T15:04:05Z")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, _ := ParseSchedule(result)
	want := time.Date(2030, 1, 2, 15, 4, 5, 0, time.UTC).UnixMilli()
	if s.Kind != "once" || s.AtMs != want {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizeSchedulePassthroughJSON(t *testing.T) {
	input := `{"kind":"interval","interval_ms":300000}`
	result, err := NormalizeSchedule(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got '%s'", result)
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	inputs := []string{
		"not a cron",
		`{"kind":"cron","cron_expr":"bad"}`,
		`{"kind":"bogus"}`,
		"every -5m",
		"every soon",
		"at tomorrow",
	}
	for _, in := range inputs {
		if _, err := NormalizeSchedule(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestFormatSchedule(t *testing.T) {
	tests := map[string]string{
		`{"kind":"interval","interval_ms":3600000}`: "Every hour",
		`{"kind":"interval","interval_ms":7200000}`: "Every 2 hours",
		`{"kind":"interval","interval_ms":60000}`:   "Every minute",
		`{"kind":"interval","interval_ms":45000}`:   "Every 45s",
		`{"kind":"cron","cron_expr":"0 9 * * *"}`:   "0 9 * * *",
		`garbage`: "garbage",
	}
	for in, want := range tests {
		if got := FormatSchedule(in); got != want {
			t.Errorf("FormatSchedule(%s) = %q, want %q", in, got, want)
		}
	}
}
