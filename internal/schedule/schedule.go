package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind       string `json:"kind"`                  // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // kind=once, unix ms
}

func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// NextRun returns when a schedule is next due after now, or nil when it will
// never fire again.
func NextRun(scheduleJSON string, now time.Time) *time.Time {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case "cron":
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case "interval":
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case "once":
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}

	return &next
}

// FirstRun is like NextRun but lets a once schedule in the past fire
// immediately, so a freshly created one-off is not silently dropped.
func FirstRun(scheduleJSON string, now time.Time) *time.Time {
	if s, err := ParseSchedule(scheduleJSON); err == nil && s.Kind == "once" {
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			t = now
		}
		return &t
	}
	return NextRun(scheduleJSON, now)
}

// FormatSchedule returns a human-readable description of a schedule JSON string.
func FormatSchedule(scheduleJSON string) string {
	s, err := ParseSchedule(scheduleJSON)
	if err != nil {
		return scheduleJSON
	}

	switch s.Kind {
	case "cron":
		return s.CronExpr
	case "interval":
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			if h := int(d.Hours()); h != 1 {
				return fmt.Sprintf("Every %d hours", h)
			}
			return "Every hour"
		case d%time.Minute == 0 && d >= time.Minute:
			if m := int(d.Minutes()); m != 1 {
				return fmt.Sprintf("Every %d minutes", m)
			}
			return "Every minute"
		default:
			return "Every " + d.String()
		}
	case "once":
		return "Once at " + time.UnixMilli(s.AtMs).UTC().Format("Jan 2 15:04 MST")
	default:
		return scheduleJSON
	}
}

// NormalizeSchedule accepts a schedule in any supported input form and returns
// its canonical JSON encoding:
//
//	{"kind":"cron","cron_expr":"0 9 * * *"}  passed through after validation
//	0 9 * * *                                 plain cron expression
//	every 15m                                 Go duration interval
//	at 2026-01-02T15:04:05Z                   RFC 3339 one-off
func NormalizeSchedule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err == nil && s.Kind != "" {
		if err := s.validate(); err != nil {
			return "", err
		}
		return raw, nil
	}

	switch {
	case strings.HasPrefix(raw, "every "):
		d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(raw, "every ")))
		if err != nil {
			return "", fmt.Errorf("invalid interval: %w", err)
		}
		s = Schedule{Kind: "interval", IntervalMs: d.Milliseconds()}
	case strings.HasPrefix(raw, "at "):
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(strings.TrimPrefix(raw, "at ")))
		if err != nil {
			return "", fmt.Errorf("invalid time: %w", err)
		}
		s = Schedule{Kind: "once", AtMs: t.UnixMilli()}
	default:
		s = Schedule{Kind: "cron", CronExpr: raw}
	}

	if err := s.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s Schedule) validate() error {
	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case "interval":
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case "once":
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}
