package compliance

import (
	"fmt"
	"time"
)

// QuietHours represents a daily window (tenant-local time) when outbound
// sends are blocked. The window is half-open [start, end) and wraps midnight
// when start > end.
type QuietHours struct {
	StartMinutes int
	EndMinutes   int
	location     *time.Location
	enabled      bool
}

// ParseQuietHours returns a quiet-hours window from HH:MM strings and an IANA
// timezone name. Empty start and end disable the window.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	if start == "" && end == "" {
		return QuietHours{}, nil
	}
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("compliance: load quiet hours tz: %w", err)
		}
	}
	startMin, err := parseClock(start)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours start: %w", err)
	}
	endMin, err := parseClock(end)
	if err != nil {
		return QuietHours{}, fmt.Errorf("compliance: parse quiet hours end: %w", err)
	}
	return QuietHours{
		StartMinutes: startMin,
		EndMinutes:   endMin,
		location:     loc,
		enabled:      true,
	}, nil
}

func parseClock(v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("empty clock")
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Within reports whether the given moment falls inside the quiet-hours window.
func (q QuietHours) Within(now time.Time) bool {
	if !q.enabled {
		return false
	}
	local := now.In(q.location)
	minutes := local.Hour()*60 + local.Minute()
	if q.StartMinutes == q.EndMinutes {
		return false
	}
	if q.StartMinutes < q.EndMinutes {
		return minutes >= q.StartMinutes && minutes < q.EndMinutes
	}
	// Window crosses midnight.
	return minutes >= q.StartMinutes || minutes < q.EndMinutes
}
