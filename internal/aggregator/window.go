package aggregator

import (
	"fmt"
	"time"
)

const windowKeyLayout = "2006-01-02T15:04:05Z"

// WindowKey truncates tsMs to the start of its window ("hourly", "daily",
// "monthly") and returns it as an ISO 8601 UTC timestamp, matching the
// window-start sort-key suffix internal/keys.SKUsage expects.
func WindowKey(tsMs int64, window string) (string, error) {
	t := time.UnixMilli(tsMs).UTC()
	switch window {
	case "hourly":
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC).Format(windowKeyLayout), nil
	case "daily":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Format(windowKeyLayout), nil
	case "monthly":
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(windowKeyLayout), nil
	default:
		return "", fmt.Errorf("aggregator: unknown window type %q", window)
	}
}

// WindowEnd returns the instant a window started at windowKey closes,
// inclusive of its last second.
func WindowEnd(windowKey, window string) (time.Time, error) {
	start, err := time.Parse(windowKeyLayout, windowKey)
	if err != nil {
		return time.Time{}, fmt.Errorf("aggregator: parsing window key %q: %w", windowKey, err)
	}
	switch window {
	case "hourly":
		return start.Add(time.Hour).Add(-time.Second), nil
	case "daily":
		return start.AddDate(0, 0, 1).Add(-time.Second), nil
	case "monthly":
		return start.AddDate(0, 1, 0).Add(-time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("aggregator: unknown window type %q", window)
	}
}
