package ratelimit

import (
	"math"
	"time"
)

// Decision is the outcome of one admission check
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Category  string    `json:"category"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// FailedOpen is set when the counter store was unreachable and the request was admitted anyway
	FailedOpen bool `json:"failed_open,omitempty"`
}

// RetryAfter returns the whole seconds until the window resets, at least 1
func (d *Decision) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// WindowStart floors now to the start of its fixed window
func WindowStart(now time.Time, window time.Duration) time.Time {
	ms := window.Milliseconds()
	if ms <= 0 {
		return now.UTC()
	}
	nowMs := now.UnixMilli()
	return time.UnixMilli(nowMs - floorMod(nowMs, ms)).UTC()
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
