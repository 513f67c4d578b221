// Package sla computes per-incident response deadlines.
//
// Every function is pure: the clock never resets on claim or status change,
// so the result depends only on creation time, target and now.
package sla

import (
	"math"
	"time"
)

// Target converts a target in minutes to a duration.
func Target(targetMinutes int) time.Duration {
	return time.Duration(targetMinutes) * time.Minute
}

// Deadline returns the moment the incident becomes overdue.
func Deadline(createdAt time.Time, targetMinutes int) time.Time {
	return createdAt.Add(Target(targetMinutes))
}

// Remaining returns target - elapsed. Negative means overdue.
func Remaining(createdAt time.Time, targetMinutes int, now time.Time) time.Duration {
	return Target(targetMinutes) - now.Sub(createdAt)
}

// RemainingSeconds returns Remaining floored to whole seconds.
func RemainingSeconds(createdAt time.Time, targetMinutes int, now time.Time) int64 {
	return int64(math.Floor(Remaining(createdAt, targetMinutes, now).Seconds()))
}

// Overdue reports whether the deadline has strictly passed.
func Overdue(createdAt time.Time, targetMinutes int, now time.Time) bool {
	return Remaining(createdAt, targetMinutes, now) < 0
}

// OverdueWindow returns the index of the overdue window now falls into and
// the time that window started. Window n >= 1 spans
// [deadline+(n-1)*target, deadline+n*target). Zero means not overdue.
func OverdueWindow(createdAt time.Time, targetMinutes int, now time.Time) (int, time.Time) {
	deadline := Deadline(createdAt, targetMinutes)
	if !now.After(deadline) {
		return 0, time.Time{}
	}
	target := Target(targetMinutes)
	if target <= 0 {
		return 1, deadline
	}
	n := int(now.Sub(deadline)/target) + 1
	return n, deadline.Add(time.Duration(n-1) * target)
}

// View is the SLA decoration attached to incident responses.
type View struct {
	Deadline         time.Time `json:"sla_deadline"`
	RemainingSeconds int64     `json:"sla_remaining_seconds"`
	Overdue          bool      `json:"overdue"`
}

// NewView builds a View for the given clock inputs.
func NewView(createdAt time.Time, targetMinutes int, now time.Time) View {
	return View{
		Deadline:         Deadline(createdAt, targetMinutes),
		RemainingSeconds: RemainingSeconds(createdAt, targetMinutes, now),
		Overdue:          Overdue(createdAt, targetMinutes, now),
	}
}
