package governor

import (
	"time"
)

// Status is the suspension state of one agent.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
)

// RateState is the persisted accounting for one agent identity. Boundary
// fields hold the end of the current period; a zero boundary has not been
// started yet.
type RateState struct {
	LastPostAt    *time.Time `json:"last_post_at"`
	LastCommentAt *time.Time `json:"last_comment_at"`

	CommentsThisHeartbeat int `json:"comments_this_heartbeat"`
	CommentsToday         int `json:"comments_today"`
	PostsToday            int `json:"posts_today"`
	APICallsThisMinute    int `json:"api_calls_this_minute"`

	DayBoundary       time.Time `json:"day_boundary"`
	MinuteBoundary    time.Time `json:"minute_boundary"`
	HeartbeatBoundary time.Time `json:"heartbeat_boundary"`

	Suspended      bool       `json:"suspended"`
	SuspendedUntil *time.Time `json:"suspended_until"`

	// Version counts successful saves; stores use it to reject a write
	// based on a stale read.
	Version int64 `json:"version"`
}

// Status reports whether the agent is suspended at now. An expired
// suspension reads as active even before the next admission clears it.
func (s RateState) Status(now time.Time) Status {
	if s.Suspended && s.SuspendedUntil != nil && now.Before(*s.SuspendedUntil) {
		return StatusSuspended
	}
	return StatusActive
}

func (s RateState) clone() RateState {
	c := s
	c.LastPostAt = copyTime(s.LastPostAt)
	c.LastCommentAt = copyTime(s.LastCommentAt)
	c.SuspendedUntil = copyTime(s.SuspendedUntil)
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// nextUTCMidnight returns the first UTC midnight strictly after now.
func nextUTCMidnight(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// advance moves boundary forward by whole periods until it lies after
// now. Phase is preserved so the nominal rate cannot drift.
func advance(boundary time.Time, period time.Duration, now time.Time) time.Time {
	if now.Before(boundary) {
		return boundary
	}
	n := now.Sub(boundary)/period + 1
	return boundary.Add(n * period)
}
