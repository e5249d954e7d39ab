package models

import "time"

// AssignmentAll makes every record relevant to the user.
const AssignmentAll = "all"

// UserProfile is the logged-in user. It is read-only to the polling core.
type UserProfile struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	AreaAssignment string `json:"area_assignment"`
}

// PollState is a point-in-time view of the poll scheduler.
type PollState struct {
	State        string    `json:"state"`
	IntervalMs   int64     `json:"interval_ms"`
	NextFireAt   time.Time `json:"next_fire_at,omitzero"`
	Paused       bool      `json:"paused"`
	PauseReasons []string  `json:"pause_reasons,omitempty"`
	RemainingMs  int64     `json:"remaining_ms_when_paused"`
	LastPollAt   time.Time `json:"last_poll_at,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}
