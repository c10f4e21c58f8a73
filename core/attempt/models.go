package attempt

import (
	"time"
)

// Statuses
const (
	StatusInProgress = "in_progress"
	StatusSubmitted  = "submitted"
	StatusExpired    = "expired"
)

type (
	Attempt struct {
		ID              string    `json:"id"`
		TestID          string    `json:"test_id"`
		UserID          string    `json:"user_id"`
		DurationSeconds int64     `json:"duration_seconds"`
		Status          string    `json:"status"`
		StartedAt       time.Time `json:"started_at"`
		Deadline        time.Time `json:"deadline"`
		EndedAt         time.Time `json:"ended_at,omitempty"`
		CreatedAt       time.Time `json:"created_at"`
		UpdatedAt       time.Time `json:"updated_at"`
	}

	NewAttempt struct {
		TestID          string `json:"test_id" validate:"required,notblank,max=100"`
		DurationSeconds int64  `json:"duration_seconds" validate:"required,min=1,max=86400"`
	}

	// QueryFilter applies AND on its non-zero fields.
	QueryFilter struct {
		UserID         string
		TestID         string
		Status         string
		DeadlineBefore time.Time // deadline at or before
	}
)

func (a Attempt) IsInProgress() bool {
	return a.Status == StatusInProgress
}

// IsOverdue tells whether the deadline has passed at `now`.
func (a Attempt) IsOverdue(now time.Time) bool {
	return !now.Before(a.Deadline)
}

// RemainingSeconds is the server-authoritative remaining time at `now`.
// Pausing a timer never extends the deadline.
func (a Attempt) RemainingSeconds(now time.Time) float64 {
	if !a.IsInProgress() {
		return 0
	}
	remaining := a.Deadline.Sub(now).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}
