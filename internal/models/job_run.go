package models

import (
	"time"
)

// RunStatus enumerates JobRun lifecycle states persisted in Postgres.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
	StatusTimedOut  RunStatus = "timed_out"
)

func (s RunStatus) String() string {
	return string(s)
}

// Terminal reports whether no further transition is allowed out of s.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

var AllStatuses = []RunStatus{
	StatusPending,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusTimedOut,
}

type Transition struct {
	From RunStatus
	To   RunStatus
}

var ValidTransitions = []Transition{
	{From: StatusPending, To: StatusRunning},
	{From: StatusRunning, To: StatusSucceeded},
	{From: StatusRunning, To: StatusFailed},
	{From: StatusRunning, To: StatusTimedOut},
}

func IsValidTransition(from, to RunStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// JobRun is one attempted execution of a registered job.
type JobRun struct {
	RunID         string     `json:"run_id"`
	JobName       string     `json:"job_name"`
	Status        RunStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LockToken     *string    `json:"lock_token,omitempty"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`
	Owner         string     `json:"owner,omitempty"`
	Error         *string    `json:"error,omitempty"`
}

// Duration returns how long a finished run took, or zero while it is still open.
func (r JobRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SchemaVersion is the single row written by the migration mechanism.
type SchemaVersion struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
