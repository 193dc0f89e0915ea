package scheduler

import (
	"time"

	"background-scheduler/internal/gate"
	"background-scheduler/internal/models"
)

// JobStatus is the per-job part of a status snapshot.
type JobStatus struct {
	Name          string         `json:"name"`
	Schedule      string         `json:"schedule"`
	MaxConcurrent int            `json:"max_concurrent"`
	Timeout       string         `json:"timeout"`
	NextDue       *time.Time     `json:"next_due,omitempty"`
	Pending       bool           `json:"pending"`
	Triggered     bool           `json:"triggered"`
	Running       int            `json:"running"`
	LastRun       *models.JobRun `json:"last_run,omitempty"`
}

// Status is a point-in-time copy of the loop's state. Taking it never waits on a tick.
type Status struct {
	Enabled             bool        `json:"enabled"`
	State               State       `json:"state"`
	Blocked             bool        `json:"blocked"`
	Schema              gate.Result `json:"schema"`
	Instance            string      `json:"instance"`
	StartedAt           *time.Time  `json:"started_at,omitempty"`
	InFlight            int         `json:"in_flight"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	LastError           string      `json:"last_error,omitempty"`
	Jobs                []JobStatus `json:"jobs"`
}

// Status snapshots the loop.
func (l *Loop) Status() Status {
	defs := l.registry.All()

	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Enabled:             true,
		State:               l.state,
		Blocked:             l.blocked,
		Schema:              l.schema,
		Instance:            l.cfg.InstanceID,
		InFlight:            l.inflight,
		ConsecutiveFailures: l.failures,
		LastError:           l.lastError,
		Jobs:                make([]JobStatus, 0, len(defs)),
	}
	if !l.startedAt.IsZero() {
		started := l.startedAt
		st.StartedAt = &started
	}
	for _, def := range defs {
		js := JobStatus{
			Name:          def.Name,
			Schedule:      def.Spec,
			MaxConcurrent: def.MaxConcurrent,
			Timeout:       def.Timeout.String(),
		}
		if s, ok := l.jobs[def.Name]; ok {
			if !s.nextDue.IsZero() {
				due := s.nextDue
				js.NextDue = &due
			}
			js.Pending = s.pending
			js.Triggered = s.triggered
			js.Running = s.running
			if s.lastRun != nil {
				run := *s.lastRun
				js.LastRun = &run
			}
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}
