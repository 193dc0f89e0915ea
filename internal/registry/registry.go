// Package registry holds the static set of job definitions for a process.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"background-scheduler/internal/models"
	"background-scheduler/internal/schedule"
)

var (
	ErrDuplicateJob = errors.New("duplicate job")
	ErrInvalidJob   = errors.New("invalid job definition")
	ErrFrozen       = errors.New("registry is frozen")
)

const defaultTimeout = 5 * time.Minute

// Handler executes one run of a job. It must return when ctx is cancelled.
type Handler func(ctx context.Context, run models.JobRun) error

// JobDefinition is immutable once registered.
type JobDefinition struct {
	Name string
	// Spec is the raw schedule string; it is parsed into Schedule at registration.
	Spec          string
	Schedule      schedule.Schedule
	Handler       Handler
	MaxConcurrent int
	Timeout       time.Duration
	// StartDelay offsets the first run of a job without history from scheduler start.
	StartDelay time.Duration
	// LockTTL overrides the lock lifetime; zero means Timeout plus the scheduler's lock grace.
	LockTTL time.Duration
}

// Registry maps job names to definitions.
type Registry struct {
	mu             sync.RWMutex
	defs           map[string]JobDefinition
	defaultTimeout time.Duration
	frozen         bool
}

// New builds an empty registry. defaultTimeout applies to definitions registered without one.
func New(defaultTimeout time.Duration) *Registry {
	return &Registry{
		defs:           make(map[string]JobDefinition),
		defaultTimeout: defaultTimeout,
	}
}

// Register validates def, fills defaults and adds it. Schedules are validated here so a bad
// spec fails startup instead of surfacing on the first tick.
func (r *Registry) Register(def JobDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: job %q has no handler", ErrInvalidJob, def.Name)
	}
	if def.Schedule.IsZero() {
		s, err := schedule.Parse(def.Spec)
		if err != nil {
			return fmt.Errorf("job %q: %w", def.Name, err)
		}
		def.Schedule = s
	}
	def.Spec = def.Schedule.String()
	if def.MaxConcurrent <= 0 {
		def.MaxConcurrent = 1
	}
	if def.Timeout <= 0 {
		def.Timeout = r.defaultTimeout
		if def.Timeout <= 0 {
			def.Timeout = defaultTimeout
		}
	}
	if def.StartDelay < 0 {
		return fmt.Errorf("%w: job %q has negative start delay", ErrInvalidJob, def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrFrozen, def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Freeze makes the registry read-only. The scheduler calls it when it starts.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (JobDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// All returns every definition sorted by name.
func (r *Registry) All() []JobDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]JobDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
