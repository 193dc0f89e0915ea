// Package scheduler runs registered jobs on their schedules against a shared job store.
//
// A Loop is the process-wide handle for one scheduler instance. It moves through
// stopped → starting → running → draining → stopped; it only leaves starting once the
// migration gate reports a compatible schema, and it drains when the schema changes
// under it or when its context is cancelled. Cross-process exclusion comes solely from
// the store's TryAcquireLock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"background-scheduler/internal/gate"
	"background-scheduler/internal/logging"
	"background-scheduler/internal/models"
	"background-scheduler/internal/registry"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
	"background-scheduler/internal/trigger"
)

// State is the loop's lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
)

var allStates = []State{StateStopped, StateStarting, StateRunning, StateDraining}

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	// ErrSchemaIncompatible stops a running loop whose store schema no longer matches.
	ErrSchemaIncompatible = errors.New("schema version incompatible")
)

// TriggerSource yields manual run requests queued by the API.
type TriggerSource interface {
	Pop(ctx context.Context, max int) ([]trigger.Request, error)
}

// Config tunes a Loop. Zero values fall back to the defaults in withDefaults.
type Config struct {
	TickInterval   time.Duration
	DrainGrace     time.Duration
	PoolSize       int
	LockGrace      time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	InstanceID     string
	ExpectedSchema int
	// OutcomeAttempts bounds retries of an outcome write while the store is unavailable.
	OutcomeAttempts int
	TriggerBatch    int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = 30 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 4
	}
	if c.LockGrace <= 0 {
		c.LockGrace = 30 * time.Second
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = 60 * c.BackoffInitial
	}
	if c.OutcomeAttempts <= 0 {
		c.OutcomeAttempts = 5
	}
	if c.TriggerBatch <= 0 {
		c.TriggerBatch = 32
	}
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "scheduler"
		}
		c.InstanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	return c
}

// Option customizes a Loop.
type Option func(*Loop)

func WithTriggers(src TriggerSource) Option { return func(l *Loop) { l.triggers = src } }

func WithLogger(log zerolog.Logger) Option { return func(l *Loop) { l.log = log } }

// WithClock replaces time.Now for due-time decisions and run timestamps.
func WithClock(now func() time.Time) Option { return func(l *Loop) { l.now = now } }

type jobState struct {
	nextDue   time.Time
	lastRun   *models.JobRun
	pending   bool
	triggered bool
	running   int
}

// Loop is one scheduler instance.
type Loop struct {
	cfg      Config
	registry *registry.Registry
	store    store.JobStore
	gate     *gate.Gate
	triggers TriggerSource
	log      zerolog.Logger
	now      func() time.Time
	pool     *semaphore.Weighted

	mu        sync.Mutex
	state     State
	blocked   bool
	schema    gate.Result
	startedAt time.Time
	origin    time.Time
	failures  int
	lastError string
	inflight  int
	jobs      map[string]*jobState

	runs       sync.WaitGroup
	runBase    context.Context
	cancelRuns context.CancelFunc
}

// New builds a stopped loop over reg and st.
func New(cfg Config, reg *registry.Registry, st store.JobStore, opts ...Option) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:      cfg,
		registry: reg,
		store:    st,
		gate:     gate.New(st, cfg.ExpectedSchema),
		log:      zerolog.Nop(),
		now:      time.Now,
		pool:     semaphore.NewWeighted(int64(cfg.PoolSize)),
		state:    StateStopped,
		schema:   gate.Result{Expected: cfg.ExpectedSchema},
		jobs:     make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.Component(l.log, "scheduler").With().Str("instance", cfg.InstanceID).Logger()
	return l
}

// InstanceID identifies this loop as the owner of the runs it starts.
func (l *Loop) InstanceID() string { return l.cfg.InstanceID }

// Run drives the loop until ctx is cancelled or the schema becomes incompatible, then drains
// in-flight runs. Cancelling ctx does not cancel running handlers; they get the drain grace.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateStopped {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.startedAt = l.now()
	l.failures, l.lastError = 0, ""
	l.runBase, l.cancelRuns = context.WithCancel(context.WithoutCancel(ctx))
	l.setStateLocked(StateStarting)
	l.mu.Unlock()

	l.registry.Freeze()
	l.log.Info().Int("jobs", l.registry.Len()).Int("expected_schema", l.gate.Expected()).Msg("scheduler starting")

	err := l.loop(ctx)
	l.drain()
	l.setState(StateStopped)
	if err != nil {
		l.log.Error().Err(err).Msg("scheduler stopped")
		return err
	}
	l.log.Info().Msg("scheduler stopped")
	return nil
}

func (l *Loop) loop(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		err := l.tick(ctx)
		switch {
		case errors.Is(err, ErrSchemaIncompatible):
			return err
		case ctx.Err() != nil:
			return nil
		case err != nil:
			l.noteFailure(err)
		default:
			l.noteSuccess()
		}
		timer.Reset(l.nextDelay())
	}
}

func (l *Loop) nextDelay() time.Duration {
	l.mu.Lock()
	failures := l.failures
	l.mu.Unlock()
	if failures == 0 {
		return l.cfg.TickInterval
	}
	if wait := backoffWithJitter(l.cfg.BackoffInitial, l.cfg.BackoffMax, failures); wait > l.cfg.TickInterval {
		return wait
	}
	return l.cfg.TickInterval
}

func (l *Loop) noteFailure(err error) {
	l.mu.Lock()
	l.failures++
	l.lastError = err.Error()
	failures := l.failures
	l.mu.Unlock()
	if errors.Is(err, store.ErrStoreUnavailable) {
		telemetry.StoreErrors.WithLabelValues("tick").Inc()
	}
	l.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("tick failed")
}

func (l *Loop) noteSuccess() {
	l.mu.Lock()
	if l.failures > 0 {
		l.log.Info().Int("after_failures", l.failures).Msg("store reachable again")
	}
	l.failures, l.lastError = 0, ""
	l.mu.Unlock()
}

// tick checks the gate and launches every due job. It returns ErrSchemaIncompatible only when
// the loop has to stop.
func (l *Loop) tick(ctx context.Context) error {
	res, err := l.gate.Check(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	state := l.state
	wasBlocked := l.blocked
	l.schema = res
	l.blocked = !res.Compatible
	l.mu.Unlock()
	if res.Compatible {
		telemetry.BlockedGauge.Set(0)
	} else {
		telemetry.BlockedGauge.Set(1)
	}

	if !res.Compatible {
		if state == StateRunning {
			return fmt.Errorf("%w: %s", ErrSchemaIncompatible, res)
		}
		if !wasBlocked {
			l.log.Warn().Int("expected", res.Expected).Int("actual", res.Actual).Msg("schema incompatible; scheduler blocked")
		}
		return nil
	}

	if state == StateStarting {
		l.mu.Lock()
		l.origin = l.now()
		l.setStateLocked(StateRunning)
		l.mu.Unlock()
		l.log.Info().Int("schema", res.Actual).Msg("scheduler running")
	}

	l.collectTriggers(ctx)

	now := l.now()
	var firstErr error
	for _, def := range l.registry.All() {
		if ctx.Err() != nil {
			return nil
		}
		if err := l.consider(ctx, def, now); err != nil {
			l.log.Warn().Err(err).Str("job", def.Name).Msg("job left pending")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (l *Loop) collectTriggers(ctx context.Context) {
	if l.triggers == nil {
		return
	}
	reqs, err := l.triggers.Pop(ctx, l.cfg.TriggerBatch)
	if err != nil {
		l.log.Warn().Err(err).Msg("read manual triggers")
		return
	}
	for _, req := range reqs {
		if _, ok := l.registry.Get(req.JobName); !ok {
			l.log.Warn().Str("job", req.JobName).Msg("trigger for unknown job dropped")
			continue
		}
		l.mu.Lock()
		l.job(req.JobName).triggered = true
		l.mu.Unlock()
		l.log.Info().Str("job", req.JobName).Str("requested_by", req.RequestedBy).Msg("manual trigger queued")
	}
}

// consider launches def if it is due (or manually triggered) and a pool slot and the store
// lock are both available.
func (l *Loop) consider(ctx context.Context, def registry.JobDefinition, now time.Time) error {
	latest, found, err := l.store.LatestRun(ctx, def.Name)
	if err != nil {
		l.setPending(def.Name, true)
		return fmt.Errorf("latest run of %s: %w", def.Name, err)
	}
	var lastStart time.Time
	if found {
		lastStart = latest.StartedAt
	}
	origin := l.originFor(def)
	due := def.Schedule.NextDue(lastStart, origin)

	l.mu.Lock()
	js := l.job(def.Name)
	js.nextDue = due
	if found {
		run := latest
		js.lastRun = &run
	}
	triggered := js.triggered
	l.mu.Unlock()

	scheduled := def.Schedule.Due(lastStart, origin, now)
	if !scheduled && !triggered {
		l.setPending(def.Name, false)
		return nil
	}
	dueAt := due
	if !scheduled {
		dueAt = now
	}

	if !l.pool.TryAcquire(1) {
		telemetry.PoolSaturated.WithLabelValues(def.Name).Inc()
		l.setPending(def.Name, true)
		l.log.Debug().Str("job", def.Name).Msg("worker pool full; job deferred")
		return nil
	}

	ttl := def.LockTTL
	if ttl <= 0 {
		ttl = def.Timeout + l.cfg.LockGrace
	}
	token := uuid.NewString()
	run := models.JobRun{
		RunID:     uuid.NewString(),
		JobName:   def.Name,
		Status:    models.StatusRunning,
		StartedAt: now,
		LockToken: &token,
		Owner:     l.cfg.InstanceID,
	}
	expires := now.Add(ttl)
	run.LockExpiresAt = &expires

	ok, err := l.store.TryAcquireLock(ctx, store.LockRequest{
		JobName:  def.Name,
		RunID:    run.RunID,
		Token:    token,
		Owner:    l.cfg.InstanceID,
		Now:      now,
		DueAt:    dueAt,
		TTL:      ttl,
		Capacity: def.MaxConcurrent,
	})
	if err != nil {
		l.pool.Release(1)
		l.setPending(def.Name, true)
		return fmt.Errorf("acquire lock for %s: %w", def.Name, err)
	}
	if !ok {
		l.pool.Release(1)
		telemetry.LockContention.WithLabelValues(def.Name).Inc()
		l.setPending(def.Name, false)
		l.log.Debug().Str("job", def.Name).Msg("lock held elsewhere; skipped this tick")
		return nil
	}

	l.mu.Lock()
	js = l.job(def.Name)
	js.pending = false
	// a scheduled launch also satisfies a queued trigger
	js.triggered = false
	js.running++
	js.lastRun = &run
	js.nextDue = def.Schedule.NextDue(run.StartedAt, l.origin.Add(def.StartDelay))
	l.inflight++
	l.mu.Unlock()

	telemetry.RunsStarted.WithLabelValues(def.Name).Inc()
	telemetry.InFlightGauge.Inc()
	l.runs.Add(1)
	go l.execute(def, run)
	return nil
}

func (l *Loop) originFor(def registry.JobDefinition) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.origin.Add(def.StartDelay)
}

func (l *Loop) setPending(name string, pending bool) {
	l.mu.Lock()
	l.job(name).pending = pending
	l.mu.Unlock()
}

// job must be called with mu held.
func (l *Loop) job(name string) *jobState {
	js, ok := l.jobs[name]
	if !ok {
		js = &jobState{}
		l.jobs[name] = js
	}
	return js
}

func (l *Loop) drain() {
	l.setState(StateDraining)
	done := make(chan struct{})
	go func() {
		l.runs.Wait()
		close(done)
	}()

	if n := l.InFlight(); n > 0 {
		l.log.Info().Int("in_flight", n).Dur("grace", l.cfg.DrainGrace).Msg("draining runs")
	}
	timer := time.NewTimer(l.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.log.Warn().Int("in_flight", l.InFlight()).Msg("drain grace elapsed; cancelling runs")
		l.cancelRuns()
		<-done
	}
	l.cancelRuns()
}

// InFlight is the number of runs this instance is executing.
func (l *Loop) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.setStateLocked(s)
	l.mu.Unlock()
}

func (l *Loop) setStateLocked(s State) {
	l.state = s
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		telemetry.StateGauge.WithLabelValues(string(st)).Set(v)
	}
}
