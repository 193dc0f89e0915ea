package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"background-scheduler/internal/models"
	"background-scheduler/internal/registry"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
)

// outcomeWriteTimeout bounds each outcome write attempt. Writes ignore the loop's context so a
// draining instance still records what happened.
const outcomeWriteTimeout = 10 * time.Second

func (l *Loop) execute(def registry.JobDefinition, run models.JobRun) {
	defer l.runs.Done()

	ctx, cancel := context.WithTimeout(l.runBase, def.Timeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "scheduler.run",
		attribute.String("job", def.Name),
		attribute.String("run_id", run.RunID),
		attribute.String("instance", l.cfg.InstanceID),
	)
	defer span.End()

	log := l.log.With().Str("job", def.Name).Str("run_id", run.RunID).Logger()
	log.Info().Msg("run started")

	started := time.Now()
	exited := make(chan struct{})
	// The handler goroutine releases the pool slot itself; one that ignores cancellation keeps
	// holding it after the run is recorded.
	status, errMsg, detached := invoke(ctx, def.Handler, run, def.Timeout, func() {
		l.pool.Release(1)
		close(exited)
	})
	elapsed := time.Since(started)
	if detached {
		telemetry.OverstayingRuns.Inc()
		log.Warn().Dur("timeout", def.Timeout).Msg("handler ignored cancellation; pool slot held until it returns")
		go func() {
			<-exited
			telemetry.OverstayingRuns.Dec()
			log.Info().Dur("elapsed", time.Since(started)).Msg("overstaying handler returned")
		}()
	}

	telemetry.RunDuration.WithLabelValues(def.Name).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.String("status", status.String()))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}

	finishedAt := l.now()
	l.recordOutcome(log, run.RunID, status, finishedAt, errMsg)

	done := run
	done.Status = status
	done.FinishedAt = &finishedAt
	done.LockToken, done.LockExpiresAt = nil, nil
	if errMsg != "" {
		msg := errMsg
		done.Error = &msg
	}

	l.mu.Lock()
	js := l.job(def.Name)
	js.running--
	l.inflight--
	if js.lastRun != nil && js.lastRun.RunID == run.RunID {
		js.lastRun = &done
	}
	l.mu.Unlock()

	telemetry.InFlightGauge.Dec()
	telemetry.RunsFinished.WithLabelValues(def.Name, status.String()).Inc()

	evt := log.Info()
	if status != models.StatusSucceeded {
		evt = log.Warn().Str("error", errMsg)
	}
	evt.Str("status", status.String()).Dur("elapsed", elapsed).Dur("duration", done.Duration()).Msg("run finished")
}

// invoke runs the handler in its own goroutine so a handler that ignores cancellation cannot
// hold the run past its timeout. Panics are reported as failures. onExit runs when the handler
// goroutine itself returns; detached reports that this happened after invoke gave up waiting.
func invoke(ctx context.Context, h registry.Handler, run models.JobRun, timeout time.Duration, onExit func()) (status models.RunStatus, errMsg string, detached bool) {
	done := make(chan error, 1)
	go func() {
		defer onExit()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- h(ctx, run)
	}()

	select {
	case err := <-done:
		if err == nil {
			return models.StatusSucceeded, "", false
		}
		if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			return models.StatusTimedOut, interruption(ctx, timeout), false
		}
		return models.StatusFailed, err.Error(), false
	case <-ctx.Done():
		return models.StatusTimedOut, interruption(ctx, timeout), true
	}
}

func interruption(ctx context.Context, timeout time.Duration) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("exceeded timeout of %s", timeout)
	}
	return "cancelled while draining"
}

// recordOutcome writes the terminal status, retrying while the store is unavailable. When the
// schema is no longer compatible the write is skipped and lock expiry reconciles the run.
func (l *Loop) recordOutcome(log zerolog.Logger, runID string, status models.RunStatus, finishedAt time.Time, errMsg string) {
	gctx, cancel := context.WithTimeout(context.Background(), outcomeWriteTimeout)
	res, err := l.gate.Check(gctx)
	cancel()
	if err == nil && !res.Compatible {
		log.Error().Str("status", status.String()).Str("schema", res.String()).Msg("schema incompatible; outcome not written, lock expiry will reconcile the run")
		return
	}

	for attempt := 1; ; attempt++ {
		wctx, cancel := context.WithTimeout(context.Background(), outcomeWriteTimeout)
		err := l.store.RecordOutcome(wctx, runID, status, finishedAt, errMsg)
		cancel()
		switch {
		case err == nil:
			return
		case errors.Is(err, store.ErrConflictingOutcome):
			telemetry.ConflictingOutcomes.Inc()
			log.Error().Err(err).Str("status", status.String()).Msg("conflicting run outcome")
			return
		case errors.Is(err, store.ErrStoreUnavailable) && attempt < l.cfg.OutcomeAttempts:
			telemetry.StoreErrors.WithLabelValues("record_outcome").Inc()
			wait := backoffWithJitter(l.cfg.BackoffInitial, l.cfg.BackoffMax, attempt)
			log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("outcome write failed")
			time.Sleep(wait)
		default:
			log.Error().Err(err).Str("status", status.String()).Msg("outcome not recorded; lock expiry will reconcile the run")
			return
		}
	}
}
