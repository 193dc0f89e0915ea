package jobs

import (
	"context"

	"background-scheduler/internal/models"
	"background-scheduler/internal/registry"
)

// buildLog returns a handler that only logs a heartbeat line. Useful for checking a deployment.
func buildLog(spec Spec, deps Deps) (registry.Handler, error) {
	msg, err := params(spec.Params).str("message", "heartbeat")
	if err != nil {
		return nil, err
	}
	log := deps.Logger.With().Str("job", spec.Name).Logger()
	return func(_ context.Context, run models.JobRun) error {
		log.Info().Str("run_id", run.RunID).Msg(msg)
		return nil
	}, nil
}
