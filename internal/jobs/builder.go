package jobs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"background-scheduler/internal/registry"
	"background-scheduler/internal/store"
)

// Deps are the shared resources handler kinds are built from.
type Deps struct {
	Store    store.JobStore
	Uploader Uploader
	HTTP     *http.Client
	Logger   zerolog.Logger

	RetentionMaxAge    time.Duration
	RetentionBatchSize int
}

// Builder turns one Spec into a handler.
type Builder func(spec Spec, deps Deps) (registry.Handler, error)

var kinds = map[string]Builder{
	"webhook":   buildWebhook,
	"retention": buildRetention,
	"log":       buildLog,
}

// Register adds every enabled job in f to reg. Jobs named in disabled, or marked disabled in the
// file, are skipped.
func Register(reg *registry.Registry, f File, deps Deps, disabled []string) (int, error) {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}

	n := 0
	for _, spec := range f.Jobs {
		if spec.Disabled || off[spec.Name] {
			deps.Logger.Info().Str("job", spec.Name).Msg("job disabled")
			continue
		}
		build, ok := kinds[spec.Kind]
		if !ok {
			return n, fmt.Errorf("job %q: %w: %q", spec.Name, ErrUnknownKind, spec.Kind)
		}
		h, err := build(spec, deps)
		if err != nil {
			return n, fmt.Errorf("job %q: %w", spec.Name, err)
		}
		err = reg.Register(registry.JobDefinition{
			Name:          spec.Name,
			Spec:          spec.Schedule,
			Handler:       h,
			MaxConcurrent: spec.MaxConcurrent,
			Timeout:       spec.Timeout,
			StartDelay:    spec.StartDelay,
			LockTTL:       spec.LockTTL,
		})
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
