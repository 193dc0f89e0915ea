package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"background-scheduler/internal/models"
	"background-scheduler/internal/registry"
	"background-scheduler/internal/store"
	"background-scheduler/internal/telemetry"
)

// buildRetention prunes terminal runs that finished more than max_age ago. With archive enabled
// each batch is written as NDJSON through the Uploader before it is deleted.
func buildRetention(spec Spec, deps Deps) (registry.Handler, error) {
	if deps.Store == nil {
		return nil, errors.New("retention: no store")
	}
	p := params(spec.Params)
	maxAge, err := p.duration("max_age", deps.RetentionMaxAge)
	if err != nil {
		return nil, err
	}
	if maxAge <= 0 {
		return nil, errors.New("retention: max_age must be positive")
	}
	batch, err := p.integer("batch_size", deps.RetentionBatchSize)
	if err != nil {
		return nil, err
	}
	if batch <= 0 || batch > store.MaxListLimit {
		batch = store.MaxListLimit
	}
	archive, err := p.boolean("archive", deps.Uploader != nil)
	if err != nil {
		return nil, err
	}
	if archive && deps.Uploader == nil {
		return nil, errors.New("retention: archive requested but no uploader configured")
	}

	log := deps.Logger.With().Str("job", spec.Name).Logger()
	st := deps.Store

	return func(ctx context.Context, run models.JobRun) error {
		cutoff := run.StartedAt.Add(-maxAge)
		var total int64
		for part := 0; ; part++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			runs, err := st.ListRuns(ctx, store.RunQuery{FinishedBefore: cutoff, Limit: batch})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(runs) == 0 {
				break
			}
			if archive {
				key := fmt.Sprintf("%s/%s-%03d.ndjson", cutoff.UTC().Format("2006-01-02"), run.RunID, part)
				body, err := encodeRuns(runs)
				if err != nil {
					return err
				}
				where, err := deps.Uploader.Upload(ctx, key, body, "application/x-ndjson")
				if err != nil {
					return fmt.Errorf("archive runs: %w", err)
				}
				log.Info().Str("location", where).Int("runs", len(runs)).Msg("runs archived")
			}
			ids := make([]string, len(runs))
			for i, r := range runs {
				ids[i] = r.RunID
			}
			n, err := st.DeleteRuns(ctx, ids)
			if err != nil {
				return fmt.Errorf("delete runs: %w", err)
			}
			total += n
			telemetry.RunsPruned.Add(float64(n))
			if n < int64(len(runs)) || len(runs) < batch {
				break
			}
		}
		log.Info().Int64("deleted", total).Time("cutoff", cutoff).Msg("retention finished")
		return nil
	}, nil
}

func encodeRuns(runs []models.JobRun) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range runs {
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encode run %s: %w", r.RunID, err)
		}
	}
	return buf.Bytes(), nil
}
