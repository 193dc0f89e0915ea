package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"background-scheduler/internal/models"
	"background-scheduler/internal/registry"
)

var ErrWebhookStatus = errors.New("webhook returned non-2xx status")

type webhookPayload struct {
	Job       string    `json:"job"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

// buildWebhook calls params.url once per run. Without params.body the request carries a JSON
// description of the run.
func buildWebhook(spec Spec, deps Deps) (registry.Handler, error) {
	p := params(spec.Params)
	url, err := p.str("url", "")
	if err != nil {
		return nil, err
	}
	if url == "" {
		return nil, errors.New("webhook: param url is required")
	}
	method, err := p.str("method", http.MethodPost)
	if err != nil {
		return nil, err
	}
	method = strings.ToUpper(method)
	headers, err := p.stringMap("headers")
	if err != nil {
		return nil, err
	}
	body, err := p.str("body", "")
	if err != nil {
		return nil, err
	}

	client := deps.HTTP
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, run models.JobRun) error {
		payload := []byte(body)
		contentType := "text/plain"
		if body == "" {
			encoded, err := json.Marshal(webhookPayload{Job: run.JobName, RunID: run.RunID, StartedAt: run.StartedAt})
			if err != nil {
				return err
			}
			payload = encoded
			contentType = "application/json"
		}
		var reader io.Reader
		if method != http.MethodGet && method != http.MethodHead {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if reader != nil {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("X-Scheduler-Run-Id", run.RunID)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("call webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
		}
		return nil
	}, nil
}
