package jobs

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-scheduler/internal/models"
)

type capturedRequest struct {
	method string
	header http.Header
	body   []byte
}

func webhookServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu  sync.Mutex
		got []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, capturedRequest{method: r.Method, header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), got...)
	}
}

func TestWebhookSendsRunDescription(t *testing.T) {
	srv, requests := webhookServer(t, http.StatusNoContent)
	h, err := buildWebhook(Spec{Name: "hook", Params: map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Token": "abc"},
	}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)

	run := models.JobRun{RunID: "run-1", JobName: "hook", StartedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, h(context.Background(), run))

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "abc", got[0].header.Get("X-Token"))
	assert.Equal(t, "run-1", got[0].header.Get("X-Scheduler-Run-Id"))
	assert.Equal(t, "application/json", got[0].header.Get("Content-Type"))

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(got[0].body, &payload))
	assert.Equal(t, "hook", payload.Job)
	assert.Equal(t, "run-1", payload.RunID)
	assert.True(t, payload.StartedAt.Equal(run.StartedAt))
}

func TestWebhookCustomBodyAndMethod(t *testing.T) {
	srv, requests := webhookServer(t, http.StatusOK)
	h, err := buildWebhook(Spec{Name: "hook", Params: map[string]any{
		"url":    srv.URL,
		"method": "put",
		"body":   "refresh",
	}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)
	require.NoError(t, h(context.Background(), models.JobRun{RunID: "r"}))

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "refresh", string(got[0].body))
}

func TestWebhookNon2xxFails(t *testing.T) {
	srv, _ := webhookServer(t, http.StatusBadGateway)
	h, err := buildWebhook(Spec{Name: "hook", Params: map[string]any{"url": srv.URL}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)

	err = h(context.Background(), models.JobRun{RunID: "r"})
	require.ErrorIs(t, err, ErrWebhookStatus)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookHonoursCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(block)
		srv.Close()
	})

	h, err := buildWebhook(Spec{Name: "hook", Params: map[string]any{"url": srv.URL}}, Deps{HTTP: srv.Client()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = h(ctx, models.JobRun{RunID: "r"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
