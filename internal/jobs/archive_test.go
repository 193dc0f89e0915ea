package jobs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"background-scheduler/internal/config"
)

func TestLocalUploaderWritesBelowBaseDir(t *testing.T) {
	dir := t.TempDir()
	u := &LocalUploader{BaseDir: dir}

	where, err := u.Upload(context.Background(), "../../escape/runs.ndjson", []byte("{}\n"), "application/x-ndjson")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(where, dir), "upload left base dir: %s", where)

	data, err := os.ReadFile(filepath.Join(dir, "escape", "runs.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))
}

func TestNewUploaderDefaultsToLocal(t *testing.T) {
	u, err := NewUploader(context.Background(), config.Config{ArchiveDir: t.TempDir()})
	require.NoError(t, err)
	_, ok := u.(*LocalUploader)
	assert.True(t, ok)
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(data)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
		}),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	u := NewS3Uploader(client, "archive-bucket", "job-runs/")

	where, err := u.Upload(context.Background(), "2024-05-01/run-1-000.ndjson", []byte(`{"run_id":"a"}`), "application/x-ndjson")
	require.NoError(t, err)
	assert.Equal(t, "s3://archive-bucket/job-runs/2024-05-01/run-1-000.ndjson", where)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/archive-bucket/job-runs/2024-05-01/run-1-000.ndjson", path)
	assert.Contains(t, body, `"run_id":"a"`)
}
