package operator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/finalize"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

func newTestHandler(t *testing.T) (*Handler, *stagingstore.Store, *finalize.Orchestrator) {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	srv := httptest.NewServer(faker.Server())
	t.Cleanup(srv.Close)

	cfg := uploadgw.DefaultConfig()
	cfg.Endpoint = srv.URL[len("http://"):]
	cfg.DisableSSL = true
	cfg.UsePathStyle = true
	cfg.Bucket = "test-bucket"
	cfg.Region = "us-east-1"
	cfg.AccessKey = "fake"
	cfg.SecretKey = "fake"
	cfg.RequestTimeout = 5 * time.Second
	cfg.MaxRetries = 1
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond

	client, err := objectstore.New(context.Background(), objectstore.ClientConfig{Config: cfg, Logger: uploadgw.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(context.Background()))

	dir := t.TempDir()
	store, err := stagingstore.New(dir, 0)
	require.NoError(t, err)

	input := make(chan uploadgw.UploadDescriptor, 10)
	orch, err := finalize.NewOrchestrator(finalize.Config{Store: store, Client: client, Input: input})
	require.NoError(t, err)

	h := NewHandler(Config{Store: store, Client: client, Orchestrator: orch})
	return h, store, orch
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthReturnsOK(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	require.Equal(t, "ok", body["status"])
}

func TestHealthMinioConnected(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/health/minio", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	decodeBody(t, rec, &body)
	require.Equal(t, "connected", body["status"])
}

func TestDebugUploadsListsStagedFiles(t *testing.T) {
	h, store, _ := newTestHandler(t)
	id, err := store.Create(5, uploadgw.Metadata{Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("aaaaa"), 5)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/debug/uploads", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Files []stagedFileView `json:"files"`
		Count int              `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	require.Equal(t, id, body.Files[0].Name)
	require.Equal(t, int64(5), body.Files[0].Size)
}

func TestDebugFailedUploadsListsRegistryEntries(t *testing.T) {
	h, _, orch := newTestHandler(t)
	orch.Registry().Record("bad-upload", uploadgw.FailedUpload{
		ID:         "bad-upload",
		Metadata:   uploadgw.Metadata{Filename: "bad.txt"},
		LastError:  "simulated failure",
		LastAttemptAt: time.Now(),
	})

	req := httptest.NewRequest(http.MethodGet, "/debug/failed-uploads", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		FailedUploads []failedUploadView `json:"failedUploads"`
		Count         int                `json:"count"`
	}
	decodeBody(t, rec, &body)
	require.Equal(t, 1, body.Count)
	require.Equal(t, "bad-upload", body.FailedUploads[0].ID)
	require.Equal(t, "bad.txt", body.FailedUploads[0].Filename)
}

func TestRetryUploadSucceeds(t *testing.T) {
	h, store, orch := newTestHandler(t)
	id, err := store.Create(11, uploadgw.Metadata{Filename: "hi.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("hello world"), 11)
	require.NoError(t, err)

	bodyPath, err := store.BodyPath(id)
	require.NoError(t, err)
	orch.Registry().Record(id, uploadgw.FailedUpload{
		ID:         id,
		StagedPath: bodyPath,
		Metadata:   uploadgw.Metadata{Filename: "hi.txt"},
		LastError:  "simulated prior failure",
	})

	req := httptest.NewRequest(http.MethodPost, "/debug/retry-upload/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, true, body["success"])

	_, ok := orch.Registry().Get(id)
	require.False(t, ok)
}

func TestRetryUploadReportsFailure(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/debug/retry-upload/unknown-id", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeBody(t, rec, &body)
	require.Equal(t, false, body["success"])
	require.NotEmpty(t, body["error"])
}

func TestProcessPendingFinalizesStagedUploads(t *testing.T) {
	h, store, _ := newTestHandler(t)
	id, err := store.Create(5, uploadgw.Metadata{Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("aaaaa"), 5)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/debug/process-pending", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Success   bool                `json:"success"`
		Processed int                 `json:"processed"`
		Failed    int                 `json:"failed"`
		Total     int                 `json:"total"`
		Results   []processResultView `json:"results"`
	}
	decodeBody(t, rec, &body)
	require.True(t, body.Success)
	require.Equal(t, 1, body.Processed)
	require.Equal(t, 0, body.Failed)
	require.Equal(t, 1, body.Total)
	require.Equal(t, "success", body.Results[0].Status)
}
