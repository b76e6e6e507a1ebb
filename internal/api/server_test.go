package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/store"
	"billing-validation-pipeline/internal/worker"
)

type storageStub struct {
	runs    map[string]models.ValidationRun
	results map[string][]models.ValidationResult
}

func newStorageStub() *storageStub {
	return &storageStub{
		runs:    make(map[string]models.ValidationRun),
		results: make(map[string][]models.ValidationResult),
	}
}

func (s *storageStub) CreateRun(_ context.Context, id, filePath, originalName, ownerID string) (models.ValidationRun, error) {
	run := models.ValidationRun{
		ID:           id,
		FilePath:     filePath,
		OriginalName: originalName,
		OwnerID:      ownerID,
		Status:       models.RunQueued,
	}
	s.runs[id] = run
	return run, nil
}

func (s *storageStub) GetRun(_ context.Context, id string) (models.ValidationRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return models.ValidationRun{}, store.ErrRunNotFound
	}
	return run, nil
}

func (s *storageStub) UpdateRun(_ context.Context, id string, upd store.RunUpdate) error {
	run, ok := s.runs[id]
	if !ok {
		return store.ErrRunNotFound
	}
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.JobID != nil {
		run.JobID = upd.JobID
	}
	if upd.ErrorMessage != nil {
		run.ErrorMessage = upd.ErrorMessage
	}
	s.runs[id] = run
	return nil
}

func (s *storageStub) GetResultsByRun(_ context.Context, runID string) ([]models.ValidationResult, error) {
	return s.results[runID], nil
}

func testServer(t *testing.T) (*Server, *storageStub, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RedisAddr:      mr.Addr(),
		MaxAttempts:    5,
		BackoffInitial: 2 * time.Second,
		UploadMaxSize:  10 * 1024 * 1024,
		PreviewSize:    10,
		PreviewTTL:     time.Minute,
		StreamInterval: 10 * time.Millisecond,
		StreamCeiling:  time.Minute,
	}
	q := queue.NewRedisQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })
	st := newStorageStub()
	files := filestore.NewLocalStore(t.TempDir())
	hb := worker.NewHeartbeat(cfg)
	return New(cfg, st, q, files, nil, hb), st, q
}

func multipartUpload(t *testing.T, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "billing.csv")
	require.NoError(t, err)
	_, err = io.WriteString(fw, content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestCreateValidationAcceptsUpload(t *testing.T) {
	srv, st, q := testServer(t)
	router := srv.Router()

	body, contentType := multipartUpload(t, "patient_id,billing_code,amount,service_date\nP1,00103,42.00,2024-02-01\n")
	req := httptest.NewRequest(http.MethodPost, "/api/validations", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ValidationID)
	assert.Equal(t, queue.JobID(resp.ValidationID), resp.JobID)
	assert.Equal(t, models.RunQueued, resp.Status)
	assert.NotEmpty(t, resp.EstimatedDuration)

	run, ok := st.runs[resp.ValidationID]
	require.True(t, ok)
	require.NotNil(t, run.JobID)
	assert.Equal(t, resp.JobID, *run.JobID)

	depth, err := q.WaitingDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestCreateValidationRequiresFile(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "no file here"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/validations", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusUnknownValidation(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/validations/ghost/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelWaitingValidation(t *testing.T) {
	srv, st, q := testServer(t)
	router := srv.Router()
	ctx := context.Background()

	jobID, _, err := q.Enqueue(ctx, "run-1", "validations/run-1.csv", 100)
	require.NoError(t, err)
	st.runs["run-1"] = models.ValidationRun{ID: "run-1", JobID: &jobID, Status: models.RunQueued}

	req := httptest.NewRequest(http.MethodPost, "/api/validations/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["queueCancelled"])

	run := st.runs["run-1"]
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "cancelled", *run.ErrorMessage)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCancelFinishedValidationConflicts(t *testing.T) {
	srv, st, _ := testServer(t)
	router := srv.Router()

	st.runs["run-1"] = models.ValidationRun{ID: "run-1", Status: models.RunCompleted}

	req := httptest.NewRequest(http.MethodPost, "/api/validations/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPreviewFallsBackToStoredResults(t *testing.T) {
	srv, st, _ := testServer(t)
	router := srv.Router()

	st.runs["run-1"] = models.ValidationRun{ID: "run-1", Status: models.RunCompleted}
	st.results["run-1"] = []models.ValidationResult{
		{RunID: "run-1", RuleName: "amount_limit", Severity: models.SeverityWarning, Message: "over ceiling"},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/validations/run-1/preview", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Violations []models.ValidationResult `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Violations, 1)
	assert.Equal(t, "amount_limit", resp.Violations[0].RuleName)
}

func TestEstimateEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/queue/estimate?bytes=1024", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64((5 * time.Second).Milliseconds()), resp["estimatedDurationMs"])

	req = httptest.NewRequest(http.MethodGet, "/api/queue/estimate", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDLQEndpointEmpty(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/dlq", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []models.DeadLetterEntry `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Items)
}

func TestWorkerStatusEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/worker/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp worker.HeartbeatStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "stopped", resp.Status)
}
