package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/ratelimit"
	"billing-validation-pipeline/internal/status"
	"billing-validation-pipeline/internal/store"
	"billing-validation-pipeline/internal/telemetry"
	"billing-validation-pipeline/internal/worker"
)

// Storage is the slice of durable storage the API drives.
type Storage interface {
	CreateRun(ctx context.Context, id, filePath, originalName, ownerID string) (models.ValidationRun, error)
	GetRun(ctx context.Context, id string) (models.ValidationRun, error)
	UpdateRun(ctx context.Context, id string, upd store.RunUpdate) error
	GetResultsByRun(ctx context.Context, runID string) ([]models.ValidationResult, error)
}

// Server wires HTTP handlers for the validation pipeline.
type Server struct {
	cfg       config.Config
	store     Storage
	queue     *queue.RedisQueue
	files     filestore.Store
	limiter   *ratelimit.TokenBucket
	statusSvc *status.Service
	streamer  *status.Streamer
	heartbeat *worker.Heartbeat
}

// New constructs the API server.
func New(cfg config.Config, st Storage, q *queue.RedisQueue, files filestore.Store, limiter *ratelimit.TokenBucket, heartbeat *worker.Heartbeat) *Server {
	svc := status.NewService(st, q)
	return &Server{
		cfg:       cfg,
		store:     st,
		queue:     q,
		files:     files,
		limiter:   limiter,
		statusSvc: svc,
		streamer:  status.NewStreamer(svc, cfg.StreamInterval, cfg.StreamCeiling),
		heartbeat: heartbeat,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/validations", s.handleCreateValidation)
		r.Get("/validations/{id}/status", s.handleStatus)
		r.Get("/validations/{id}/stream", s.handleStream)
		r.Get("/validations/{id}/preview", s.handlePreview)
		r.Get("/validations/{id}/results", s.handleResults)
		r.Post("/validations/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)
		r.Get("/worker/status", s.handleWorkerStatus)
		r.Get("/queue/estimate", s.handleEstimate)
	})
	return r
}

type createResponse struct {
	ValidationID      string `json:"validationId"`
	JobID             string `json:"jobId"`
	Status            string `json:"status"`
	EstimatedDuration string `json:"estimatedDuration"`
}

// handleCreateValidation accepts a multipart CSV upload, stores it, creates
// the run, and admits the job. Submission is rate limited per owner with a
// cost proportional to upload size.
func (s *Server) handleCreateValidation(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.cfg.UploadMaxSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > s.cfg.UploadMaxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
		return
	}

	ownerID := ownerFromRequest(r)
	if s.limiter != nil {
		cost := 1 + int(header.Size/(1024*1024))
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:validations:"+ownerID, cost)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many submissions, slow down")
			return
		}
	}

	runID := uuid.New().String()
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".csv"
	}
	key := fmt.Sprintf("validations/%s%s", runID, ext)

	filePath, err := s.files.Save(r.Context(), key, file)
	if err != nil {
		logging.L().Errorw("upload save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not store the uploaded file")
		return
	}

	run, err := s.store.CreateRun(r.Context(), runID, filePath, header.Filename, ownerID)
	if err != nil {
		logging.L().Errorw("run creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create the validation run")
		return
	}

	jobID, existed, err := s.queue.Enqueue(r.Context(), run.ID, filePath, header.Size)
	if err != nil {
		msg := err.Error()
		failed := models.RunFailed
		_ = s.store.UpdateRun(r.Context(), run.ID, store.RunUpdate{Status: &failed, ErrorMessage: &msg})
		writeError(w, http.StatusInternalServerError, "could not queue the validation")
		return
	}
	if !existed {
		if err := s.store.UpdateRun(r.Context(), run.ID, store.RunUpdate{JobID: &jobID}); err != nil {
			logging.L().Warnw("job id write failed", "run_id", run.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		ValidationID:      run.ID,
		JobID:             jobID,
		Status:            run.Status,
		EstimatedDuration: s.queue.EstimateDuration(r.Context(), header.Size).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.statusSvc.RunStatus(r.Context(), id)
	if err != nil {
		if status.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "validation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if status.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "validation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "status read failed")
		return
	}
	s.streamer.ServeRun(w, r, id)
}

// handlePreview serves the short-lived cached violation preview, falling back
// to the persisted results when the cache entry expired.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	preview, err := s.queue.GetPreview(r.Context(), id)
	if err != nil {
		logging.L().Warnw("preview cache read failed", "run_id", id, "error", err)
	}
	if preview == nil {
		results, err := s.store.GetResultsByRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "preview read failed")
			return
		}
		limit := s.cfg.PreviewSize
		if limit <= 0 {
			limit = 10
		}
		if len(results) > limit {
			results = results[:limit]
		}
		preview = results
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": preview})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if status.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "validation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "results read failed")
		return
	}
	results, err := s.store.GetResultsByRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": results})
}

// handleCancel resolves the run's job, attempts queue cancellation, and marks
// the run failed regardless of the queue outcome so clients never wait on a
// job the queue silently dropped.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if status.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "validation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	if models.TerminalRun(run.Status) {
		writeError(w, http.StatusConflict, "validation already finished")
		return
	}

	cancelled := false
	if run.JobID != nil {
		cancelled, err = s.queue.Cancel(r.Context(), *run.JobID)
		if err != nil {
			logging.L().Warnw("queue cancel failed", "run_id", id, "job_id", *run.JobID, "error", err)
		}
	}

	failed := models.RunFailed
	msg := "cancelled"
	if err := s.store.UpdateRun(r.Context(), id, store.RunUpdate{Status: &failed, ErrorMessage: &msg}); err != nil {
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "queueCancelled": cancelled})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.DeadLetters(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.heartbeat.Status(r.Context()))
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	bytes, err := strconv.ParseInt(r.URL.Query().Get("bytes"), 10, 64)
	if err != nil || bytes < 0 {
		writeError(w, http.StatusBadRequest, "bytes query parameter is required")
		return
	}
	est := s.queue.EstimateDuration(r.Context(), bytes)
	writeJSON(w, http.StatusOK, map[string]any{
		"estimatedDuration":   est.String(),
		"estimatedDurationMs": est.Milliseconds(),
	})
}

func ownerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-User-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
