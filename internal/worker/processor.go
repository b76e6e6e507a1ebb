package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/parser"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/rules"
	"billing-validation-pipeline/internal/store"
	"billing-validation-pipeline/internal/telemetry"
)

// Progress checkpoints for the per-job pipeline. Parsing owns 0-70; the
// remaining steps advance through fixed marks up to 100.
const (
	progressParseCeiling   = 70
	progressRecordsStored  = 75
	progressRulesEvaluated = 90
	progressResultsStored  = 95
)

// errCancelled aborts a job without retry when a cooperative cancel was
// requested mid-flight.
var errCancelled = errors.New("job cancelled")

// RunStore is the durable-storage contract the processor drives.
type RunStore interface {
	GetRun(ctx context.Context, id string) (models.ValidationRun, error)
	UpdateRun(ctx context.Context, id string, upd store.RunUpdate) error
	CreateRecordsBatch(ctx context.Context, records []models.BillingRecord) error
	GetRecordsByRun(ctx context.Context, runID string) ([]models.BillingRecord, error)
	DeleteRecordsByRun(ctx context.Context, runID string) error
	ReplaceResults(ctx context.Context, runID string, results []models.ValidationResult) error
}

// Processor executes validation jobs to completion with bounded concurrency.
// Concurrency is deliberately small: parsing and batch writes are memory
// heavy for large files, and the bound is the pipeline's backpressure.
type Processor struct {
	cfg    config.Config
	queue  *queue.RedisQueue
	store  RunStore
	files  filestore.Store
	engine *rules.Engine
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, st RunStore, files filestore.Store, engine *rules.Engine) *Processor {
	return &Processor{cfg: cfg, queue: q, store: st, files: files, engine: engine}
}

// Run starts the worker pool and blocks until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	concurrency := p.cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		slot := i
		g.Go(func() error {
			return p.loop(ctx, slot)
		})
	}
	return g.Wait()
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	log := logging.L().With("worker_slot", slot)
	poll := p.cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := p.queue.PromoteDelayed(ctx, time.Now(), 100); err != nil {
			log.Warnw("promote delayed jobs failed", "error", err)
		}
		if depth, err := p.queue.WaitingDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.Claim(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		p.execute(ctx, jobID, log)
	}
}

// execute runs one claimed job and routes failures to the retry machinery.
func (p *Processor) execute(ctx context.Context, jobID string, log *zap.SugaredLogger) {
	job, err := p.queue.GetJob(ctx, jobID)
	if err != nil {
		log.Errorw("claimed job has no envelope", "job_id", jobID, "error", err)
		return
	}
	if err := p.queue.MarkActive(ctx, jobID); err != nil {
		log.Warnw("mark active failed", "job_id", jobID, "error", err)
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	runErr := p.runJob(ctx, job)
	if runErr == nil {
		if err := p.queue.MarkCompleted(ctx, jobID); err != nil {
			log.Warnw("mark completed failed", "job_id", jobID, "error", err)
		}
		telemetry.JobsCompleted.Inc()
		log.Infow("job completed", "job_id", jobID, "run_id", job.RunID, "elapsed", time.Since(start))
		return
	}

	if errors.Is(runErr, errCancelled) {
		p.failRun(ctx, job.RunID, "cancelled")
		if err := p.queue.MarkFailed(ctx, jobID, "cancelled"); err != nil {
			log.Warnw("mark cancelled failed", "job_id", jobID, "error", err)
		}
		log.Infow("job cancelled mid-flight", "job_id", jobID, "run_id", job.RunID)
		return
	}

	// The run is marked failed on every attempt so the status surface never
	// shows a stale picture; a successful retry flips it back to processing.
	p.failRun(ctx, job.RunID, runErr.Error())

	attempts, err := p.queue.IncrementAttempts(ctx, jobID)
	if err != nil {
		log.Errorw("attempt accounting failed", "job_id", jobID, "error", err)
		attempts = job.Attempts + 1
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = p.queue.MaxAttempts()
	}

	if attempts >= maxAttempts {
		if err := p.queue.MarkFailed(ctx, jobID, runErr.Error()); err != nil {
			log.Warnw("mark failed errored", "job_id", jobID, "error", err)
		}
		p.queue.MoveToDeadLetter(ctx, jobID, runErr.Error())
		log.Errorw("job exhausted retries", "job_id", jobID, "run_id", job.RunID, "attempts", attempts, "error", runErr)
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	if err := p.queue.RetryLater(ctx, jobID, backoff, runErr.Error()); err != nil {
		log.Errorw("retry scheduling failed", "job_id", jobID, "error", err)
		return
	}
	telemetry.JobsRetried.Inc()
	log.Warnw("job attempt failed, retry scheduled", "job_id", jobID, "run_id", job.RunID,
		"attempts", attempts, "backoff", backoff, "error", runErr)
}

// runJob drives one validation attempt through its checkpoints:
// resolve file -> mark processing -> parse -> persist records -> re-read ->
// evaluate rules -> persist results -> delete source -> complete.
func (p *Processor) runJob(ctx context.Context, job models.Job) error {
	exists, err := p.files.Exists(ctx, job.FilePath)
	if err != nil {
		return fmt.Errorf("file check failed for %s: %w", job.FilePath, err)
	}
	if !exists {
		return fmt.Errorf("file not found: %s", job.FilePath)
	}

	processing := models.RunProcessing
	if err := p.store.UpdateRun(ctx, job.RunID, store.RunUpdate{Status: &processing, JobID: &job.ID}); err != nil {
		return fmt.Errorf("mark run processing: %w", err)
	}

	progress := newProgressWriter(p.queue, p.store, job.ID, job.RunID)

	body, size, err := p.files.Read(ctx, job.FilePath)
	if err != nil {
		return fmt.Errorf("file read failed for %s: %w", job.FilePath, err)
	}
	parsed, parseErr := parser.Parse(body, job.RunID, size, func(pct int) {
		progress.Set(ctx, pct*progressParseCeiling/100)
	})
	body.Close()
	if parseErr != nil {
		return fmt.Errorf("parse failed: %w", parseErr)
	}
	telemetry.RecordsParsed.Add(float64(len(parsed.Records)))

	if p.cancelled(ctx, job.ID) {
		return errCancelled
	}

	// Reprocessing replaces the previous record set wholesale.
	if err := p.store.DeleteRecordsByRun(ctx, job.RunID); err != nil {
		return fmt.Errorf("clear previous records: %w", err)
	}
	if err := p.store.CreateRecordsBatch(ctx, parsed.Records); err != nil {
		return fmt.Errorf("persist records: %w", err)
	}
	progress.Set(ctx, progressRecordsStored)

	if p.cancelled(ctx, job.ID) {
		return errCancelled
	}

	// Re-read so rules see records with stable database identifiers.
	records, err := p.store.GetRecordsByRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("reload records: %w", err)
	}

	violations := p.engine.Evaluate(ctx, job.RunID, records)
	violations = append(rowErrorResults(job.RunID, parsed.RowErrors), violations...)
	telemetry.ViolationsFound.Add(float64(len(violations)))
	progress.Set(ctx, progressRulesEvaluated)

	if p.cancelled(ctx, job.ID) {
		return errCancelled
	}

	if err := p.store.ReplaceResults(ctx, job.RunID, violations); err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	progress.Set(ctx, progressResultsStored)

	previewSize := p.cfg.PreviewSize
	if previewSize <= 0 {
		previewSize = 10
	}
	preview := violations
	if len(preview) > previewSize {
		preview = preview[:previewSize]
	}
	if err := p.queue.CachePreview(ctx, job.RunID, preview); err != nil {
		logging.L().Warnw("preview cache write failed", "run_id", job.RunID, "error", err)
	}

	// The input carries PHI and must not persist past processing. A failed
	// delete is logged, never fatal.
	if err := p.files.Delete(ctx, job.FilePath); err != nil {
		logging.L().Warnw("source file delete failed", "file", job.FilePath, "error", err)
	}

	errorCount, warningCount := countBySeverity(violations)
	completed := models.RunCompleted
	full := 100
	recordCount := len(records)
	if err := p.store.UpdateRun(ctx, job.RunID, store.RunUpdate{
		Status:       &completed,
		Progress:     &full,
		RecordCount:  &recordCount,
		ErrorCount:   &errorCount,
		WarningCount: &warningCount,
	}); err != nil {
		return fmt.Errorf("mark run completed: %w", err)
	}
	return nil
}

func (p *Processor) cancelled(ctx context.Context, jobID string) bool {
	return p.queue.IsCancelRequested(ctx, jobID)
}

func (p *Processor) failRun(ctx context.Context, runID, message string) {
	failed := models.RunFailed
	if err := p.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &failed, ErrorMessage: &message}); err != nil {
		logging.L().Errorw("mark run failed errored", "run_id", runID, "error", err)
	}
}

func rowErrorResults(runID string, rowErrors []parser.RowError) []models.ValidationResult {
	out := make([]models.ValidationResult, 0, len(rowErrors))
	for _, re := range rowErrors {
		n := re.RecordNumber
		out = append(out, models.ValidationResult{
			RunID:        runID,
			RecordNumber: &n,
			RuleName:     "ingestion",
			Severity:     models.SeverityError,
			Category:     "parse",
			Message:      fmt.Sprintf("line %d: %s", re.RecordNumber, re.Message),
		})
	}
	return out
}

func countBySeverity(violations []models.ValidationResult) (errors, warnings int) {
	for _, v := range violations {
		switch v.Severity {
		case models.SeverityError:
			errors++
		case models.SeverityWarning:
			warnings++
		}
	}
	return
}

// progressWriter fans progress out to the queue envelope and the durable run
// row, enforcing monotonic non-decreasing values within the run.
type progressWriter struct {
	queue *queue.RedisQueue
	store RunStore
	jobID string
	runID string
	last  int
}

func newProgressWriter(q *queue.RedisQueue, st RunStore, jobID, runID string) *progressWriter {
	return &progressWriter{queue: q, store: st, jobID: jobID, runID: runID, last: -1}
}

// Set writes progress to both sides. Either write may fail transiently; the
// next checkpoint brings the two back in line.
func (w *progressWriter) Set(ctx context.Context, pct int) {
	if pct <= w.last {
		return
	}
	if pct > 100 {
		pct = 100
	}
	w.last = pct
	if err := w.queue.SetProgress(ctx, w.jobID, pct); err != nil {
		logging.L().Debugw("queue progress write failed", "job_id", w.jobID, "error", err)
	}
	if err := w.store.UpdateRun(ctx, w.runID, store.RunUpdate{Progress: &pct}); err != nil {
		logging.L().Debugw("run progress write failed", "run_id", w.runID, "error", err)
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 2 * time.Second
	}
	if max <= 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
