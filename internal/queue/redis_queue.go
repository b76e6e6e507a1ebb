package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/telemetry"
)

// Key layout. All queue state lives under the validation: prefix.
const (
	waitingKey   = "validation:waiting"
	activeKey    = "validation:active"
	delayedKey   = "validation:delayed"
	completedKey = "validation:completed"
	dlqKey       = "validation:dlq"
	durationsKey = "validation:durations"
	jobPrefix    = "validation:job:"
	previewKey   = "validation:preview:"
)

const (
	completedRetention = time.Hour
	completedMaxKept   = 100
	dlqRetention       = 30 * 24 * time.Hour
	durationSamples    = 50

	// Fallback estimate when no duration samples exist: one second per 50KB.
	fallbackBytesPerSecond = 50 * 1024
	estimateMargin         = 1.2
	estimateFloor          = 5 * time.Second
)

// ErrJobNotFound is returned for reads of jobs the queue has no record of.
var ErrJobNotFound = errors.New("job not found")

// RedisQueue is the durable admission and retry scheduler for validation
// jobs. Waiting jobs sit in a FIFO list, active jobs in a zset scored by
// start time, retries in a delayed zset scored by ready time.
type RedisQueue struct {
	client         *redis.Client
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
	previewTTL     time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	backoff := cfg.BackoffInitial
	if backoff == 0 {
		backoff = 2 * time.Second
	}
	backoffMax := cfg.BackoffMax
	if backoffMax == 0 {
		backoffMax = 5 * time.Minute
	}
	previewTTL := cfg.PreviewTTL
	if previewTTL == 0 {
		previewTTL = 10 * time.Minute
	}
	return &RedisQueue{
		client:         client,
		maxAttempts:    maxAttempts,
		backoffInitial: backoff,
		backoffMax:     backoffMax,
		previewTTL:     previewTTL,
	}
}

// JobID derives the queue identity for a run. Deterministic so re-enqueueing
// the same run is idempotent.
func JobID(runID string) string {
	return "run:" + runID
}

func jobKey(jobID string) string {
	return jobPrefix + jobID
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue admits one job for a validation run. A run whose job is still
// waiting, active, or delayed is not admitted twice; the existing job ID is
// returned with existed=true. Terminal jobs are replaced so a run can be
// reprocessed.
func (q *RedisQueue) Enqueue(ctx context.Context, runID, filePath string, fileSize int64) (string, bool, error) {
	jobID := JobID(runID)
	now := time.Now()
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{jobKey(jobID), waitingKey, completedKey},
		jobID, runID, filePath, fileSize, q.maxAttempts, now.UnixMilli(),
	).Result()
	if err != nil {
		return "", false, fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	existed := res == "exists"
	if !existed {
		telemetry.JobsEnqueued.Inc()
	}
	return jobID, existed, nil
}

// Claim atomically pops the oldest waiting job and moves it to the active
// set. Returns "" when the queue is empty.
func (q *RedisQueue) Claim(ctx context.Context) (string, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{waitingKey, activeKey},
		time.Now().UnixMilli(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claim job: %w", err)
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from claim script: %T", res)
	}
	return jobID, nil
}

// GetJob reads the full queue envelope for a job.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrJobNotFound
	}
	return jobFromHash(jobID, fields), nil
}

// JobStatus is the read-only snapshot returned by GetStatus.
type JobStatus struct {
	State         string `json:"state"`
	Progress      int    `json:"progress"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// GetStatus returns a point-in-time snapshot of a job's state. Unknown jobs
// report state "unknown" rather than an error.
func (q *RedisQueue) GetStatus(ctx context.Context, jobID string) (JobStatus, error) {
	job, err := q.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return JobStatus{State: models.JobUnknown}, nil
	}
	if err != nil {
		return JobStatus{}, err
	}
	return JobStatus{State: job.State, Progress: job.Progress, FailureReason: job.FailureReason}, nil
}

// GetQueuePosition returns the 1-indexed rank of a waiting job. The snapshot
// is approximate: concurrent admissions and removals can change it between
// reads. ok is false for jobs in any other state.
func (q *RedisQueue) GetQueuePosition(ctx context.Context, jobID string) (int, bool, error) {
	state, err := q.client.HGet(ctx, jobKey(jobID), "state").Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read job state: %w", err)
	}
	if state != models.JobWaiting {
		return 0, false, nil
	}
	ids, err := q.client.LRange(ctx, waitingKey, 0, -1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("read waiting queue: %w", err)
	}
	for i, id := range ids {
		if id == jobID {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// Cancel removes a job's queue bookkeeping. Waiting jobs are guaranteed to
// never start; active jobs get a cooperative cancel flag and may still finish
// work already in flight. Terminal or unknown jobs return false.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := q.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		logging.L().Warnw("cancel requested for unknown job", "job_id", jobID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch job.State {
	case models.JobWaiting, models.JobDelayed:
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, waitingKey, 0, jobID)
		pipe.ZRem(ctx, delayedKey, jobID)
		pipe.HSet(ctx, jobKey(jobID), "state", models.JobFailed, "failure_reason", "cancelled", "finished_at", time.Now().UnixMilli())
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("cancel waiting job %s: %w", jobID, err)
		}
		return true, nil
	case models.JobActive:
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, activeKey, jobID)
		pipe.HSet(ctx, jobKey(jobID), "cancel_requested", 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("cancel active job %s: %w", jobID, err)
		}
		return true, nil
	default:
		logging.L().Warnw("cancel requested for terminal job", "job_id", jobID, "state", job.State)
		return false, nil
	}
}

// IsCancelRequested reports whether a cooperative cancel was requested for an
// active job. Workers check this between pipeline checkpoints.
func (q *RedisQueue) IsCancelRequested(ctx context.Context, jobID string) bool {
	v, err := q.client.HGet(ctx, jobKey(jobID), "cancel_requested").Result()
	return err == nil && v == "1"
}

// MarkActive transitions a claimed job to active.
func (q *RedisQueue) MarkActive(ctx context.Context, jobID string) error {
	return q.client.HSet(ctx, jobKey(jobID), "state", models.JobActive, "started_at", time.Now().UnixMilli()).Err()
}

// SetProgress updates the queue-native progress field.
func (q *RedisQueue) SetProgress(ctx context.Context, jobID string, progress int) error {
	return q.client.HSet(ctx, jobKey(jobID), "progress", progress).Err()
}

// IncrementAttempts bumps the attempt counter and returns the new value.
func (q *RedisQueue) IncrementAttempts(ctx context.Context, jobID string) (int, error) {
	n, err := q.client.HIncrBy(ctx, jobKey(jobID), "attempts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment attempts for %s: %w", jobID, err)
	}
	return int(n), nil
}

// MaxAttempts returns the configured retry limit.
func (q *RedisQueue) MaxAttempts() int {
	return q.maxAttempts
}

// RetryLater schedules a failed attempt for re-execution after the given
// backoff delay.
func (q *RedisQueue) RetryLater(ctx context.Context, jobID string, delay time.Duration, reason string) error {
	readyAt := time.Now().Add(delay)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", models.JobDelayed, "failure_reason", reason)
	pipe.ZAdd(ctx, delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("schedule retry for %s: %w", jobID, err)
	}
	return nil
}

// PromoteDelayed moves due retry jobs back into the waiting list in ready
// order. Returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed set: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, delayedKey, id)
		pipe.RPush(ctx, waitingKey, id)
		pipe.HSet(ctx, jobKey(id), "state", models.JobWaiting)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return len(ids), nil
}

// MarkCompleted finishes a job, records a throughput sample for duration
// estimation, and applies the completed-job retention policy (one hour or the
// last 100, whichever is smaller).
func (q *RedisQueue) MarkCompleted(ctx context.Context, jobID string) error {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", models.JobCompleted, "progress", 100, "finished_at", now.UnixMilli())
	pipe.ZAdd(ctx, completedKey, redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	if job.StartedAt != nil && job.FileSize > 0 {
		elapsed := now.Sub(*job.StartedAt)
		if elapsed > 0 {
			sample := fmt.Sprintf("%d:%d", job.FileSize, elapsed.Milliseconds())
			pipe.LPush(ctx, durationsKey, sample)
			pipe.LTrim(ctx, durationsKey, 0, durationSamples-1)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark completed %s: %w", jobID, err)
	}
	q.trimCompleted(ctx, now)
	return nil
}

// trimCompleted enforces the completed-job retention window. Best-effort.
func (q *RedisQueue) trimCompleted(ctx context.Context, now time.Time) {
	var expired []string
	cutoff := strconv.FormatInt(now.Add(-completedRetention).UnixMilli(), 10)
	old, err := q.client.ZRangeByScore(ctx, completedKey, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err == nil {
		expired = append(expired, old...)
	}
	if n, err := q.client.ZCard(ctx, completedKey).Result(); err == nil && n > completedMaxKept {
		overflow, err := q.client.ZRange(ctx, completedKey, 0, n-completedMaxKept-1).Result()
		if err == nil {
			expired = append(expired, overflow...)
		}
	}
	if len(expired) == 0 {
		return
	}
	pipe := q.client.TxPipeline()
	for _, id := range expired {
		pipe.ZRem(ctx, completedKey, id)
		pipe.Del(ctx, jobKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logging.L().Warnw("completed-job retention trim failed", "error", err)
	}
}

// MarkFailed records a terminal failure on the job envelope. The hash is kept
// until a dead-letter transfer succeeds so the failure stays inspectable.
func (q *RedisQueue) MarkFailed(ctx context.Context, jobID, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, activeKey, jobID)
	pipe.HSet(ctx, jobKey(jobID), "state", models.JobFailed, "failure_reason", reason, "finished_at", time.Now().UnixMilli())
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", jobID, err)
	}
	return nil
}

// MoveToDeadLetter copies a terminally failed job's payload and failure
// metadata into the dead-letter list. Best-effort: a failed copy is logged
// and counted, and the job hash is retained so nothing is lost silently.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, jobID, reason string) {
	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		logging.L().Errorw("dead-letter transfer: job read failed", "job_id", jobID, "error", err)
		telemetry.DeadLetterCopyFailures.Inc()
		return
	}
	entry := models.DeadLetterEntry{
		JobID:    jobID,
		RunID:    job.RunID,
		FilePath: job.FilePath,
		Reason:   reason,
		Attempts: job.Attempts,
		FailedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		logging.L().Errorw("dead-letter transfer: marshal failed", "job_id", jobID, "error", err)
		telemetry.DeadLetterCopyFailures.Inc()
		return
	}
	if err := q.client.RPush(ctx, dlqKey, raw).Err(); err != nil {
		logging.L().Errorw("dead-letter transfer failed, keeping job record", "job_id", jobID, "error", err)
		telemetry.DeadLetterCopyFailures.Inc()
		return
	}
	telemetry.JobsDeadLettered.Inc()
	q.trimDeadLetters(ctx)
	// Transfer succeeded; the main queue no longer needs the hash.
	if err := q.client.Del(ctx, jobKey(jobID)).Err(); err != nil {
		logging.L().Warnw("dead-letter cleanup failed", "job_id", jobID, "error", err)
	}
}

// trimDeadLetters drops entries older than the 30-day retention window from
// the head of the list. Entries are appended in time order.
func (q *RedisQueue) trimDeadLetters(ctx context.Context) {
	cutoff := time.Now().Add(-dlqRetention)
	for {
		raw, err := q.client.LIndex(ctx, dlqKey, 0).Result()
		if err != nil {
			return
		}
		var entry models.DeadLetterEntry
		if json.Unmarshal([]byte(raw), &entry) != nil || entry.FailedAt.After(cutoff) {
			return
		}
		if q.client.LPop(ctx, dlqKey).Err() != nil {
			return
		}
	}
}

// DeadLetters reads up to count entries, newest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]models.DeadLetterEntry, error) {
	raws, err := q.client.LRange(ctx, dlqKey, -count, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	entries := make([]models.DeadLetterEntry, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var entry models.DeadLetterEntry
		if err := json.Unmarshal([]byte(raws[i]), &entry); err != nil {
			logging.L().Warnw("skipping malformed dead-letter entry", "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// WaitingDepth returns the current waiting queue length.
func (q *RedisQueue) WaitingDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, waitingKey).Result()
}

// EstimateDuration predicts processing time for a file of the given size from
// a moving sample of recently completed jobs. Advisory only: includes a 20%
// margin, floors at five seconds, and falls back to a fixed rate with no
// history.
func (q *RedisQueue) EstimateDuration(ctx context.Context, fileSizeBytes int64) time.Duration {
	rate := float64(fallbackBytesPerSecond) / 1000 // bytes per millisecond
	samples, err := q.client.LRange(ctx, durationsKey, 0, durationSamples-1).Result()
	if err == nil && len(samples) > 0 {
		var totalBytes, totalMillis int64
		for _, s := range samples {
			var b, ms int64
			if _, err := fmt.Sscanf(s, "%d:%d", &b, &ms); err == nil && ms > 0 {
				totalBytes += b
				totalMillis += ms
			}
		}
		if totalMillis > 0 && totalBytes > 0 {
			rate = float64(totalBytes) / float64(totalMillis)
		}
	}
	est := time.Duration(float64(fileSizeBytes)/rate*estimateMargin) * time.Millisecond
	if est < estimateFloor {
		est = estimateFloor
	}
	return est
}

// CachePreview stores the first violations of a run in a short-lived side key
// for live preview by other surfaces.
func (q *RedisQueue) CachePreview(ctx context.Context, runID string, violations []models.ValidationResult) error {
	raw, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	return q.client.Set(ctx, previewKey+runID, raw, q.previewTTL).Err()
}

// GetPreview reads the cached violation preview, if still present.
func (q *RedisQueue) GetPreview(ctx context.Context, runID string) ([]models.ValidationResult, error) {
	raw, err := q.client.Get(ctx, previewKey+runID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read preview: %w", err)
	}
	var violations []models.ValidationResult
	if err := json.Unmarshal(raw, &violations); err != nil {
		return nil, fmt.Errorf("unmarshal preview: %w", err)
	}
	return violations, nil
}

func jobFromHash(jobID string, fields map[string]string) models.Job {
	job := models.Job{ID: jobID}
	job.RunID = fields["run_id"]
	job.FilePath = fields["file_path"]
	job.FileSize, _ = strconv.ParseInt(fields["file_size"], 10, 64)
	job.State = fields["state"]
	if job.State == "" {
		job.State = models.JobUnknown
	}
	job.Progress, _ = strconv.Atoi(fields["progress"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	job.FailureReason = fields["failure_reason"]
	job.CancelRequested = fields["cancel_requested"] == "1"
	job.EnqueuedAt = millisTime(fields["enqueued_at"])
	if t := millisTime(fields["started_at"]); !t.IsZero() {
		job.StartedAt = &t
	}
	if t := millisTime(fields["finished_at"]); !t.IsZero() {
		job.FinishedAt = &t
	}
	return job
}

func millisTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// enqueueScript admits a job unless a live (waiting/active/delayed) job with
// the same identity already exists. Terminal leftovers are replaced.
var enqueueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'active' or state == 'delayed' then
  return 'exists'
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[1],
  'run_id', ARGV[2],
  'file_path', ARGV[3],
  'file_size', ARGV[4],
  'state', 'waiting',
  'progress', 0,
  'attempts', 0,
  'max_attempts', ARGV[5],
  'cancel_requested', 0,
  'enqueued_at', ARGV[6])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 'created'
`)

// claimScript pops the oldest waiting job and registers it as active in one
// round trip so two workers can never claim the same job.
var claimScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
