package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-validation-pipeline/internal/config"
	"billing-validation-pipeline/internal/filestore"
	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/rules"
	"billing-validation-pipeline/internal/store"
)

// fakeStore is an in-memory RunStore capturing every progress write so tests
// can assert monotonicity.
type fakeStore struct {
	mu            sync.Mutex
	runs          map[string]models.ValidationRun
	records       map[string][]models.BillingRecord
	results       map[string][]models.ValidationResult
	progressTrail []int
	nextRecordID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:    make(map[string]models.ValidationRun),
		records: make(map[string][]models.BillingRecord),
		results: make(map[string][]models.ValidationResult),
	}
}

func (f *fakeStore) addRun(run models.ValidationRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
}

func (f *fakeStore) GetRun(_ context.Context, id string) (models.ValidationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return models.ValidationRun{}, store.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeStore) UpdateRun(_ context.Context, id string, upd store.RunUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return store.ErrRunNotFound
	}
	if upd.Status != nil {
		run.Status = *upd.Status
	}
	if upd.Progress != nil {
		run.Progress = *upd.Progress
		f.progressTrail = append(f.progressTrail, *upd.Progress)
	}
	if upd.JobID != nil {
		run.JobID = upd.JobID
	}
	if upd.ErrorMessage != nil {
		run.ErrorMessage = upd.ErrorMessage
	}
	if upd.RecordCount != nil {
		run.RecordCount = *upd.RecordCount
	}
	if upd.ErrorCount != nil {
		run.ErrorCount = *upd.ErrorCount
	}
	if upd.WarningCount != nil {
		run.WarningCount = *upd.WarningCount
	}
	f.runs[id] = run
	return nil
}

func (f *fakeStore) CreateRecordsBatch(_ context.Context, records []models.BillingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range records {
		f.nextRecordID++
		rec.ID = f.nextRecordID
		f.records[rec.RunID] = append(f.records[rec.RunID], rec)
	}
	return nil
}

func (f *fakeStore) GetRecordsByRun(_ context.Context, runID string) ([]models.BillingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.BillingRecord(nil), f.records[runID]...), nil
}

func (f *fakeStore) DeleteRecordsByRun(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, runID)
	return nil
}

func (f *fakeStore) ReplaceResults(_ context.Context, runID string, results []models.ValidationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[runID] = append([]models.ValidationResult(nil), results...)
	return nil
}

func testPipeline(t *testing.T) (*Processor, *fakeStore, *queue.RedisQueue, string, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Config{
		RedisAddr:         mr.Addr(),
		WorkerConcurrency: 1,
		MaxAttempts:       5,
		BackoffInitial:    time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
		PreviewSize:       10,
		PreviewTTL:        time.Minute,
	}
	q := queue.NewRedisQueue(cfg)
	t.Cleanup(func() { _ = q.Close() })
	st := newFakeStore()
	dir := t.TempDir()
	files := filestore.NewLocalStore(dir)
	p := NewProcessor(cfg, q, st, files, rules.DefaultEngine())
	return p, st, q, dir, mr
}

func writeBillingFile(t *testing.T, dir, key, content string) {
	t.Helper()
	path := filepath.Join(dir, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func claimAndExecute(t *testing.T, p *Processor, q *queue.RedisQueue) string {
	t.Helper()
	ctx := context.Background()
	_, err := q.PromoteDelayed(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	jobID, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	p.execute(ctx, jobID, logging.L())
	return jobID
}

func TestJobCompletesAndDeletesSource(t *testing.T) {
	p, st, q, dir, _ := testPipeline(t)
	ctx := context.Background()

	content := "patient_id,billing_code,amount,service_date,establishment\n" +
		"P1,00103,42.00,2024-02-01,E100\n" +
		"P2,00103,43.00,2024-02-02,E100\n"
	key := "validations/run-1.csv"
	writeBillingFile(t, dir, key, content)

	st.addRun(models.ValidationRun{ID: "run-1", FilePath: key, Status: models.RunQueued})
	jobID, _, err := q.Enqueue(ctx, "run-1", key, int64(len(content)))
	require.NoError(t, err)

	claimAndExecute(t, p, q)

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, 100, run.Progress)
	assert.Equal(t, 2, run.RecordCount)
	assert.Zero(t, run.ErrorCount)
	require.NotNil(t, run.JobID)
	assert.Equal(t, jobID, *run.JobID)

	// PHI-bearing input must not persist past processing.
	_, statErr := os.Stat(filepath.Join(dir, key))
	assert.True(t, os.IsNotExist(statErr))

	snap, err := q.GetStatus(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, snap.State)
	assert.Equal(t, 100, snap.Progress)

	// Progress writes were monotonically non-decreasing.
	for i := 1; i < len(st.progressTrail); i++ {
		assert.GreaterOrEqual(t, st.progressTrail[i], st.progressTrail[i-1])
	}
}

func TestPartialRowErrorsDoNotFailJob(t *testing.T) {
	p, st, q, dir, _ := testPipeline(t)
	ctx := context.Background()

	var content string
	content = "patient_id,billing_code,amount,service_date,establishment\n"
	for i := 1; i <= 174; i++ {
		date := fmt.Sprintf("2024-03-%02d", i%28+1)
		if i == 42 {
			date = "garbage"
		}
		content += fmt.Sprintf("P%04d,00103,40.00,%s,E1\n", i, date)
	}
	key := "validations/run-174.csv"
	writeBillingFile(t, dir, key, content)

	st.addRun(models.ValidationRun{ID: "run-174", FilePath: key, Status: models.RunQueued})
	_, _, err := q.Enqueue(ctx, "run-174", key, int64(len(content)))
	require.NoError(t, err)

	claimAndExecute(t, p, q)

	run, err := st.GetRun(ctx, "run-174")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status, "a bad row must not fail the whole job")
	assert.GreaterOrEqual(t, run.ErrorCount, 1)
	assert.Equal(t, 173, run.RecordCount)

	var parseViolations int
	for _, v := range st.results["run-174"] {
		if v.Category == "parse" {
			parseViolations++
			require.NotNil(t, v.RecordNumber)
			assert.Equal(t, 42, *v.RecordNumber)
		}
	}
	assert.Equal(t, 1, parseViolations)
}

func TestMissingFileRetriesToDeadLetter(t *testing.T) {
	p, st, q, _, _ := testPipeline(t)
	ctx := context.Background()

	st.addRun(models.ValidationRun{ID: "run-x", FilePath: "validations/absent.csv", Status: models.RunQueued})
	jobID, _, err := q.Enqueue(ctx, "run-x", "validations/absent.csv", 10)
	require.NoError(t, err)

	for attempt := 1; attempt <= 5; attempt++ {
		claimAndExecute(t, p, q)
	}

	run, err := st.GetRun(ctx, "run-x")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Contains(t, *run.ErrorMessage, "file not found")

	entries, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, jobID, entries[0].JobID)
	assert.Equal(t, 5, entries[0].Attempts)

	// Nothing left to claim.
	_, err = q.PromoteDelayed(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestCooperativeCancelAbortsWithoutRetry(t *testing.T) {
	p, st, q, dir, _ := testPipeline(t)
	ctx := context.Background()

	content := "patient_id,billing_code,amount,service_date,establishment\nP1,00103,42.00,2024-02-01,E1\n"
	key := "validations/run-c.csv"
	writeBillingFile(t, dir, key, content)

	st.addRun(models.ValidationRun{ID: "run-c", FilePath: key, Status: models.RunQueued})
	jobID, _, err := q.Enqueue(ctx, "run-c", key, int64(len(content)))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.MarkActive(ctx, claimed))

	// Cancel lands while the job is active, before the worker runs it.
	ok, err := q.Cancel(ctx, jobID)
	require.NoError(t, err)
	require.True(t, ok)

	p.execute(ctx, jobID, logging.L())

	run, err := st.GetRun(ctx, "run-c")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, "cancelled", *run.ErrorMessage)

	// No retry was scheduled.
	_, err = q.PromoteDelayed(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Empty(t, next)
}

func TestBackoffWithJitter(t *testing.T) {
	base := 2 * time.Second
	max := time.Minute

	for attempt := 1; attempt <= 10; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		assert.GreaterOrEqual(t, b, base/2, "attempt %d", attempt)
		assert.LessOrEqual(t, b, max, "attempt %d", attempt)
	}

	// Later attempts trend longer until capped.
	assert.GreaterOrEqual(t, backoffWithJitter(base, max, 6), backoffWithJitter(base, max, 1)/2)
}
