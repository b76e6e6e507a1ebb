package status

import (
	"context"
	"errors"

	"billing-validation-pipeline/internal/logging"
	"billing-validation-pipeline/internal/models"
	"billing-validation-pipeline/internal/queue"
	"billing-validation-pipeline/internal/store"
)

// RunReader is the slice of durable storage the status surface needs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (models.ValidationRun, error)
}

// ErrRunNotFound mirrors the store sentinel for handler convenience.
var ErrRunNotFound = store.ErrRunNotFound

// View is the stable client-facing status read model.
type View struct {
	ValidationID  string            `json:"validationId"`
	JobID         *string           `json:"jobId"`
	Status        string            `json:"status"`
	JobState      *string           `json:"jobState"`
	Progress      int               `json:"progress"`
	QueuePosition *int              `json:"queuePosition"`
	RecordCount   int               `json:"recordCount"`
	ErrorCount    int               `json:"errorCount"`
	WarningCount  int               `json:"warningCount"`
	Error         *CategorizedError `json:"error"`
}

// Service merges durable run state with the queue's live snapshot without
// exposing internal queue mechanics.
type Service struct {
	store RunReader
	queue *queue.RedisQueue
}

func NewService(st RunReader, q *queue.RedisQueue) *Service {
	return &Service{store: st, queue: q}
}

// RunStatus builds the merged status view for one run. A transient broker
// outage degrades to durable-only data rather than failing the read.
func (s *Service) RunStatus(ctx context.Context, runID string) (View, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return View{}, err
	}

	view := View{
		ValidationID: run.ID,
		JobID:        run.JobID,
		Status:       run.Status,
		Progress:     run.Progress,
		RecordCount:  run.RecordCount,
		ErrorCount:   run.ErrorCount,
		WarningCount: run.WarningCount,
	}

	if run.Status == models.RunFailed && run.ErrorMessage != nil {
		cat := Categorize(*run.ErrorMessage)
		view.Error = &cat
	}

	if run.JobID == nil {
		return view, nil
	}

	snap, err := s.queue.GetStatus(ctx, *run.JobID)
	if err != nil {
		logging.L().Warnw("queue snapshot unavailable, serving durable state only", "run_id", runID, "error", err)
		return view, nil
	}
	if snap.State != models.JobUnknown {
		state := snap.State
		view.JobState = &state
		if snap.Progress > view.Progress {
			view.Progress = snap.Progress
		}
		if snap.State == models.JobWaiting {
			if pos, ok, err := s.queue.GetQueuePosition(ctx, *run.JobID); err == nil && ok {
				view.QueuePosition = &pos
			}
		}
		if view.Error == nil && snap.State == models.JobFailed && snap.FailureReason != "" {
			cat := Categorize(snap.FailureReason)
			view.Error = &cat
		}
	}
	return view, nil
}

// Terminal reports whether a view describes a finished run.
func Terminal(v View) bool {
	return models.TerminalRun(v.Status)
}

// IsNotFound reports whether err means the run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrRunNotFound)
}
