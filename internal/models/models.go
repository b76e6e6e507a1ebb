package models

import (
	"time"
)

// RunStatus enumerates validation run lifecycle states persisted in Postgres.
const (
	RunQueued     = "queued"
	RunProcessing = "processing"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// JobState enumerates queue-side job states.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobDelayed   = "delayed"
	JobUnknown   = "unknown"
)

// Severity levels for validation results.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ValidationRun is one user-initiated validation of one uploaded file.
type ValidationRun struct {
	ID           string     `json:"id"`
	FilePath     string     `json:"file_path"`
	OriginalName string     `json:"original_name"`
	OwnerID      string     `json:"owner_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	JobID        *string    `json:"job_id,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RecordCount  int        `json:"record_count"`
	ErrorCount   int        `json:"error_count"`
	WarningCount int        `json:"warning_count"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Job is the queue-native envelope wrapping one run's processing request.
// Execution metadata (attempts, backoff, timestamps) is owned by the queue.
type Job struct {
	ID              string     `json:"id"`
	RunID           string     `json:"run_id"`
	FilePath        string     `json:"file_path"`
	FileSize        int64      `json:"file_size"`
	State           string     `json:"state"`
	Progress        int        `json:"progress"`
	Attempts        int        `json:"attempts"`
	MaxAttempts     int        `json:"max_attempts"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	EnqueuedAt      time.Time  `json:"enqueued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// DeadLetterEntry is the append-only record of a terminally failed job.
type DeadLetterEntry struct {
	JobID    string    `json:"job_id"`
	RunID    string    `json:"run_id"`
	FilePath string    `json:"file_path"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// BillingRecord is one parsed row from an uploaded billing file.
// RecordNumber is 1-indexed and matches input row order so violations can be
// correlated back to source rows.
type BillingRecord struct {
	ID             int64     `json:"id"`
	RunID          string    `json:"run_id"`
	RecordNumber   int       `json:"record_number"`
	PatientID      string    `json:"patient_id"`
	BillingCode    string    `json:"billing_code"`
	AmountCents    int64     `json:"amount_cents"`
	ServiceDate    time.Time `json:"service_date"`
	ProfessionalID string    `json:"professional_id"`
	Establishment  string    `json:"establishment"`
	DiagnosisCode  string    `json:"diagnosis_code"`
	CreatedAt      time.Time `json:"created_at"`
}

// ValidationResult is one rule violation for a run, optionally tied to a
// specific record.
type ValidationResult struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	RecordID     *int64    `json:"record_id,omitempty"`
	RecordNumber *int      `json:"record_number,omitempty"`
	RuleName     string    `json:"rule_name"`
	Severity     string    `json:"severity"`
	Category     string    `json:"category"`
	Message      string    `json:"message"`
	Remediation  *string   `json:"remediation,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TerminalRun reports whether a run status will no longer change.
func TerminalRun(status string) bool {
	return status == RunCompleted || status == RunFailed
}
