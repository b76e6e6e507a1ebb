package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"billing-validation-pipeline/internal/models"
)

// Chunk sizes keep multi-row inserts under the 65535 bound-parameter ceiling
// of the Postgres extended protocol.
const (
	recordInsertChunk = 500
	resultInsertChunk = 500
)

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("validation run not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRun inserts a new validation run in the queued state.
func (s *Store) CreateRun(ctx context.Context, id, filePath, originalName, ownerID string) (models.ValidationRun, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO validation_runs (id, file_path, original_name, owner_id, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
	`, id, filePath, originalName, ownerID, models.RunQueued, now)
	if err != nil {
		return models.ValidationRun{}, fmt.Errorf("insert run: %w", err)
	}
	return models.ValidationRun{
		ID:           id,
		FilePath:     filePath,
		OriginalName: originalName,
		OwnerID:      ownerID,
		Status:       models.RunQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (models.ValidationRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, file_path, original_name, owner_id, status, progress, job_id, error_message,
		       record_count, error_count, warning_count, created_at, updated_at
		FROM validation_runs WHERE id = $1
	`, id)

	var run models.ValidationRun
	var jobID, errMsg pgtype.Text
	if err := row.Scan(&run.ID, &run.FilePath, &run.OriginalName, &run.OwnerID, &run.Status, &run.Progress,
		&jobID, &errMsg, &run.RecordCount, &run.ErrorCount, &run.WarningCount, &run.CreatedAt, &run.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ValidationRun{}, ErrRunNotFound
		}
		return models.ValidationRun{}, fmt.Errorf("scan run: %w", err)
	}
	run.JobID = textPtr(jobID)
	run.ErrorMessage = textPtr(errMsg)
	return run, nil
}

// RunUpdate is a partial update of a run row; nil fields are left untouched.
type RunUpdate struct {
	Status       *string
	Progress     *int
	JobID        *string
	ErrorMessage *string
	RecordCount  *int
	ErrorCount   *int
	WarningCount *int
}

// UpdateRun applies a partial update to a run.
func (s *Store) UpdateRun(ctx context.Context, id string, upd RunUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	if upd.JobID != nil {
		add("job_id", *upd.JobID)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.RecordCount != nil {
		add("record_count", *upd.RecordCount)
	}
	if upd.ErrorCount != nil {
		add("error_count", *upd.ErrorCount)
	}
	if upd.WarningCount != nil {
		add("warning_count", *upd.WarningCount)
	}
	query := fmt.Sprintf("UPDATE validation_runs SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRunNotFound
	}
	return nil
}

// CreateRecordsBatch inserts parsed billing records in bounded chunks so a
// large file never produces a single oversized statement.
func (s *Store) CreateRecordsBatch(ctx context.Context, records []models.BillingRecord) error {
	for start := 0; start < len(records); start += recordInsertChunk {
		end := start + recordInsertChunk
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO billing_records
			(run_id, record_number, patient_id, billing_code, amount_cents, service_date, professional_id, establishment, diagnosis_code)
			VALUES `)
		args := make([]any, 0, len(chunk)*9)
		for i, rec := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 9
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
			args = append(args, rec.RunID, rec.RecordNumber, rec.PatientID, rec.BillingCode,
				rec.AmountCents, rec.ServiceDate, rec.ProfessionalID, rec.Establishment, rec.DiagnosisCode)
		}
		if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert records batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}

// GetRecordsByRun re-reads persisted records in input order, with their
// database identifiers, so rule violations can be correlated to stored rows.
func (s *Store) GetRecordsByRun(ctx context.Context, runID string) ([]models.BillingRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, record_number, patient_id, billing_code, amount_cents, service_date,
		       professional_id, establishment, diagnosis_code, created_at
		FROM billing_records WHERE run_id = $1 ORDER BY record_number
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []models.BillingRecord
	for rows.Next() {
		var rec models.BillingRecord
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.RecordNumber, &rec.PatientID, &rec.BillingCode,
			&rec.AmountCents, &rec.ServiceDate, &rec.ProfessionalID, &rec.Establishment, &rec.DiagnosisCode, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteRecordsByRun clears a run's records ahead of a reprocess.
func (s *Store) DeleteRecordsByRun(ctx context.Context, runID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM billing_records WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete records for run %s: %w", runID, err)
	}
	return nil
}

// ReplaceResults swaps the full result set for a run: previous results are
// removed, then the new set is inserted in bounded chunks.
func (s *Store) ReplaceResults(ctx context.Context, runID string, results []models.ValidationResult) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `DELETE FROM validation_results WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("clear previous results: %w", err)
	}

	for start := 0; start < len(results); start += resultInsertChunk {
		end := start + resultInsertChunk
		if end > len(results) {
			end = len(results)
		}
		chunk := results[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO validation_results
			(run_id, record_id, record_number, rule_name, severity, category, message, remediation)
			VALUES `)
		args := make([]any, 0, len(chunk)*8)
		for i, res := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			base := i * 8
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
				base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
			args = append(args, runID, res.RecordID, res.RecordNumber, res.RuleName,
				res.Severity, res.Category, res.Message, res.Remediation)
		}
		if _, err := tx.Exec(ctx, sb.String(), args...); err != nil {
			return fmt.Errorf("insert results batch [%d:%d]: %w", start, end, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit results: %w", err)
	}
	return nil
}

// GetResultsByRun returns all results for a run in record order.
func (s *Store) GetResultsByRun(ctx context.Context, runID string) ([]models.ValidationResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, record_id, record_number, rule_name, severity, category, message, remediation, created_at
		FROM validation_results WHERE run_id = $1 ORDER BY record_number NULLS LAST, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []models.ValidationResult
	for rows.Next() {
		var res models.ValidationResult
		var recordID pgtype.Int8
		var recordNumber pgtype.Int4
		var remediation pgtype.Text
		if err := rows.Scan(&res.ID, &res.RunID, &recordID, &recordNumber, &res.RuleName,
			&res.Severity, &res.Category, &res.Message, &remediation, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if recordID.Valid {
			res.RecordID = &recordID.Int64
		}
		if recordNumber.Valid {
			n := int(recordNumber.Int32)
			res.RecordNumber = &n
		}
		res.Remediation = textPtr(remediation)
		results = append(results, res)
	}
	return results, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
