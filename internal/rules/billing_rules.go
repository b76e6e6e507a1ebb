package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"billing-validation-pipeline/internal/models"
)

func violation(rec models.BillingRecord, severity, message, remediation string) models.ValidationResult {
	v := models.ValidationResult{
		Severity:     severity,
		Message:      message,
		RecordNumber: intPtr(rec.RecordNumber),
	}
	if rec.ID != 0 {
		v.RecordID = int64Ptr(rec.ID)
	}
	if remediation != "" {
		v.Remediation = &remediation
	}
	return v
}

func intPtr(i int) *int       { return &i }
func int64Ptr(i int64) *int64 { return &i }

// AmountLimitRule flags non-positive amounts as errors and amounts above a
// per-code ceiling as warnings.
type AmountLimitRule struct {
	// MaxCentsByCode overrides DefaultMaxCents for specific billing codes.
	MaxCentsByCode  map[string]int64
	DefaultMaxCents int64
}

func NewAmountLimitRule() *AmountLimitRule {
	return &AmountLimitRule{
		DefaultMaxCents: 500_00,
		MaxCentsByCode: map[string]int64{
			"15804": 1200_00,
			"00103": 250_00,
		},
	}
}

func (r *AmountLimitRule) Name() string     { return "amount_limit" }
func (r *AmountLimitRule) Category() string { return "amount" }

func (r *AmountLimitRule) Evaluate(_ context.Context, records []models.BillingRecord) ([]models.ValidationResult, error) {
	var out []models.ValidationResult
	for _, rec := range records {
		if rec.AmountCents <= 0 {
			out = append(out, violation(rec, models.SeverityError,
				fmt.Sprintf("line %d: amount must be positive, got %.2f", rec.RecordNumber, float64(rec.AmountCents)/100),
				"verify the billed amount on the source claim"))
			continue
		}
		limit := r.DefaultMaxCents
		if l, ok := r.MaxCentsByCode[rec.BillingCode]; ok {
			limit = l
		}
		if rec.AmountCents > limit {
			out = append(out, violation(rec, models.SeverityWarning,
				fmt.Sprintf("line %d: amount %.2f exceeds the %.2f ceiling for code %s", rec.RecordNumber, float64(rec.AmountCents)/100, float64(limit)/100, rec.BillingCode),
				"confirm the code supports this amount or split the claim"))
		}
	}
	return out, nil
}

// MutuallyExclusiveCodesRule flags incompatible billing code pairs billed for
// the same patient on the same service date.
type MutuallyExclusiveCodesRule struct {
	Pairs [][2]string
}

func NewMutuallyExclusiveCodesRule() *MutuallyExclusiveCodesRule {
	return &MutuallyExclusiveCodesRule{
		Pairs: [][2]string{
			{"15804", "15805"},
			{"00103", "00113"},
		},
	}
}

func (r *MutuallyExclusiveCodesRule) Name() string     { return "mutually_exclusive_codes" }
func (r *MutuallyExclusiveCodesRule) Category() string { return "compatibility" }

func (r *MutuallyExclusiveCodesRule) Evaluate(_ context.Context, records []models.BillingRecord) ([]models.ValidationResult, error) {
	type key struct {
		patient string
		date    string
		code    string
	}
	seen := make(map[key]models.BillingRecord)
	for _, rec := range records {
		seen[key{rec.PatientID, rec.ServiceDate.Format("2006-01-02"), rec.BillingCode}] = rec
	}

	var out []models.ValidationResult
	for _, rec := range records {
		date := rec.ServiceDate.Format("2006-01-02")
		for _, pair := range r.Pairs {
			if rec.BillingCode != pair[0] {
				continue
			}
			if other, ok := seen[key{rec.PatientID, date, pair[1]}]; ok {
				out = append(out, violation(rec, models.SeverityError,
					fmt.Sprintf("line %d: code %s cannot be billed with code %s (line %d) for the same patient on %s",
						rec.RecordNumber, pair[0], pair[1], other.RecordNumber, date),
					"remove one of the two incompatible acts"))
			}
		}
	}
	return out, nil
}

// TimeWindowRule flags a billing code re-billed for the same patient inside
// a minimum interval.
type TimeWindowRule struct {
	MinInterval time.Duration
	Codes       map[string]bool
}

func NewTimeWindowRule() *TimeWindowRule {
	return &TimeWindowRule{
		MinInterval: 24 * time.Hour * 30,
		Codes:       map[string]bool{"00103": true, "15804": true},
	}
}

func (r *TimeWindowRule) Name() string     { return "time_window" }
func (r *TimeWindowRule) Category() string { return "frequency" }

func (r *TimeWindowRule) Evaluate(_ context.Context, records []models.BillingRecord) ([]models.ValidationResult, error) {
	type key struct {
		patient string
		code    string
	}
	byPatientCode := make(map[key][]models.BillingRecord)
	for _, rec := range records {
		if !r.Codes[rec.BillingCode] {
			continue
		}
		k := key{rec.PatientID, rec.BillingCode}
		byPatientCode[k] = append(byPatientCode[k], rec)
	}

	var out []models.ValidationResult
	for _, group := range byPatientCode {
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].ServiceDate.Before(group[j].ServiceDate) })
		for i := 1; i < len(group); i++ {
			gap := group[i].ServiceDate.Sub(group[i-1].ServiceDate)
			if gap < r.MinInterval {
				out = append(out, violation(group[i], models.SeverityWarning,
					fmt.Sprintf("line %d: code %s re-billed %d days after line %d, minimum interval is %d days",
						group[i].RecordNumber, group[i].BillingCode, int(gap.Hours()/24), group[i-1].RecordNumber, int(r.MinInterval.Hours()/24)),
					"check whether the repeat act is billable this close together"))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return *out[i].RecordNumber < *out[j].RecordNumber })
	return out, nil
}

// DuplicateLineRule flags identical patient+code+date+amount lines.
type DuplicateLineRule struct{}

func NewDuplicateLineRule() *DuplicateLineRule { return &DuplicateLineRule{} }

func (r *DuplicateLineRule) Name() string     { return "duplicate_line" }
func (r *DuplicateLineRule) Category() string { return "duplicate" }

func (r *DuplicateLineRule) Evaluate(_ context.Context, records []models.BillingRecord) ([]models.ValidationResult, error) {
	type key struct {
		patient string
		code    string
		date    string
		cents   int64
	}
	first := make(map[key]int)
	var out []models.ValidationResult
	for _, rec := range records {
		k := key{rec.PatientID, rec.BillingCode, rec.ServiceDate.Format("2006-01-02"), rec.AmountCents}
		if line, ok := first[k]; ok {
			out = append(out, violation(rec, models.SeverityError,
				fmt.Sprintf("line %d: exact duplicate of line %d (patient %s, code %s)", rec.RecordNumber, line, rec.PatientID, rec.BillingCode),
				"remove the duplicated line"))
			continue
		}
		first[k] = rec.RecordNumber
	}
	return out, nil
}

// RequiredFieldsRule flags rows missing identifiers the payer always needs.
type RequiredFieldsRule struct{}

func NewRequiredFieldsRule() *RequiredFieldsRule { return &RequiredFieldsRule{} }

func (r *RequiredFieldsRule) Name() string     { return "required_fields" }
func (r *RequiredFieldsRule) Category() string { return "completeness" }

func (r *RequiredFieldsRule) Evaluate(_ context.Context, records []models.BillingRecord) ([]models.ValidationResult, error) {
	var out []models.ValidationResult
	for _, rec := range records {
		var missing []string
		if rec.PatientID == "" {
			missing = append(missing, "patient")
		}
		if rec.BillingCode == "" {
			missing = append(missing, "billing code")
		}
		if rec.Establishment == "" {
			missing = append(missing, "establishment")
		}
		if len(missing) == 0 {
			continue
		}
		sev := models.SeverityError
		if len(missing) == 1 && missing[0] == "establishment" {
			sev = models.SeverityWarning
		}
		out = append(out, violation(rec, sev,
			fmt.Sprintf("line %d: missing %s", rec.RecordNumber, joinAnd(missing)),
			"complete the line before resubmitting"))
	}
	return out, nil
}

func joinAnd(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		s := ""
		for i, p := range parts[:len(parts)-1] {
			if i > 0 {
				s += ", "
			}
			s += p
		}
		return s + " and " + parts[len(parts)-1]
	}
}

// DefaultEngine builds the engine with the standard rule set.
func DefaultEngine() *Engine {
	e := NewEngine()
	e.Register(NewRequiredFieldsRule())
	e.Register(NewAmountLimitRule())
	e.Register(NewDuplicateLineRule())
	e.Register(NewMutuallyExclusiveCodesRule())
	e.Register(NewTimeWindowRule())
	return e
}
