package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billing-validation-pipeline/internal/models"
)

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAmountLimitRule(t *testing.T) {
	rule := NewAmountLimitRule()
	records := []models.BillingRecord{
		{RecordNumber: 1, BillingCode: "00103", AmountCents: 0, ServiceDate: day("2024-01-01")},
		{RecordNumber: 2, BillingCode: "00103", AmountCents: 300_00, ServiceDate: day("2024-01-01")},
		{RecordNumber: 3, BillingCode: "00103", AmountCents: 100_00, ServiceDate: day("2024-01-01")},
		{RecordNumber: 4, BillingCode: "99999", AmountCents: 600_00, ServiceDate: day("2024-01-01")},
	}

	out, err := rule.Evaluate(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, models.SeverityError, out[0].Severity)
	assert.Equal(t, 1, *out[0].RecordNumber)

	// Code-specific ceiling (250.00 for 00103) beats the default.
	assert.Equal(t, models.SeverityWarning, out[1].Severity)
	assert.Equal(t, 2, *out[1].RecordNumber)

	// Unknown code falls back to the 500.00 default ceiling.
	assert.Equal(t, models.SeverityWarning, out[2].Severity)
	assert.Equal(t, 4, *out[2].RecordNumber)
}

func TestMutuallyExclusiveCodesRule(t *testing.T) {
	rule := NewMutuallyExclusiveCodesRule()
	records := []models.BillingRecord{
		{RecordNumber: 1, PatientID: "P1", BillingCode: "15804", AmountCents: 100, ServiceDate: day("2024-01-10")},
		{RecordNumber: 2, PatientID: "P1", BillingCode: "15805", AmountCents: 100, ServiceDate: day("2024-01-10")},
		// Same pair, different patient: allowed.
		{RecordNumber: 3, PatientID: "P2", BillingCode: "15805", AmountCents: 100, ServiceDate: day("2024-01-10")},
		// Same pair, different date: allowed.
		{RecordNumber: 4, PatientID: "P1", BillingCode: "15804", AmountCents: 100, ServiceDate: day("2024-01-11")},
	}

	out, err := rule.Evaluate(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1, *out[0].RecordNumber)
	assert.Equal(t, models.SeverityError, out[0].Severity)
	assert.Contains(t, out[0].Message, "15805")
}

func TestTimeWindowRule(t *testing.T) {
	rule := NewTimeWindowRule()
	records := []models.BillingRecord{
		{RecordNumber: 1, PatientID: "P1", BillingCode: "00103", AmountCents: 100, ServiceDate: day("2024-01-01")},
		{RecordNumber: 2, PatientID: "P1", BillingCode: "00103", AmountCents: 100, ServiceDate: day("2024-01-10")},
		{RecordNumber: 3, PatientID: "P1", BillingCode: "00103", AmountCents: 100, ServiceDate: day("2024-03-15")},
		// Unlisted code never triggers.
		{RecordNumber: 4, PatientID: "P1", BillingCode: "77777", AmountCents: 100, ServiceDate: day("2024-01-02")},
	}

	out, err := rule.Evaluate(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, *out[0].RecordNumber)
	assert.Equal(t, models.SeverityWarning, out[0].Severity)
}

func TestDuplicateLineRule(t *testing.T) {
	rule := NewDuplicateLineRule()
	records := []models.BillingRecord{
		{RecordNumber: 1, PatientID: "P1", BillingCode: "00103", AmountCents: 4200, ServiceDate: day("2024-01-01")},
		{RecordNumber: 2, PatientID: "P1", BillingCode: "00103", AmountCents: 4200, ServiceDate: day("2024-01-01")},
		{RecordNumber: 3, PatientID: "P1", BillingCode: "00103", AmountCents: 4300, ServiceDate: day("2024-01-01")},
	}

	out, err := rule.Evaluate(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, *out[0].RecordNumber)
	assert.Contains(t, out[0].Message, "line 1")
}

func TestRequiredFieldsRule(t *testing.T) {
	rule := NewRequiredFieldsRule()
	records := []models.BillingRecord{
		{RecordNumber: 1, PatientID: "", BillingCode: "00103", Establishment: "E1", ServiceDate: day("2024-01-01")},
		{RecordNumber: 2, PatientID: "P1", BillingCode: "00103", Establishment: "", ServiceDate: day("2024-01-01")},
		{RecordNumber: 3, PatientID: "P1", BillingCode: "00103", Establishment: "E1", ServiceDate: day("2024-01-01")},
	}

	out, err := rule.Evaluate(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, models.SeverityError, out[0].Severity)
	assert.Contains(t, out[0].Message, "patient")
	// Establishment alone is only a warning.
	assert.Equal(t, models.SeverityWarning, out[1].Severity)
}

func TestDefaultEngineRunsAllRules(t *testing.T) {
	e := DefaultEngine()
	records := []models.BillingRecord{
		{RecordNumber: 1, PatientID: "P1", BillingCode: "00103", AmountCents: -100, Establishment: "E1", ServiceDate: day("2024-01-01")},
	}
	out := e.Evaluate(context.Background(), "run-1", records)
	require.NotEmpty(t, out)
	for _, v := range out {
		assert.Equal(t, "run-1", v.RunID)
		assert.NotEmpty(t, v.RuleName)
	}
}
