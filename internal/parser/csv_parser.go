package parser

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"billing-validation-pipeline/internal/models"
)

// RowError records a per-row parse failure. Rows that fail to parse are
// skipped, not fatal; the run keeps going with the remaining rows.
type RowError struct {
	RecordNumber int    `json:"record_number"`
	Message      string `json:"message"`
}

// Result is the outcome of parsing one billing file.
type Result struct {
	Records   []models.BillingRecord
	RowErrors []RowError
	BytesRead int64
}

// ProgressFunc receives the percentage of input bytes consumed, 0..100.
type ProgressFunc func(percent int)

var candidateDelimiters = []rune{',', ';', '\t', '|'}

// ErrEmptyFile is returned when the input has no header line.
var ErrEmptyFile = errors.New("input file is empty")

// DetectDelimiter picks the candidate delimiter occurring most often in the
// header line, defaulting to comma.
func DetectDelimiter(header string) rune {
	best := ','
	bestCount := 0
	for _, d := range candidateDelimiters {
		if n := strings.Count(header, string(d)); n > bestCount {
			best = d
			bestCount = n
		}
	}
	return best
}

// Parse streams a delimited billing file into typed records. totalSize is the
// file size in bytes and drives the progress callback; pass 0 to disable
// byte-based progress. Per-row failures are collected in Result.RowErrors.
func Parse(r io.Reader, runID string, totalSize int64, progress ProgressFunc) (Result, error) {
	var res Result

	counting := &countingReader{r: r}
	buf := bufio.NewReader(counting)

	headerLine, err := buf.ReadString('\n')
	if err != nil && err != io.EOF {
		return res, fmt.Errorf("read header: %w", err)
	}
	if strings.TrimSpace(headerLine) == "" {
		return res, ErrEmptyFile
	}

	delim := DetectDelimiter(headerLine)
	cols, err := headerColumns(headerLine, delim)
	if err != nil {
		return res, err
	}

	cr := csv.NewReader(buf)
	cr.Comma = delim
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	recordNumber := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		recordNumber++
		if err != nil {
			res.RowErrors = append(res.RowErrors, RowError{
				RecordNumber: recordNumber,
				Message:      fmt.Sprintf("malformed row: %v", err),
			})
			continue
		}
		if isBlankRow(row) {
			recordNumber--
			continue
		}

		rec, rowErr := buildRecord(row, cols, runID, recordNumber)
		if rowErr != nil {
			res.RowErrors = append(res.RowErrors, RowError{
				RecordNumber: recordNumber,
				Message:      rowErr.Error(),
			})
			continue
		}
		res.Records = append(res.Records, rec)

		if progress != nil && totalSize > 0 {
			pct := int(counting.n * 100 / totalSize)
			if pct > 100 {
				pct = 100
			}
			progress(pct)
		}
	}

	res.BytesRead = counting.n
	if progress != nil {
		progress(100)
	}
	return res, nil
}

// columnIndex maps logical fields to positions in the header.
type columnIndex struct {
	patientID      int
	billingCode    int
	amount         int
	serviceDate    int
	professionalID int
	establishment  int
	diagnosisCode  int
}

var headerAliases = map[string][]string{
	"patientID":      {"patient_id", "patient", "no_patient", "patientid"},
	"billingCode":    {"billing_code", "code", "act_code", "code_acte", "billingcode"},
	"amount":         {"amount", "montant", "fee", "amount_billed"},
	"serviceDate":    {"service_date", "date", "date_service", "servicedate"},
	"professionalID": {"professional_id", "professional", "provider_id", "no_professionnel"},
	"establishment":  {"establishment", "etablissement", "facility", "establishment_id"},
	"diagnosisCode":  {"diagnosis_code", "diagnostic", "dx_code", "diagnosis"},
}

func headerColumns(headerLine string, delim rune) (columnIndex, error) {
	idx := columnIndex{
		patientID: -1, billingCode: -1, amount: -1, serviceDate: -1,
		professionalID: -1, establishment: -1, diagnosisCode: -1,
	}
	fields := strings.Split(strings.TrimRight(headerLine, "\r\n"), string(delim))
	for i, f := range fields {
		name := strings.ToLower(strings.TrimSpace(strings.Trim(f, `"`)))
		switch {
		case matchesAlias(name, "patientID"):
			idx.patientID = i
		case matchesAlias(name, "billingCode"):
			idx.billingCode = i
		case matchesAlias(name, "amount"):
			idx.amount = i
		case matchesAlias(name, "serviceDate"):
			idx.serviceDate = i
		case matchesAlias(name, "professionalID"):
			idx.professionalID = i
		case matchesAlias(name, "establishment"):
			idx.establishment = i
		case matchesAlias(name, "diagnosisCode"):
			idx.diagnosisCode = i
		}
	}
	if idx.patientID < 0 || idx.billingCode < 0 || idx.serviceDate < 0 {
		return idx, fmt.Errorf("header missing required columns (patient, billing code, service date): %q", strings.TrimSpace(headerLine))
	}
	return idx, nil
}

func matchesAlias(name, field string) bool {
	for _, a := range headerAliases[field] {
		if name == a {
			return true
		}
	}
	return false
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "02/01/2006", "01/02/2006", time.RFC3339}

func buildRecord(row []string, cols columnIndex, runID string, recordNumber int) (models.BillingRecord, error) {
	rec := models.BillingRecord{
		RunID:        runID,
		RecordNumber: recordNumber,
	}

	get := func(i int) string {
		if i < 0 || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	rec.PatientID = get(cols.patientID)
	rec.BillingCode = get(cols.billingCode)
	rec.ProfessionalID = get(cols.professionalID)
	rec.Establishment = get(cols.establishment)
	rec.DiagnosisCode = get(cols.diagnosisCode)

	if raw := get(cols.amount); raw != "" {
		cents, err := parseAmountCents(raw)
		if err != nil {
			return rec, fmt.Errorf("invalid amount %q: %v", raw, err)
		}
		rec.AmountCents = cents
	}

	raw := get(cols.serviceDate)
	if raw == "" {
		return rec, errors.New("missing service date")
	}
	d, err := parseDate(raw)
	if err != nil {
		return rec, fmt.Errorf("invalid service date %q", raw)
	}
	rec.ServiceDate = d

	return rec, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, raw); err == nil {
			return d, nil
		}
	}
	return time.Time{}, errors.New("unrecognized date format")
}

// parseAmountCents accepts "12.34", "12,34" and "1 234,56" style amounts and
// converts them to integer cents to avoid float accumulation.
func parseAmountCents(raw string) (int64, error) {
	s := strings.ReplaceAll(raw, " ", "")
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "$")
	if strings.Contains(s, ",") && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	} else {
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(f * 100)), nil
}

func isBlankRow(row []string) bool {
	for _, f := range row {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
