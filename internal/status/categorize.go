package status

import "strings"

// Error codes exposed to clients. Raw failure detail is preserved separately;
// these map to stable, user-safe messages.
const (
	CodeQueueError      = "QUEUE_ERROR"
	CodeFileError       = "FILE_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
	CodeWorkerError     = "WORKER_ERROR"
)

// CategorizedError is the client-facing error shape.
type CategorizedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// categoryRule matches lowercased failure text to a category. Rules are
// evaluated in order; first match wins. Best-effort heuristic, not a
// contract: new failure modes land in the WORKER_ERROR fallback.
type categoryRule struct {
	keywords []string
	code     string
}

var categoryRules = []categoryRule{
	{keywords: []string{"redis", "broker", "queue", "connection refused", "connection reset", "dial tcp", "timeout"}, code: CodeQueueError},
	{keywords: []string{"file not found", "no such file", "file check failed", "file read failed", "parse failed", "malformed", "empty", "header", "csv", "delimiter"}, code: CodeFileError},
	{keywords: []string{"validation", "rule", "constraint", "invalid"}, code: CodeValidationError},
}

var userMessages = map[string]string{
	CodeQueueError:      "The processing queue is temporarily unavailable. Your file was not lost; please retry shortly.",
	CodeFileError:       "The uploaded file could not be read. Check the file format and upload it again.",
	CodeValidationError: "Validation could not be completed for this file. Review the reported issues and correct the data.",
	CodeWorkerError:     "An unexpected error occurred while processing your file. Support has been notified.",
}

// Categorize classifies a raw failure string. Deterministic: the same input
// always yields the same {code, message} pair.
func Categorize(raw string) CategorizedError {
	lowered := strings.ToLower(raw)
	code := CodeWorkerError
	for _, rule := range categoryRules {
		if matchesAny(lowered, rule.keywords) {
			code = rule.code
			break
		}
	}
	return CategorizedError{
		Code:    code,
		Message: userMessages[code],
		Details: raw,
	}
}

func matchesAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
