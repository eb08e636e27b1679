package httpserver

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/fairyhunter13/mobile-test-orchestrator/internal/domain"
)

// ValidationError describes one invalid input field.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult is the outcome of validating request inputs.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateJobID checks a path id before it reaches the store. IDs are UUIDs
// in practice, but any short token of safe characters passes.
func ValidateJobID(jobID string) ValidationResult {
	if jobID == "" {
		return invalid("id", "REQUIRED", "job id is required")
	}
	if len(jobID) > 100 {
		return invalid("id", "TOO_LONG", "job id is too long (max 100 characters)")
	}
	if !jobIDPattern.MatchString(jobID) {
		return invalid("id", "INVALID_FORMAT", "job id contains invalid characters")
	}
	return ValidationResult{Valid: true}
}

// ValidatePagination validates the limit and offset query parameters as
// decimal, non-negative integers. Zero is a legal limit (count-only page);
// the service caps the upper bound.
func ValidatePagination(limit, offset string) ValidationResult {
	var errs []ValidationError
	if limit != "" {
		if n, err := strconv.Atoi(limit); err != nil || n < 0 {
			errs = append(errs, ValidationError{Field: "limit", Code: "INVALID_FORMAT", Message: "limit must be a non-negative integer"})
		}
	}
	if offset != "" {
		if n, err := strconv.Atoi(offset); err != nil || n < 0 {
			errs = append(errs, ValidationError{Field: "offset", Code: "INVALID_FORMAT", Message: "offset must be a non-negative integer"})
		}
	}
	if len(errs) > 0 {
		return ValidationResult{Valid: false, Errors: errs}
	}
	return ValidationResult{Valid: true}
}

// ValidateStatusFilter accepts an empty filter or any known job status.
func ValidateStatusFilter(status string) ValidationResult {
	if status == "" || domain.JobStatus(status).Known() {
		return ValidationResult{Valid: true}
	}
	return invalid("status", "INVALID_VALUE",
		"status must be one of: pending, queued, running, completed, failed, cancelled")
}

// SanitizeString strips null bytes and control garbage from free-form input
// and bounds its length.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 1000 {
		input = input[:1000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}

func invalid(field, code, message string) ValidationResult {
	return ValidationResult{Valid: false, Errors: []ValidationError{{Field: field, Code: code, Message: message}}}
}
