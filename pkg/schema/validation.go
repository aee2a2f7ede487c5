package schema

import (
	"fmt"
	"strings"
)

// IssueSeverity indicates whether an issue is an error or a warning.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// Validation issue codes.
const (
	IssueRequired        = "REQUIRED"
	IssueEmpty           = "EMPTY"
	IssueDuplicateID     = "DUPLICATE_ID"
	IssueUnknownRef      = "UNKNOWN_REFERENCE"
	IssueForwardRef      = "FORWARD_REFERENCE"
	IssueSelfRef         = "SELF_REFERENCE"
	IssueCycle           = "CYCLE"
	IssueInvalidValue    = "INVALID_VALUE"
	IssueInvalidDuration = "INVALID_DURATION"
	IssueInvalidCron     = "INVALID_CRON"
	IssueInvalidExpr     = "INVALID_EXPRESSION"
	IssueSchema          = "SCHEMA"
	IssueRecoveryOnly    = "RECOVERY_ONLY"
)

// Issue is a single validation problem located by a dotted path.
type Issue struct {
	Path     string        `json:"path"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult aggregates the issues found while validating a definition.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors. Warnings are acceptable.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

// AddErrorf appends an error-severity issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge combines another result into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result into a VALIDATION_ERROR, or nil when valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		parts := make([]string, len(r.Errors))
		for i, issue := range r.Errors {
			parts[i] = issue.String()
		}
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}
