package logging

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorCategory represents different categories of errors for classification
type ErrorCategory string

const (
	ErrorCategoryHardware ErrorCategory = "hardware"
	ErrorCategoryNetwork  ErrorCategory = "network"
	ErrorCategorySecurity ErrorCategory = "security"
	ErrorCategoryStorage  ErrorCategory = "storage"
	ErrorCategoryConfig   ErrorCategory = "config"
	ErrorCategoryService  ErrorCategory = "service"
	ErrorCategoryUnknown  ErrorCategory = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityCritical ErrorSeverity = "critical"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityInfo     ErrorSeverity = "info"
)

// ErrorContext provides additional context for error logging
type ErrorContext struct {
	Category    ErrorCategory          `json:"category"`
	Severity    ErrorSeverity          `json:"severity"`
	Component   string                 `json:"component"`
	Operation   string                 `json:"operation"`
	UserID      string                 `json:"user_id,omitempty"`
	DeviceID    int                    `json:"device_id,omitempty"`
	Recoverable bool                   `json:"recoverable"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// StructuredError represents a structured error with context
type StructuredError struct {
	Err       error        `json:"error"`
	Context   ErrorContext `json:"context"`
	Timestamp time.Time    `json:"timestamp"`
	Stack     string       `json:"stack,omitempty"`
}

func (se *StructuredError) Error() string {
	if se.Err != nil {
		return se.Err.Error()
	}
	return "unknown error"
}

func (se *StructuredError) Unwrap() error {
	return se.Err
}

// NewStructuredError creates a new structured error with context
func NewStructuredError(err error, context ErrorContext) *StructuredError {
	structuredErr := &StructuredError{
		Err:       err,
		Context:   context,
		Timestamp: time.Now(),
	}

	if context.Severity == ErrorSeverityCritical {
		structuredErr.Stack = captureStackTrace()
	}

	return structuredErr
}

// LogStructuredError logs a structured error with appropriate level and context
func LogStructuredError(logger logrus.FieldLogger, structuredErr *StructuredError) {
	if logger == nil || structuredErr == nil {
		return
	}

	fields := logrus.Fields{
		"error_category": structuredErr.Context.Category,
		"error_severity": structuredErr.Context.Severity,
		"operation":      structuredErr.Context.Operation,
		"recoverable":    structuredErr.Context.Recoverable,
	}
	if structuredErr.Context.Component != "" {
		fields["component"] = structuredErr.Context.Component
	}
	if structuredErr.Context.UserID != "" {
		fields["user_id"] = structuredErr.Context.UserID
	}
	if structuredErr.Context.DeviceID != 0 {
		fields["device_id"] = structuredErr.Context.DeviceID
	}
	for key, value := range structuredErr.Context.Metadata {
		fields[fmt.Sprintf("meta_%s", key)] = value
	}
	if structuredErr.Stack != "" {
		fields["stack_trace"] = structuredErr.Stack
	}
	entry := logger.WithFields(fields)

	switch structuredErr.Context.Severity {
	case ErrorSeverityCritical, ErrorSeverityHigh:
		entry.Error(structuredErr.Error())
	case ErrorSeverityMedium, ErrorSeverityLow:
		entry.Warn(structuredErr.Error())
	case ErrorSeverityInfo:
		entry.Info(structuredErr.Error())
	default:
		entry.Error(structuredErr.Error())
	}
}

// LogDeviceError logs a failed device operation. Authentication problems
// are reported as security errors, everything else by classification.
func LogDeviceError(logger logrus.FieldLogger, err error, deviceID int, operation string, recoverable bool) {
	category := ClassifyError(err)
	if category == ErrorCategoryUnknown {
		category = ErrorCategoryHardware
	}
	severity := ErrorSeverityMedium
	if !recoverable {
		severity = ErrorSeverityHigh
	}
	if category == ErrorCategorySecurity {
		severity = ErrorSeverityHigh
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    category,
		Severity:    severity,
		Component:   "device",
		Operation:   operation,
		DeviceID:    deviceID,
		Recoverable: recoverable,
	}))
}

// LogStorageError logs database/storage-related errors
func LogStorageError(logger logrus.FieldLogger, err error, operation string, recoverable bool) {
	severity := ErrorSeverityHigh
	if !recoverable {
		severity = ErrorSeverityCritical
	}

	LogStructuredError(logger, NewStructuredError(err, ErrorContext{
		Category:    ErrorCategoryStorage,
		Severity:    severity,
		Component:   "database",
		Operation:   operation,
		Recoverable: recoverable,
	}))
}

func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

var categoryKeywords = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrorCategorySecurity, []string{"authentication", "unauthorized", "forbidden", "invalid token", "password"}},
	{ErrorCategoryNetwork, []string{
		"connection refused", "connection reset", "device timeout", "i/o timeout",
		"network is unreachable", "no such host", "dial tcp", "dial udp", "not connected",
	}},
	{ErrorCategoryHardware, []string{"template write", "malformed response", "command", "device"}},
	{ErrorCategoryStorage, []string{"database", "sqlite", "sql", "constraint", "no space left"}},
	{ErrorCategoryConfig, []string{"config", "yaml", "setting"}},
}

// ClassifyError attempts to classify an error based on its message
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}
	var structured *StructuredError
	if errors.As(err, &structured) {
		return structured.Context.Category
	}

	msg := strings.ToLower(err.Error())
	for _, c := range categoryKeywords {
		for _, keyword := range c.keywords {
			if strings.Contains(msg, keyword) {
				return c.category
			}
		}
	}
	return ErrorCategoryUnknown
}
