package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Error codes
const (
	// Sync errors
	CodeAuthFailure         = "AUTH_FAILURE"
	CodeCheckpointInvalid   = "CHECKPOINT_INVALID"
	CodeCheckpointMalformed = "CHECKPOINT_MALFORMED"
	CodeMessageFetchFailed  = "MESSAGE_FETCH_FAILED"
	CodeNormalizationFailed = "NORMALIZATION_FAILED"
	CodePersistenceFailed   = "PERSISTENCE_FAILED"
	CodeProviderError       = "PROVIDER_ERROR"

	// Resource errors
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidInput = "INVALID_INPUT"

	// Internal errors
	CodeInternalError = "INTERNAL_ERROR"
	CodeConfigError   = "CONFIG_ERROR"
	CodeTimeout       = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// Constructor functions
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Sync errors
func AuthFailure(accountID string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthFailure,
		Message: fmt.Sprintf("cannot open provider session for account %s", accountID),
		Details: map[string]any{"account_id": accountID},
		Err:     err,
	}
}

func CheckpointInvalid(checkpoint string, err error) *AppError {
	return &AppError{
		Code:      CodeCheckpointInvalid,
		Message:   fmt.Sprintf("checkpoint %q rejected by provider", checkpoint),
		Retryable: true,
		Err:       err,
	}
}

func CheckpointMalformed(checkpoint string) *AppError {
	return &AppError{
		Code:    CodeCheckpointMalformed,
		Message: fmt.Sprintf("stored checkpoint %q is not a history id", checkpoint),
	}
}

func MessageFetchFailed(messageID string, err error) *AppError {
	return &AppError{
		Code:      CodeMessageFetchFailed,
		Message:   fmt.Sprintf("failed to fetch message %s", messageID),
		Retryable: true,
		Details:   map[string]any{"message_id": messageID},
		Err:       err,
	}
}

func NormalizationFailed(messageID string, err error) *AppError {
	return &AppError{
		Code:    CodeNormalizationFailed,
		Message: fmt.Sprintf("failed to normalize message %s", messageID),
		Details: map[string]any{"message_id": messageID},
		Err:     err,
	}
}

func PersistenceFailed(operation string, err error) *AppError {
	return &AppError{
		Code:    CodePersistenceFailed,
		Message: fmt.Sprintf("persistence error: %s", operation),
		Err:     err,
	}
}

func ProviderError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeProviderError,
		Message: fmt.Sprintf("provider error: %s", operation),
		Err:     err,
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Details: map[string]any{"field": field},
	}
}

// Internal errors
func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal error",
		Err:     err,
	}
}

func ConfigError(message string) *AppError {
	return &AppError{
		Code:    CodeConfigError,
		Message: message,
	}
}

func Timeout(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Err:     err,
	}
}

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("sync run", err)
	}
	return InternalWithError(err)
}

// IsCode reports whether err carries an AppError with the given code.
func IsCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// CodeOf returns the code of err, or "" when it is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}
