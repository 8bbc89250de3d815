package out

import (
	"context"
	"errors"

	"mirror_server/core/domain"
)

// =============================================================================
// Mail Provider Port - 원격 메일함
// =============================================================================

// MailProvider is one authenticated session against a remote mailbox.
type MailProvider interface {
	AttachmentFetcher

	// ListMessages pages through a search query.
	ListMessages(ctx context.Context, opts *ProviderListOptions) (*ProviderListResult, error)

	// GetFullMessage returns the MIME tree, labels and internal timestamp of one message.
	GetFullMessage(ctx context.Context, messageID string) (*domain.RawMessage, error)

	// GetHistory returns every change since the checkpoint.
	// A stale or unknown checkpoint fails with ProviderErrCheckpointInvalid.
	GetHistory(ctx context.Context, checkpoint string) (*ProviderHistoryResult, error)

	// GetProfile returns the account's current checkpoint.
	GetProfile(ctx context.Context) (*ProviderProfile, error)
}

// AttachmentFetcher fetches attachment binaries on demand.
type AttachmentFetcher interface {
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// ProviderSessionFactory resolves account credentials into a provider session.
type ProviderSessionFactory interface {
	Open(ctx context.Context, account *domain.Account) (MailProvider, error)
}

// ProviderListOptions represents list-by-query options.
type ProviderListOptions struct {
	Query      string
	MaxResults int64
	PageToken  string
}

// ProviderListResult represents one page of message ids.
type ProviderListResult struct {
	MessageIDs    []string
	NextPageToken string
}

// ProviderHistoryResult represents a history delta.
type ProviderHistoryResult struct {
	Changes       []domain.HistoryChange
	NewCheckpoint string
}

// ProviderProfile represents the mailbox profile.
type ProviderProfile struct {
	Email      string
	Checkpoint string
}

// =============================================================================
// Provider Error
// =============================================================================

// ProviderErrorCode represents error codes.
type ProviderErrorCode string

const (
	ProviderErrAuth              ProviderErrorCode = "auth_error"
	ProviderErrTokenExpired      ProviderErrorCode = "token_expired"
	ProviderErrRateLimit         ProviderErrorCode = "rate_limit"
	ProviderErrNotFound          ProviderErrorCode = "not_found"
	ProviderErrNetwork           ProviderErrorCode = "network_error"
	ProviderErrServer            ProviderErrorCode = "server_error"
	ProviderErrInvalidInput      ProviderErrorCode = "invalid_input"
	ProviderErrCheckpointInvalid ProviderErrorCode = "checkpoint_invalid"
)

// ProviderError represents a provider error.
type ProviderError struct {
	Provider  string
	Code      ProviderErrorCode
	Message   string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new provider error.
func NewProviderError(provider string, code ProviderErrorCode, message string, err error, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Err:       err,
		Retryable: retryable,
	}
}

// ProviderErrorCodeOf returns the provider error code carried by err, or "".
func ProviderErrorCodeOf(err error) ProviderErrorCode {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsAuthError reports whether err means the credential is unusable.
func IsAuthError(err error) bool {
	code := ProviderErrorCodeOf(err)
	return code == ProviderErrAuth || code == ProviderErrTokenExpired
}
