package provider

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/sony/gobreaker"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/logger"
	"mirror_server/pkg/metrics"
	"mirror_server/pkg/ratelimit"
	"mirror_server/pkg/resilience"
)

const (
	gmailUser          = "me"
	historyPageSize    = 500
	defaultListResults = 100
)

// =============================================================================
// Gmail Session
// =============================================================================

// GmailSession implements out.MailProvider for one account.
type GmailSession struct {
	accountID string
	svc       *gmail.Service
	format    string
	limiter   *ratelimit.Limiter
	breaker   *resilience.Breaker
}

func newGmailSession(accountID string, svc *gmail.Service, format string, limiter *ratelimit.Limiter, breaker *resilience.Breaker) *GmailSession {
	return &GmailSession{
		accountID: accountID,
		svc:       svc,
		format:    format,
		limiter:   limiter,
		breaker:   breaker,
	}
}

// ListMessages pages through a search query.
func (s *GmailSession) ListMessages(ctx context.Context, opts *out.ProviderListOptions) (*out.ProviderListResult, error) {
	if opts == nil {
		opts = &out.ProviderListOptions{}
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = defaultListResults
	}

	req := s.svc.Users.Messages.List(gmailUser).MaxResults(maxResults).Fields("messages(id)", "nextPageToken")
	if opts.Query != "" {
		req = req.Q(opts.Query)
	}
	if opts.PageToken != "" {
		req = req.PageToken(opts.PageToken)
	}

	var resp *gmail.ListMessagesResponse
	err := s.call(ctx, metrics.OpProviderList, func() error {
		var apiErr error
		resp, apiErr = req.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to list messages")
	}

	result := &out.ProviderListResult{
		MessageIDs:    make([]string, 0, len(resp.Messages)),
		NextPageToken: resp.NextPageToken,
	}
	for _, m := range resp.Messages {
		if m != nil && m.Id != "" {
			result.MessageIDs = append(result.MessageIDs, m.Id)
		}
	}
	return result, nil
}

// GetFullMessage fetches one message in the configured format.
func (s *GmailSession) GetFullMessage(ctx context.Context, messageID string) (*domain.RawMessage, error) {
	var msg *gmail.Message
	err := s.call(ctx, metrics.OpProviderGet, func() error {
		var apiErr error
		msg, apiErr = s.svc.Users.Messages.Get(gmailUser, messageID).Format(s.format).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get message")
	}

	if s.format == FormatRaw {
		raw, err := convertRawMessage(msg)
		if err != nil {
			return nil, out.NewProviderError("gmail", out.ProviderErrInvalidInput, "failed to parse raw message "+messageID, err, false)
		}
		return raw, nil
	}

	raw, err := convertMessage(msg)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrInvalidInput, "failed to decode message "+messageID, err, false)
	}
	return raw, nil
}

// GetAttachment fetches attachment bytes. Parts of raw-format messages are cut from the raw source.
func (s *GmailSession) GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	if partID, ok := strings.CutPrefix(attachmentID, rawPartPrefix); ok {
		return s.rawPart(ctx, messageID, partID)
	}

	var body *gmail.MessagePartBody
	err := s.call(ctx, metrics.OpProviderAttachment, func() error {
		var apiErr error
		body, apiErr = s.svc.Users.Messages.Attachments.Get(gmailUser, messageID, attachmentID).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get attachment")
	}

	data, err := decodeBase64URL(body.Data)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrInvalidInput, "failed to decode attachment", err, false)
	}
	return data, nil
}

func (s *GmailSession) rawPart(ctx context.Context, messageID, partID string) ([]byte, error) {
	var msg *gmail.Message
	err := s.call(ctx, metrics.OpProviderAttachment, func() error {
		var apiErr error
		msg, apiErr = s.svc.Users.Messages.Get(gmailUser, messageID).Format(FormatRaw).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get raw message")
	}

	data, err := extractRawPart(msg.Raw, partID)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrNotFound, "raw part "+partID, err, false)
	}
	return data, nil
}

// GetHistory collects every change since checkpoint across all history pages.
func (s *GmailSession) GetHistory(ctx context.Context, checkpoint string) (*out.ProviderHistoryResult, error) {
	startID, err := strconv.ParseUint(checkpoint, 10, 64)
	if err != nil {
		return nil, out.NewProviderError("gmail", out.ProviderErrCheckpointInvalid, "checkpoint is not a history id", err, false)
	}

	result := &out.ProviderHistoryResult{}
	pageToken := ""
	pages := 0
	for {
		req := s.svc.Users.History.List(gmailUser).StartHistoryId(startID).MaxResults(historyPageSize)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		err := s.call(ctx, metrics.OpProviderHistory, func() error {
			var apiErr error
			resp, apiErr = req.Context(ctx).Do()
			return apiErr
		})
		if err != nil {
			// 404: 히스토리 만료, 400: 잘못된 startHistoryId → 전체 동기화 필요
			switch apiErrorCode(err) {
			case 400, 404:
				return nil, out.NewProviderError("gmail", out.ProviderErrCheckpointInvalid, "history checkpoint rejected", err, false)
			}
			return nil, wrapError(err, "failed to list history")
		}

		result.Changes = append(result.Changes, convertHistory(resp.History)...)
		if resp.HistoryId > 0 {
			result.NewCheckpoint = strconv.FormatUint(resp.HistoryId, 10)
		}
		pages++

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	logger.WithContext(ctx).Debug("[GmailSession.GetHistory] %d changes in %d pages since %s", len(result.Changes), pages, checkpoint)
	return result, nil
}

// GetProfile returns the mailbox address and its current history id.
func (s *GmailSession) GetProfile(ctx context.Context) (*out.ProviderProfile, error) {
	var profile *gmail.Profile
	err := s.call(ctx, metrics.OpProviderProfile, func() error {
		var apiErr error
		profile, apiErr = s.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, wrapError(err, "failed to get profile")
	}
	return &out.ProviderProfile{
		Email:      profile.EmailAddress,
		Checkpoint: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// call applies the account rate limit, the shared breaker and latency tracking.
func (s *GmailSession) call(ctx context.Context, op string, fn func() error) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, "gmail:"+s.accountID); err != nil {
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "rate limit wait aborted", err, true)
		}
	}
	return metrics.Observe(op, func() error {
		if s.breaker == nil {
			return fn()
		}
		return s.breaker.Execute(fn)
	})
}

// =============================================================================
// Error Mapping
// =============================================================================

func wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out.NewProviderError("gmail", out.ProviderErrServer, "circuit open", err, true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400:
			return out.NewProviderError("gmail", out.ProviderErrInvalidInput, "Bad request", err, false)
		case 401:
			return out.NewProviderError("gmail", out.ProviderErrTokenExpired, "Token expired", err, false)
		case 403:
			if isRateLimited(apiErr) {
				return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Rate limit exceeded", err, true)
			}
			return out.NewProviderError("gmail", out.ProviderErrAuth, "Access denied", err, false)
		case 404:
			return out.NewProviderError("gmail", out.ProviderErrNotFound, "Not found", err, false)
		case 429:
			return out.NewProviderError("gmail", out.ProviderErrRateLimit, "Too many requests", err, true)
		case 500, 502, 503, 504:
			return out.NewProviderError("gmail", out.ProviderErrServer, "Server error", err, true)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return out.NewProviderError("gmail", out.ProviderErrNetwork, defaultMsg, err, true)
	}
	return out.NewProviderError("gmail", out.ProviderErrServer, defaultMsg, err, true)
}

func apiErrorCode(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

var _ out.MailProvider = (*GmailSession)(nil)
