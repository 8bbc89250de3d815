package worker

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mirror_server/core/domain"
	"mirror_server/core/port/in"
	"mirror_server/pkg/apperr"
)

// TriggerHandler runs manual sync requests delivered through the job stream.
type TriggerHandler struct {
	sync in.SyncUseCase
	log  zerolog.Logger
}

// NewTriggerHandler creates a new TriggerHandler.
func NewTriggerHandler(syncUC in.SyncUseCase, log zerolog.Logger) *TriggerHandler {
	return &TriggerHandler{sync: syncUC, log: log}
}

// Handle returns an error only when redelivery could succeed; everything else is acked.
func (h *TriggerHandler) Handle(ctx context.Context, stream string, data []byte) error {
	var req domain.SyncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.log.Warn().Err(err).Str("stream", stream).Msg("dropping malformed sync request")
		return nil
	}
	if req.AccountID == "" {
		h.log.Warn().Str("stream", stream).Str("request_id", req.ID).Msg("dropping sync request without account")
		return nil
	}

	mode := domain.ParseSyncMode(string(req.Mode))
	result, err := h.sync.Synchronize(ctx, req.AccountID, mode)
	if err != nil {
		if shouldRedeliver(ctx, err) {
			return err
		}
		h.log.Error().Err(err).
			Str("request_id", req.ID).
			Str("account_id", req.AccountID).
			Str("code", apperr.CodeOf(err)).
			Msg("sync request failed permanently")
		return nil
	}

	h.log.Info().
		Str("request_id", req.ID).
		Str("account_id", req.AccountID).
		Str("run_id", result.RunID).
		Int("processed", result.MessagesProcessed).
		Msg("sync request completed")
	return nil
}

// shouldRedeliver: 일시적 실패만 재전달
func shouldRedeliver(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	if ae := apperr.AsAppError(err); ae != nil {
		if ae.Retryable {
			return true
		}
		switch ae.Code {
		case apperr.CodeTimeout, apperr.CodeProviderError, apperr.CodePersistenceFailed:
			return true
		}
	}
	return false
}
