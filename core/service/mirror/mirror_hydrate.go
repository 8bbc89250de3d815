package mirror

import (
	"context"
	"time"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/apperr"
	"mirror_server/pkg/logger"
)

// hydrateTimeout bounds one shared fetch, independent of any caller's context.
const hydrateTimeout = time.Minute

// Hydrate returns the message with bodies, fetching them from the provider when the
// mirror only holds metadata. Concurrent calls for the same message share one fetch.
// A caller that gives up returns its own context error without failing the others.
func (s *SyncService) Hydrate(ctx context.Context, accountID, messageID string) (*domain.Message, error) {
	ch := s.hydrate.DoChan(accountID+"/"+messageID, func() (any, error) {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hydrateTimeout)
		defer cancel()
		return s.hydrateOnce(hctx, accountID, messageID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			logger.Debug("[SyncService.Hydrate] shared fetch for %s", messageID)
		}
		return res.Val.(*domain.Message), nil
	}
}

func (s *SyncService) hydrateOnce(ctx context.Context, accountID, messageID string) (*domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, accountID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.BodyHydrated {
		return msg, nil
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	provider, err := s.sessions.Open(ctx, account)
	if err != nil {
		return nil, apperr.AuthFailure(accountID, err)
	}

	raw, err := provider.GetFullMessage(ctx, messageID)
	if err != nil {
		if out.IsAuthError(err) {
			return nil, apperr.AuthFailure(accountID, err)
		}
		return nil, apperr.MessageFetchFailed(messageID, err)
	}
	full, err := s.normalizer.Normalize(ctx, accountID, raw, provider)
	if err != nil {
		return nil, err
	}

	filled, err := s.messages.FillBody(ctx, accountID, messageID, full.BodyText, full.BodyHTML)
	if err != nil {
		return nil, apperr.PersistenceFailed("fill body", err)
	}
	if !filled {
		// another caller hydrated first, its bodies win
		return s.messages.GetByID(ctx, accountID, messageID)
	}

	msg.BodyText = full.BodyText
	msg.BodyHTML = full.BodyHTML
	msg.BodyHydrated = true
	logger.Info("[SyncService.Hydrate] account=%s message=%s hydrated", accountID, messageID)
	return msg, nil
}
