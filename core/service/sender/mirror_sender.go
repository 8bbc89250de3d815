// Package sender maintains per-sender message rollups.
package sender

import (
	"context"
	"strings"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
)

// Aggregator records sender sightings.
type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record adds one message to the sender's group inside the caller's transaction.
// Messages without a from-address are not aggregated.
func (a *Aggregator) Record(ctx context.Context, tx out.SenderWriter, accountID, email, name string, timestamp int64) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	return tx.RecordSender(ctx, accountID, domain.SenderSighting{
		Email:     email,
		Name:      strings.TrimSpace(name),
		Timestamp: timestamp,
	})
}

// Merge folds a sighting into an existing group. It is the reference semantics the
// store's upsert statement implements: count+1, max timestamp, name filled only when empty.
func Merge(group *domain.SenderGroup, s domain.SenderSighting) {
	group.MessageCount++
	if s.Timestamp > group.LastMessageAt {
		group.LastMessageAt = s.Timestamp
	}
	if group.Name == "" && s.Name != "" {
		group.Name = s.Name
	}
	if group.Domain == "" {
		group.Domain = domain.EmailDomain(s.Email)
	}
}
