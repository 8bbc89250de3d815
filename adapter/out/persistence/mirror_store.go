package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/apperr"
	"mirror_server/pkg/logger"
)

// =============================================================================
// MirrorStore - 메시지 단위 트랜잭션
// =============================================================================

type MirrorStore struct {
	db *sqlx.DB
}

func NewMirrorStore(db *sqlx.DB) *MirrorStore {
	return &MirrorStore{db: db}
}

// WithTx runs fn in one transaction, committing when it returns nil.
func (s *MirrorStore) WithTx(ctx context.Context, fn func(tx out.MirrorTx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.WithError(rbErr).Warn("[MirrorStore.WithTx] rollback failed")
			}
		}
	}()

	if err = fn(&mirrorTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type mirrorTx struct {
	tx *sqlx.Tx
}

// InsertMessageIfAbsent never overwrites: a conflicting (account_id, id) row leaves
// the stored message and its attachments untouched.
func (t *mirrorTx) InsertMessageIfAbsent(ctx context.Context, msg *domain.Message) (bool, error) {
	query := t.tx.Rebind(`INSERT INTO messages (` + messageColumns + `, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, id) DO NOTHING`)
	res, err := t.tx.ExecContext(ctx, query,
		msg.AccountID, msg.ID, msg.ThreadID, msg.Subject, msg.FromEmail, msg.FromName,
		encodeAddresses(msg.To), encodeAddresses(msg.Cc),
		msg.Snippet, msg.BodyText, msg.BodyHTML, msg.BodyHydrated, msg.Timestamp,
		msg.IsRead, msg.IsStarred, encodeLabels(msg.Labels), msg.HasAttachments,
		nullString(msg.CategoryID), nullString(msg.TopicID), nowMillis(),
	)
	if err != nil {
		return false, apperr.PersistenceFailed("insert message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.PersistenceFailed("insert message", err)
	}
	if n == 0 {
		return false, nil
	}

	attQuery := t.tx.Rebind(`INSERT INTO attachments
		(id, account_id, message_id, filename, mime_type, size, provider_attachment_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		att.MessageID = msg.ID
		if _, err := t.tx.ExecContext(ctx, attQuery,
			att.ID, msg.AccountID, msg.ID, att.Filename, att.MimeType, att.Size, att.ProviderAttachmentID,
		); err != nil {
			return false, apperr.PersistenceFailed("insert attachment", err)
		}
	}
	return true, nil
}

func (t *mirrorTx) AssignTopic(ctx context.Context, accountID, messageID, topicID string) error {
	query := t.tx.Rebind(`UPDATE messages SET topic_id = ? WHERE account_id = ? AND id = ?`)
	if _, err := t.tx.ExecContext(ctx, query, topicID, accountID, messageID); err != nil {
		return apperr.PersistenceFailed("assign topic", err)
	}
	return nil
}

func (t *mirrorTx) IncrementTopic(ctx context.Context, accountID, name string) (string, error) {
	query := t.tx.Rebind(`INSERT INTO topics (id, account_id, name, message_count) VALUES (?, ?, ?, 1)
		ON CONFLICT (account_id, name) DO UPDATE SET message_count = topics.message_count + 1
		RETURNING id`)
	var id string
	if err := t.tx.QueryRowxContext(ctx, query, uuid.NewString(), accountID, name).Scan(&id); err != nil {
		return "", apperr.PersistenceFailed("upsert topic", err)
	}
	return id, nil
}

// RecordSender implements sender.Merge as one upsert.
func (t *mirrorTx) RecordSender(ctx context.Context, accountID string, s domain.SenderSighting) error {
	query := t.tx.Rebind(`INSERT INTO sender_groups
		(id, account_id, email, name, domain, message_count, last_message_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT (account_id, email) DO UPDATE SET
			message_count = sender_groups.message_count + 1,
			last_message_at = CASE WHEN excluded.last_message_at > sender_groups.last_message_at
				THEN excluded.last_message_at ELSE sender_groups.last_message_at END,
			name = CASE WHEN sender_groups.name = '' THEN excluded.name ELSE sender_groups.name END,
			domain = CASE WHEN sender_groups.domain = '' THEN excluded.domain ELSE sender_groups.domain END`)
	if _, err := t.tx.ExecContext(ctx, query,
		uuid.NewString(), accountID, s.Email, s.Name, domain.EmailDomain(s.Email), s.Timestamp,
	); err != nil {
		return apperr.PersistenceFailed("upsert sender", err)
	}
	return nil
}

// =============================================================================
// AggregateAdapter - 집계 조회
// =============================================================================

type AggregateAdapter struct {
	db *sqlx.DB
}

func NewAggregateAdapter(db *sqlx.DB) *AggregateAdapter {
	return &AggregateAdapter{db: db}
}

func (a *AggregateAdapter) GetTopic(ctx context.Context, accountID, name string) (*domain.Topic, error) {
	var topic domain.Topic
	query := a.db.Rebind(`SELECT id, account_id, name, message_count FROM topics WHERE account_id = ? AND name = ?`)
	if err := a.db.GetContext(ctx, &topic, query, accountID, name); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("topic " + name)
		}
		return nil, fmt.Errorf("get topic: %w", err)
	}
	return &topic, nil
}

func (a *AggregateAdapter) GetSender(ctx context.Context, accountID, email string) (*domain.SenderGroup, error) {
	var group domain.SenderGroup
	query := a.db.Rebind(`SELECT id, account_id, email, name, domain, message_count, last_message_at
		FROM sender_groups WHERE account_id = ? AND email = ?`)
	if err := a.db.GetContext(ctx, &group, query, accountID, email); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("sender " + email)
		}
		return nil, fmt.Errorf("get sender: %w", err)
	}
	return &group, nil
}

var (
	_ out.MirrorStore  = (*MirrorStore)(nil)
	_ out.MirrorTx     = (*mirrorTx)(nil)
	_ out.TopicReader  = (*AggregateAdapter)(nil)
	_ out.SenderReader = (*AggregateAdapter)(nil)
)
