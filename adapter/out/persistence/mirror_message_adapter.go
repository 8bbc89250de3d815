package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/apperr"
)

// existingIDsBatch bounds the IN list of a single point lookup.
const existingIDsBatch = 500

// =============================================================================
// MessageAdapter
// =============================================================================

type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

type messageRow struct {
	AccountID      string         `db:"account_id"`
	ID             string         `db:"id"`
	ThreadID       string         `db:"thread_id"`
	Subject        string         `db:"subject"`
	FromEmail      string         `db:"from_email"`
	FromName       string         `db:"from_name"`
	ToAddrs        string         `db:"to_addrs"`
	CcAddrs        string         `db:"cc_addrs"`
	Snippet        string         `db:"snippet"`
	BodyText       string         `db:"body_text"`
	BodyHTML       string         `db:"body_html"`
	BodyHydrated   bool           `db:"body_hydrated"`
	InternalDate   int64          `db:"internal_date"`
	IsRead         bool           `db:"is_read"`
	IsStarred      bool           `db:"is_starred"`
	Labels         string         `db:"labels"`
	HasAttachments bool           `db:"has_attachments"`
	CategoryID     sql.NullString `db:"category_id"`
	TopicID        sql.NullString `db:"topic_id"`
}

func (r *messageRow) toDomain() *domain.Message {
	return &domain.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		FromEmail:      r.FromEmail,
		FromName:       r.FromName,
		To:             decodeAddresses(r.ToAddrs),
		Cc:             decodeAddresses(r.CcAddrs),
		Snippet:        r.Snippet,
		BodyText:       r.BodyText,
		BodyHTML:       r.BodyHTML,
		BodyHydrated:   r.BodyHydrated,
		Timestamp:      r.InternalDate,
		IsRead:         r.IsRead,
		IsStarred:      r.IsStarred,
		Labels:         decodeLabels(r.Labels),
		HasAttachments: r.HasAttachments,
		CategoryID:     stringPtr(r.CategoryID),
		TopicID:        stringPtr(r.TopicID),
	}
}

const messageColumns = `account_id, id, thread_id, subject, from_email, from_name, to_addrs, cc_addrs,
	snippet, body_text, body_html, body_hydrated, internal_date, is_read, is_starred, labels,
	has_attachments, category_id, topic_id`

type attachmentRow struct {
	ID                   string `db:"id"`
	MessageID            string `db:"message_id"`
	Filename             string `db:"filename"`
	MimeType             string `db:"mime_type"`
	Size                 int64  `db:"size"`
	ProviderAttachmentID string `db:"provider_attachment_id"`
}

func (a *MessageAdapter) GetByID(ctx context.Context, accountID, messageID string) (*domain.Message, error) {
	var row messageRow
	query := a.db.Rebind(`SELECT ` + messageColumns + ` FROM messages WHERE account_id = ? AND id = ?`)
	if err := a.db.GetContext(ctx, &row, query, accountID, messageID); err != nil {
		if isNoRows(err) {
			return nil, apperr.NotFound("message " + messageID)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	msg := row.toDomain()

	var atts []attachmentRow
	attQuery := a.db.Rebind(`SELECT id, message_id, filename, mime_type, size, provider_attachment_id
		FROM attachments WHERE account_id = ? AND message_id = ? ORDER BY id`)
	if err := a.db.SelectContext(ctx, &atts, attQuery, accountID, messageID); err != nil {
		return nil, fmt.Errorf("get attachments: %w", err)
	}
	for _, r := range atts {
		msg.Attachments = append(msg.Attachments, domain.Attachment(r))
	}
	return msg, nil
}

// ExistingIDs is the batch point lookup that lets full sync skip stored messages before fetching.
func (a *MessageAdapter) ExistingIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(ids))
	for start := 0; start < len(ids); start += existingIDsBatch {
		end := start + existingIDsBatch
		if end > len(ids) {
			end = len(ids)
		}

		query, args, err := sqlx.In(`SELECT id FROM messages WHERE account_id = ? AND id IN (?)`, accountID, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("build existing ids query: %w", err)
		}
		var found []string
		if err := a.db.SelectContext(ctx, &found, a.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("existing ids: %w", err)
		}
		for _, id := range found {
			existing[id] = true
		}
	}
	return existing, nil
}

func (a *MessageAdapter) UpdateLabels(ctx context.Context, accountID, messageID string, labels []string, isRead, isStarred bool) error {
	query := a.db.Rebind(`UPDATE messages SET labels = ?, is_read = ?, is_starred = ? WHERE account_id = ? AND id = ?`)
	if _, err := a.db.ExecContext(ctx, query, encodeLabels(labels), isRead, isStarred, accountID, messageID); err != nil {
		return fmt.Errorf("update labels: %w", err)
	}
	return nil
}

// FillBody writes bodies only while the row is still bodyless, so a racing hydrate is a no-op.
func (a *MessageAdapter) FillBody(ctx context.Context, accountID, messageID, bodyText, bodyHTML string) (bool, error) {
	query := a.db.Rebind(`UPDATE messages SET body_text = ?, body_html = ?, body_hydrated = ?
		WHERE account_id = ? AND id = ? AND body_hydrated = ?`)
	res, err := a.db.ExecContext(ctx, query, bodyText, bodyHTML, true, accountID, messageID, false)
	if err != nil {
		return false, fmt.Errorf("fill body: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fill body: %w", err)
	}
	return n == 1, nil
}

type categorizationRow struct {
	ID         string         `db:"id"`
	FromEmail  string         `db:"from_email"`
	Subject    string         `db:"subject"`
	Labels     string         `db:"labels"`
	CategoryID sql.NullString `db:"category_id"`
}

// ListForCategorization pages by id (keyset) so concurrent updates never shift pages.
func (a *MessageAdapter) ListForCategorization(ctx context.Context, accountID, afterID string, limit int) ([]out.CategorizationRow, error) {
	var rows []categorizationRow
	query := a.db.Rebind(`SELECT id, from_email, subject, labels, category_id FROM messages
		WHERE account_id = ? AND id > ? ORDER BY id LIMIT ?`)
	if err := a.db.SelectContext(ctx, &rows, query, accountID, afterID, limit); err != nil {
		return nil, fmt.Errorf("list for categorization: %w", err)
	}

	result := make([]out.CategorizationRow, 0, len(rows))
	for _, r := range rows {
		result = append(result, out.CategorizationRow{
			ID:         r.ID,
			FromEmail:  r.FromEmail,
			Subject:    r.Subject,
			Labels:     decodeLabels(r.Labels),
			CategoryID: stringPtr(r.CategoryID),
		})
	}
	return result, nil
}

func (a *MessageAdapter) UpdateCategory(ctx context.Context, accountID, messageID string, categoryID *string) error {
	query := a.db.Rebind(`UPDATE messages SET category_id = ? WHERE account_id = ? AND id = ?`)
	if _, err := a.db.ExecContext(ctx, query, nullString(categoryID), accountID, messageID); err != nil {
		return fmt.Errorf("update category: %w", err)
	}
	return nil
}

// CountByAccount returns the number of mirrored messages.
func (a *MessageAdapter) CountByAccount(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := a.db.GetContext(ctx, &n, a.db.Rebind(`SELECT COUNT(*) FROM messages WHERE account_id = ?`), accountID); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

var _ out.MessageRepository = (*MessageAdapter)(nil)
