// Package normalize turns provider MIME trees into mirror messages.
package normalize

import (
	"context"
	"errors"
	"html"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"mirror_server/core/domain"
	"mirror_server/core/port/out"
	"mirror_server/pkg/apperr"
)

// Normalizer converts one raw provider message. It holds no state and is safe for concurrent use.
type Normalizer struct{}

func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize builds a message from the provider payload. Only a missing message is an error;
// everything else degrades (undecodable headers kept raw, failed inline images skipped).
func (n *Normalizer) Normalize(ctx context.Context, accountID string, raw *domain.RawMessage, fetcher out.AttachmentFetcher) (*domain.Message, error) {
	if raw == nil || raw.ID == "" {
		return nil, apperr.NormalizationFailed("", errors.New("empty provider message"))
	}

	from := ParseAddress(raw.Header("From"))
	msg := &domain.Message{
		ID:        raw.ID,
		AccountID: accountID,
		ThreadID:  raw.ThreadID,
		Subject:   DecodeHeader(strings.TrimSpace(raw.Header("Subject"))),
		FromEmail: from.Email,
		FromName:  from.Name,
		To:        ParseAddressList(raw.Header("To")),
		Cc:        ParseAddressList(raw.Header("Cc")),
		Snippet:   html.UnescapeString(raw.Snippet),
		Timestamp: messageTimestamp(raw),
		Labels:    append([]string(nil), raw.LabelIDs...),
	}
	if msg.Labels == nil {
		msg.Labels = []string{}
	}
	msg.ApplyLabelFlags()

	text, htmlBody := extractBodies(raw.Payload)
	var images map[string]string
	if htmlBody != "" {
		images = collectInlineImages(ctx, raw.Payload, raw.ID, fetcher)
		htmlBody = rewriteCIDs(htmlBody, images)
	}
	msg.BodyText = text
	msg.BodyHTML = htmlBody
	msg.BodyHydrated = true

	msg.Attachments = extractAttachments(raw.Payload, raw.ID, images)
	msg.HasAttachments = len(msg.Attachments) > 0
	return msg, nil
}

// messageTimestamp prefers the provider's internal date over the Date header.
func messageTimestamp(raw *domain.RawMessage) int64 {
	if raw.InternalDate > 0 {
		return raw.InternalDate
	}
	if t, err := mail.ParseDate(raw.Header("Date")); err == nil {
		return t.UnixMilli()
	}
	return 0
}

// extractBodies walks the tree depth-first. Each text/plain or text/html leaf that is not an
// attachment overwrites the previous one of its kind, so the last part wins.
func extractBodies(root domain.MimePart) (text, htmlBody string) {
	domain.WalkParts(root, func(leaf *domain.LeafPart) {
		if len(leaf.Data) == 0 || leaf.Disposition() == "attachment" {
			return
		}
		switch strings.ToLower(leaf.MimeType) {
		case "text/plain":
			text = decodeBody(leaf.Data, leaf.Charset())
		case "text/html":
			htmlBody = decodeBody(leaf.Data, leaf.Charset())
		}
	})
	return text, htmlBody
}

// extractAttachments returns leaves carrying a filename and a provider attachment id
// that are not inline. A part without a disposition only counts as inline when it was
// actually embedded into the HTML body (inlined is keyed by lower-cased Content-ID).
func extractAttachments(root domain.MimePart, messageID string, inlined map[string]string) []domain.Attachment {
	var atts []domain.Attachment
	domain.WalkParts(root, func(leaf *domain.LeafPart) {
		if leaf.Filename == "" || leaf.AttachmentID == "" {
			return
		}
		switch leaf.Disposition() {
		case "inline":
			return
		case "":
			if cid := leaf.ContentID(); cid != "" && inlined[strings.ToLower(cid)] != "" {
				return
			}
		}
		mimeType := leaf.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		atts = append(atts, domain.Attachment{
			ID:                   uuid.NewString(),
			MessageID:            messageID,
			Filename:             DecodeHeader(leaf.Filename),
			MimeType:             mimeType,
			Size:                 leaf.Size,
			ProviderAttachmentID: leaf.AttachmentID,
		})
	})
	return atts
}
