package provider

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime"
	"google.golang.org/api/gmail/v1"

	"mirror_server/core/domain"
)

// rawPartPrefix marks attachment ids synthesized for raw-format parts.
const rawPartPrefix = "raw:"

// maxPartDepth bounds MIME nesting.
const maxPartDepth = 32

// =============================================================================
// Full format: Gmail payload tree → domain.MimePart
// =============================================================================

func convertMessage(msg *gmail.Message) (*domain.RawMessage, error) {
	raw := baseRawMessage(msg)
	if msg.Payload == nil {
		return raw, nil
	}

	raw.Headers = partHeaders(msg.Payload.Headers)
	payload, err := convertPart(msg.Payload, 0)
	if err != nil {
		return nil, err
	}
	raw.Payload = payload
	return raw, nil
}

func baseRawMessage(msg *gmail.Message) *domain.RawMessage {
	return &domain.RawMessage{
		ID:           msg.Id,
		ThreadID:     msg.ThreadId,
		LabelIDs:     msg.LabelIds,
		Snippet:      msg.Snippet,
		InternalDate: msg.InternalDate,
		HistoryID:    msg.HistoryId,
	}
}

func convertPart(p *gmail.MessagePart, depth int) (domain.MimePart, error) {
	header := domain.PartHeader{
		MimeType: p.MimeType,
		Filename: p.Filename,
		Headers:  partHeaders(p.Headers),
	}

	if len(p.Parts) > 0 || strings.HasPrefix(strings.ToLower(p.MimeType), "multipart/") {
		container := &domain.ContainerPart{PartHeader: header}
		if depth >= maxPartDepth {
			return container, nil
		}
		for _, child := range p.Parts {
			if child == nil {
				continue
			}
			converted, err := convertPart(child, depth+1)
			if err != nil {
				return nil, err
			}
			container.Children = append(container.Children, converted)
		}
		return container, nil
	}

	leaf := &domain.LeafPart{PartHeader: header}
	if p.Body != nil {
		leaf.AttachmentID = p.Body.AttachmentId
		leaf.Size = p.Body.Size
		if p.Body.Data != "" {
			data, err := decodeBase64URL(p.Body.Data)
			if err != nil {
				return nil, fmt.Errorf("part %s: %w", p.PartId, err)
			}
			leaf.Data = data
		}
	}
	return leaf, nil
}

func partHeaders(headers []*gmail.MessagePartHeader) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader, len(headers))
	for _, header := range headers {
		if header == nil || header.Name == "" {
			continue
		}
		h.Add(header.Name, header.Value)
	}
	return h
}

// decodeBase64URL accepts Gmail's base64url with or without padding.
func decodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// =============================================================================
// Raw format: RFC 822 source parsed by enmime
// =============================================================================

func convertRawMessage(msg *gmail.Message) (*domain.RawMessage, error) {
	root, err := parseRaw(msg.Raw)
	if err != nil {
		return nil, err
	}

	raw := baseRawMessage(msg)
	raw.Headers = root.Header
	raw.Payload = convertEnmimePart(root, 0)
	return raw, nil
}

func parseRaw(encoded string) (*enmime.Part, error) {
	if encoded == "" {
		return nil, errors.New("empty raw message")
	}
	data, err := decodeBase64URL(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode raw: %w", err)
	}
	return enmime.ReadParts(bytes.NewReader(data))
}

func convertEnmimePart(p *enmime.Part, depth int) domain.MimePart {
	header := domain.PartHeader{
		MimeType: p.ContentType,
		Filename: p.FileName,
		Headers:  p.Header,
	}

	if p.FirstChild != nil {
		container := &domain.ContainerPart{PartHeader: header}
		if depth >= maxPartDepth {
			return container
		}
		for child := p.FirstChild; child != nil; child = child.NextSibling {
			container.Children = append(container.Children, convertEnmimePart(child, depth+1))
		}
		return container
	}

	leaf := &domain.LeafPart{PartHeader: header, Data: p.Content, Size: int64(len(p.Content))}
	if p.FileName != "" {
		leaf.AttachmentID = rawPartPrefix + p.PartID
	}
	// enmime는 텍스트 파트를 이미 UTF-8로 변환함
	if strings.HasPrefix(strings.ToLower(p.ContentType), "text/") && p.Charset != "" {
		leaf.Headers = withUTF8Charset(p.Header, p.ContentType)
	}
	return leaf
}

func withUTF8Charset(h textproto.MIMEHeader, contentType string) textproto.MIMEHeader {
	clone := make(textproto.MIMEHeader, len(h))
	for k, v := range h {
		clone[k] = append([]string(nil), v...)
	}
	params := map[string]string{"charset": "utf-8"}
	if raw := h.Get("Content-Type"); raw != "" {
		if _, existing, err := mime.ParseMediaType(raw); err == nil {
			for k, v := range existing {
				if k != "charset" {
					params[k] = v
				}
			}
		}
	}
	clone.Set("Content-Type", mime.FormatMediaType(contentType, params))
	return clone
}

// extractRawPart returns the decoded content of one part of a raw message.
func extractRawPart(encoded, partID string) ([]byte, error) {
	root, err := parseRaw(encoded)
	if err != nil {
		return nil, err
	}
	if found := findPart(root, partID); found != nil {
		return found.Content, nil
	}
	return nil, fmt.Errorf("part %q not found", partID)
}

func findPart(p *enmime.Part, partID string) *enmime.Part {
	for ; p != nil; p = p.NextSibling {
		if p.PartID == partID && p.FirstChild == nil {
			return p
		}
		if found := findPart(p.FirstChild, partID); found != nil {
			return found
		}
	}
	return nil
}

// =============================================================================
// History
// =============================================================================

func convertHistory(records []*gmail.History) []domain.HistoryChange {
	var changes []domain.HistoryChange
	for _, h := range records {
		if h == nil {
			continue
		}
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil {
				continue
			}
			changes = append(changes, domain.HistoryChange{
				Type:      domain.ChangeTypeAdded,
				MessageID: added.Message.Id,
				ThreadID:  added.Message.ThreadId,
				LabelIDs:  added.Message.LabelIds,
			})
		}
		for _, deleted := range h.MessagesDeleted {
			if deleted == nil || deleted.Message == nil {
				continue
			}
			changes = append(changes, domain.HistoryChange{
				Type:      domain.ChangeTypeDeleted,
				MessageID: deleted.Message.Id,
				ThreadID:  deleted.Message.ThreadId,
			})
		}
		for _, la := range h.LabelsAdded {
			if la == nil || la.Message == nil {
				continue
			}
			changes = append(changes, domain.HistoryChange{
				Type:      domain.ChangeTypeLabelAdded,
				MessageID: la.Message.Id,
				ThreadID:  la.Message.ThreadId,
				LabelIDs:  la.LabelIds,
			})
		}
		for _, lr := range h.LabelsRemoved {
			if lr == nil || lr.Message == nil {
				continue
			}
			changes = append(changes, domain.HistoryChange{
				Type:      domain.ChangeTypeLabelRemoved,
				MessageID: lr.Message.Id,
				ThreadID:  lr.Message.ThreadId,
				LabelIDs:  lr.LabelIds,
			})
		}
	}
	return changes
}
