package domain

import (
	"mime"
	"net/textproto"
	"strings"
)

// =============================================================================
// MIME tree - provider payload as a closed variant
// =============================================================================

// MimePart is either a *LeafPart or a *ContainerPart.
type MimePart interface {
	Header() PartHeader
	mimePart()
}

// PartHeader holds the part headers and the fields derived from them.
type PartHeader struct {
	MimeType string
	Filename string
	Headers  textproto.MIMEHeader
}

// Get returns the first value of a header, case-insensitive.
func (h PartHeader) Get(name string) string {
	if h.Headers == nil {
		return ""
	}
	return h.Headers.Get(name)
}

// ContentID returns the Content-ID without angle brackets.
func (h PartHeader) ContentID() string {
	cid := strings.TrimSpace(h.Get("Content-ID"))
	cid = strings.TrimPrefix(cid, "<")
	return strings.TrimSuffix(cid, ">")
}

// Disposition returns the lower-cased disposition type ("inline", "attachment" or "").
func (h PartHeader) Disposition() string {
	raw := h.Get("Content-Disposition")
	if raw == "" {
		return ""
	}
	disp, _, err := mime.ParseMediaType(raw)
	if err != nil {
		disp, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(disp))
}

// Charset returns the charset parameter of the Content-Type header.
func (h PartHeader) Charset() string {
	raw := h.Get("Content-Type")
	if raw == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}

// LeafPart carries content, either inline data or a provider attachment reference.
type LeafPart struct {
	PartHeader
	Data         []byte
	AttachmentID string
	Size         int64
}

// ContainerPart is a multipart/* node.
type ContainerPart struct {
	PartHeader
	Children []MimePart
}

func (p *LeafPart) Header() PartHeader      { return p.PartHeader }
func (p *ContainerPart) Header() PartHeader { return p.PartHeader }

func (*LeafPart) mimePart()      {}
func (*ContainerPart) mimePart() {}

// WalkParts visits parts depth-first in document order.
func WalkParts(root MimePart, fn func(*LeafPart)) {
	switch p := root.(type) {
	case *LeafPart:
		if p == nil {
			return
		}
		fn(p)
	case *ContainerPart:
		if p == nil {
			return
		}
		for _, child := range p.Children {
			WalkParts(child, fn)
		}
	case nil:
	}
}

// =============================================================================
// RawMessage - 프로바이더 원본 메시지
// =============================================================================

type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // epoch ms
	HistoryID    uint64
	Headers      textproto.MIMEHeader
	Payload      MimePart
}

// Header returns a top-level message header.
func (m *RawMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers.Get(name)
}
