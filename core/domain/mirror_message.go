package domain

import "strings"

// Gmail system labels that drive the message flags.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// =============================================================================
// Message - 미러링된 메일
// =============================================================================

type Message struct {
	ID             string       `json:"id"`
	AccountID      string       `json:"account_id"`
	ThreadID       string       `json:"thread_id"`
	Subject        string       `json:"subject"`
	FromEmail      string       `json:"from_email"`
	FromName       string       `json:"from_name,omitempty"`
	To             []Address    `json:"to,omitempty"`
	Cc             []Address    `json:"cc,omitempty"`
	Snippet        string       `json:"snippet,omitempty"`
	BodyText       string       `json:"body_text,omitempty"`
	BodyHTML       string       `json:"body_html,omitempty"`
	BodyHydrated   bool         `json:"body_hydrated"`
	Timestamp      int64        `json:"timestamp"` // epoch ms
	IsRead         bool         `json:"is_read"`
	IsStarred      bool         `json:"is_starred"`
	Labels         []string     `json:"labels"`
	HasAttachments bool         `json:"has_attachments"`
	CategoryID     *string      `json:"category_id,omitempty"`
	TopicID        *string      `json:"topic_id,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// HasLabel reports whether the message carries label, case-insensitive.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// ApplyLabelFlags derives the read and starred flags from the label set.
func (m *Message) ApplyLabelFlags() {
	m.IsRead = !m.HasLabel(LabelUnread)
	m.IsStarred = m.HasLabel(LabelStarred)
}

// StripBody drops body content so it can be hydrated later.
func (m *Message) StripBody() {
	m.BodyText = ""
	m.BodyHTML = ""
	m.BodyHydrated = false
}

type Attachment struct {
	ID                   string `json:"id"`
	MessageID            string `json:"message_id"`
	Filename             string `json:"filename"`
	MimeType             string `json:"mime_type"`
	Size                 int64  `json:"size"`
	ProviderAttachmentID string `json:"provider_attachment_id"`
}

// =============================================================================
// Label delta
// =============================================================================

// LabelChange describes labels to add and remove on one stored message.
type LabelChange struct {
	MessageID string
	Add       []string
	Remove    []string
	Replace   []string // full label set when the provider reports one
}

// MergeLabels applies a change to a label set, keeping first-seen order and dropping duplicates.
func MergeLabels(current []string, change LabelChange) []string {
	base := current
	if change.Replace != nil {
		base = change.Replace
	}

	removed := make(map[string]bool, len(change.Remove))
	for _, l := range change.Remove {
		removed[strings.ToUpper(l)] = true
	}

	seen := make(map[string]bool, len(base)+len(change.Add))
	out := make([]string, 0, len(base)+len(change.Add))
	appendLabel := func(l string) {
		key := strings.ToUpper(l)
		if l == "" || seen[key] || removed[key] {
			return
		}
		seen[key] = true
		out = append(out, l)
	}
	for _, l := range base {
		appendLabel(l)
	}
	for _, l := range change.Add {
		appendLabel(l)
	}
	return out
}
