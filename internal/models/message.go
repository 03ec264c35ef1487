package models

import (
	"sort"
	"time"
)

// SystemSenderID marks messages generated by the service itself.
const SystemSenderID = "system"

// AttachmentType classifies an attachment.
type AttachmentType string

const AttachmentPhoto AttachmentType = "photo"

// Attachment references an uploaded object; raw bytes never live here.
type Attachment struct {
	Type        AttachmentType `json:"type"`
	Ref         string         `json:"ref"`
	ContentType string         `json:"content_type,omitempty"`
	Size        int64          `json:"size,omitempty"`
}

// Message is one entry in a conversation. Deletion leaves a tombstone.
type Message struct {
	ID               string       `db:"id" json:"id"`
	ConversationID   string       `db:"conversation_id" json:"conversation_id"`
	SenderID         string       `db:"sender_id" json:"sender_id"`
	Text             string       `db:"text" json:"text"`
	Attachments      Attachments  `db:"attachments" json:"attachments"`
	ReplyToMessageID string       `db:"reply_to_message_id" json:"reply_to_message_id,omitempty"`
	Reactions        Reactions    `db:"reactions" json:"reactions"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	EditedAt         *time.Time   `db:"edited_at" json:"edited_at,omitempty"`
	IsDeleted        bool         `db:"is_deleted" json:"is_deleted"`
	IsPinned         bool         `db:"is_pinned" json:"is_pinned"`
	IsStarred        bool         `db:"is_starred" json:"is_starred"`
	ReadBy           ReadReceipts `db:"read_by" json:"read_by"`
	Version          int64        `db:"version" json:"version"`

	// Pending marks a local optimistic echo that the store has not confirmed.
	Pending bool `db:"-" json:"pending,omitempty"`
}

// Preview is the short text shown in conversation lists.
func (m Message) Preview() string {
	if m.IsDeleted {
		return ""
	}
	if m.Text != "" {
		r := []rune(m.Text)
		if len(r) > 80 {
			return string(r[:80]) + "…"
		}
		return m.Text
	}
	if len(m.Attachments) > 0 {
		return "📷 Photo"
	}
	return ""
}

// Tombstone clears displayable content while keeping identity and position.
func (m Message) Tombstone() Message {
	m.Text = ""
	m.Attachments = Attachments{}
	m.Reactions = Reactions{}
	m.IsDeleted = true
	m.IsPinned = false
	m.IsStarred = false
	return m
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	out := m
	out.Attachments = append(Attachments(nil), m.Attachments...)
	out.Reactions = make(Reactions, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = v
	}
	out.ReadBy = make(ReadReceipts, len(m.ReadBy))
	for k, v := range m.ReadBy {
		out.ReadBy[k] = v
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// MessageLess orders by creation time with the id as tiebreaker.
func MessageLess(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts messages in thread order.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return MessageLess(msgs[i], msgs[j]) })
}
