package models

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const directPrefix = "dm_"

// DirectConversationID derives the canonical id shared by both members of a
// direct conversation. Argument order does not matter. The first id is length
// prefixed so no two distinct pairs map to the same id, whatever characters
// the account ids contain.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directPrefix + strconv.Itoa(len(a)) + "_" + a + "_" + b
}

// IsDirectConversationID reports whether id has the canonical pair form.
func IsDirectConversationID(id string) bool {
	return strings.HasPrefix(id, directPrefix)
}

// Conversation is a durable thread between a fixed pair or a mutable group.
type Conversation struct {
	ID                 string         `db:"id" json:"id"`
	ParticipantIDs     pq.StringArray `db:"participant_ids" json:"participant_ids"`
	ParticipantNames   NameMap        `db:"participant_names" json:"participant_names"`
	IsGroup            bool           `db:"is_group" json:"is_group"`
	GroupName          string         `db:"group_name" json:"group_name,omitempty"`
	GroupAvatar        string         `db:"group_avatar" json:"group_avatar,omitempty"`
	CreatorID          string         `db:"creator_id" json:"creator_id,omitempty"`
	LastMessagePreview string         `db:"last_message_preview" json:"last_message_preview"`
	LastMessageAt      time.Time      `db:"last_message_at" json:"last_message_at"`
	LastSenderID       string         `db:"last_sender_id" json:"last_sender_id,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
	Version            int64          `db:"version" json:"version"`
}

// HasParticipant reports whether accountID is a current member.
func (c Conversation) HasParticipant(accountID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == accountID {
			return true
		}
	}
	return false
}

// IsPairOf reports whether the conversation is a direct one between exactly
// a and b.
func (c Conversation) IsPairOf(a, b string) bool {
	if c.IsGroup || len(c.ParticipantIDs) != 2 || a == b {
		return false
	}
	return c.HasParticipant(a) && c.HasParticipant(b)
}

// OtherParticipants returns every member except accountID.
func (c Conversation) OtherParticipants(accountID string) []string {
	out := make([]string, 0, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id != accountID {
			out = append(out, id)
		}
	}
	return out
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c Conversation) Clone() Conversation {
	out := c
	out.ParticipantIDs = append(pq.StringArray(nil), c.ParticipantIDs...)
	out.ParticipantNames = make(NameMap, len(c.ParticipantNames))
	for k, v := range c.ParticipantNames {
		out.ParticipantNames[k] = v
	}
	return out
}

// ParticipantStatus decides where a conversation surfaces for a participant.
type ParticipantStatus string

const (
	StatusActive  ParticipantStatus = "active"
	StatusRequest ParticipantStatus = "request"
	StatusHidden  ParticipantStatus = "hidden"
)

// ParticipantState is the per-viewer mutable state of a conversation.
type ParticipantState struct {
	ConversationID string            `db:"conversation_id" json:"conversation_id"`
	AccountID      string            `db:"account_id" json:"account_id"`
	UnreadCount    int               `db:"unread_count" json:"unread_count"`
	IsMuted        bool              `db:"is_muted" json:"is_muted"`
	IsPinned       bool              `db:"is_pinned" json:"is_pinned"`
	IsArchived     bool              `db:"is_archived" json:"is_archived"`
	IsDeleted      bool              `db:"is_deleted" json:"is_deleted"`
	Status         ParticipantStatus `db:"status" json:"status"`
	LastReadAt     *time.Time        `db:"last_read_at" json:"last_read_at,omitempty"`
	Version        int64             `db:"version" json:"version"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	Conversation
	State ParticipantState `json:"state"`
}

// Merge folds another observation of the same conversation into v. The
// shared document and the viewer's state are versioned independently, so
// each half keeps whichever copy is newer. It reports whether v changed.
func (v ConversationView) Merge(o ConversationView) (ConversationView, bool) {
	changed := false
	if o.Conversation.Version > v.Conversation.Version {
		v.Conversation = o.Conversation
		changed = true
	}
	if o.State.Version > v.State.Version {
		v.State = o.State
		changed = true
	}
	return v, changed
}

// InInbox reports whether the view belongs in the viewer's main list.
func (v ConversationView) InInbox() bool {
	return v.State.Status == StatusActive && !v.State.IsDeleted
}

// InRequests reports whether the view belongs in the viewer's request list.
func (v ConversationView) InRequests() bool {
	return v.State.Status == StatusRequest && !v.State.IsDeleted
}

// ConversationLess orders pinned conversations first, then by most recent
// activity, then by id.
func ConversationLess(a, b ConversationView) bool {
	if a.State.IsPinned != b.State.IsPinned {
		return a.State.IsPinned
	}
	at, bt := a.activity(), b.activity()
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.ID < b.ID
}

func (v ConversationView) activity() time.Time {
	if v.LastMessageAt.IsZero() {
		return v.CreatedAt
	}
	return v.LastMessageAt
}

// SortConversations sorts views in list order.
func SortConversations(views []ConversationView) {
	sort.SliceStable(views, func(i, j int) bool { return ConversationLess(views[i], views[j]) })
}
