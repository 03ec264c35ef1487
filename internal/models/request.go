package models

import "time"

// RequestState is the lifecycle position of a message request.
type RequestState string

const (
	RequestPending  RequestState = "pending"
	RequestAccepted RequestState = "accepted"
	RequestDeclined RequestState = "declined"
	RequestBlocked  RequestState = "blocked"
)

// Terminal reports whether no further transition is possible.
func (s RequestState) Terminal() bool {
	return s == RequestAccepted || s == RequestDeclined || s == RequestBlocked
}

// Rejected reports whether the sender's messages are suppressed.
func (s RequestState) Rejected() bool {
	return s == RequestDeclined || s == RequestBlocked
}

// RequestID is deterministic so a request is created at most once per
// conversation and direction.
func RequestID(conversationID, senderID string) string {
	return "req_" + conversationID + "_" + senderID
}

// MessageRequest is an unconfirmed first contact awaiting the recipient.
type MessageRequest struct {
	ID             string       `db:"id" json:"id"`
	ConversationID string       `db:"conversation_id" json:"conversation_id"`
	SenderID       string       `db:"sender_id" json:"sender_id"`
	RecipientID    string       `db:"recipient_id" json:"recipient_id"`
	State          RequestState `db:"state" json:"state"`
	IsRead         bool         `db:"is_read" json:"is_read"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// TypingEvent is an ephemeral typing indicator update.
type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	AccountID      string    `json:"account_id"`
	Typing         bool      `json:"typing"`
	ExpiresAt      time.Time `json:"expires_at"`
}
