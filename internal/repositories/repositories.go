package repositories

import (
	"context"
	"errors"
	"time"

	"messaging-service/internal/models"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrParticipantNotFound  = errors.New("participant not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrRequestNotFound      = errors.New("message request not found")
	ErrAccountNotFound      = errors.New("account not found")
)

// ConversationRepository persists conversations and per-participant state.
// Every mutation is a field-level update so concurrent writers touching
// different fields never overwrite each other.
type ConversationRepository interface {
	// CreateIfAbsent inserts conv and its participant states unless a
	// conversation with the same id exists. It returns the stored document
	// and whether this call created it.
	CreateIfAbsent(ctx context.Context, conv models.Conversation, states []models.ParticipantState) (models.Conversation, bool, error)
	Get(ctx context.Context, id string) (models.Conversation, error)
	GetState(ctx context.Context, conversationID, accountID string) (models.ParticipantState, error)
	ListStates(ctx context.Context, conversationID string) ([]models.ParticipantState, error)
	// ListForAccount returns every conversation the account currently
	// participates in, including ones it soft-deleted.
	ListForAccount(ctx context.Context, accountID string) ([]models.ConversationView, error)
	RecordMessage(ctx context.Context, conversationID string, msg models.Message) (models.Conversation, error)
	UpdateState(ctx context.Context, conversationID, accountID string, patch StatePatch) (models.ParticipantState, error)
	AddParticipants(ctx context.Context, conversationID string, ids []string, names models.NameMap) (models.Conversation, error)
	// RemoveParticipant drops accountID from the member list. When the
	// creator leaves, the first remaining member becomes creator.
	RemoveParticipant(ctx context.Context, conversationID, accountID string) (models.Conversation, error)
	UpdateGroup(ctx context.Context, conversationID string, patch GroupPatch) (models.Conversation, error)
}

// StatePatch lists the participant fields to change. Nil fields are left
// alone. UnreadCount is applied before UnreadDelta.
type StatePatch struct {
	IsMuted     *bool
	IsPinned    *bool
	IsArchived  *bool
	IsDeleted   *bool
	Status      *models.ParticipantStatus
	UnreadCount *int
	UnreadDelta int
	LastReadAt  *time.Time
}

// GroupPatch lists the group fields to change.
type GroupPatch struct {
	Name   *string
	Avatar *string
}

// MessageRepository persists messages. Creation time is assigned by the store.
type MessageRepository interface {
	CreateIfAbsent(ctx context.Context, msg models.Message) (models.Message, bool, error)
	Get(ctx context.Context, id string) (models.Message, error)
	// List returns the newest limit messages in ascending thread order.
	List(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	CountFrom(ctx context.Context, conversationID, senderID string) (int, error)
	Update(ctx context.Context, id string, patch MessagePatch) (models.Message, error)
	// SetReaction replaces accountID's reaction. An empty emoji removes it.
	SetReaction(ctx context.Context, id, accountID, emoji string) (models.Message, error)
	// MarkRead stamps readerID on every message from others that it has not
	// read yet and returns the messages that changed.
	MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]models.Message, error)
}

// MessagePatch lists the message fields to change. Tombstone clears content.
type MessagePatch struct {
	Text      *string
	EditedAt  *time.Time
	Tombstone bool
	IsPinned  *bool
	IsStarred *bool
}

// RequestRepository persists message requests.
type RequestRepository interface {
	CreateIfAbsent(ctx context.Context, req models.MessageRequest) (models.MessageRequest, bool, error)
	Get(ctx context.Context, id string) (models.MessageRequest, error)
	// Transition moves a request from one state to another only if it is
	// still in from. It returns the current request and whether it moved.
	Transition(ctx context.Context, id string, from, to models.RequestState) (models.MessageRequest, bool, error)
	ListForRecipient(ctx context.Context, recipientID string, state models.RequestState) ([]models.MessageRequest, error)
	MarkRead(ctx context.Context, id string) error
}

// IdentityRepository reads accounts and relationship edges.
type IdentityRepository interface {
	GetAccount(ctx context.Context, id string) (models.Account, error)
	Follows(ctx context.Context, followerID, followeeID string) (bool, error)
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	Block(ctx context.Context, blockerID, blockedID string) error
}
