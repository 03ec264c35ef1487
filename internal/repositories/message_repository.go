package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

const messageColumns = `id, conversation_id, sender_id, text, attachments, reply_to_message_id, reactions,
        created_at, edited_at, is_deleted, is_pinned, is_starred, read_by, version`

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateIfAbsent stores a message under its id. created_at comes from the
// database clock so thread order follows write order.
func (r *MessageRepo) CreateIfAbsent(ctx context.Context, msg models.Message) (models.Message, bool, error) {
	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages
            (id, conversation_id, sender_id, text, attachments, reply_to_message_id, reactions, read_by)
        VALUES ($1, $2, $3, $4, $5, $6, '{}', '{}')
        ON CONFLICT (id) DO NOTHING
        RETURNING `+messageColumns,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.Attachments, msg.ReplyToMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, msg.ID)
		return existing, false, getErr
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return stored, true, nil
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// List returns the newest limit messages ordered by (created_at, id).
func (r *MessageRepo) List(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM (
            SELECT ` + messageColumns + ` FROM messages
            WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC
            LIMIT $2
        ) recent
        ORDER BY created_at ASC, id ASC`
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, query, conversationID, limit)
	return msgs, err
}

// CountFrom counts live messages a sender wrote in a conversation.
func (r *MessageRepo) CountFrom(ctx context.Context, conversationID, senderID string) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages
        WHERE conversation_id=$1 AND sender_id=$2 AND is_deleted = FALSE`, conversationID, senderID)
	return n, err
}

// Update applies patch to a message. A tombstone clears text, attachments,
// reactions and flags but keeps id and created_at.
func (r *MessageRepo) Update(ctx context.Context, id string, patch MessagePatch) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET
            text = CASE WHEN $2 THEN '' ELSE COALESCE($3, text) END,
            attachments = CASE WHEN $2 THEN '[]'::jsonb ELSE attachments END,
            reactions = CASE WHEN $2 THEN '{}'::jsonb ELSE reactions END,
            is_deleted = is_deleted OR $2,
            is_pinned = CASE WHEN $2 THEN FALSE ELSE COALESCE($4, is_pinned) END,
            is_starred = CASE WHEN $2 THEN FALSE ELSE COALESCE($5, is_starred) END,
            edited_at = COALESCE($6, edited_at),
            version = version + 1
        WHERE id=$1
        RETURNING `+messageColumns,
		id, patch.Tombstone, patch.Text, patch.IsPinned, patch.IsStarred, patch.EditedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// SetReaction merges a single key into the reactions document.
func (r *MessageRepo) SetReaction(ctx context.Context, id, accountID, emoji string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET
            reactions = CASE WHEN $3 = '' THEN reactions - $2::text
                ELSE reactions || jsonb_build_object($2::text, $3::text) END,
            version = version + 1
        WHERE id=$1
        RETURNING `+messageColumns, id, accountID, emoji)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// MarkRead stamps a read receipt on unread messages from other senders.
func (r *MessageRepo) MarkRead(ctx context.Context, conversationID, readerID string, at time.Time) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `UPDATE messages SET
            read_by = read_by || jsonb_build_object($2::text, $3::timestamptz),
            version = version + 1
        WHERE conversation_id=$1 AND sender_id <> $2 AND read_by -> $2::text IS NULL
        RETURNING `+messageColumns, conversationID, readerID, at)
	if err != nil {
		return nil, err
	}
	models.SortMessages(msgs)
	return msgs, nil
}
