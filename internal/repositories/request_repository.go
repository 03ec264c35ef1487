package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

const requestColumns = `id, conversation_id, sender_id, recipient_id, state, is_read, created_at, updated_at`

// RequestRepo is a sqlx implementation of RequestRepository.
type RequestRepo struct {
	db *sqlx.DB
}

// NewRequestRepo constructs a RequestRepo.
func NewRequestRepo(db *sqlx.DB) *RequestRepo {
	return &RequestRepo{db: db}
}

// CreateIfAbsent inserts a pending request unless one with the same id exists.
func (r *RequestRepo) CreateIfAbsent(ctx context.Context, req models.MessageRequest) (models.MessageRequest, bool, error) {
	var stored models.MessageRequest
	err := r.db.GetContext(ctx, &stored, `INSERT INTO message_requests (id, conversation_id, sender_id, recipient_id, state)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO NOTHING
        RETURNING `+requestColumns,
		req.ID, req.ConversationID, req.SenderID, req.RecipientID, req.State)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, req.ID)
		return existing, false, getErr
	}
	if err != nil {
		return models.MessageRequest{}, false, err
	}
	return stored, true, nil
}

// Get fetches a request by id.
func (r *RequestRepo) Get(ctx context.Context, id string) (models.MessageRequest, error) {
	var req models.MessageRequest
	err := r.db.GetContext(ctx, &req, `SELECT `+requestColumns+` FROM message_requests WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageRequest{}, ErrRequestNotFound
	}
	return req, err
}

// Transition is a compare-and-set on the state column.
func (r *RequestRepo) Transition(ctx context.Context, id string, from, to models.RequestState) (models.MessageRequest, bool, error) {
	var req models.MessageRequest
	err := r.db.GetContext(ctx, &req, `UPDATE message_requests SET state=$3, updated_at=NOW()
        WHERE id=$1 AND state=$2
        RETURNING `+requestColumns, id, from, to)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.Get(ctx, id)
		return current, false, getErr
	}
	if err != nil {
		return models.MessageRequest{}, false, err
	}
	return req, true, nil
}

// ListForRecipient returns requests addressed to recipientID in state, newest first.
func (r *RequestRepo) ListForRecipient(ctx context.Context, recipientID string, state models.RequestState) ([]models.MessageRequest, error) {
	var reqs []models.MessageRequest
	err := r.db.SelectContext(ctx, &reqs, `SELECT `+requestColumns+` FROM message_requests
        WHERE recipient_id=$1 AND state=$2
        ORDER BY updated_at DESC, id`, recipientID, state)
	return reqs, err
}

// MarkRead flags a request as seen by its recipient.
func (r *RequestRepo) MarkRead(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE message_requests SET is_read = TRUE WHERE id=$1`, id)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrRequestNotFound
	}
	return nil
}
