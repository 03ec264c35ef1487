package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"messaging-service/internal/models"
)

// IdentityRepo reads accounts and relationship edges from Postgres.
type IdentityRepo struct {
	db *sqlx.DB
}

// NewIdentityRepo constructs an IdentityRepo.
func NewIdentityRepo(db *sqlx.DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

func (r *IdentityRepo) GetAccount(ctx context.Context, id string) (models.Account, error) {
	var acc models.Account
	err := r.db.GetContext(ctx, &acc, `SELECT id, display_name, username, avatar_url, allows_messages_from
        FROM accounts WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrAccountNotFound
	}
	return acc, err
}

// GetPrivacy reads the account's privacy setting alone.
func (r *IdentityRepo) GetPrivacy(ctx context.Context, id string) (models.Privacy, error) {
	var p models.Privacy
	err := r.db.GetContext(ctx, &p, `SELECT allows_messages_from FROM accounts WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	return p, err
}

func (r *IdentityRepo) Follows(ctx context.Context, followerID, followeeID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id=$1 AND followee_id=$2)`,
		followerID, followeeID)
	return exists, err
}

func (r *IdentityRepo) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM blocks WHERE blocker_id=$1 AND blocked_id=$2)`,
		blockerID, blockedID)
	return exists, err
}

// Block records a block edge. Repeating it is harmless.
func (r *IdentityRepo) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
        ON CONFLICT (blocker_id, blocked_id) DO NOTHING`, blockerID, blockedID)
	return err
}
