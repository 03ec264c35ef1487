package repositories

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"messaging-service/internal/models"
)

const conversationColumns = `id, participant_ids, participant_names, is_group, group_name, group_avatar, creator_id,
        last_message_preview, last_message_at, last_sender_id, created_at, updated_at, version`

const stateColumns = `conversation_id, account_id, unread_count, is_muted, is_pinned, is_archived, is_deleted,
        status, last_read_at, version`

// ConversationRepo is a sqlx implementation of ConversationRepository.
type ConversationRepo struct {
	db *sqlx.DB
}

// NewConversationRepo constructs a ConversationRepo.
func NewConversationRepo(db *sqlx.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

// CreateIfAbsent inserts the conversation keyed by its id. A concurrent
// creator of the same id loses the insert and reads the winner's row.
func (r *ConversationRepo) CreateIfAbsent(ctx context.Context, conv models.Conversation, states []models.ParticipantState) (models.Conversation, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT INTO conversations
        (id, participant_ids, participant_names, is_group, group_name, group_avatar, creator_id, last_message_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 'epoch')
        ON CONFLICT (id) DO NOTHING`,
		conv.ID, pq.StringArray(conv.ParticipantIDs), conv.ParticipantNames, conv.IsGroup, conv.GroupName, conv.GroupAvatar, conv.CreatorID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Conversation{}, false, err
	}

	created := affected == 1
	if created {
		for _, st := range states {
			if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, account_id, status)
                VALUES ($1, $2, $3) ON CONFLICT (conversation_id, account_id) DO NOTHING`,
				conv.ID, st.AccountID, st.Status); err != nil {
				return models.Conversation{}, false, err
			}
		}
	}

	var stored models.Conversation
	if err = tx.GetContext(ctx, &stored, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, conv.ID); err != nil {
		return models.Conversation{}, false, err
	}
	if err = tx.Commit(); err != nil {
		return models.Conversation{}, false, err
	}
	return stored, created, nil
}

// Get fetches a conversation by id.
func (r *ConversationRepo) Get(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// GetState fetches one participant's state.
func (r *ConversationRepo) GetState(ctx context.Context, conversationID, accountID string) (models.ParticipantState, error) {
	var st models.ParticipantState
	err := r.db.GetContext(ctx, &st, `SELECT `+stateColumns+` FROM conversation_participants
        WHERE conversation_id=$1 AND account_id=$2`, conversationID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ParticipantState{}, ErrParticipantNotFound
	}
	return st, err
}

// ListStates returns every participant state row of a conversation.
func (r *ConversationRepo) ListStates(ctx context.Context, conversationID string) ([]models.ParticipantState, error) {
	var states []models.ParticipantState
	err := r.db.SelectContext(ctx, &states, `SELECT `+stateColumns+` FROM conversation_participants
        WHERE conversation_id=$1 ORDER BY account_id`, conversationID)
	return states, err
}

type viewRow struct {
	models.Conversation
	SAccountID  string                   `db:"s_account_id"`
	SUnread     int                      `db:"s_unread_count"`
	SIsMuted    bool                     `db:"s_is_muted"`
	SIsPinned   bool                     `db:"s_is_pinned"`
	SIsArchived bool                     `db:"s_is_archived"`
	SIsDeleted  bool                     `db:"s_is_deleted"`
	SStatus     models.ParticipantStatus `db:"s_status"`
	SLastReadAt *time.Time               `db:"s_last_read_at"`
	SVersion    int64                    `db:"s_version"`
}

func (v viewRow) view() models.ConversationView {
	return models.ConversationView{
		Conversation: v.Conversation,
		State: models.ParticipantState{
			ConversationID: v.ID,
			AccountID:      v.SAccountID,
			UnreadCount:    v.SUnread,
			IsMuted:        v.SIsMuted,
			IsPinned:       v.SIsPinned,
			IsArchived:     v.SIsArchived,
			IsDeleted:      v.SIsDeleted,
			Status:         v.SStatus,
			LastReadAt:     v.SLastReadAt,
			Version:        v.SVersion,
		},
	}
}

// ListForAccount returns the account's conversations with its own state.
func (r *ConversationRepo) ListForAccount(ctx context.Context, accountID string) ([]models.ConversationView, error) {
	query := `SELECT c.id, c.participant_ids, c.participant_names, c.is_group, c.group_name, c.group_avatar,
            c.creator_id, c.last_message_preview, c.last_message_at, c.last_sender_id, c.created_at,
            c.updated_at, c.version,
            p.account_id AS s_account_id, p.unread_count AS s_unread_count, p.is_muted AS s_is_muted,
            p.is_pinned AS s_is_pinned, p.is_archived AS s_is_archived, p.is_deleted AS s_is_deleted,
            p.status AS s_status, p.last_read_at AS s_last_read_at, p.version AS s_version
        FROM conversations c
        INNER JOIN conversation_participants p ON p.conversation_id = c.id AND p.account_id = $1
        WHERE $1 = ANY(c.participant_ids)`
	rows, err := r.db.QueryxContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []models.ConversationView
	for rows.Next() {
		var row viewRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		result = append(result, row.view())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	models.SortConversations(result)
	return result, nil
}

// RecordMessage moves the denormalized preview forward. An older message
// that commits late never replaces a newer preview.
func (r *ConversationRepo) RecordMessage(ctx context.Context, conversationID string, msg models.Message) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET
            last_message_preview = CASE WHEN $3::timestamptz >= last_message_at THEN $2 ELSE last_message_preview END,
            last_sender_id = CASE WHEN $3::timestamptz >= last_message_at THEN $4 ELSE last_sender_id END,
            last_message_at = GREATEST(last_message_at, $3::timestamptz),
            updated_at = NOW(),
            version = version + 1
        WHERE id=$1
        RETURNING `+conversationColumns,
		conversationID, msg.Preview(), msg.CreatedAt, msg.SenderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}

// UpdateState applies patch to one participant row.
func (r *ConversationRepo) UpdateState(ctx context.Context, conversationID, accountID string, patch StatePatch) (models.ParticipantState, error) {
	var st models.ParticipantState
	err := r.db.GetContext(ctx, &st, `UPDATE conversation_participants SET
            is_muted = COALESCE($3, is_muted),
            is_pinned = COALESCE($4, is_pinned),
            is_archived = COALESCE($5, is_archived),
            is_deleted = COALESCE($6, is_deleted),
            status = COALESCE($7, status),
            unread_count = GREATEST(COALESCE($8, unread_count) + $9, 0),
            last_read_at = COALESCE($10, last_read_at),
            version = version + 1
        WHERE conversation_id=$1 AND account_id=$2
        RETURNING `+stateColumns,
		conversationID, accountID,
		patch.IsMuted, patch.IsPinned, patch.IsArchived, patch.IsDeleted, patch.Status,
		patch.UnreadCount, patch.UnreadDelta, patch.LastReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ParticipantState{}, ErrParticipantNotFound
	}
	return st, err
}

// AddParticipants appends ids that are not yet members, merges their names
// and (re)activates their state rows, all in one transaction.
func (r *ConversationRepo) AddParticipants(ctx context.Context, conversationID string, ids []string, names models.NameMap) (models.Conversation, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var conv models.Conversation
	err = tx.GetContext(ctx, &conv, `UPDATE conversations SET
            participant_ids = participant_ids || ARRAY(
                SELECT x FROM unnest($2::text[]) WITH ORDINALITY AS t(x, n)
                WHERE NOT x = ANY(participant_ids) ORDER BY n),
            participant_names = participant_names || $3::jsonb,
            updated_at = NOW(),
            version = version + 1
        WHERE id=$1
        RETURNING `+conversationColumns,
		conversationID, pq.StringArray(ids), names)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrConversationNotFound
		return models.Conversation{}, err
	}
	if err != nil {
		return models.Conversation{}, err
	}

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO conversation_participants (conversation_id, account_id, status)
            VALUES ($1, $2, 'active')
            ON CONFLICT (conversation_id, account_id) DO UPDATE SET
                status = 'active',
                is_deleted = FALSE,
                version = conversation_participants.version + 1`, conversationID, id); err != nil {
			return models.Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// RemoveParticipant drops one member. Removing a non-member returns the
// conversation unchanged.
func (r *ConversationRepo) RemoveParticipant(ctx context.Context, conversationID, accountID string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET
            participant_ids = array_remove(participant_ids, $2),
            participant_names = participant_names - $2,
            creator_id = CASE WHEN creator_id = $2
                THEN COALESCE((array_remove(participant_ids, $2))[1], '')
                ELSE creator_id END,
            updated_at = NOW(),
            version = version + 1
        WHERE id=$1 AND $2 = ANY(participant_ids)
        RETURNING `+conversationColumns, conversationID, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return r.Get(ctx, conversationID)
	}
	return conv, err
}

// UpdateGroup changes the group name or avatar.
func (r *ConversationRepo) UpdateGroup(ctx context.Context, conversationID string, patch GroupPatch) (models.Conversation, error) {
	var conv models.Conversation
	err := r.db.GetContext(ctx, &conv, `UPDATE conversations SET
            group_name = COALESCE($2, group_name),
            group_avatar = COALESCE($3, group_avatar),
            updated_at = NOW(),
            version = version + 1
        WHERE id=$1
        RETURNING `+conversationColumns, conversationID, patch.Name, patch.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, err
}
