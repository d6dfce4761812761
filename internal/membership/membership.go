// Package membership reads conversation membership and maintains the
// per-member unread counter and read pointer. Membership itself is owned by
// another service; this package never adds or removes members.
package membership

import (
	"context"
	"database/sql"
	"errors"

	apperr "go-chat-delivery/internal/errors"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) IsActiveMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_members
			WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		)`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, apperr.NewDatabaseError("check membership", err)
	}
	return exists, nil
}

func (r *Repository) ActiveMembers(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1 AND left_at IS NULL
		ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, apperr.NewDatabaseError("list members", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.NewDatabaseError("scan member", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) IncrementUnread(ctx context.Context, conversationID, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_members SET unread_count = unread_count + 1
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL`, conversationID, userID)
	if err != nil {
		return apperr.NewDatabaseError("increment unread", err)
	}
	return nil
}

// MarkRead zeroes the unread counter and advances the read pointer to
// lastMessageID if that is further than the stored one.
func (r *Repository) MarkRead(ctx context.Context, conversationID, userID, lastMessageID int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE conversation_members
		SET unread_count = 0,
			last_read_message_id = GREATEST(last_read_message_id, $3),
			last_read_at = CASE WHEN $3 > last_read_message_id THEN now() ELSE last_read_at END
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID, lastMessageID)
	if err != nil {
		return apperr.NewDatabaseError("mark read", err)
	}
	return nil
}

type Action string

const ActionSendMessage Action = "SEND_MESSAGE"

type Decision struct {
	Allowed bool
	Reason  string
}

// BlockListAuthorizer answers interaction checks from the block list and the
// target's direct-message privacy switch.
type BlockListAuthorizer struct {
	db *sql.DB
}

func NewBlockListAuthorizer(db *sql.DB) *BlockListAuthorizer {
	return &BlockListAuthorizer{db: db}
}

func (a *BlockListAuthorizer) CanInteract(ctx context.Context, senderID, targetID int64, action Action) (Decision, error) {
	var blocked, disabled bool
	err := a.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (
				SELECT 1 FROM user_blocks
				WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
			),
			COALESCE((SELECT direct_messages_disabled FROM users WHERE id = $2), FALSE)`,
		senderID, targetID).Scan(&blocked, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Decision{Allowed: false, Reason: "user not found"}, nil
	}
	if err != nil {
		return Decision{}, apperr.NewDatabaseError("check interaction", err)
	}

	switch {
	case blocked:
		return Decision{Allowed: false, Reason: "you cannot message this user"}, nil
	case disabled && action == ActionSendMessage:
		return Decision{Allowed: false, Reason: "this user does not accept direct messages"}, nil
	}
	return Decision{Allowed: true}, nil
}
