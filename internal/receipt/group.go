package receipt

import (
	"context"
	"database/sql"
	"errors"

	apperr "go-chat-delivery/internal/errors"
)

// GroupStore keeps one message_receipts row per recipient and a read pointer
// per member. SEEN never downgrades to DELIVERED.
type GroupStore struct {
	db *sql.DB
}

func NewGroupStore(db *sql.DB) *GroupStore {
	return &GroupStore{db: db}
}

const groupMarkDelivered = `
	WITH ins AS (
		INSERT INTO message_receipts (message_id, user_id, status, updated_at)
		SELECT id, $2, 'DELIVERED', now()
		FROM messages
		WHERE id = ANY($1) AND deleted_at IS NULL AND sender_id IS DISTINCT FROM $2
		ON CONFLICT (message_id, user_id) DO NOTHING
		RETURNING message_id
	)
	UPDATE messages m
	SET delivered_count = m.delivered_count + 1
	FROM ins
	WHERE m.id = ins.message_id
	RETURNING m.id, COALESCE(m.sender_id, 0)`

func (s *GroupStore) MarkDelivered(ctx context.Context, messageIDs []int64, userID int64) ([]Transition, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, groupMarkDelivered, messageIDs, userID)
	if err != nil {
		return nil, apperr.NewDatabaseError("mark delivered", err)
	}
	return scanTransitions(rows)
}

// MarkSeen advances the read pointer to the newest of messageIDs. Everything
// at or below it counts as seen.
func (s *GroupStore) MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID int64) ([]Transition, error) {
	latest := maxID(messageIDs)
	if latest == 0 {
		return nil, nil
	}
	return s.MarkConversationRead(ctx, userID, conversationID, latest)
}

// MarkConversationRead moves the member's read pointer forward to
// latestMessageID. Messages in (previous, latest] that the user did not send
// are counted as seen exactly once. The member row is locked for the whole
// transaction so two concurrent advances cannot both count the same range.
func (s *GroupStore) MarkConversationRead(ctx context.Context, userID, conversationID, latestMessageID int64) ([]Transition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.NewDatabaseError("begin read", err)
	}
	defer tx.Rollback()

	var previous int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(last_read_message_id, 0)
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2 AND left_at IS NULL
		FOR UPDATE`, conversationID, userID).Scan(&previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Forbidden("user %d is not a member of conversation %d", userID, conversationID)
	}
	if err != nil {
		return nil, apperr.NewDatabaseError("lock member", err)
	}

	if latestMessageID <= previous {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_members
		SET last_read_message_id = $3, last_read_at = now(), unread_count = 0
		WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID, latestMessageID); err != nil {
		return nil, apperr.NewDatabaseError("advance read pointer", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE messages
		SET seen_count = seen_count + 1
		WHERE conversation_id = $1
			AND id > $2 AND id <= $3
			AND deleted_at IS NULL
			AND sender_id IS DISTINCT FROM $4
		RETURNING id, COALESCE(sender_id, 0)`,
		conversationID, previous, latestMessageID, userID)
	if err != nil {
		return nil, apperr.NewDatabaseError("count seen", err)
	}
	transitions, err := scanTransitions(rows)
	if err != nil {
		return nil, err
	}

	if len(transitions) > 0 {
		ids := make([]int64, len(transitions))
		for i, t := range transitions {
			ids[i] = t.MessageID
		}
		// Seen without a prior delivered row still counts as a delivery.
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages m
			SET delivered_count = m.delivered_count + 1
			WHERE m.id = ANY($1)
				AND NOT EXISTS (
					SELECT 1 FROM message_receipts r
					WHERE r.message_id = m.id AND r.user_id = $2)`,
			ids, userID); err != nil {
			return nil, apperr.NewDatabaseError("backfill delivered", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_receipts (message_id, user_id, status, updated_at)
			SELECT unnest($1::bigint[]), $2, 'SEEN', now()
			ON CONFLICT (message_id, user_id)
			DO UPDATE SET status = 'SEEN', updated_at = EXCLUDED.updated_at
			WHERE message_receipts.status <> 'SEEN'`,
			ids, userID); err != nil {
			return nil, apperr.NewDatabaseError("upsert seen", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.NewDatabaseError("commit read", err)
	}
	return transitions, nil
}

func (s *GroupStore) List(ctx context.Context, messageID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, status, updated_at
		FROM message_receipts
		WHERE message_id = $1
		ORDER BY user_id`, messageID)
	if err != nil {
		return nil, apperr.NewDatabaseError("list receipts", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e      Entry
			status string
			at     sql.NullTime
		)
		if err := rows.Scan(&e.UserID, &status, &at); err != nil {
			return nil, apperr.NewDatabaseError("scan receipt", err)
		}
		if at.Valid {
			ts := at.Time
			e.Delivered = &ts
			if status == "SEEN" {
				e.Seen = &ts
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabaseError("list receipts", err)
	}
	return entries, nil
}
