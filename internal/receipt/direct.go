package receipt

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"time"

	"go-chat-delivery/internal/chat"
	apperr "go-chat-delivery/internal/errors"
)

// DirectStore keeps receipts inline on the message row as
// { "<userId>": { "delivered": ts|null, "seen": ts|null } }.
type DirectStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewDirectStore(db *sql.DB) *DirectStore {
	return &DirectStore{db: db, now: time.Now}
}

// The WHERE guard on the user's current value is what makes these updates
// idempotent: a second call finds the field set and matches no rows.
const directMarkDelivered = `
	UPDATE messages
	SET receipts = jsonb_set(
			receipts,
			ARRAY[$2::text],
			COALESCE(receipts -> $2::text, '{"seen": null}'::jsonb)
				|| jsonb_build_object('delivered', $3::timestamptz)),
		delivered_count = delivered_count + 1
	WHERE id = ANY($1)
		AND deleted_at IS NULL
		AND sender_id IS DISTINCT FROM $4
		AND (receipts -> $2::text ->> 'delivered') IS NULL
	RETURNING id, COALESCE(sender_id, 0)`

const directMarkSeen = `
	UPDATE messages
	SET receipts = jsonb_set(
			receipts,
			ARRAY[$3::text],
			jsonb_build_object(
				'delivered', CASE WHEN (receipts -> $3::text ->> 'delivered') IS NULL
					THEN to_jsonb($4::timestamptz)
					ELSE receipts -> $3::text -> 'delivered' END,
				'seen', to_jsonb($4::timestamptz))),
		seen_count = seen_count + 1,
		delivered_count = delivered_count
			+ CASE WHEN (receipts -> $3::text ->> 'delivered') IS NULL THEN 1 ELSE 0 END
	WHERE conversation_id = $1
		AND id = ANY($2)
		AND deleted_at IS NULL
		AND sender_id IS DISTINCT FROM $5
		AND (receipts -> $3::text ->> 'seen') IS NULL
	RETURNING id, COALESCE(sender_id, 0)`

func (s *DirectStore) MarkDelivered(ctx context.Context, messageIDs []int64, userID int64) ([]Transition, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, directMarkDelivered,
		messageIDs, strconv.FormatInt(userID, 10), s.now().UTC(), userID)
	if err != nil {
		return nil, apperr.NewDatabaseError("mark delivered", err)
	}
	return scanTransitions(rows)
}

// MarkSeen also backfills delivered, since seeing implies having received.
func (s *DirectStore) MarkSeen(ctx context.Context, conversationID int64, messageIDs []int64, userID int64) ([]Transition, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, directMarkSeen,
		conversationID, messageIDs, strconv.FormatInt(userID, 10), s.now().UTC(), userID)
	if err != nil {
		return nil, apperr.NewDatabaseError("mark seen", err)
	}
	return scanTransitions(rows)
}

func (s *DirectStore) List(ctx context.Context, messageID int64) ([]Entry, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT receipts FROM messages WHERE id = $1 AND deleted_at IS NULL`, messageID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message", messageID)
	}
	if err != nil {
		return nil, apperr.NewDatabaseError("list receipts", err)
	}

	var inline map[string]chat.Receipt
	if err := json.Unmarshal(raw, &inline); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(inline))
	for key, r := range inline {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{UserID: userID, Delivered: r.Delivered, Seen: r.Seen})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

func scanTransitions(rows *sql.Rows) ([]Transition, error) {
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.MessageID, &t.SenderID); err != nil {
			return nil, apperr.NewDatabaseError("scan receipt", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabaseError("scan receipt", err)
	}
	return out, nil
}
