package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	apperr "go-chat-delivery/internal/errors"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	clientMessageIDConstraint = "messages_client_message_id_key"
	conversationFKConstraint  = "messages_conversation_id_fkey"
	senderFKConstraint        = "messages_sender_id_fkey"
	replyToFKConstraint       = "messages_reply_to_id_fkey"
	mediaMessageFKConstraint  = "media_message_id_fkey"
)

// ErrDuplicateClientMessageID is returned by Create when a concurrent send
// with the same idempotency token committed first.
var ErrDuplicateClientMessageID = errors.New("duplicate client message id")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `
	m.id, m.conversation_id, c.type, m.sender_id, u.username, m.type, m.content, m.metadata,
	m.client_message_id, m.reply_to_id, m.receipts, m.delivered_count, m.seen_count,
	m.deleted_at, m.deleted_by, m.created_at
	FROM messages m
	JOIN conversations c ON c.id = m.conversation_id
	LEFT JOIN users u ON u.id = m.sender_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg       Message
		senderID  sql.NullInt64
		username  sql.NullString
		content   sql.NullString
		metadata  []byte
		token     sql.NullString
		replyTo   sql.NullInt64
		receipts  []byte
		deletedAt sql.NullTime
		deletedBy sql.NullInt64
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.ConversationType, &senderID, &username,
		&msg.Type, &content, &metadata, &token, &replyTo, &receipts, &msg.DeliveredCount,
		&msg.SeenCount, &deletedAt, &deletedBy, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	if senderID.Valid {
		id := senderID.Int64
		msg.SenderID = &id
		msg.Sender = &Sender{ID: id, Username: username.String}
	}
	if content.Valid {
		c := content.String
		msg.Content = &c
	}
	if len(metadata) > 0 && string(metadata) != "{}" {
		msg.Metadata = json.RawMessage(metadata)
	}
	msg.ClientMessageID = token.String
	if replyTo.Valid {
		r := replyTo.Int64
		msg.ReplyToID = &r
	}
	if msg.ConversationType == ConversationDirect && len(receipts) > 0 {
		if err := json.Unmarshal(receipts, &msg.Receipts); err != nil {
			return nil, fmt.Errorf("decode receipts of message %d: %w", msg.ID, err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	if deletedBy.Valid {
		d := deletedBy.Int64
		msg.DeletedBy = &d
	}
	msg.Attachments = []Attachment{}
	return &msg, nil
}

// FindByID returns an undeleted message, or nil if none exists.
func (r *Repository) FindByID(ctx context.Context, id int64) (*Message, error) {
	return r.findOne(ctx, `SELECT `+messageColumns+` WHERE m.id = $1 AND m.deleted_at IS NULL`, id)
}

// FindByClientMessageID resolves an idempotency token to its row, deleted or
// not, so that a retried send always returns the original message.
func (r *Repository) FindByClientMessageID(ctx context.Context, token string) (*Message, error) {
	return r.findOne(ctx, `SELECT `+messageColumns+` WHERE m.client_message_id = $1`, token)
}

func (r *Repository) findOne(ctx context.Context, query string, arg any) (*Message, error) {
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewDatabaseError("find message", err)
	}
	if err := r.attachMedia(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Repository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c := &Conversation{}
	err := r.db.QueryRowContext(ctx, `SELECT id, type FROM conversations WHERE id = $1`, id).Scan(&c.ID, &c.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewDatabaseError("get conversation", err)
	}
	return c, nil
}

// GetMedia returns the media rows among ids that exist; missing ids are
// simply absent from the result.
func (r *Repository) GetMedia(ctx context.Context, ids []int64) ([]Media, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, owner_id, message_id, kind, status, url, mime_type, size_bytes, deleted_at
		FROM media WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, apperr.NewDatabaseError("get media", err)
	}
	defer rows.Close()

	var out []Media
	for rows.Next() {
		var (
			m         Media
			messageID sql.NullInt64
			deletedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &messageID, &m.Kind, &m.Status, &m.URL,
			&m.MimeType, &m.SizeBytes, &deletedAt); err != nil {
			return nil, apperr.NewDatabaseError("scan media", err)
		}
		if messageID.Valid {
			id := messageID.Int64
			m.MessageID = &id
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			m.DeletedAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplyTarget is the minimal view of a message being replied to.
type ReplyTarget struct {
	ID             int64
	ConversationID int64
	Deleted        bool
}

func (r *Repository) GetReplyTarget(ctx context.Context, id int64) (*ReplyTarget, error) {
	t := &ReplyTarget{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, deleted_at IS NOT NULL FROM messages WHERE id = $1`, id).
		Scan(&t.ID, &t.ConversationID, &t.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.NewDatabaseError("get reply target", err)
	}
	return t, nil
}

// NewMessage carries the columns written by Create.
type NewMessage struct {
	ConversationID  int64
	SenderID        int64
	Type            MessageType
	Content         *string
	Metadata        json.RawMessage
	ClientMessageID string
	ReplyToID       *int64
	MediaIDs        []int64
}

// Create inserts the message, links its media and bumps the conversation's
// last activity in one transaction. It returns the new id.
func (r *Repository) Create(ctx context.Context, nm *NewMessage) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.NewDatabaseError("begin", err)
	}
	defer tx.Rollback()

	metadata := "{}"
	if len(nm.Metadata) > 0 {
		metadata = string(nm.Metadata)
	}

	var (
		id        int64
		createdAt time.Time
	)
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, type, content, metadata, client_message_id, reply_to_id)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		RETURNING id, created_at`,
		nm.ConversationID, nm.SenderID, string(nm.Type), nm.Content, metadata, nm.ClientMessageID, nm.ReplyToID,
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, classifyWriteError(err, nm)
	}

	if len(nm.MediaIDs) > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE media SET message_id = $1
			WHERE id = ANY($2) AND owner_id = $3 AND message_id IS NULL AND deleted_at IS NULL`,
			id, nm.MediaIDs, nm.SenderID)
		if err != nil {
			return 0, classifyWriteError(err, nm)
		}
		linked, err := res.RowsAffected()
		if err != nil {
			return 0, apperr.NewDatabaseError("link media", err)
		}
		if linked != int64(len(nm.MediaIDs)) {
			return 0, apperr.MediaUnavailable(fmt.Errorf("linked %d of %d media", linked, len(nm.MediaIDs)))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = $2 WHERE id = $1`, nm.ConversationID, createdAt); err != nil {
		return 0, classifyWriteError(err, nm)
	}

	if err := tx.Commit(); err != nil {
		return 0, classifyWriteError(err, nm)
	}
	return id, nil
}

// classifyWriteError maps constraint violations raised while creating nm to
// the errors callers act on. Anything unrecognised is a database failure.
func classifyWriteError(err error, nm *NewMessage) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == clientMessageIDConstraint {
				return ErrDuplicateClientMessageID
			}
		case pgForeignKeyViolation:
			switch pgErr.ConstraintName {
			case mediaMessageFKConstraint:
				return apperr.MediaUnavailable(err)
			case replyToFKConstraint:
				return apperr.Wrap(err, apperr.ErrCodeInvalidInput, "reply target no longer exists").
					WithUserMessage("reply target no longer exists")
			case conversationFKConstraint:
				return apperr.NotFound("conversation", nm.ConversationID)
			case senderFKConstraint:
				return apperr.NotFound("user", nm.SenderID)
			}
		}
	}
	return apperr.NewDatabaseError("create message", err)
}

// ListPage fetches up to q.Limit+1 undeleted rows in the requested direction.
// Older pages come back newest-first, newer pages oldest-first.
func (r *Repository) ListPage(ctx context.Context, q PageQuery) ([]*Message, error) {
	var (
		where = []string{"m.conversation_id = $1", "m.deleted_at IS NULL"}
		args  = []any{q.ConversationID}
		order = "DESC"
	)
	if q.Direction == DirectionNewer {
		order = "ASC"
	}
	if q.Cursor != nil {
		args = append(args, *q.Cursor)
		if q.Direction == DirectionNewer {
			where = append(where, fmt.Sprintf("m.id > $%d", len(args)))
		} else {
			where = append(where, fmt.Sprintf("m.id < $%d", len(args)))
		}
	}
	args = append(args, q.Limit+1)
	query := fmt.Sprintf(`SELECT %s WHERE %s ORDER BY m.id %s LIMIT $%d`,
		messageColumns, strings.Join(where, " AND "), order, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.NewDatabaseError("list messages", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, apperr.NewDatabaseError("scan message", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.NewDatabaseError("list messages", err)
	}
	if err := r.attachMedia(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *Repository) attachMedia(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*Message, len(msgs))
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, id, kind, status, url, mime_type, size_bytes
		FROM media WHERE message_id = ANY($1) AND deleted_at IS NULL ORDER BY id`, ids)
	if err != nil {
		return apperr.NewDatabaseError("load attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID int64
			a         Attachment
		)
		if err := rows.Scan(&messageID, &a.ID, &a.Kind, &a.Status, &a.URL, &a.MimeType, &a.SizeBytes); err != nil {
			return apperr.NewDatabaseError("scan attachment", err)
		}
		if m, ok := byID[messageID]; ok {
			m.Attachments = append(m.Attachments, a)
		}
	}
	return rows.Err()
}

// SoftDelete marks a message deleted. It reports false when the message does
// not exist, is not the user's, or is already deleted.
func (r *Repository) SoftDelete(ctx context.Context, id, userID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = now(), deleted_by = $2
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`, id, userID)
	if err != nil {
		return false, apperr.NewDatabaseError("delete message", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.NewDatabaseError("delete message", err)
	}
	return n == 1, nil
}
