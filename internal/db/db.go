package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		direct_messages_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS user_blocks (
		blocker_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		blocked_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (blocker_id, blocked_id)
	)`,

	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(10) NOT NULL CHECK (type IN ('DIRECT', 'GROUP')),
		last_message_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_members (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		unread_count INT NOT NULL DEFAULT 0,
		last_read_message_id BIGINT NOT NULL DEFAULT 0,
		last_read_at TIMESTAMPTZ,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		left_at TIMESTAMPTZ,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
		type VARCHAR(10) NOT NULL CHECK (type IN ('TEXT','IMAGE','VIDEO','FILE','AUDIO','VOICE','STICKER','SYSTEM')),
		content TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		client_message_id VARCHAR(64) UNIQUE,
		reply_to_id BIGINT REFERENCES messages(id),
		receipts JSONB NOT NULL DEFAULT '{}'::jsonb,
		delivered_count INT NOT NULL DEFAULT 0,
		seen_count INT NOT NULL DEFAULT 0,
		deleted_at TIMESTAMPTZ,
		deleted_by BIGINT REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_id
		ON messages (conversation_id, id DESC) WHERE deleted_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS media (
		id BIGSERIAL PRIMARY KEY,
		owner_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		message_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
		kind VARCHAR(10) NOT NULL CHECK (kind IN ('IMAGE','VIDEO','AUDIO','DOCUMENT')),
		status VARCHAR(12) NOT NULL DEFAULT 'UPLOADING'
			CHECK (status IN ('UPLOADING','PROCESSING','READY','FAILED')),
		url TEXT NOT NULL,
		mime_type VARCHAR(100) NOT NULL,
		size_bytes BIGINT NOT NULL DEFAULT 0,
		deleted_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS message_receipts (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status VARCHAR(10) NOT NULL CHECK (status IN ('DELIVERED', 'SEEN')),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (message_id, user_id)
	)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
