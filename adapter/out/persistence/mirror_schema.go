// Package persistence provides sqlx adapters implementing the mirror's outbound ports.
// Statements are written once for SQLite and PostgreSQL: '?' placeholders rebound per
// driver, epoch-millisecond BIGINT timestamps, JSON text for list columns.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied in order; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		email        TEXT NOT NULL UNIQUE,
		credentials  TEXT NOT NULL DEFAULT '',
		checkpoint   TEXT NOT NULL DEFAULT '',
		last_sync_at BIGINT,
		created_at   BIGINT NOT NULL,
		updated_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS categories (
		id         TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		color      TEXT NOT NULL DEFAULT '',
		icon       TEXT NOT NULL DEFAULT '',
		is_system  BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (account_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS category_rules (
		id          TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id) ON DELETE CASCADE,
		account_id  TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		rule_type   TEXT NOT NULL,
		value       TEXT NOT NULL,
		priority    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_category_rules_account ON category_rules (account_id)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id            TEXT PRIMARY KEY,
		account_id    TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		name          TEXT NOT NULL,
		message_count BIGINT NOT NULL DEFAULT 0,
		UNIQUE (account_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS sender_groups (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		email           TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		domain          TEXT NOT NULL DEFAULT '',
		message_count   BIGINT NOT NULL DEFAULT 0,
		last_message_at BIGINT NOT NULL DEFAULT 0,
		UNIQUE (account_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		id              TEXT NOT NULL,
		thread_id       TEXT NOT NULL DEFAULT '',
		subject         TEXT NOT NULL DEFAULT '',
		from_email      TEXT NOT NULL DEFAULT '',
		from_name       TEXT NOT NULL DEFAULT '',
		to_addrs        TEXT NOT NULL DEFAULT '[]',
		cc_addrs        TEXT NOT NULL DEFAULT '[]',
		snippet         TEXT NOT NULL DEFAULT '',
		body_text       TEXT NOT NULL DEFAULT '',
		body_html       TEXT NOT NULL DEFAULT '',
		body_hydrated   BOOLEAN NOT NULL DEFAULT FALSE,
		internal_date   BIGINT NOT NULL DEFAULT 0,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		is_starred      BOOLEAN NOT NULL DEFAULT FALSE,
		labels          TEXT NOT NULL DEFAULT '[]',
		has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
		category_id     TEXT REFERENCES categories(id) ON DELETE SET NULL,
		topic_id        TEXT REFERENCES topics(id) ON DELETE SET NULL,
		created_at      BIGINT NOT NULL,
		PRIMARY KEY (account_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_account_date ON messages (account_id, internal_date)`,
	`CREATE TABLE IF NOT EXISTS attachments (
		id                     TEXT PRIMARY KEY,
		account_id             TEXT NOT NULL,
		message_id             TEXT NOT NULL,
		filename               TEXT NOT NULL,
		mime_type              TEXT NOT NULL,
		size                   BIGINT NOT NULL DEFAULT 0,
		provider_attachment_id TEXT NOT NULL,
		FOREIGN KEY (account_id, message_id) REFERENCES messages(account_id, id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments (account_id, message_id)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id                 TEXT PRIMARY KEY,
		account_id         TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		mode               TEXT NOT NULL,
		started_at         BIGINT NOT NULL,
		completed_at       BIGINT,
		messages_processed INTEGER NOT NULL DEFAULT 0,
		status             TEXT NOT NULL,
		error              TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_status ON sync_runs (status, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_account ON sync_runs (account_id, started_at)`,
}

// Migrate creates the mirror schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
