package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// schema is written in the subset of SQL shared by Postgres and SQLite.
const schema = `
CREATE TABLE IF NOT EXISTS channel_chatbot (
    platform   TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    chatbot    TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (platform, channel_id)
);

CREATE TABLE IF NOT EXISTS quota_ledger (
    user_id     TEXT PRIMARY KEY,
    used_tokens BIGINT NOT NULL DEFAULT 0,
    max_tokens  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS affection_levels (
    user_id TEXT PRIMARY KEY,
    level   DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// EnsureSchema creates the tables used by the conversation, quota and
// affection stores if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
