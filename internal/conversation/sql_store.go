package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/database"
)

// SQLStore persists histories in the channel_chatbot table as a JSON blob.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// chatbotBlob is the stored value; channelId is kept inside the blob so a
// dump of the table is self-describing.
type chatbotBlob struct {
	ChannelID string        `json:"channelId"`
	History   []ChatMessage `json:"history"`
}

func (s *SQLStore) Load(ctx context.Context, key Key) (*Record, error) {
	var (
		raw       string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT chatbot, updated_at
		FROM channel_chatbot
		WHERE platform = $1 AND channel_id = $2
	`), key.Platform, key.ChannelID).Scan(&raw, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load conversation %s: %w", key, err)
	}

	var blob chatbotBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", key, err)
	}

	return &Record{
		Key:       key,
		History:   blob.History,
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

func (s *SQLStore) Save(ctx context.Context, key Key, history []ChatMessage) error {
	return s.SaveAt(ctx, key, history, s.now())
}

// SaveAt writes history as of at. A row already holding a newer checkpoint is
// left alone, so writes that arrive out of order cannot roll a channel back.
func (s *SQLStore) SaveAt(ctx context.Context, key Key, history []ChatMessage, at time.Time) error {
	raw, err := json.Marshal(chatbotBlob{ChannelID: key.ChannelID, History: history})
	if err != nil {
		return fmt.Errorf("failed to encode conversation %s: %w", key, err)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO channel_chatbot (platform, channel_id, chatbot, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform, channel_id)
		DO UPDATE SET chatbot = EXCLUDED.chatbot, updated_at = EXCLUDED.updated_at
		WHERE channel_chatbot.updated_at <= EXCLUDED.updated_at
	`), key.Platform, key.ChannelID, string(raw), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", key, err)
	}

	log.Debug().
		Str("channel", key.String()).
		Int("messages", len(history)).
		Msg("persisted conversation")
	return nil
}
