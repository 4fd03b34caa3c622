package conversation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siliconchat/internal/database"
)

func sampleHistory() []ChatMessage {
	return []ChatMessage{
		{Role: RoleSystem, Content: "sys [g1]"},
		{Role: RoleUser, Content: `{"userName":"Ann","userContent":"hello"}`},
		{Role: RoleAssistant, Content: "hi there", Reasoning: "greet back"},
	}
}

// exerciseStore runs the contract every Store implementation must honour.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Load(ctx, g1)
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	history := sampleHistory()
	require.NoError(t, store.Save(ctx, g1, history))

	rec, err := store.Load(ctx, g1)
	require.NoError(t, err)
	if diff := cmp.Diff(history, rec.History); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, rec.UpdatedAt.IsZero())

	// same channel id on another platform is a different conversation
	_, err = store.Load(ctx, Key{Platform: "discord", ChannelID: "g1"})
	assert.ErrorIs(t, err, ErrNotFound)

	// overwrite
	history = append(history, ChatMessage{Role: RoleUser, Content: "more"})
	require.NoError(t, store.Save(ctx, g1, history))
	rec, err = store.Load(ctx, g1)
	require.NoError(t, err)
	assert.Len(t, rec.History, 4)
}

func TestInMemoryStore(t *testing.T) {
	exerciseStore(t, NewInMemoryStore())
}

func TestInMemoryStoreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	history := sampleHistory()
	require.NoError(t, store.Save(ctx, g1, history))

	history[1].Content = "mutated"
	rec, err := store.Load(ctx, g1)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", rec.History[1].Content)

	rec.History[0].Content = "also mutated"
	again, err := store.Load(ctx, g1)
	require.NoError(t, err)
	assert.Equal(t, "sys [g1]", again.History[0].Content)
}

func TestSQLStore_SQLite(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(ctx, "sqlite", "", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()

	exerciseStore(t, NewSQLStore(db, dialect))
}

func TestSQLStore_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping database integration test")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx := context.Background()
	db, dialect, err := database.Open(ctx, "postgres", url, "")
	require.NoError(t, err)
	defer db.Close()

	_, _ = db.ExecContext(ctx, `DELETE FROM channel_chatbot WHERE channel_id = 'g1'`)
	exerciseStore(t, NewSQLStore(db, dialect))
}

func TestSQLStore_SaveAtIgnoresOlderCheckpoints(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := database.Open(ctx, "sqlite", "", filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer db.Close()
	store := NewSQLStore(db, dialect)

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := sampleHistory()
	older := newer[:2]

	require.NoError(t, store.SaveAt(ctx, g1, newer, base.Add(time.Second)))
	require.NoError(t, store.SaveAt(ctx, g1, older, base))

	rec, err := store.Load(ctx, g1)
	require.NoError(t, err)
	assert.Len(t, rec.History, 3)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), rec.UpdatedAt.UnixMilli())
}
