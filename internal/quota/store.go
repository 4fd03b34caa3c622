package quota

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/siliconchat/internal/database"
)

type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) ensureLocked(userID string, defaultMax int64) Record {
	rec, ok := s.records[userID]
	if !ok {
		rec = Record{UserID: userID, MaxTokens: defaultMax}
		s.records[userID] = rec
	}
	return rec
}

func (s *InMemoryStore) Ensure(ctx context.Context, userID string, defaultMax int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(userID, defaultMax), nil
}

func (s *InMemoryStore) Add(ctx context.Context, userID string, tokens, defaultMax int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureLocked(userID, defaultMax)
	rec.UsedTokens += tokens
	s.records[userID] = rec
	return rec, nil
}

func (s *InMemoryStore) SetMax(ctx context.Context, userID string, maxTokens int64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.ensureLocked(userID, maxTokens)
	rec.MaxTokens = maxTokens
	s.records[userID] = rec
	return rec, nil
}

// SQLStore keeps records in the quota_ledger table.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Ensure(ctx context.Context, userID string, defaultMax int64) (Record, error) {
	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO quota_ledger (user_id, used_tokens, max_tokens)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`), userID, defaultMax); err != nil {
		return Record{}, fmt.Errorf("insert quota record: %w", err)
	}

	rec := Record{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT used_tokens, max_tokens FROM quota_ledger WHERE user_id = $1
	`), userID).Scan(&rec.UsedTokens, &rec.MaxTokens)
	if err != nil {
		return Record{}, fmt.Errorf("select quota record: %w", err)
	}
	return rec, nil
}

// Add increments usage in a single statement so concurrent charges for the
// same user are never lost.
func (s *SQLStore) Add(ctx context.Context, userID string, tokens, defaultMax int64) (Record, error) {
	rec := Record{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO quota_ledger (user_id, used_tokens, max_tokens)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id)
		DO UPDATE SET used_tokens = quota_ledger.used_tokens + EXCLUDED.used_tokens
		RETURNING used_tokens, max_tokens
	`), userID, tokens, defaultMax).Scan(&rec.UsedTokens, &rec.MaxTokens)
	if err != nil {
		return Record{}, fmt.Errorf("charge quota record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) SetMax(ctx context.Context, userID string, maxTokens int64) (Record, error) {
	rec := Record{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO quota_ledger (user_id, used_tokens, max_tokens)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET max_tokens = EXCLUDED.max_tokens
		RETURNING used_tokens, max_tokens
	`), userID, maxTokens).Scan(&rec.UsedTokens, &rec.MaxTokens)
	if err != nil {
		return Record{}, fmt.Errorf("set quota limit: %w", err)
	}
	return rec, nil
}
