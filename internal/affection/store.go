package affection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/siliconchat/internal/database"
)

type InMemoryStore struct {
	mu     sync.Mutex
	levels map[string]float64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{levels: make(map[string]float64)}
}

func (s *InMemoryStore) Get(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[userID], nil
}

func (s *InMemoryStore) Increment(ctx context.Context, userID string, delta, maxLevel float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	level := math.Min(s.levels[userID]+delta, maxLevel)
	s.levels[userID] = level
	return level, nil
}

// SQLStore keeps levels in the affection_levels table.
type SQLStore struct {
	db      *sql.DB
	dialect database.Dialect
}

func NewSQLStore(db *sql.DB, dialect database.Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) Get(ctx context.Context, userID string) (float64, error) {
	var level float64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT level FROM affection_levels WHERE user_id = $1
	`), userID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select affection level: %w", err)
	}
	return level, nil
}

func (s *SQLStore) Increment(ctx context.Context, userID string, delta, maxLevel float64) (float64, error) {
	var level float64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		INSERT INTO affection_levels (user_id, level)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET level = CASE
			WHEN affection_levels.level + CAST($3 AS DOUBLE PRECISION) > CAST($4 AS DOUBLE PRECISION)
				THEN CAST($4 AS DOUBLE PRECISION)
			ELSE affection_levels.level + CAST($3 AS DOUBLE PRECISION)
		END
		RETURNING level
	`), userID, math.Min(delta, maxLevel), delta, maxLevel).Scan(&level)
	if err != nil {
		return 0, fmt.Errorf("increment affection level: %w", err)
	}
	return level, nil
}
