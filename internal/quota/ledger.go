// Package quota tracks per-user token usage against a limit.
package quota

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/metrics"
)

// DefaultMaxTokens is the limit given to a user seen for the first time.
const DefaultMaxTokens int64 = 10000

// Record is one user's usage. Remaining may go slightly negative because the
// charge for a call is only known after it completes.
type Record struct {
	UserID     string `json:"userId"`
	UsedTokens int64  `json:"usedTokens"`
	MaxTokens  int64  `json:"maxTokens"`
}

func (r Record) Remaining() int64 {
	return r.MaxTokens - r.UsedTokens
}

// Store holds quota records. Implementations create missing records with
// defaultMax and apply Add as one atomic increment.
type Store interface {
	Ensure(ctx context.Context, userID string, defaultMax int64) (Record, error)
	Add(ctx context.Context, userID string, tokens, defaultMax int64) (Record, error)
	SetMax(ctx context.Context, userID string, maxTokens int64) (Record, error)
}

// Ledger gates completion calls on remaining quota and charges usage.
type Ledger struct {
	store      Store
	defaultMax atomic.Int64
	metrics    *metrics.Metrics
}

func NewLedger(store Store, defaultMax int64, m *metrics.Metrics) *Ledger {
	l := &Ledger{store: store, metrics: m}
	l.SetDefaultMax(defaultMax)
	return l
}

// SetDefaultMax changes the limit for users created from now on. Existing
// records keep theirs.
func (l *Ledger) SetDefaultMax(n int64) {
	if n <= 0 {
		n = DefaultMaxTokens
	}
	l.defaultMax.Store(n)
}

// Check reports whether userID has quota left, creating the record if needed.
func (l *Ledger) Check(ctx context.Context, userID string) (bool, error) {
	rec, err := l.store.Ensure(ctx, userID, l.defaultMax.Load())
	if err != nil {
		return false, fmt.Errorf("failed to check quota for %s: %w", userID, err)
	}
	if rec.Remaining() <= 0 {
		l.metrics.QuotaDenied()
		log.Info().
			Str("user_id", userID).
			Int64("used", rec.UsedTokens).
			Int64("max", rec.MaxTokens).
			Msg("quota exhausted")
		return false, nil
	}
	return true, nil
}

// Charge adds tokens to userID's usage. The total is never clamped.
func (l *Ledger) Charge(ctx context.Context, userID string, tokens int64) (Record, error) {
	if tokens < 0 {
		return Record{}, fmt.Errorf("cannot charge negative tokens (%d)", tokens)
	}
	rec, err := l.store.Add(ctx, userID, tokens, l.defaultMax.Load())
	if err != nil {
		return Record{}, fmt.Errorf("failed to charge %d tokens to %s: %w", tokens, userID, err)
	}
	l.metrics.ChargeTokens(tokens)
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, userID string) (Record, error) {
	rec, err := l.store.Ensure(ctx, userID, l.defaultMax.Load())
	if err != nil {
		return Record{}, fmt.Errorf("failed to load quota for %s: %w", userID, err)
	}
	return rec, nil
}

// SetLimit replaces userID's limit. Usage is unchanged.
func (l *Ledger) SetLimit(ctx context.Context, userID string, maxTokens int64) (Record, error) {
	if maxTokens <= 0 {
		return Record{}, fmt.Errorf("quota limit must be positive, got %d", maxTokens)
	}
	rec, err := l.store.SetMax(ctx, userID, maxTokens)
	if err != nil {
		return Record{}, fmt.Errorf("failed to set quota for %s: %w", userID, err)
	}
	log.Info().Str("user_id", userID).Int64("max", maxTokens).Msg("quota limit changed")
	return rec, nil
}
