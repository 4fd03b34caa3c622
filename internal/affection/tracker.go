// Package affection keeps a per-user affection level that grows each time the
// user pokes the bot, and picks the prompt tier matching that level.
package affection

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/siliconchat/internal/config"
	"github.com/siliconchat/internal/metrics"
)

const (
	DefaultMaxFavorable = 200.0
	DefaultCooldown     = 5 * time.Second

	minBump = 0.1
	maxBump = 1.0

	// idle cooldown entries are swept once every sweepEvery calls
	sweepEvery = 1024
)

// Store holds affection levels. Increment adds delta and clamps the result to
// maxLevel in one atomic step, creating the record at 0 if needed.
type Store interface {
	Get(ctx context.Context, userID string) (float64, error)
	Increment(ctx context.Context, userID string, delta, maxLevel float64) (float64, error)
}

type cooldownEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Tracker applies the cooldown and bumps levels.
type Tracker struct {
	store   Store
	metrics *metrics.Metrics

	mu           sync.Mutex
	cooldown     time.Duration
	maxFavorable float64
	entries      map[string]*cooldownEntry
	calls        int

	now       func() time.Time
	randFloat func() float64
}

func NewTracker(store Store, cooldown time.Duration, maxFavorable float64, m *metrics.Metrics) *Tracker {
	if maxFavorable <= 0 {
		maxFavorable = DefaultMaxFavorable
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	return &Tracker{
		store:        store,
		metrics:      m,
		cooldown:     cooldown,
		maxFavorable: maxFavorable,
		entries:      make(map[string]*cooldownEntry),
		now:          time.Now,
		randFloat:    rand.Float64,
	}
}

// Apply picks up cooldown and ceiling changes from a new snapshot. Cooldown
// state is reset when the cooldown changes.
func (t *Tracker) Apply(snap *config.Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if snap.Affection.MaxFavorable > 0 {
		t.maxFavorable = snap.Affection.MaxFavorable
	}
	if snap.Affection.Cooldown >= 0 && snap.Affection.Cooldown != t.cooldown {
		t.cooldown = snap.Affection.Cooldown
		t.entries = make(map[string]*cooldownEntry)
	}
}

// allow reports whether userID is outside its cooldown and starts a new one.
func (t *Tracker) allow(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cooldown == 0 {
		return true
	}

	now := t.now()
	t.calls++
	if t.calls%sweepEvery == 0 {
		for id, e := range t.entries {
			if now.Sub(e.lastSeen) > t.cooldown {
				delete(t.entries, id)
			}
		}
	}

	e, ok := t.entries[userID]
	if !ok {
		e = &cooldownEntry{limiter: rate.NewLimiter(rate.Every(t.cooldown), 1)}
		t.entries[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Bump raises userID's level by a random amount in [0.1, 1.0), capped at the
// configured maximum. ok is false when the user is still cooling down; the
// event should then be dropped without a reply.
func (t *Tracker) Bump(ctx context.Context, userID string) (level float64, ok bool, err error) {
	if !t.allow(userID) {
		t.metrics.PokeSuppressed()
		log.Debug().Str("user_id", userID).Msg("poke ignored during cooldown")
		return 0, false, nil
	}

	t.mu.Lock()
	delta := minBump + t.randFloat()*(maxBump-minBump)
	ceiling := t.maxFavorable
	t.mu.Unlock()

	level, err = t.store.Increment(ctx, userID, delta, ceiling)
	if err != nil {
		return 0, false, fmt.Errorf("failed to bump affection for %s: %w", userID, err)
	}
	t.metrics.AffectionBumped()
	log.Debug().Str("user_id", userID).Float64("delta", delta).Float64("level", level).Msg("affection bumped")
	return level, true, nil
}

func (t *Tracker) Level(ctx context.Context, userID string) (float64, error) {
	level, err := t.store.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load affection for %s: %w", userID, err)
	}
	return level, nil
}

// SelectTier returns the highest tier whose threshold is at or below level.
// Tiers must be sorted ascending; a level below every threshold gets the
// lowest tier.
func SelectTier(tiers []config.AffectionLevel, level float64) (config.AffectionLevel, bool) {
	if len(tiers) == 0 {
		return config.AffectionLevel{}, false
	}
	chosen := tiers[0]
	for _, tier := range tiers {
		if level >= tier.Level {
			chosen = tier
		}
	}
	return chosen, true
}

// Vars are the values substituted into a tier prompt.
type Vars struct {
	UserName  string
	ChannelID string
	Favorable float64
}

// Render fills $userName, $channelId (or $guildId) and $favorable in template.
func Render(template string, v Vars) string {
	return strings.NewReplacer(
		"$userName", v.UserName,
		"$channelId", v.ChannelID,
		"$guildId", v.ChannelID,
		"$favorable", strconv.FormatFloat(v.Favorable, 'f', 2, 64),
	).Replace(template)
}
