package config

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Snapshot is an immutable view of the configuration that components receive
// at construction and on every reconfigure. Callers must not mutate the
// slices or maps reachable from it.
type Snapshot struct {
	LLM        LLMConfig
	MaxHistory int
	KeepRecent int
	BotUserID  string

	SystemPrompt     string
	channels         map[string]ChannelConfig
	DefaultMaxTokens int64

	Affection AffectionConfig

	Version  int
	LoadedAt time.Time
}

// NewSnapshot derives a snapshot from a validated config.
func NewSnapshot(cfg *Config) *Snapshot {
	keep := cfg.Chat.KeepRecent
	if keep <= 0 {
		keep = cfg.Chat.MaxHistory - 3
	}

	channels := make(map[string]ChannelConfig, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		channels[ch.ChannelID] = ch
	}

	aff := cfg.Affection
	if aff.Endpoint == "" {
		aff.Endpoint = cfg.LLM.Endpoint
	}
	if aff.APIKey == "" {
		aff.APIKey = cfg.LLM.APIKey
	}
	if aff.Model == "" {
		aff.Model = cfg.LLM.Model
	}
	levels := append([]AffectionLevel(nil), aff.Levels...)
	if len(levels) == 0 {
		levels = DefaultAffectionLevels()
	}
	sort.SliceStable(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	aff.Levels = levels

	return &Snapshot{
		LLM:              cfg.LLM,
		MaxHistory:       cfg.Chat.MaxHistory,
		KeepRecent:       keep,
		BotUserID:        cfg.Chat.BotUserID,
		SystemPrompt:     cfg.Chat.SystemPrompt,
		channels:         channels,
		DefaultMaxTokens: cfg.Quota.DefaultMaxTokens,
		Affection:        aff,
		LoadedAt:         time.Now(),
	}
}

// ChannelOverride returns the operator override for a channel, if any.
func (s *Snapshot) ChannelOverride(channelID string) (ChannelConfig, bool) {
	ch, ok := s.channels[channelID]
	return ch, ok
}

// ModelFor returns the model a channel should use.
func (s *Snapshot) ModelFor(channelID string) string {
	if ch, ok := s.channels[channelID]; ok && ch.Model != "" {
		return ch.Model
	}
	return s.LLM.Model
}

// Holder publishes the current snapshot and notifies subscribers when a new
// one replaces it.
type Holder struct {
	mu          sync.RWMutex
	current     *Snapshot
	subscribers []func(*Snapshot)
}

func NewHolder(cfg *Config) (*Holder, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	snap := NewSnapshot(cfg)
	snap.Version = 1
	return &Holder{current: snap}, nil
}

func (h *Holder) Current() *Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Subscribe registers fn to receive every snapshot published after this call.
func (h *Holder) Subscribe(fn func(*Snapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers = append(h.subscribers, fn)
}

// Reconfigure validates cfg, publishes a new snapshot and pushes it to all
// subscribers. The previous snapshot stays in effect when validation fails.
func (h *Holder) Reconfigure(cfg *Config) (*Snapshot, error) {
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	snap := NewSnapshot(cfg)

	h.mu.Lock()
	snap.Version = h.current.Version + 1
	h.current = snap
	subs := slices.Clone(h.subscribers)
	h.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
	return snap, nil
}
