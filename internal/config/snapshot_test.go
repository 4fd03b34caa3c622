package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshot(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	snap := NewSnapshot(cfg)

	assert.Equal(t, 17, snap.KeepRecent, "keep_recent defaults to max_history-3")
	assert.Equal(t, "deepseek", snap.ModelFor("g1"))
	assert.Equal(t, "qwen", snap.ModelFor("other"))

	override, ok := snap.ChannelOverride("g1")
	require.True(t, ok)
	assert.Equal(t, "override for 【channelId】", override.SystemPrompt)

	// levels are sorted ascending and the affection client inherits [llm]
	require.Len(t, snap.Affection.Levels, 2)
	assert.Equal(t, "A", snap.Affection.Levels[0].Prompt)
	assert.Equal(t, "C", snap.Affection.Levels[1].Prompt)
	assert.Equal(t, "http://llm.local/v1", snap.Affection.Endpoint)
	assert.Equal(t, "qwen", snap.Affection.Model)
}

func TestHolderReconfigure(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)

	holder, err := NewHolder(cfg)
	require.NoError(t, err)
	first := holder.Current()
	assert.Equal(t, 1, first.Version)

	var seen []*Snapshot
	holder.Subscribe(func(s *Snapshot) { seen = append(seen, s) })

	next := *cfg
	next.LLM.Model = "glm"
	snap, err := holder.Reconfigure(&next)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.Version)
	assert.Equal(t, "glm", holder.Current().LLM.Model)
	assert.Equal(t, "qwen", first.LLM.Model, "old snapshot is untouched")
	require.Len(t, seen, 1)
	assert.Same(t, snap, seen[0])

	bad := *cfg
	bad.LLM.APIKey = ""
	_, err = holder.Reconfigure(&bad)
	require.Error(t, err)
	assert.Equal(t, "glm", holder.Current().LLM.Model)
	assert.Len(t, seen, 1)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "https://api.siliconflow.cn/v1", cfg.LLM.Endpoint)
	assert.Equal(t, 40, cfg.Chat.MaxHistory)
	assert.Equal(t, int64(10000), cfg.Quota.DefaultMaxTokens)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Len(t, cfg.Affection.Levels, 3)
	assert.Error(t, Validate(cfg), "api key must still be supplied")

	cfg.LLM.APIKey = "sk"
	cfg.LLM.Model = "m"
	assert.NoError(t, Validate(cfg))
}

func TestHolderReconfigure_SubscribeDuringNotify(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, testConfig))
	require.NoError(t, err)
	holder, err := NewHolder(cfg)
	require.NoError(t, err)

	var late []int
	holder.Subscribe(func(s *Snapshot) {
		holder.Subscribe(func(s *Snapshot) { late = append(late, s.Version) })
	})

	next := *cfg
	_, err = holder.Reconfigure(&next)
	require.NoError(t, err)
	assert.Empty(t, late, "subscribers added while notifying wait for the next snapshot")

	_, err = holder.Reconfigure(&next)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, late)
}
