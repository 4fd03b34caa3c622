package conversation

import (
	"strings"

	"github.com/siliconchat/internal/config"
)

// ChannelPlaceholder marks where the channel id goes in a prompt template.
const ChannelPlaceholder = "【channelId】"

var placeholders = []string{ChannelPlaceholder, "$channelId", "$guildId"}

// SystemPromptFor picks the system prompt for a channel. An operator override
// wins, then the prompt an existing conversation already runs with, then the
// global template.
func SystemPromptFor(snap *config.Snapshot, channelID, existing string) string {
	prompt := snap.SystemPrompt
	if override, ok := snap.ChannelOverride(channelID); ok && strings.TrimSpace(override.SystemPrompt) != "" {
		prompt = override.SystemPrompt
	} else if strings.TrimSpace(existing) != "" {
		prompt = existing
	}
	return SubstituteChannel(prompt, channelID)
}

// SubstituteChannel replaces the channel placeholders with "[channelID]".
func SubstituteChannel(template, channelID string) string {
	pairs := make([]string, 0, len(placeholders)*2)
	for _, p := range placeholders {
		pairs = append(pairs, p, "["+channelID+"]")
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ParamsFor builds the request parameters for a channel from a snapshot.
func ParamsFor(snap *config.Snapshot, channelID string) Params {
	return Params{
		Endpoint:    snap.LLM.Endpoint,
		APIKey:      snap.LLM.APIKey,
		Model:       snap.ModelFor(channelID),
		MaxTokens:   snap.LLM.MaxTokens,
		Temperature: snap.LLM.Temperature,
	}
}

// PolicyFor returns the trim policy a snapshot configures.
func PolicyFor(snap *config.Snapshot) TrimPolicy {
	return TrimPolicy{MaxHistory: snap.MaxHistory, KeepRecent: snap.KeepRecent}
}
