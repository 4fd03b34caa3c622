// Package models holds the JSON shapes exchanged with the chat host: inbound
// events, command requests and the replies sent back.
package models

import "time"

// MessageEvent is a chat message observed in a channel.
type MessageEvent struct {
	Platform    string    `json:"platform"`
	ChannelID   string    `json:"channelId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"receivedAt,omitempty"`
}

// PokeEvent is a nudge from one user to another.
type PokeEvent struct {
	Platform     string `json:"platform"`
	ChannelID    string `json:"channelId"`
	SourceUserID string `json:"sourceUserId"`
	SourceName   string `json:"sourceName,omitempty"`
	TargetUserID string `json:"targetUserId"`
	IsDirect     bool   `json:"isDirect"`
}

// CommandRequest invokes a chat command on behalf of a user.
type CommandRequest struct {
	Platform    string `json:"platform"`
	ChannelID   string `json:"channelId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Text        string `json:"text,omitempty"`
}

// Reply is what the bot says back. Messages are delivered as one forwarded
// bundle; Text, when set, is also sent on its own.
type Reply struct {
	RequestID string   `json:"requestId"`
	Platform  string   `json:"platform"`
	ChannelID string   `json:"channelId"`
	Messages  []string `json:"messages"`
	Text      string   `json:"text,omitempty"`
}

// QuotaRecord is a user's token allowance.
type QuotaRecord struct {
	UserID     string `json:"userId"`
	UsedTokens int64  `json:"usedTokens"`
	MaxTokens  int64  `json:"maxTokens"`
	Remaining  int64  `json:"remaining"`
}

// SetQuotaRequest changes a user's limit.
type SetQuotaRequest struct {
	MaxTokens int64 `json:"maxTokens"`
}

// AffectionRecord is a user's affection level.
type AffectionRecord struct {
	UserID string  `json:"userId"`
	Level  float64 `json:"level"`
}

// ErrorResponse is the body of every non-2xx bridge response.
type ErrorResponse struct {
	Error string `json:"error"`
}
