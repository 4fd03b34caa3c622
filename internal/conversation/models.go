package conversation

import (
	"encoding/json"
	"fmt"
)

// Role is the author of a chat message as understood by the completion API.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a channel history. Index 0 of a history is
// always the system message.
type ChatMessage struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Key identifies a conversation. Channel ids are only unique per platform.
type Key struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
}

func (k Key) String() string {
	return k.Platform + ":" + k.ChannelID
}

// Params are the request parameters a conversation sends with each completion.
type Params struct {
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// UserEnvelope formats an inbound message the way the system prompt tells the
// model to read it.
func UserEnvelope(userName, content string) string {
	b, _ := json.Marshal(struct {
		UserName    string `json:"userName"`
		UserContent string `json:"userContent"`
	}{userName, content})
	return string(b)
}

// CollectedEnvelope is the looser format used for messages gathered passively
// from the channel. Kept byte-compatible with histories already persisted.
func CollectedEnvelope(userName, content string) string {
	name, _ := json.Marshal(userName)
	text, _ := json.Marshal(content)
	return fmt.Sprintf(`{ "userName": %s,"userContent": %s }`, name, text)
}
