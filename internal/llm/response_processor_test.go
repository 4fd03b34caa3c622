package llm

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestProcessContent_Tiers(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		envelope      string
		wantText      string
		wantReasoning string
		wantTier      Tier
	}{
		{
			name:     "json object",
			content:  `{"userName":"bot","userContent":"你好"}`,
			wantText: "你好",
			wantTier: TierJSON,
		},
		{
			name:     "repaired json object",
			content:  `{"userContent":"hello",}`,
			wantText: "hello",
			wantTier: TierJSON,
		},
		{
			name:          "think block then json",
			content:       "<think>the user greets me</think>\n{\"userContent\":\"hey\"}",
			wantText:      "hey",
			wantReasoning: "the user greets me",
			wantTier:      TierStripped,
		},
		{
			name:          "missing opening think tag",
			content:       "pondering</think>{\"userContent\":\"ok\"}",
			wantText:      "ok",
			wantReasoning: "pondering",
			wantTier:      TierStripped,
		},
		{
			name:     "json in code fence",
			content:  "Sure:\n```json\n{\"userContent\":\"fenced\"}\n```",
			wantText: "fenced",
			wantTier: TierStripped,
		},
		{
			name:     "plain text",
			content:  "hi there",
			wantText: "hi there",
			wantTier: TierCappedRaw,
		},
		{
			name:     "object without userContent",
			content:  `{"answer":"42"}`,
			wantText: `{"answer":"42"}`,
			wantTier: TierCappedRaw,
		},
		{
			name:          "envelope reasoning wins",
			content:       "<think>inline</think>plain",
			envelope:      "from envelope",
			wantText:      "plain",
			wantReasoning: "from envelope",
			wantTier:      TierCappedRaw,
		},
		{
			name:     "empty",
			content:  "",
			wantTier: TierNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProcessContent(tt.content, tt.envelope, DefaultReplyCap)
			assert.Equal(t, tt.wantText, got.ExtractedText)
			assert.Equal(t, tt.wantReasoning, got.Reasoning)
			assert.Equal(t, tt.wantTier, got.Tier)
		})
	}
}

func TestProcessContent_CapsRawText(t *testing.T) {
	long := strings.Repeat("好", 350)

	got := ProcessContent(long, "", DefaultReplyCap)

	assert.Equal(t, TierCappedRaw, got.Tier)
	assert.Equal(t, strings.Repeat("好", 300)+"...", got.ExtractedText)
}

func TestProcessContent_ShortTextNotCapped(t *testing.T) {
	text := strings.Repeat("a", 300)
	got := ProcessContent(text, "", DefaultReplyCap)
	assert.Equal(t, text, got.ExtractedText)
}

func TestFormatCommonText(t *testing.T) {
	got := FormatCommonText("thinking", "hi there", &Usage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}, 42)
	assert.Equal(t, "助手思考: [thinking]\n\n----------\nhi there\n\n问题用量: 5 | 回复用量: 3 | 总用量: 8 | 消耗时间: 42ms", got)

	noUsage := FormatCommonText("", "x", nil, 1)
	assert.Contains(t, noUsage, "问题用量: 0 | 回复用量: 0 | 总用量: 0")
}

func TestFormatDegradedText(t *testing.T) {
	assert.Equal(t, "抱歉，请求时出现异常;Bad Gateway", FormatDegradedText("Bad Gateway"))
	assert.Equal(t, "抱歉，请求时出现异常;未知错误类型", FormatDegradedText(""))
}

func TestTruncateForLog_KeepsRunesWhole(t *testing.T) {
	got := truncateForLog(strings.Repeat("好", 300), 200)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("好", 200)+"...", got)
	assert.Equal(t, "short", truncateForLog("short", 200))

	err := &StatusError{StatusCode: 500, Body: strings.Repeat("错", 250)}
	assert.True(t, utf8.ValidString(err.Error()))
	assert.NotContains(t, err.Error(), "\ufffd")
}
