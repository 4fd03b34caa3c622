package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// DefaultReplyCap bounds the raw-text fallback reply, in characters.
const DefaultReplyCap = 300

// userContentField is the field the system prompt asks the model to answer in.
const userContentField = "userContent"

var thinkBlockRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// Tier records which fallback produced the extracted text.
type Tier int

const (
	TierNone      Tier = iota
	TierJSON           // content was a JSON object with userContent
	TierStripped       // JSON found after removing <think> blocks or surrounding text
	TierCappedRaw      // capped free text
)

// ProcessorResult contains the result of content processing
type ProcessorResult struct {
	ExtractedText string
	Reasoning     string
	Tier          Tier
	RepairStats   JsonRepairStats
}

// ProcessContent pulls the chat reply out of raw model content. The fallbacks
// run strictly in order: JSON object, JSON after stripping reasoning traces,
// capped text. Envelope reasoning wins over inline <think> text when present.
func ProcessContent(content, envelopeReasoning string, replyCap int) ProcessorResult {
	if replyCap <= 0 {
		replyCap = DefaultReplyCap
	}

	var result ProcessorResult

	stripped, inlineReasoning := stripThinkBlocks(content)
	if strings.TrimSpace(envelopeReasoning) != "" {
		result.Reasoning = envelopeReasoning
	} else {
		result.Reasoning = inlineReasoning
	}

	if text, stats, ok := extractUserContent(content, false); ok {
		result.ExtractedText = text
		result.RepairStats = stats
		result.Tier = TierJSON
		return result
	}

	// second pass: traces removed, and JSON may sit in a code fence or prose
	if text, stats, ok := extractUserContent(stripped, true); ok {
		result.ExtractedText = text
		result.RepairStats = stats
		result.Tier = TierStripped
		return result
	}

	log.Debug().Str("content", truncateForLog(content, 200)).Msg("non-JSON completion content, using capped text")

	fallback := strings.TrimSpace(stripped)
	if fallback == "" {
		fallback = strings.TrimSpace(content)
	}
	if fallback == "" {
		return result
	}
	result.ExtractedText = capText(fallback, replyCap)
	result.Tier = TierCappedRaw
	return result
}

// extractUserContent parses raw as a JSON object and returns its userContent
// field. Near-JSON is repaired before giving up. Unless lenient, raw itself
// must be the object.
func extractUserContent(raw string, lenient bool) (string, JsonRepairStats, bool) {
	var stats JsonRepairStats

	jsonStr := strings.TrimSpace(raw)
	if lenient {
		jsonStr = extractJSON(raw)
	}
	if jsonStr == "" || !strings.HasPrefix(jsonStr, "{") {
		return "", stats, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(jsonStr), &obj); err != nil {
		repaired, repairStats, repairErr := RepairJSON(jsonStr)
		stats = repairStats
		if repairErr != nil {
			return "", stats, false
		}
		if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
			return "", stats, false
		}
	}

	field, ok := obj[userContentField]
	if !ok {
		return "", stats, false
	}

	var text string
	if err := json.Unmarshal(field, &text); err == nil {
		return text, stats, true
	}
	// non-string userContent is shown as its JSON text
	return string(field), stats, true
}

// stripThinkBlocks removes <think>…</think> reasoning traces and returns the
// remaining text and the joined trace text. A lone closing tag means the
// model omitted the opening one, so everything before it is reasoning.
func stripThinkBlocks(content string) (string, string) {
	var traces []string
	out := thinkBlockRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := thinkBlockRe.FindStringSubmatch(m)
		if len(sub) > 1 {
			if t := strings.TrimSpace(sub[1]); t != "" {
				traces = append(traces, t)
			}
		}
		return ""
	})

	if idx := strings.Index(out, "</think>"); idx >= 0 && !strings.Contains(out[:idx], "<think>") {
		if t := strings.TrimSpace(out[:idx]); t != "" {
			traces = append(traces, t)
		}
		out = out[idx+len("</think>"):]
	}

	return out, strings.Join(traces, "\n")
}

// extractJSON extracts JSON content from mixed text/JSON responses
func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw
	}

	if strings.Contains(raw, "```") {
		lines := strings.Split(raw, "\n")
		var jsonLines []string
		inCodeBlock := false

		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inCodeBlock = !inCodeBlock
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}

		if len(jsonLines) > 0 {
			return strings.TrimSpace(strings.Join(jsonLines, "\n"))
		}
	}

	startIdx := strings.Index(raw, "{")
	if startIdx == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := startIdx; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[startIdx : i+1]
			}
		}
	}

	return raw[startIdx:]
}

// capText limits text to maxRunes characters, marking the cut with "...".
func capText(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes]) + "..."
}

// truncateForLog truncates text to maxLen runes for logging purposes
func truncateForLog(text string, maxLen int) string {
	return capText(text, maxLen)
}

// FormatCommonText renders the full reply block shown alongside the extracted
// chat text.
func FormatCommonText(reasoning, content string, usage *Usage, durationMs int64) string {
	var p, c, total int
	if usage != nil {
		p, c, total = usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens
	}
	return fmt.Sprintf("助手思考: [%s]\n\n----------\n%s\n\n问题用量: %d | 回复用量: %d | 总用量: %d | 消耗时间: %dms",
		reasoning, content, p, c, total, durationMs)
}

// FormatDegradedText is the apology returned when the endpoint could not be
// used. An empty status text reads as an unknown error.
func FormatDegradedText(statusText string) string {
	if strings.TrimSpace(statusText) == "" {
		statusText = "未知错误类型"
	}
	return "抱歉，请求时出现异常;" + statusText
}
