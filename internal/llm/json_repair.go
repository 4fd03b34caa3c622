package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// JsonRepairStats tracks statistics about JSON repair operations
type JsonRepairStats struct {
	OriginalBytes    int           `json:"original_bytes"`
	RepairedBytes    int           `json:"repaired_bytes"`
	ErrorsFixed      int           `json:"errors_fixed"`
	RepairTime       time.Duration `json:"repair_time"`
	RepairStrategies []string      `json:"repair_strategies"`
	WasRepaired      bool          `json:"was_repaired"`
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// RepairJSON attempts to repair model-produced JSON. Cheap local fixes run
// first (trailing commas, unterminated objects), then the jsonrepair library
// handles the rest (single quotes, unquoted keys, comments, stray text).
func RepairJSON(raw string) (repaired string, stats JsonRepairStats, err error) {
	startTime := time.Now()
	stats.OriginalBytes = len(raw)
	defer func() {
		stats.RepairedBytes = len(repaired)
		stats.RepairTime = time.Since(startTime)
	}()

	if json.Valid([]byte(raw)) {
		return raw, stats, nil
	}

	stats.WasRepaired = true
	repaired = raw

	if trailingCommaRe.MatchString(repaired) {
		repaired = trailingCommaRe.ReplaceAllString(repaired, "$1")
		stats.RepairStrategies = append(stats.RepairStrategies, "trailing_commas")
		stats.ErrorsFixed++
	}

	if completed := completeJSON(repaired); completed != repaired {
		repaired = completed
		stats.RepairStrategies = append(stats.RepairStrategies, "completion")
		stats.ErrorsFixed++
	}

	if json.Valid([]byte(repaired)) {
		return repaired, stats, nil
	}

	libraryRepaired, libraryErr := jsonrepair.JSONRepair(repaired)
	if libraryErr == nil && json.Valid([]byte(libraryRepaired)) {
		repaired = libraryRepaired
		stats.RepairStrategies = append(stats.RepairStrategies, "jsonrepair_library")
		stats.ErrorsFixed++
		return repaired, stats, nil
	}

	return repaired, stats, fmt.Errorf("JSON repair failed after %d strategies", len(stats.RepairStrategies)+1)
}

// completeJSON closes strings, objects and arrays left open by a truncated
// completion (max_tokens reached mid-object).
func completeJSON(s string) string {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case (c == '}' || c == ']') && len(stack) > 0:
			stack = stack[:len(stack)-1]
		}
	}

	if !inString && len(stack) == 0 {
		return s
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}
