package routing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a JSON value out of an LLM response using three
// strategies in order: a fenced ```json block, the first balanced object
// or array, and finally the raw trimmed text. The first candidate that
// unmarshals into out wins.
func ExtractJSON(text string, out interface{}) error {
	candidates := jsonCandidates(text)
	var lastErr error
	for _, candidate := range candidates {
		if err := json.Unmarshal([]byte(candidate), out); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON found in response")
	}
	return fmt.Errorf("failed to parse LLM JSON: %w", lastErr)
}

func jsonCandidates(text string) []string {
	var candidates []string

	if fenced := extractFenced(text); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if balanced := extractBalanced(text); balanced != "" {
		candidates = append(candidates, balanced)
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		candidates = append(candidates, trimmed)
	}
	return candidates
}

// extractFenced returns the content of the first markdown code fence.
func extractFenced(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Skip a language tag such as "json" on the fence line.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// extractBalanced returns the first balanced {...} or [...] in the text,
// tracking string literals so braces inside strings do not count.
func extractBalanced(text string) string {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}

	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
