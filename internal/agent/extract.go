package agent

import (
	"encoding/json"
	"strings"
)

// ExtractJSON finds the first JSON object or array in generated text. It
// prefers a ```json fenced block, then any fenced block holding JSON, then
// the first balanced object or array. It returns nil when none is found.
func ExtractJSON(text string) json.RawMessage {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if start < len(text) && text[start] == '\n' {
			start++
		}
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); json.Valid([]byte(c)) {
				return json.RawMessage(c)
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + 4
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if c := strings.TrimSpace(text[start : start+end]); c != "" && json.Valid([]byte(c)) {
				return json.RawMessage(c)
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			if c := balanced(text[i:]); c != "" && json.Valid([]byte(c)) {
				return json.RawMessage(c)
			}
		}
	}
	return nil
}

// balanced returns the shortest prefix of s that closes the bracket s opens.
func balanced(s string) string {
	open := s[0]
	var closer byte
	switch open {
	case '{':
		closer = '}'
	case '[':
		closer = ']'
	default:
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}
