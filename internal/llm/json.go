package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON recovers a JSON document from model output. Models wrap JSON in
// markdown fences or prose even when asked not to, so this strips ```json
// fences first and falls back to scanning for the first balanced object or
// array.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return s
	}

	// Prose around the payload: scan for the first balanced region.
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		if region := balancedRegion(s, pair[0], pair[1]); region != "" {
			return region
		}
	}
	return s
}

// balancedRegion returns the first balanced open..close region of s,
// ignoring brackets inside JSON strings.
func balancedRegion(s string, open, close byte) string {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// UnmarshalResponse parses model output into v after fence stripping and
// balanced-region recovery.
func UnmarshalResponse(raw string, v interface{}) error {
	payload := ExtractJSON(raw)
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("parse model response: %w", err)
	}
	return nil
}
