package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeToolArguments parses a tool-call arguments payload leniently.
// Models occasionally wrap JSON in code fences, leave trailing commas, or
// truncate the closing braces of a long argument object; a failed parse
// would otherwise abort the whole turn.
func DecodeToolArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}

	repaired := repairJSON(raw)
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("cannot parse tool arguments %q: %w", truncateForError(raw), err)
	}
	return args, nil
}

func repairJSON(s string) string {
	s = strings.TrimSpace(s)

	// Strip markdown code fences.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	// Drop trailing commas before closers and balance unclosed scopes.
	var out strings.Builder
	var stack []byte
	inString := false
	escaped := false
	lastNonSpace := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			out.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if lastNonSpace == ',' {
				trimTrailingComma(&out)
			}
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
		out.WriteByte(c)
		if c != ' ' && c != '\n' && c != '\t' && c != '\r' {
			lastNonSpace = c
		}
	}

	if inString {
		out.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			out.WriteByte('}')
		} else {
			out.WriteByte(']')
		}
	}
	return out.String()
}

func trimTrailingComma(out *strings.Builder) {
	s := out.String()
	i := len(s) - 1
	for i >= 0 && (s[i] == ' ' || s[i] == '\n' || s[i] == '\t' || s[i] == '\r') {
		i--
	}
	if i >= 0 && s[i] == ',' {
		trimmed := s[:i] + s[i+1:]
		out.Reset()
		out.WriteString(trimmed)
	}
}

func truncateForError(s string) string {
	if len(s) <= 120 {
		return s
	}
	return s[:120] + "..."
}
