package llm

import "strings"

// ExtractJSON pulls the first complete JSON object or array out of model
// output. Models wrap JSON in markdown fences or prose often enough that
// every call site needs this.
func ExtractJSON(s string) (string, bool) {
	s = strings.TrimSpace(s)

	// Strip a markdown fence if the whole payload is fenced.
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}

	open := s[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\':
			if inString {
				escaped = true
			}
		case ch == '"':
			inString = !inString
		case inString:
			// string contents never affect depth
		case ch == open:
			depth++
		case ch == closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
