package decision

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseDecisions pulls the decision array out of a raw model response. The
// response is untrusted free text: it may wrap the JSON in markdown fences,
// prepend a reasoning trace, use smart quotes, or leave trailing commas.
// Extraction only locates and repairs format issues; it never alters the
// decision values themselves.
func ParseDecisions(response string) ([]Decision, error) {
	jsonContent := extractArray(response)
	if jsonContent == "" {
		return nil, fmt.Errorf("unable to find a JSON decision array in response (first 300 chars: %s)",
			truncate(response, 300))
	}

	jsonContent = fixSmartQuotes(jsonContent)
	jsonContent = stripTrailingCommas(jsonContent)

	var decisions []Decision
	if err := json.Unmarshal([]byte(jsonContent), &decisions); err != nil {
		return nil, fmt.Errorf("JSON parsing failed: %w (content: %s)", err, truncate(jsonContent, 300))
	}
	return decisions, nil
}

// extractArray locates the decision array: first inside ```json fences, then
// inside plain fences, then anywhere in the text.
func extractArray(response string) string {
	if block := fencedBlock(response, "```json"); block != "" {
		if arr := arrayInText(block); arr != "" {
			return arr
		}
	}
	if block := fencedBlock(response, "```"); block != "" {
		if arr := arrayInText(block); arr != "" {
			return arr
		}
	}
	return arrayInText(response)
}

func fencedBlock(response, fence string) string {
	start := strings.Index(response, fence)
	if start == -1 {
		return ""
	}
	start += len(fence)
	end := strings.Index(response[start:], "```")
	if end == -1 {
		return ""
	}
	return response[start : start+end]
}

// arrayInText finds the first "[" directly followed by "{" that opens a
// parseable object array. Plain "[" is not enough: reasoning traces often
// contain numeric arrays.
func arrayInText(text string) string {
	searchPos := 0
	for searchPos < len(text) {
		open := strings.Index(text[searchPos:], "[")
		if open == -1 {
			break
		}
		open += searchPos

		after := open + 1
		for after < len(text) && isSpace(text[after]) {
			after++
		}
		if after < len(text) && text[after] == '{' {
			if end := matchingBracket(text, open); end != -1 {
				candidate := strings.TrimSpace(text[open : end+1])
				var probe []Decision
				if err := json.Unmarshal([]byte(fixSmartQuotes(stripTrailingCommas(candidate))), &probe); err == nil {
					return candidate
				}
			}
		}
		searchPos = open + 1
	}
	return ""
}

// matchingBracket returns the index of the "]" closing the "[" at start.
func matchingBracket(s string, start int) int {
	if start >= len(s) || s[start] != '[' {
		return -1
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '"':
			if i == 0 || s[i-1] != '\\' {
				inString = !inString
			}
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}

// fixSmartQuotes replaces typographic quotes that break json.Unmarshal.
func fixSmartQuotes(s string) string {
	s = strings.ReplaceAll(s, "“", "\"")
	s = strings.ReplaceAll(s, "”", "\"")
	s = strings.ReplaceAll(s, "‘", "'")
	s = strings.ReplaceAll(s, "’", "'")
	return s
}

// stripTrailingCommas removes commas before closing braces and brackets.
// Valid JSON never matches these patterns.
func stripTrailingCommas(s string) string {
	for {
		original := s
		s = strings.ReplaceAll(s, ",}", "}")
		s = strings.ReplaceAll(s, ", }", " }")
		s = strings.ReplaceAll(s, ",]", "]")
		s = strings.ReplaceAll(s, ", ]", " ]")
		if s == original {
			return s
		}
	}
}

// extractCoTTrace captures the free-text reasoning that precedes the JSON
// array, for conversation logging.
func extractCoTTrace(response string) string {
	if idx := strings.Index(response, "```"); idx > 0 {
		return strings.TrimSpace(response[:idx])
	}
	if arr := arrayInText(response); arr != "" {
		if idx := strings.Index(response, arr); idx > 0 {
			return strings.TrimSpace(response[:idx])
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
