package validate

import (
	"encoding/json"
	"strings"
)

// Extract returns the JSON object embedded in raw that is most likely the
// payload: the first object in a fenced code block, otherwise the first
// balanced object in the text. Leading and trailing prose is ignored.
func Extract(raw string) (string, error) {
	candidates := Candidates(raw)
	if len(candidates) == 0 {
		return "", noPayload(raw)
	}
	return candidates[0], nil
}

// Candidates returns every balanced, well-formed JSON object in raw. Objects
// inside fenced code blocks come first, then top-level objects found in the
// whole text. Nested objects are not listed separately.
func Candidates(raw string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(objs []string) {
		for _, obj := range objs {
			if _, dup := seen[obj]; dup {
				continue
			}
			seen[obj] = struct{}{}
			out = append(out, obj)
		}
	}
	for _, block := range fencedBlocks(raw) {
		add(objects(block))
	}
	add(objects(raw))
	return out
}

func noPayload(raw string) *Error {
	return &Error{
		Violations: []Violation{{Rule: "payload", Message: "response contains no JSON object"}},
		Raw:        raw,
	}
}

// fencedBlocks returns the bodies of ``` fenced blocks in order. The info
// string after the opening fence (json, JSON, ...) is dropped.
func fencedBlocks(raw string) []string {
	const fence = "```"
	var blocks []string
	rest := raw
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			return blocks
		}
		rest = rest[start+len(fence):]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, fence)
		if end < 0 {
			return blocks
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+len(fence):]
	}
}

// objects scans text for balanced, well-formed JSON objects in order.
// Braces inside string literals are skipped.
func objects(text string) []string {
	var out []string
	for offset := 0; offset < len(text); {
		idx := strings.IndexByte(text[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx
		if end, ok := matchObject(text, start); ok && json.Valid([]byte(text[start:end+1])) {
			out = append(out, text[start:end+1])
			offset = end + 1
			continue
		}
		offset = start + 1
	}
	return out
}

func matchObject(text string, start int) (int, bool) {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
