package gate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/gdprcheck/pkg/schema"
)

const (
	errorPenalty   = 25
	warningPenalty = 5
)

// placeholderValues are whole-field answers that stand in for content.
var placeholderValues = map[string]struct{}{
	"tbd":         {},
	"todo":        {},
	"n/a":         {},
	"...":         {},
	"xxx":         {},
	"placeholder": {},
	"insert here": {},
	"lorem ipsum": {},
}

// placeholderMarkers are fragments of template text left in an answer.
var placeholderMarkers = []string{
	"lorem ipsum",
	"[insert",
	"<insert",
	"[placeholder",
	"{{",
	"todo:",
}

// HollowGate rejects outputs whose free-text fields are placeholders, and
// warns about list entries repeated verbatim.
type HollowGate struct{}

// NewHollowGate creates a new hollow output gate.
func NewHollowGate() *HollowGate {
	return &HollowGate{}
}

// Name returns the gate identifier.
func (g *HollowGate) Name() string {
	return "hollow"
}

// Evaluate walks the JSON form of out.
func (g *HollowGate) Evaluate(out schema.Output) *Result {
	data, err := json.Marshal(out)
	if err != nil {
		return NewFailingResult(0, []Violation{{
			Rule:     "encode",
			Severity: SeverityError,
			Message:  err.Error(),
		}}, nil)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return NewFailingResult(0, []Violation{{
			Rule:     "encode",
			Severity: SeverityError,
			Message:  err.Error(),
		}}, nil)
	}

	var violations []Violation
	walk(doc, "", &violations)

	score := 100
	blocking := false
	for _, v := range violations {
		if v.Severity == SeverityError {
			score -= errorPenalty
			blocking = true
		} else {
			score -= warningPenalty
		}
	}
	if score < 0 {
		score = 0
	}
	if !blocking {
		res := NewPassingResult(score)
		res.Violations = violations
		return res
	}
	return NewFailingResult(score, violations, []string{
		"Replace placeholder text with findings specific to the policy and system under review.",
	})
}

func walk(node any, path string, out *[]Violation) {
	switch v := node.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], join(path, k), out)
		}
	case []any:
		seen := make(map[string]int, len(v))
		for i, item := range v {
			itemPath := fmt.Sprintf("%s[%d]", path, i)
			if key, ok := entryKey(item); ok {
				if first, dup := seen[key]; dup {
					*out = append(*out, Violation{
						Rule:     "duplicate",
						Severity: SeverityWarning,
						Message:  fmt.Sprintf("repeats %s[%d]", path, first),
						Location: itemPath,
					})
				} else {
					seen[key] = i
				}
			}
			walk(item, itemPath, out)
		}
	case string:
		if msg, hollow := placeholder(v); hollow {
			*out = append(*out, Violation{
				Rule:     "placeholder",
				Severity: SeverityError,
				Message:  msg,
				Location: path,
			})
		}
	}
}

func placeholder(s string) (string, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	if _, ok := placeholderValues[norm]; ok {
		return fmt.Sprintf("placeholder value %q", strings.TrimSpace(s)), true
	}
	for _, marker := range placeholderMarkers {
		if strings.Contains(norm, marker) {
			return fmt.Sprintf("contains template text %q", marker), true
		}
	}
	return "", false
}

// entryKey identifies list entries worth comparing: objects and non-empty
// strings.
func entryKey(item any) (string, bool) {
	switch v := item.(type) {
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(data), true
	case string:
		norm := strings.ToLower(strings.TrimSpace(v))
		return norm, norm != ""
	}
	return "", false
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
