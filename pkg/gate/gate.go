// Package gate holds quality gates that run on schema-valid stage outputs.
// A gate catches answers that satisfy the schema but carry no substance.
package gate

import (
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// Severities of a gate violation. Only SeverityError blocks an output.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Gate defines the interface for quality gates.
type Gate interface {
	// Evaluate checks a decoded stage output.
	Evaluate(out schema.Output) *Result

	// Name returns the gate identifier.
	Name() string
}

// Result contains the outcome of a gate evaluation.
type Result struct {
	Passed      bool        `json:"passed"`
	Score       int         `json:"score"`
	Violations  []Violation `json:"violations,omitempty"`
	RepairHints []string    `json:"repair_hints,omitempty"`
}

// Violation describes a specific quality issue.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	// Location is the JSON path of the offending value.
	Location string `json:"location,omitempty"`
}

// Blocking returns the violations that fail the gate.
func (r *Result) Blocking() []Violation {
	if r == nil {
		return nil
	}
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// NewPassingResult creates a result indicating the gate passed.
func NewPassingResult(score int) *Result {
	return &Result{
		Passed: true,
		Score:  score,
	}
}

// NewFailingResult creates a result indicating the gate failed.
func NewFailingResult(score int, violations []Violation, hints []string) *Result {
	return &Result{
		Passed:      false,
		Score:       score,
		Violations:  violations,
		RepairHints: hints,
	}
}
