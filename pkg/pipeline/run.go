package pipeline

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/schema"
	"github.com/zen-systems/gdprcheck/pkg/validate"
)

// AnalysisRequest is the user input of a run. Both fields are normalized
// text and must not be blank.
type AnalysisRequest struct {
	PolicyText        string `json:"policy_text" validate:"notblank"`
	SystemDescription string `json:"system_description" validate:"notblank"`
}

// Validate rejects requests that must not start a run.
func (r AnalysisRequest) Validate() error {
	return validate.Struct(r)
}

// Field returns a request field by its input name.
func (r AnalysisRequest) Field(name string) (string, bool) {
	switch name {
	case catalog.InputPolicyText:
		return r.PolicyText, true
	case catalog.InputSystemDescription:
		return r.SystemDescription, true
	default:
		return "", false
	}
}

// Status is the state of one stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the stage will not change again.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// RunStatus is the overall state of a run.
type RunStatus string

const (
	RunInProgress         RunStatus = "in_progress"
	RunCompleted          RunStatus = "completed"
	RunPartiallyCompleted RunStatus = "partially_completed"
	RunFailed             RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartiallyCompleted || s == RunFailed
}

// Reason classifies a stage failure.
type Reason string

const (
	ReasonMissingInput    Reason = "missing_input"
	ReasonRender          Reason = "render"
	ReasonTransientOracle Reason = "transient_oracle"
	ReasonFatalOracle     Reason = "fatal_oracle"
	ReasonValidation      Reason = "validation"
	ReasonUpstreamFailure Reason = "upstream_failure"
	ReasonTimeout         Reason = "timeout"
)

// Failure explains why a stage failed.
type Failure struct {
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	// Violations lists schema violations for validation failures.
	Violations []validate.Violation `json:"violations,omitempty"`

	Err error `json:"-"`
}

func (f *Failure) Error() string {
	return string(f.Reason) + ": " + f.Message
}

func (f *Failure) Unwrap() error { return f.Err }

// StageResult is the record of one stage in a run. Parsed is set if and
// only if Status is StatusSucceeded.
type StageResult struct {
	Stage       string        `json:"stage"`
	Status      Status        `json:"status"`
	Adapter     string        `json:"adapter,omitempty"`
	Model       string        `json:"model,omitempty"`
	Prompt      string        `json:"prompt,omitempty"`
	RawText     string        `json:"raw_text,omitempty"`
	Parsed      schema.Output `json:"parsed,omitempty"`
	Failure     *Failure      `json:"failure,omitempty"`
	Attempts    int           `json:"attempts"`
	Repaired    bool          `json:"repaired,omitempty"`
	Usage       adapter.Usage `json:"usage"`
	StartedAt   time.Time     `json:"started_at,omitzero"`
	CompletedAt time.Time     `json:"completed_at,omitzero"`

	exchanges []exchange
}

// Duration returns how long the stage ran.
func (r *StageResult) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// UnmarshalJSON decodes Parsed into the output type registered for Stage.
func (r *StageResult) UnmarshalJSON(data []byte) error {
	type plain StageResult
	var aux struct {
		plain
		Parsed json.RawMessage `json:"parsed,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = StageResult(aux.plain)
	r.Parsed = nil
	if len(aux.Parsed) == 0 || string(aux.Parsed) == "null" {
		return nil
	}
	newOutput, ok := catalog.OutputFor(r.Stage)
	if !ok {
		return errors.Newf("stage %q has no registered output type", r.Stage)
	}
	out := newOutput()
	if err := json.Unmarshal(aux.Parsed, out); err != nil {
		return errors.Wrapf(err, "decode output of stage %s", r.Stage)
	}
	r.Parsed = out
	return nil
}

// Run is one execution of the catalog against a request.
type Run struct {
	ID          string                  `json:"id"`
	Catalog     string                  `json:"catalog"`
	Request     AnalysisRequest         `json:"request"`
	Order       []string                `json:"order"`
	Stages      map[string]*StageResult `json:"stages"`
	Status      RunStatus               `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at,omitzero"`
	Cost        *CostReport             `json:"cost,omitempty"`
	EvidenceDir string                  `json:"evidence_dir,omitempty"`
}

// Stage returns the result for a stage name, or nil.
func (r *Run) Stage(name string) *StageResult {
	if r == nil {
		return nil
	}
	return r.Stages[name]
}

// Output returns the parsed output of a succeeded stage.
func (r *Run) Output(name string) (schema.Output, bool) {
	res := r.Stage(name)
	if res == nil || res.Status != StatusSucceeded || res.Parsed == nil {
		return nil, false
	}
	return res.Parsed, true
}

// Results returns stage results in catalog order.
func (r *Run) Results() []*StageResult {
	out := make([]*StageResult, 0, len(r.Order))
	for _, name := range r.Order {
		if res, ok := r.Stages[name]; ok {
			out = append(out, res)
		}
	}
	return out
}

func newRun(id string, cat *catalog.Catalog, req AnalysisRequest, now time.Time) *Run {
	run := &Run{
		ID:        id,
		Catalog:   cat.Name,
		Request:   req,
		Order:     cat.Names(),
		Stages:    make(map[string]*StageResult, len(cat.Specs)),
		Status:    RunInProgress,
		StartedAt: now,
	}
	for _, name := range run.Order {
		run.Stages[name] = &StageResult{Stage: name, Status: StatusPending}
	}
	return run
}

// deriveStatus applies the completion rules: every stage succeeded is
// completed, every root stage failed is failed, anything else is partial.
func deriveStatus(run *Run, cat *catalog.Catalog) RunStatus {
	allSucceeded := true
	for _, res := range run.Stages {
		if res.Status != StatusSucceeded {
			allSucceeded = false
			break
		}
	}
	if allSucceeded {
		return RunCompleted
	}
	for _, root := range cat.Roots() {
		if run.Stages[root.Name].Status == StatusSucceeded {
			return RunPartiallyCompleted
		}
	}
	return RunFailed
}
