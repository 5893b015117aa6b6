package validate

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/zen-systems/gdprcheck/pkg/gate"
	"github.com/zen-systems/gdprcheck/pkg/metrics"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
	"github.com/zen-systems/gdprcheck/pkg/repair"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// Kind tags how a response was resolved.
type Kind int

const (
	// Success means the first response was valid.
	Success Kind = iota
	// RepairAttempted means the first response failed and the repaired one
	// was valid.
	RepairAttempted
	// Failed means no valid output was obtained.
	Failed
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case RepairAttempted:
		return "repair_attempted"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of resolving one stage response.
type Outcome struct {
	Kind   Kind
	Parsed schema.Output
	// Raw is the response that produced Parsed, or the original response
	// when resolution failed.
	Raw string
	// RepairRaw is the repaired response, if a repair was issued.
	RepairRaw string
	// Repair is the oracle reply to the repair prompt, if any.
	Repair *oracle.Reply
	// Err is set when Kind is Failed. It is a *Error for schema failures or
	// an oracle error when the repair call itself failed.
	Err error
}

// Attempt is one stage response awaiting resolution.
type Attempt struct {
	Stage     string
	Prompt    string
	Raw       string
	NewOutput func() schema.Output
}

// Repairer validates stage responses and issues at most one repair.
type Repairer struct {
	logger *zap.SugaredLogger
	gates  []gate.Gate
}

// NewRepairer returns a Repairer. A nil logger is replaced by a no-op.
// Outputs that pass the schema are also run through gates; a blocking gate
// violation is treated like a schema violation and triggers the repair.
func NewRepairer(logger *zap.SugaredLogger, gates ...gate.Gate) *Repairer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Repairer{logger: logger, gates: gates}
}

// Resolve validates a.Raw. On failure it re-invokes the oracle once with a
// corrective prompt naming each violation and validates the reply.
func (r *Repairer) Resolve(ctx context.Context, inv oracle.Invoker, a Attempt) Outcome {
	parsed, err := r.check(a.Stage, a.Raw, a.NewOutput)
	if err == nil {
		return Outcome{Kind: Success, Parsed: parsed, Raw: a.Raw}
	}

	var first *Error
	if !errors.As(err, &first) {
		return Outcome{Kind: Failed, Raw: a.Raw, Err: err}
	}
	r.logger.Infow("stage output failed validation, requesting repair",
		"stage", a.Stage, "violations", len(first.Violations), "error", first.Error())

	reply, err := inv.Invoke(ctx, repair.GenerateSchemaRepairPrompt(a.Prompt, a.Raw, issues(first)))
	if err != nil {
		metrics.RepairAttempts.WithLabelValues(a.Stage, "oracle_error").Inc()
		return Outcome{Kind: Failed, Raw: a.Raw, Err: errors.Wrap(err, "repair")}
	}

	parsed, err = r.check(a.Stage, reply.Text, a.NewOutput)
	if err == nil {
		metrics.RepairAttempts.WithLabelValues(a.Stage, "repaired").Inc()
		return Outcome{Kind: RepairAttempted, Parsed: parsed, Raw: reply.Text, RepairRaw: reply.Text, Repair: reply}
	}

	metrics.RepairAttempts.WithLabelValues(a.Stage, "failed").Inc()
	final := &Error{Raw: a.Raw}
	var second *Error
	if errors.As(err, &second) {
		final.Violations = second.Violations
	} else {
		final.Violations = []Violation{{Rule: "repair", Message: err.Error()}}
	}
	return Outcome{Kind: Failed, Raw: a.Raw, RepairRaw: reply.Text, Repair: reply, Err: final}
}

// check validates raw and runs the gates on the result.
func (r *Repairer) check(stage, raw string, newOutput func() schema.Output) (schema.Output, error) {
	parsed, err := Validate(raw, newOutput)
	if err != nil {
		return nil, err
	}
	var violations []Violation
	for _, g := range r.gates {
		blocking := g.Evaluate(parsed).Blocking()
		if len(blocking) == 0 {
			continue
		}
		metrics.GateRejections.WithLabelValues(stage, g.Name()).Inc()
		for _, v := range blocking {
			violations = append(violations, Violation{Field: v.Location, Rule: v.Rule, Message: v.Message})
		}
	}
	if len(violations) > 0 {
		return nil, &Error{Violations: violations, Raw: raw}
	}
	return parsed, nil
}

func issues(err *Error) []repair.Issue {
	out := make([]repair.Issue, 0, len(err.Violations))
	for _, v := range err.Violations {
		out = append(out, repair.Issue{Field: v.Field, Message: v.Message})
	}
	return out
}
