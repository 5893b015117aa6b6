package pipeline

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
	"github.com/zen-systems/gdprcheck/pkg/prompt"
	"github.com/zen-systems/gdprcheck/pkg/schema"
	"github.com/zen-systems/gdprcheck/pkg/validate"
)

type exchangeKind string

const (
	exchangeInitial exchangeKind = "initial"
	exchangeRepair  exchangeKind = "repair"
)

// exchange is one oracle round trip of a stage.
type exchange struct {
	kind  exchangeKind
	reply *oracle.Reply
	valid bool
}

// taskResult is what a stage task hands back to the scheduler. Tasks never
// touch the run; the scheduler applies the result.
type taskResult struct {
	stage     string
	adapter   string
	model     string
	prompt    string
	raw       string
	parsed    schema.Output
	failure   *Failure
	attempts  int
	repaired  bool
	usage     adapter.Usage
	exchanges []exchange
	// late is set when the level deadline had passed by the time the task
	// returned.
	late bool
	// abort is set for defects that must stop the whole run.
	abort error
}

// execute renders, invokes and validates one stage.
func (s *Scheduler) execute(ctx context.Context, spec *catalog.StageSpec, inv oracle.Invoker, inputs map[string]string) taskResult {
	out := taskResult{stage: spec.Name}

	rendered, err := prompt.Render(spec, inputs)
	if err != nil {
		var missing *prompt.MissingInputError
		if errors.As(err, &missing) {
			out.abort = missing
			return out
		}
		out.failure = &Failure{Reason: ReasonRender, Message: err.Error(), Err: err}
		return out
	}
	out.prompt = rendered

	reply, err := inv.Invoke(ctx, rendered)
	if err != nil {
		out.failure = oracleFailure(err)
		var te *oracle.TransientError
		if errors.As(err, &te) {
			out.attempts = te.Attempts
		} else {
			out.attempts = 1
		}
		return out
	}
	out.record(reply)
	out.raw = reply.Text

	resolved := s.repairer.Resolve(ctx, inv, validate.Attempt{
		Stage:     spec.Name,
		Prompt:    rendered,
		Raw:       reply.Text,
		NewOutput: spec.NewOutput,
	})
	out.exchanges = []exchange{{kind: exchangeInitial, reply: reply, valid: resolved.Kind == validate.Success}}
	if resolved.Repair != nil {
		out.record(resolved.Repair)
		out.exchanges = append(out.exchanges, exchange{kind: exchangeRepair, reply: resolved.Repair, valid: resolved.Kind == validate.RepairAttempted})
	}

	switch resolved.Kind {
	case validate.Success, validate.RepairAttempted:
		out.parsed = resolved.Parsed
		out.raw = resolved.Raw
		out.repaired = resolved.Kind == validate.RepairAttempted
	default:
		out.failure = resolutionFailure(resolved.Err)
	}
	return out
}

func (r *taskResult) record(reply *oracle.Reply) {
	r.attempts += reply.Attempts
	r.usage = r.usage.Add(reply.Usage.Normalize())
	if reply.Artifact != nil {
		r.adapter = reply.Artifact.Adapter
		r.model = reply.Artifact.Model
	}
}

func oracleFailure(err error) *Failure {
	var fatal *oracle.FatalError
	if errors.As(err, &fatal) {
		return &Failure{Reason: ReasonFatalOracle, Message: err.Error(), Err: err}
	}
	var transient *oracle.TransientError
	if errors.As(err, &transient) {
		return &Failure{Reason: ReasonTransientOracle, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return timeoutFailure(err)
	}
	return &Failure{Reason: ReasonFatalOracle, Message: err.Error(), Err: err}
}

func resolutionFailure(err error) *Failure {
	var verr *validate.Error
	if errors.As(err, &verr) {
		return &Failure{Reason: ReasonValidation, Message: verr.Error(), Violations: verr.Violations, Err: err}
	}
	if err == nil {
		return &Failure{Reason: ReasonValidation, Message: "response could not be validated"}
	}
	return oracleFailure(err)
}
