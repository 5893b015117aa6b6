// Package pipeline executes the stage catalog against an analysis request.
// Stages of one dependency level run concurrently; each level is a fan-in
// barrier for the next.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/config"
	"github.com/zen-systems/gdprcheck/pkg/gate"
	"github.com/zen-systems/gdprcheck/pkg/metrics"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
	"github.com/zen-systems/gdprcheck/pkg/prompt"
	"github.com/zen-systems/gdprcheck/pkg/validate"
)

// Defaults for Options left at zero.
const (
	DefaultRunTimeout      = 5 * time.Minute
	DefaultPlanningReserve = 90 * time.Second
	DefaultMaxConcurrency  = 4
)

// Options configures a Scheduler.
type Options struct {
	Catalog *catalog.Catalog
	// Oracle serves every stage without an entry in StageOracles.
	Oracle       oracle.Invoker
	StageOracles map[string]oracle.Invoker

	// RunTimeout is the single deadline of a run.
	RunTimeout time.Duration
	// PlanningReserve is held back from earlier levels for the final one:
	// the barrier before the last level fires at deadline - PlanningReserve.
	PlanningReserve time.Duration
	// MaxConcurrency bounds the stages of one level running at once.
	MaxConcurrency int

	// Gates run on every schema-valid output before it is accepted.
	Gates []gate.Gate

	Pricing     config.PricingConfig
	EvidenceDir string
	Logger      *zap.SugaredLogger
}

// Scheduler runs analysis requests. It is safe for concurrent use; each
// Run owns its own state.
type Scheduler struct {
	catalog         *catalog.Catalog
	oracle          oracle.Invoker
	stageOracles    map[string]oracle.Invoker
	runTimeout      time.Duration
	planningReserve time.Duration
	maxConcurrency  int
	pricing         config.PricingConfig
	evidenceDir     string
	logger          *zap.SugaredLogger
	repairer        *validate.Repairer
	now             func() time.Time
}

// NewScheduler validates opts and returns a Scheduler.
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Scheduler{
		catalog:         opts.Catalog,
		oracle:          opts.Oracle,
		stageOracles:    opts.StageOracles,
		runTimeout:      opts.RunTimeout,
		planningReserve: opts.PlanningReserve,
		maxConcurrency:  opts.MaxConcurrency,
		pricing:         opts.Pricing,
		evidenceDir:     opts.EvidenceDir,
		logger:          logger,
		repairer:        validate.NewRepairer(logger, opts.Gates...),
		now:             func() time.Time { return time.Now().UTC() },
	}
	if s.runTimeout <= 0 {
		s.runTimeout = DefaultRunTimeout
	}
	if s.planningReserve <= 0 {
		s.planningReserve = DefaultPlanningReserve
	}
	if s.planningReserve >= s.runTimeout {
		return nil, errors.Newf("planning reserve %s must be shorter than run timeout %s", s.planningReserve, s.runTimeout)
	}
	if s.maxConcurrency <= 0 {
		s.maxConcurrency = DefaultMaxConcurrency
	}
	for _, spec := range s.catalog.Stages() {
		if s.oracleFor(spec.Name) == nil {
			return nil, errors.Newf("no oracle configured for stage %s", spec.Name)
		}
	}
	return s, nil
}

// Catalog returns the catalog the scheduler runs.
func (s *Scheduler) Catalog() *catalog.Catalog { return s.catalog }

func (s *Scheduler) oracleFor(stage string) oracle.Invoker {
	if inv, ok := s.stageOracles[stage]; ok && inv != nil {
		return inv
	}
	return s.oracle
}

// Run executes every stage of the catalog and returns the terminal run.
// Stage failures are recorded on the run, never returned. The only error
// after a run has started is a *prompt.MissingInputError, which indicates
// a defect and aborts the run. Invalid requests are rejected before a run
// is created.
func (s *Scheduler) Run(ctx context.Context, req AnalysisRequest) (*Run, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid analysis request")
	}

	start := s.now()
	run := newRun(uuid.NewString(), s.catalog, req, start)
	log := s.logger.With("run_id", run.ID)
	log.Infow("analysis run started", "stages", len(run.Order))

	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	costs := newCostTracker(s.pricing)
	levels := s.catalog.Levels()
	for i, level := range levels {
		levelDeadline := deadline
		if i < len(levels)-1 {
			levelDeadline = deadline.Add(-s.planningReserve)
		}
		if err := s.runLevel(ctx, run, level, levelDeadline, costs, log); err != nil {
			run.Status = RunFailed
			run.CompletedAt = s.now()
			metrics.RunOutcomes.WithLabelValues("aborted").Inc()
			log.Errorw("analysis run aborted", "error", err)
			return nil, err
		}
	}

	run.Status = deriveStatus(run, s.catalog)
	run.CompletedAt = s.now()
	run.Cost = costs.report()
	metrics.RunOutcomes.WithLabelValues(string(run.Status)).Inc()

	if s.evidenceDir != "" {
		dir, err := writeEvidence(s.evidenceDir, run)
		if err != nil {
			log.Warnw("failed to write evidence bundle", "error", err)
		} else {
			run.EvidenceDir = dir
		}
	}

	log.Infow("analysis run finished",
		"status", run.Status,
		"duration", run.CompletedAt.Sub(run.StartedAt),
		"total_tokens", run.Cost.TotalUsage.TotalTokens)
	return run, nil
}

// runLevel starts every ready stage of level and waits until each has
// reported or the level deadline passes. Tasks still running at the
// deadline are cancelled and abandoned: their results land in a buffered
// channel nobody reads.
func (s *Scheduler) runLevel(
	ctx context.Context,
	run *Run,
	level []*catalog.StageSpec,
	deadline time.Time,
	costs *costTracker,
	log *zap.SugaredLogger,
) error {
	levelCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.maxConcurrency))
	results := make(chan taskResult, len(level))
	pending := make(map[string]struct{}, len(level))

	for _, spec := range level {
		res := run.Stages[spec.Name]
		inputs, failure := s.prepare(run, spec)
		if failure != nil {
			var missing *prompt.MissingInputError
			if errors.As(failure.Err, &missing) {
				return missing
			}
			s.finish(run, res, taskResult{stage: spec.Name, failure: failure}, costs, log)
			continue
		}

		res.Status = StatusRunning
		res.StartedAt = s.now()
		pending[spec.Name] = struct{}{}

		inv := s.oracleFor(spec.Name)
		go func(spec *catalog.StageSpec) {
			if err := sem.Acquire(levelCtx, 1); err != nil {
				results <- taskResult{stage: spec.Name, failure: timeoutFailure(err)}
				return
			}
			defer sem.Release(1)
			out := s.execute(levelCtx, spec, inv, inputs)
			out.late = levelCtx.Err() != nil
			results <- out
		}(spec)
	}

	return s.collect(levelCtx, run, results, pending, costs, log)
}

// collect applies task results until every pending stage has settled. A
// failure is relabelled as a timeout only when its task finished after the
// level deadline; results already buffered when the deadline fires keep
// their outcome. Stages that never reported are timed out.
func (s *Scheduler) collect(
	ctx context.Context,
	run *Run,
	results <-chan taskResult,
	pending map[string]struct{},
	costs *costTracker,
	log *zap.SugaredLogger,
) error {
	apply := func(out taskResult) error {
		if _, ok := pending[out.stage]; !ok {
			return nil
		}
		delete(pending, out.stage)
		if out.abort != nil {
			return out.abort
		}
		if out.failure != nil && out.late {
			out.failure = timeoutFailure(ctx.Err())
		}
		s.finish(run, run.Stages[out.stage], out, costs, log)
		return nil
	}

	for len(pending) > 0 {
		select {
		case out := <-results:
			if err := apply(out); err != nil {
				return err
			}
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case out := <-results:
					if err := apply(out); err != nil {
						return err
					}
				default:
					drained = true
				}
			}
			for _, name := range run.Order {
				if _, ok := pending[name]; !ok {
					continue
				}
				delete(pending, name)
				s.finish(run, run.Stages[name], taskResult{stage: name, failure: timeoutFailure(ctx.Err())}, costs, log)
			}
		}
	}
	return nil
}

// prepare checks readiness and gathers inputs. A strict stage needs every
// dependency to have succeeded; a partial stage needs at least one and gets
// an unavailable placeholder for each of the others.
func (s *Scheduler) prepare(run *Run, spec *catalog.StageSpec) (map[string]string, *Failure) {
	var succeeded, failed []string
	for _, dep := range spec.DependsOn {
		if res := run.Stage(dep); res != nil && res.Status == StatusSucceeded {
			succeeded = append(succeeded, dep)
		} else {
			failed = append(failed, dep)
		}
	}
	if len(failed) > 0 && (!spec.AllowPartial || len(succeeded) == 0) {
		return nil, &Failure{
			Reason:  ReasonUpstreamFailure,
			Message: "dependencies did not succeed: " + strings.Join(failed, ", "),
		}
	}

	inputs := make(map[string]string, len(spec.Inputs))
	for _, in := range spec.Inputs {
		stage, field := in.Source()
		if stage == "" {
			value, ok := run.Request.Field(field)
			if !ok {
				return nil, missingInput(spec.Name, in.Name)
			}
			inputs[in.Name] = value
			continue
		}
		upstream := run.Stage(stage)
		if upstream == nil {
			return nil, missingInput(spec.Name, in.Name)
		}
		if upstream.Status != StatusSucceeded {
			reason := ""
			if upstream.Failure != nil {
				reason = string(upstream.Failure.Reason)
			}
			inputs[in.Name] = prompt.Unavailable(stage, reason)
			continue
		}
		value, err := prompt.UpstreamValue(upstream.Parsed, field)
		if err != nil {
			return nil, missingInput(spec.Name, in.Name)
		}
		inputs[in.Name] = value
	}
	return inputs, nil
}

// finish records a terminal outcome. Only the scheduler goroutine calls it.
func (s *Scheduler) finish(run *Run, res *StageResult, out taskResult, costs *costTracker, log *zap.SugaredLogger) {
	if res.StartedAt.IsZero() {
		res.StartedAt = s.now()
	}
	res.CompletedAt = s.now()
	res.Adapter = out.adapter
	res.Model = out.model
	res.Prompt = out.prompt
	res.RawText = out.raw
	res.Attempts = out.attempts
	res.Repaired = out.repaired
	res.Usage = out.usage
	res.exchanges = out.exchanges

	for _, ex := range out.exchanges {
		costs.record(out.stage, ex.reply, ex.kind == exchangeRepair)
	}

	if out.failure == nil && out.parsed != nil {
		res.Status = StatusSucceeded
		res.Parsed = out.parsed
		res.Failure = nil
	} else {
		res.Status = StatusFailed
		res.Parsed = nil
		res.Failure = out.failure
		if res.Failure == nil {
			res.Failure = &Failure{Reason: ReasonValidation, Message: "stage produced no output"}
		}
	}

	reason := ""
	if res.Failure != nil {
		reason = string(res.Failure.Reason)
	}
	metrics.StageOutcomes.WithLabelValues(res.Stage, string(res.Status), reason).Inc()
	if d := res.Duration(); d > 0 {
		metrics.StageDuration.WithLabelValues(res.Stage).Observe(d.Seconds())
	}

	if res.Status == StatusSucceeded {
		log.Infow("stage succeeded", "stage", res.Stage, "attempts", res.Attempts, "repaired", res.Repaired, "duration", res.Duration())
		return
	}
	log.Warnw("stage failed", "stage", res.Stage, "reason", reason, "error", res.Failure.Message, "attempts", res.Attempts)
}

func timeoutFailure(err error) *Failure {
	msg := "run deadline exceeded before the stage completed"
	if errors.Is(err, context.Canceled) {
		msg = "run canceled before the stage completed"
	}
	return &Failure{Reason: ReasonTimeout, Message: msg, Err: err}
}

func missingInput(stage, input string) *Failure {
	err := &prompt.MissingInputError{Stage: stage, Input: input}
	return &Failure{Reason: ReasonMissingInput, Message: err.Error(), Err: err}
}
