// Package report turns a terminal pipeline run into a compliance report.
// Synthesis is pure: the same run always yields the same report.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/config"
	"github.com/zen-systems/gdprcheck/pkg/pipeline"
	"github.com/zen-systems/gdprcheck/pkg/prompt"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// ErrNotTerminal is returned when a run has not finished.
var ErrNotTerminal = errors.New("run has not reached a terminal status")

// RiskLevel grades the overall score.
type RiskLevel string

const (
	RiskHigh    RiskLevel = "HIGH"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskLow     RiskLevel = "LOW"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// LevelFor maps an overall score to a risk level. A nil score is UNKNOWN.
func LevelFor(score *float64) RiskLevel {
	switch {
	case score == nil:
		return RiskUnknown
	case *score >= 8:
		return RiskHigh
	case *score >= 6:
		return RiskMedium
	default:
		return RiskLow
	}
}

// ScorePolicy decides how leaf scores combine. Method is config.ScoreMean or
// config.ScoreWeighted. With weighted scoring a stage without an entry in
// Weights counts with weight 1 and a zero weight excludes the stage.
type ScorePolicy struct {
	Method  string             `json:"method"`
	Weights map[string]float64 `json:"weights,omitempty"`
}

// MeanPolicy averages every available score equally.
func MeanPolicy() ScorePolicy {
	return ScorePolicy{Method: config.ScoreMean}
}

// PolicyFromConfig builds a ScorePolicy from the scoring section.
func PolicyFromConfig(cfg config.ScoringConfig) ScorePolicy {
	if cfg.Policy == "" {
		return MeanPolicy()
	}
	weights := make(map[string]float64, len(cfg.Weights))
	for stage, w := range cfg.Weights {
		weights[stage] = w
	}
	return ScorePolicy{Method: cfg.Policy, Weights: weights}
}

func (p ScorePolicy) weight(stage string) float64 {
	if p.Method != config.ScoreWeighted {
		return 1
	}
	if w, ok := p.Weights[stage]; ok {
		return w
	}
	return 1
}

// Section is the report view of one stage. Output is a copy of the stage
// output, set only for available stages; Unavailable carries the
// placeholder otherwise.
type Section struct {
	Stage       string        `json:"stage"`
	Available   bool          `json:"available"`
	Score       *int          `json:"score,omitempty"`
	Output      schema.Output `json:"output,omitempty"`
	Unavailable string        `json:"unavailable,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Message     string        `json:"message,omitempty"`
}

// UnmarshalJSON decodes Output into the type registered for Stage.
func (s *Section) UnmarshalJSON(data []byte) error {
	type plain Section
	var aux struct {
		plain
		Output json.RawMessage `json:"output,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Section(aux.plain)
	s.Output = nil
	if len(aux.Output) == 0 || string(aux.Output) == "null" {
		return nil
	}
	newOutput, ok := catalog.OutputFor(s.Stage)
	if !ok {
		return errors.Newf("stage %q has no registered output type", s.Stage)
	}
	out := newOutput()
	if err := json.Unmarshal(aux.Output, out); err != nil {
		return errors.Wrapf(err, "decode output of stage %s", s.Stage)
	}
	s.Output = out
	return nil
}

// ComplianceReport is the read-only result of a run.
type ComplianceReport struct {
	RunID       string             `json:"run_id"`
	Catalog     string             `json:"catalog"`
	RunStatus   pipeline.RunStatus `json:"run_status"`
	GeneratedAt time.Time          `json:"generated_at"`

	ScorePolicy      ScorePolicy    `json:"score_policy"`
	Scores           map[string]int `json:"scores"`
	OverallRiskScore *float64       `json:"overall_risk_score"`
	RiskLevel        RiskLevel      `json:"risk_level"`

	Sections    []Section `json:"sections"`
	Unavailable []string  `json:"unavailable,omitempty"`

	Violations     []schema.Violation     `json:"violations"`
	PolicyGaps     []schema.PolicyGap     `json:"policy_gaps"`
	BiasRisks      []schema.BiasRisk      `json:"bias_risks"`
	GovernanceGaps []schema.GovernanceGap `json:"governance_gaps"`
	ActionPlan     []schema.ActionItem    `json:"action_plan"`
	Phases         []schema.Phase         `json:"phases"`

	ExecutiveSummary string               `json:"executive_summary"`
	Cost             *pipeline.CostReport `json:"cost,omitempty"`
}

// Section returns the section for a stage, or nil.
func (r *ComplianceReport) Section(stage string) *Section {
	for i := range r.Sections {
		if r.Sections[i].Stage == stage {
			return &r.Sections[i]
		}
	}
	return nil
}

// Synthesize builds the report for a terminal run. It does not modify run,
// and the report shares no memory with it.
func Synthesize(run *pipeline.Run, policy ScorePolicy) (*ComplianceReport, error) {
	if run == nil {
		return nil, errors.New("run is required")
	}
	if !run.Status.Terminal() {
		return nil, errors.Wrapf(ErrNotTerminal, "run %s is %s", run.ID, run.Status)
	}
	switch policy.Method {
	case "":
		policy = MeanPolicy()
	case config.ScoreMean, config.ScoreWeighted:
	default:
		return nil, errors.WithHint(
			errors.Newf("unknown scoring policy %q", policy.Method),
			"use \"mean\" or \"weighted\"")
	}

	rep := &ComplianceReport{
		RunID:          run.ID,
		Catalog:        run.Catalog,
		RunStatus:      run.Status,
		GeneratedAt:    run.CompletedAt,
		ScorePolicy:    policy,
		Scores:         make(map[string]int),
		Sections:       make([]Section, 0, len(run.Order)),
		Violations:     []schema.Violation{},
		PolicyGaps:     []schema.PolicyGap{},
		BiasRisks:      []schema.BiasRisk{},
		GovernanceGaps: []schema.GovernanceGap{},
		ActionPlan:     []schema.ActionItem{},
		Phases:         []schema.Phase{},
		Cost:           run.Cost,
	}

	var weighted, totalWeight float64
	for _, res := range run.Results() {
		section := Section{Stage: res.Stage}
		out, ok := run.Output(res.Stage)
		if !ok {
			reason := ""
			if res.Failure != nil {
				reason = string(res.Failure.Reason)
				section.Message = res.Failure.Message
			}
			section.Reason = reason
			section.Unavailable = prompt.Unavailable(res.Stage, reason)
			rep.Unavailable = append(rep.Unavailable, res.Stage)
			rep.Sections = append(rep.Sections, section)
			continue
		}

		out = schema.Clone(out)
		section.Available = true
		section.Output = out
		if scored, ok := out.(schema.Scored); ok {
			score := scored.Score()
			section.Score = &score
			rep.Scores[res.Stage] = score
			if w := policy.weight(res.Stage); w > 0 {
				weighted += w * float64(score)
				totalWeight += w
			}
		}
		merge(rep, out)
		rep.Sections = append(rep.Sections, section)
	}

	if totalWeight > 0 {
		overall := math.Round(weighted/totalWeight*10) / 10
		rep.OverallRiskScore = &overall
	}
	rep.RiskLevel = LevelFor(rep.OverallRiskScore)
	rep.ExecutiveSummary = summarize(rep, run)
	return rep, nil
}

// merge appends list findings in the order the stage produced them.
func merge(rep *ComplianceReport, out schema.Output) {
	switch o := out.(type) {
	case *schema.GDPRRiskAssessment:
		rep.Violations = append(rep.Violations, o.Violations...)
	case *schema.CrossReferenceAnalysis:
		rep.PolicyGaps = append(rep.PolicyGaps, o.PolicyGaps...)
	case *schema.BiasFairnessAnalysis:
		rep.BiasRisks = append(rep.BiasRisks, o.BiasRisks...)
	case *schema.EthicsGovernanceReview:
		rep.GovernanceGaps = append(rep.GovernanceGaps, o.GovernanceGaps...)
	case *schema.ImplementationPlan:
		rep.ActionPlan = append(rep.ActionPlan, o.ActionPlan...)
		rep.Phases = append(rep.Phases, o.Phases...)
	}
}

func summarize(rep *ComplianceReport, run *pipeline.Run) string {
	var sb strings.Builder
	available := len(rep.Sections) - len(rep.Unavailable)
	if rep.OverallRiskScore != nil {
		fmt.Fprintf(&sb, "Overall risk %s (%.1f/10) from %d of %d analyses.",
			rep.RiskLevel, *rep.OverallRiskScore, available, len(rep.Sections))
	} else {
		fmt.Fprintf(&sb, "Overall risk could not be scored; %d of %d analyses completed.",
			available, len(rep.Sections))
	}
	fmt.Fprintf(&sb, " Findings: %d violations, %d policy gaps, %d bias risks, %d governance gaps.",
		len(rep.Violations), len(rep.PolicyGaps), len(rep.BiasRisks), len(rep.GovernanceGaps))

	if out, ok := run.Output(catalog.GDPRRiskAssessment); ok {
		if gdpr, ok := out.(*schema.GDPRRiskAssessment); ok && gdpr.ExecutiveSummary != "" {
			sb.WriteString(" ")
			sb.WriteString(strings.TrimSpace(gdpr.ExecutiveSummary))
		}
	}
	if out, ok := run.Output(catalog.ImplementationPlanning); ok {
		if plan, ok := out.(*schema.ImplementationPlan); ok && plan.Summary != "" {
			sb.WriteString(" ")
			sb.WriteString(strings.TrimSpace(plan.Summary))
		}
	}
	if len(rep.Unavailable) > 0 {
		sb.WriteString(" Unavailable: ")
		for i, stage := range rep.Unavailable {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(stage)
			if s := rep.Section(stage); s != nil && s.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", s.Reason)
			}
		}
		sb.WriteString(".")
	}
	return sb.String()
}
