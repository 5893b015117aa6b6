// Package schema defines the structured output expected from each analysis
// stage. Field constraints are expressed as validator tags; enum values are
// case-normalized by Normalize before validation.
package schema

import "strings"

// Severity grades a finding.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// GapStatus describes how far a governance control is implemented.
type GapStatus string

const (
	GapMissing     GapStatus = "MISSING"
	GapPartial     GapStatus = "PARTIAL"
	GapImplemented GapStatus = "IMPLEMENTED"
)

// ActionStatus tracks an action plan item.
type ActionStatus string

const (
	ActionNotStarted ActionStatus = "NOT_STARTED"
	ActionInProgress ActionStatus = "IN_PROGRESS"
)

// Score bounds shared by every leaf stage. 1 is minimal risk, 10 severe.
const (
	MinScore = 1
	MaxScore = 10
)

// Output is implemented by every stage output type.
type Output interface {
	// Normalize canonicalizes enumerated values in place.
	Normalize()
}

// Scored is implemented by outputs that carry a risk score.
type Scored interface {
	Output
	Score() int
}

// GDPRRiskAssessment is the output of gdpr_risk_assessment.
type GDPRRiskAssessment struct {
	RiskScore        int         `json:"risk_score" validate:"required,min=1,max=10"`
	RiskLevel        Severity    `json:"risk_level" validate:"required,oneof=HIGH MEDIUM LOW"`
	Violations       []Violation `json:"violations" validate:"required,dive"`
	ExecutiveSummary string      `json:"executive_summary" validate:"required"`
}

// Violation is a suspected breach of a GDPR article.
type Violation struct {
	Article        string   `json:"article" validate:"required"`
	Title          string   `json:"title" validate:"required"`
	Severity       Severity `json:"severity" validate:"required,oneof=HIGH MEDIUM LOW"`
	Description    string   `json:"description" validate:"required"`
	Recommendation string   `json:"recommendation,omitempty"`
}

func (o *GDPRRiskAssessment) Normalize() {
	o.RiskLevel = Severity(NormalizeEnum(string(o.RiskLevel)))
	for i := range o.Violations {
		o.Violations[i].Severity = Severity(NormalizeEnum(string(o.Violations[i].Severity)))
	}
}

func (o *GDPRRiskAssessment) Score() int { return o.RiskScore }

// CrossReferenceAnalysis is the output of cross_reference_analysis.
type CrossReferenceAnalysis struct {
	GapScore              int         `json:"gap_score" validate:"required,min=1,max=10"`
	PolicyGaps            []PolicyGap `json:"policy_gaps" validate:"required,dive"`
	UndisclosedProcessing []string    `json:"undisclosed_processing,omitempty"`
}

// PolicyGap is a mismatch between the written policy and the system's behavior.
type PolicyGap struct {
	Area            string   `json:"area" validate:"required"`
	Description     string   `json:"description" validate:"required"`
	Priority        Severity `json:"priority" validate:"required,oneof=HIGH MEDIUM LOW"`
	PolicyReference string   `json:"policy_reference,omitempty"`
	Articles        []string `json:"articles,omitempty"`
}

func (o *CrossReferenceAnalysis) Normalize() {
	for i := range o.PolicyGaps {
		o.PolicyGaps[i].Priority = Severity(NormalizeEnum(string(o.PolicyGaps[i].Priority)))
	}
}

func (o *CrossReferenceAnalysis) Score() int { return o.GapScore }

// BiasFairnessAnalysis is the output of bias_fairness_analysis.
type BiasFairnessAnalysis struct {
	BiasScore       int        `json:"bias_score" validate:"required,min=1,max=10"`
	BiasRisks       []BiasRisk `json:"bias_risks" validate:"required,dive"`
	ProtectedGroups []string   `json:"protected_groups,omitempty"`
}

// BiasRisk is a source of unfair treatment in the system.
type BiasRisk struct {
	Category       string   `json:"category" validate:"required"`
	Description    string   `json:"description" validate:"required"`
	Severity       Severity `json:"severity" validate:"required,oneof=HIGH MEDIUM LOW"`
	AffectedGroups []string `json:"affected_groups,omitempty"`
	Mitigation     string   `json:"mitigation,omitempty"`
}

func (o *BiasFairnessAnalysis) Normalize() {
	for i := range o.BiasRisks {
		o.BiasRisks[i].Severity = Severity(NormalizeEnum(string(o.BiasRisks[i].Severity)))
	}
}

func (o *BiasFairnessAnalysis) Score() int { return o.BiasScore }

// EthicsGovernanceReview is the output of ethics_governance_review.
type EthicsGovernanceReview struct {
	GovernanceScore int             `json:"governance_score" validate:"required,min=1,max=10"`
	GovernanceGaps  []GovernanceGap `json:"governance_gaps" validate:"required,dive"`
	Strengths       []string        `json:"strengths,omitempty"`
}

// GovernanceGap is a missing or weak oversight control.
type GovernanceGap struct {
	Area           string    `json:"area" validate:"required"`
	Description    string    `json:"description" validate:"required"`
	Status         GapStatus `json:"status" validate:"required,oneof=MISSING PARTIAL IMPLEMENTED"`
	Severity       Severity  `json:"severity" validate:"required,oneof=HIGH MEDIUM LOW"`
	Recommendation string    `json:"recommendation,omitempty"`
}

func (o *EthicsGovernanceReview) Normalize() {
	for i := range o.GovernanceGaps {
		o.GovernanceGaps[i].Status = GapStatus(NormalizeEnum(string(o.GovernanceGaps[i].Status)))
		o.GovernanceGaps[i].Severity = Severity(NormalizeEnum(string(o.GovernanceGaps[i].Severity)))
	}
}

func (o *EthicsGovernanceReview) Score() int { return o.GovernanceScore }

// ImplementationPlan is the output of implementation_planning.
type ImplementationPlan struct {
	ActionPlan []ActionItem `json:"action_plan" validate:"required,min=1,dive"`
	Phases     []Phase      `json:"phases" validate:"required,dive"`
	Summary    string       `json:"summary" validate:"required"`
}

// ActionItem is one remediation step.
type ActionItem struct {
	Action    string       `json:"action" validate:"required"`
	Priority  Severity     `json:"priority" validate:"required,oneof=CRITICAL HIGH MEDIUM LOW"`
	Owner     string       `json:"owner,omitempty"`
	Timeline  string       `json:"timeline" validate:"required"`
	Addresses []string     `json:"addresses,omitempty"`
	Status    ActionStatus `json:"status,omitempty" validate:"omitempty,oneof=NOT_STARTED IN_PROGRESS"`
}

// Phase groups action items on the roadmap.
type Phase struct {
	Name     string   `json:"name" validate:"required"`
	Duration string   `json:"duration" validate:"required"`
	Actions  []string `json:"actions" validate:"required,min=1"`
}

func (o *ImplementationPlan) Normalize() {
	for i := range o.ActionPlan {
		o.ActionPlan[i].Priority = Severity(NormalizeEnum(string(o.ActionPlan[i].Priority)))
		o.ActionPlan[i].Status = ActionStatus(NormalizeEnum(string(o.ActionPlan[i].Status)))
	}
}

// NormalizeEnum upper-cases an enum value and folds spaces and hyphens to
// underscores, so "in progress" and "In-Progress" both become IN_PROGRESS.
func NormalizeEnum(value string) string {
	value = strings.TrimSpace(value)
	value = strings.NewReplacer(" ", "_", "-", "_").Replace(value)
	return strings.ToUpper(value)
}
