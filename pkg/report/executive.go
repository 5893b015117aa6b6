package report

import (
	"time"

	"github.com/zen-systems/gdprcheck/pkg/schema"
)

const (
	topPriorities = 3
	nextPhases    = 2
)

// ExecutiveSummary is the short form of a report for decision makers.
type ExecutiveSummary struct {
	RunID            string              `json:"run_id"`
	GeneratedAt      time.Time           `json:"generated_at"`
	OverallRiskScore *float64            `json:"overall_risk_score"`
	RiskLevel        RiskLevel           `json:"risk_level"`
	ViolationCount   int                 `json:"violation_count"`
	PolicyGapCount   int                 `json:"policy_gap_count"`
	BiasRiskCount    int                 `json:"bias_risk_count"`
	GovernanceCount  int                 `json:"governance_gap_count"`
	TopPriorities    []schema.ActionItem `json:"top_priorities"`
	NextPhases       []schema.Phase      `json:"next_phases"`
	Unavailable      []string            `json:"unavailable,omitempty"`
	Summary          string              `json:"summary"`
}

// Executive condenses a report. Priorities and phases keep plan order.
func Executive(r *ComplianceReport) ExecutiveSummary {
	return ExecutiveSummary{
		RunID:            r.RunID,
		GeneratedAt:      r.GeneratedAt,
		OverallRiskScore: r.OverallRiskScore,
		RiskLevel:        r.RiskLevel,
		ViolationCount:   len(r.Violations),
		PolicyGapCount:   len(r.PolicyGaps),
		BiasRiskCount:    len(r.BiasRisks),
		GovernanceCount:  len(r.GovernanceGaps),
		TopPriorities:    head(r.ActionPlan, topPriorities),
		NextPhases:       head(r.Phases, nextPhases),
		Unavailable:      r.Unavailable,
		Summary:          r.ExecutiveSummary,
	}
}

func head[T any](items []T, n int) []T {
	if len(items) < n {
		n = len(items)
	}
	return append([]T{}, items[:n]...)
}
