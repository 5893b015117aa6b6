package pipeline

import (
	"github.com/zen-systems/gdprcheck/pkg/adapter"
	"github.com/zen-systems/gdprcheck/pkg/config"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
)

// CallReport captures usage and estimated cost of one oracle exchange.
type CallReport struct {
	Stage      string        `json:"stage"`
	Adapter    string        `json:"adapter"`
	Model      string        `json:"model"`
	Usage      adapter.Usage `json:"usage"`
	Amount     float64       `json:"amount"`
	IsEstimate bool          `json:"is_estimate"`
	Attempts   int           `json:"attempts"`
	Repair     bool          `json:"repair,omitempty"`
}

// CostReport aggregates the calls of a run.
type CostReport struct {
	Currency    string        `json:"currency"`
	TotalAmount float64       `json:"total_amount"`
	TotalUsage  adapter.Usage `json:"total_usage"`
	Priced      bool          `json:"priced"`
	Calls       []CallReport  `json:"calls,omitempty"`
}

// costTracker is owned by the scheduler goroutine; it is never shared with
// stage tasks.
type costTracker struct {
	pricing     config.PricingConfig
	totalUsage  adapter.Usage
	totalAmount float64
	priced      bool
	calls       []CallReport
}

func newCostTracker(pricing config.PricingConfig) *costTracker {
	return &costTracker{pricing: pricing}
}

func (t *costTracker) record(stage string, reply *oracle.Reply, repair bool) {
	if t == nil || reply == nil {
		return
	}
	call := CallReport{
		Stage:    stage,
		Usage:    reply.Usage.Normalize(),
		Attempts: reply.Attempts,
		Repair:   repair,
	}
	if reply.Artifact != nil {
		call.Adapter = reply.Artifact.Adapter
		call.Model = reply.Artifact.Model
	}
	if amount, ok := estimateCost(t.pricing, call.Adapter, call.Model, call.Usage); ok {
		call.Amount = amount
		call.IsEstimate = true
		t.totalAmount += amount
		t.priced = true
	}
	t.totalUsage = t.totalUsage.Add(call.Usage)
	t.calls = append(t.calls, call)
}

func (t *costTracker) report() *CostReport {
	if t == nil {
		return nil
	}
	return &CostReport{
		Currency:    "USD",
		TotalAmount: t.totalAmount,
		TotalUsage:  t.totalUsage,
		Priced:      t.priced,
		Calls:       append([]CallReport(nil), t.calls...),
	}
}

func estimateCost(pricing config.PricingConfig, adapterName, model string, usage adapter.Usage) (float64, bool) {
	entry, ok := pricingFor(pricing, adapterName, model)
	if !ok {
		return 0, false
	}

	promptCost := (float64(usage.PromptTokens) / 1000.0) * entry.PromptPer1K
	completionCost := (float64(usage.CompletionTokens) / 1000.0) * entry.CompletionPer1K
	return promptCost + completionCost, true
}

func pricingFor(pricing config.PricingConfig, adapterName, model string) (config.ModelPricing, bool) {
	if pricing == nil {
		return config.ModelPricing{}, false
	}
	if adapterPricing, ok := pricing[adapterName]; ok {
		if entry, ok := adapterPricing[model]; ok {
			return entry, true
		}
		if entry, ok := adapterPricing["default"]; ok {
			return entry, true
		}
	}
	return config.ModelPricing{}, false
}
