package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/gate"
	"github.com/zen-systems/gdprcheck/pkg/oracle"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

const validBias = `{
  "bias_score": 6,
  "bias_risks": [
    {"category": "Proxy discrimination", "description": "postcode used as a feature", "severity": "high"}
  ],
  "protected_groups": ["ethnic minorities"]
}`

func newBias() schema.Output { return &schema.BiasFairnessAnalysis{} }

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"prose around", "Here is the analysis:\n{\"a\":1}\nLet me know if you need more.", `{"a":1}`},
		{"fenced", "Sure.\n```json\n{\"a\": {\"b\": 2}}\n```\nDone.", `{"a": {"b": 2}}`},
		{"fenced without language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"braces inside strings", `note {"a":"}{ not a brace","b":"\"{"}`, `{"a":"}{ not a brace","b":"\"{"}`},
		{"skips stray brace in prose", "use {curly} style: {\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractWithoutPayload(t *testing.T) {
	_, err := Extract("I could not complete this analysis.")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Violations[0].Rule)
	assert.Equal(t, "I could not complete this analysis.", verr.Raw)
}

func TestValidateToleratesProse(t *testing.T) {
	raw := "Based on the system description, here is my assessment.\n\n" + validBias + "\n\nThe main concern is proxy discrimination."

	out, err := Validate(raw, newBias)
	require.NoError(t, err)

	bias := out.(*schema.BiasFairnessAnalysis)
	assert.Equal(t, 6, bias.BiasScore)
	require.Len(t, bias.BiasRisks, 1)
	assert.Equal(t, schema.SeverityHigh, bias.BiasRisks[0].Severity, "enum case is normalized")
}

func TestValidateSkipsExampleObjectInProse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			"example before payload",
			`I will use keys like {"bias_score": "int"} in the answer. {"bias_score": 4, "bias_risks": [], "protected_groups": []}`,
		},
		{
			"fenced example before payload",
			"The shape is:\n```json\n{\"bias_score\": \"1-10\"}\n```\nAnswer:\n" + validBias,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Validate(tt.raw, newBias)
			require.NoError(t, err)
			assert.NotZero(t, out.(*schema.BiasFairnessAnalysis).BiasScore)
		})
	}
}

func TestValidateReportsLargestCandidate(t *testing.T) {
	raw := `For example {"x": 1}. My answer: {"bias_score": 12, "bias_risks": []}`

	_, err := Validate(raw, newBias)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.NotEmpty(t, verr.Violations)
	assert.Equal(t, "bias_score", verr.Violations[0].Field)
	assert.Equal(t, "max", verr.Violations[0].Rule)
	assert.Equal(t, raw, verr.Raw)
}

func TestCandidatesOrder(t *testing.T) {
	raw := "prose {\"a\":1} then\n```json\n{\"b\":{\"c\":2}}\n```\n"
	assert.Equal(t, []string{`{"b":{"c":2}}`, `{"a":1}`}, Candidates(raw))
}

func TestCatalogSamplesValidate(t *testing.T) {
	c := catalog.Default()
	for name, sample := range catalog.Samples() {
		spec, ok := c.Stage(name)
		require.True(t, ok, name)
		_, err := Validate(sample.Response, spec.NewOutput)
		assert.NoError(t, err, name)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		field string
		rule  string
	}{
		{"score above bound", `{"bias_score": 11, "bias_risks": []}`, "bias_score", "max"},
		{"score missing", `{"bias_risks": []}`, "bias_score", "required"},
		{"unknown severity", `{"bias_score": 3, "bias_risks": [{"category":"c","description":"d","severity":"EXTREME"}]}`, "bias_risks[0].severity", "oneof"},
		{"list missing", `{"bias_score": 3}`, "bias_risks", "required"},
		{"wrong type", `{"bias_score": "seven", "bias_risks": []}`, "bias_score", "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw, newBias)
			var verr *Error
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Violations)
			assert.Equal(t, tt.field, verr.Violations[0].Field)
			assert.Equal(t, tt.rule, verr.Violations[0].Rule)
			assert.Equal(t, tt.raw, verr.Raw)
		})
	}
}

func TestValidateGovernanceStatusNormalization(t *testing.T) {
	raw := `{"governance_score": 4, "governance_gaps": [
		{"area": "Oversight", "description": "no human review", "status": "partial", "severity": "Medium"}
	]}`
	out, err := Validate(raw, func() schema.Output { return &schema.EthicsGovernanceReview{} })
	require.NoError(t, err)
	review := out.(*schema.EthicsGovernanceReview)
	assert.Equal(t, schema.GapPartial, review.GovernanceGaps[0].Status)
	assert.Equal(t, schema.SeverityMedium, review.GovernanceGaps[0].Severity)
}

func TestStructValidatesRequests(t *testing.T) {
	type request struct {
		PolicyText string `json:"policy_text" validate:"notblank"`
	}
	err := Struct(request{PolicyText: "   "})
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "policy_text", verr.Violations[0].Field)
	assert.NoError(t, Struct(request{PolicyText: "policy"}))
}

type fakeInvoker struct {
	replies []string
	err     error
	prompts []string
}

func (f *fakeInvoker) Invoke(_ context.Context, prompt string) (*oracle.Reply, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	idx := len(f.prompts) - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return &oracle.Reply{Text: f.replies[idx], Attempts: 1}, nil
}

func TestResolveSuccessWithoutRepair(t *testing.T) {
	inv := &fakeInvoker{}
	r := NewRepairer(zaptest.NewLogger(t).Sugar())

	out := r.Resolve(context.Background(), inv, Attempt{Stage: "bias_fairness_analysis", Prompt: "task", Raw: validBias, NewOutput: newBias})
	assert.Equal(t, Success, out.Kind)
	assert.NotNil(t, out.Parsed)
	assert.Empty(t, inv.prompts, "no repair call for a valid response")
}

func TestResolveRepairsOnce(t *testing.T) {
	inv := &fakeInvoker{replies: []string{validBias}}
	r := NewRepairer(zaptest.NewLogger(t).Sugar())

	out := r.Resolve(context.Background(), inv, Attempt{
		Stage:     "bias_fairness_analysis",
		Prompt:    "analyse bias",
		Raw:       `{"bias_score": 11, "bias_risks": []}`,
		NewOutput: newBias,
	})
	require.Equal(t, RepairAttempted, out.Kind)
	assert.Equal(t, 6, out.Parsed.(*schema.BiasFairnessAnalysis).BiasScore)
	require.Len(t, inv.prompts, 1)
	assert.Contains(t, inv.prompts[0], "analyse bias")
	assert.Contains(t, inv.prompts[0], "bias_score: must be at most 10, got 11")
}

func TestResolveFailsAfterSingleRepair(t *testing.T) {
	original := `Score: {"bias_score": 11, "bias_risks": []}`
	inv := &fakeInvoker{replies: []string{`{"bias_score": 11, "bias_risks": []}`}}
	r := NewRepairer(zaptest.NewLogger(t).Sugar())

	out := r.Resolve(context.Background(), inv, Attempt{Stage: "bias_fairness_analysis", Prompt: "task", Raw: original, NewOutput: newBias})
	require.Equal(t, Failed, out.Kind)
	assert.Nil(t, out.Parsed)
	assert.Len(t, inv.prompts, 1, "exactly one repair cycle")

	var verr *Error
	require.ErrorAs(t, out.Err, &verr)
	assert.Equal(t, original, verr.Raw, "original response is attached")
	assert.Equal(t, "max", verr.Violations[0].Rule)
}

func TestResolveRepairOracleFailure(t *testing.T) {
	inv := &fakeInvoker{err: &oracle.FatalError{Err: errors.New("quota")}}
	r := NewRepairer(nil)

	out := r.Resolve(context.Background(), inv, Attempt{Stage: "s", Prompt: "task", Raw: "no json", NewOutput: newBias})
	require.Equal(t, Failed, out.Kind)
	var fe *oracle.FatalError
	assert.ErrorAs(t, out.Err, &fe)
	assert.True(t, strings.HasPrefix(out.Err.Error(), "repair"))
}

func TestResolveRepairsGateRejection(t *testing.T) {
	hollow := `{"bias_score": 6, "bias_risks": [{"category": "Proxy discrimination", "description": "TBD", "severity": "high"}]}`
	inv := &fakeInvoker{replies: []string{validBias}}
	r := NewRepairer(zaptest.NewLogger(t).Sugar(), gate.NewHollowGate())

	out := r.Resolve(context.Background(), inv, Attempt{Stage: "bias_fairness_analysis", Prompt: "task", Raw: hollow, NewOutput: newBias})
	require.Equal(t, RepairAttempted, out.Kind)
	require.Len(t, inv.prompts, 1)
	assert.Contains(t, inv.prompts[0], "bias_risks[0].description")
	assert.Contains(t, inv.prompts[0], `placeholder value "TBD"`)
}

func TestResolveWithoutGatesAcceptsPlaceholders(t *testing.T) {
	hollow := `{"bias_score": 6, "bias_risks": [{"category": "n/a", "description": "TBD", "severity": "low"}]}`
	r := NewRepairer(nil)

	out := r.Resolve(context.Background(), &fakeInvoker{}, Attempt{Stage: "s", Prompt: "task", Raw: hollow, NewOutput: newBias})
	assert.Equal(t, Success, out.Kind)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "repair_attempted", RepairAttempted.String())
	assert.Equal(t, "failed", Failed.String())
}
