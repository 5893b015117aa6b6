package prompt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

func TestRenderSubstitutesInputs(t *testing.T) {
	spec, ok := catalog.Default().Stage(catalog.GDPRRiskAssessment)
	require.True(t, ok)

	out, err := Render(spec, map[string]string{
		catalog.InputPolicyText:        "We collect CVs.",
		catalog.InputSystemDescription: "Ranks candidates automatically.",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "We collect CVs.")
	assert.Contains(t, out, "Ranks candidates automatically.")
	assert.NotContains(t, out, "{{")
}

func TestRenderMissingInput(t *testing.T) {
	spec, ok := catalog.Default().Stage(catalog.GDPRRiskAssessment)
	require.True(t, ok)

	_, err := Render(spec, map[string]string{catalog.InputPolicyText: "policy"})
	require.Error(t, err)

	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, catalog.InputSystemDescription, missing.Input)
	assert.Equal(t, catalog.GDPRRiskAssessment, missing.Stage)
}

func TestRenderTemplateKeyNotDeclared(t *testing.T) {
	spec := &catalog.StageSpec{
		Name:     "adhoc",
		Template: "{{ .undeclared }}",
	}
	_, err := Render(spec, map[string]string{})
	var missing *MissingInputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "undeclared", missing.Input)
}

func TestUpstreamValueRoundTrips(t *testing.T) {
	out := &schema.GDPRRiskAssessment{
		RiskScore: 8,
		RiskLevel: schema.SeverityHigh,
		Violations: []schema.Violation{
			{Article: "Article 22", Title: "Automated decisions", Severity: schema.SeverityHigh, Description: "no human review"},
		},
		ExecutiveSummary: "summary",
	}

	value, err := UpstreamValue(out, "violations")
	require.NoError(t, err)

	var decoded []schema.Violation
	require.NoError(t, json.Unmarshal([]byte(value), &decoded))
	assert.Equal(t, out.Violations, decoded)

	_, err = UpstreamValue(out, "missing_field")
	assert.Error(t, err)
}

func TestUnavailablePlaceholder(t *testing.T) {
	text := Unavailable(catalog.BiasFairnessAnalysis, "fatal_oracle")
	assert.Contains(t, text, UnavailableMarker)
	assert.Contains(t, text, catalog.BiasFairnessAnalysis)
	assert.Contains(t, text, "fatal_oracle")
}

func TestTemplatesNeverContainUnavailableMarker(t *testing.T) {
	for _, spec := range catalog.Default().Stages() {
		assert.NotContains(t, spec.Template, UnavailableMarker, "template %s", spec.Name)
	}
}
