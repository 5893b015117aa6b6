// Package prompt fills stage templates with concrete inputs.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// UnavailableMarker prefixes the placeholder rendered for an upstream stage
// that did not succeed.
const UnavailableMarker = "ANALYSIS UNAVAILABLE"

// MissingInputError reports a required input that was not supplied. The
// scheduler always supplies every input, so this indicates a defect.
type MissingInputError struct {
	Stage string
	Input string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("stage %s: required input %q is missing", e.Stage, e.Input)
}

// Render substitutes inputs into the stage template.
func Render(spec *catalog.StageSpec, inputs map[string]string) (string, error) {
	if spec == nil {
		return "", errors.New("stage spec is required")
	}
	for _, name := range spec.InputNames() {
		if _, ok := inputs[name]; !ok {
			return "", &MissingInputError{Stage: spec.Name, Input: name}
		}
	}

	tmpl, err := template.New(spec.Name).Option("missingkey=error").Parse(spec.Template)
	if err != nil {
		return "", errors.Wrapf(err, "parse template for stage %s", spec.Name)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, inputs); err != nil {
		if strings.Contains(err.Error(), "map has no entry for key") {
			return "", &MissingInputError{Stage: spec.Name, Input: missingKey(err.Error())}
		}
		return "", errors.Wrapf(err, "render stage %s", spec.Name)
	}
	return sb.String(), nil
}

// UpstreamValue serializes one top-level field of an upstream output back to
// indented JSON for inclusion in a downstream prompt.
func UpstreamValue(output schema.Output, field string) (string, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", errors.Wrap(err, "marshal upstream output")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", errors.Wrap(err, "decode upstream output")
	}
	raw, ok := fields[field]
	if !ok {
		return "", errors.Newf("upstream output has no field %q", field)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", err
	}
	return string(pretty), nil
}

// Unavailable renders the placeholder for a failed upstream stage.
func Unavailable(stage, reason string) string {
	if reason == "" {
		return fmt.Sprintf("%s (%s did not complete)", UnavailableMarker, stage)
	}
	return fmt.Sprintf("%s (%s did not complete: %s)", UnavailableMarker, stage, reason)
}

func missingKey(msg string) string {
	const marker = "map has no entry for key "
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return ""
	}
	return strings.Trim(msg[idx+len(marker):], `"`)
}
