package catalog

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed samples.yaml
var samplesManifest []byte

// Sample is a canned, schema-valid response for one stage. Marker is a
// phrase that appears only in that stage's prompt.
type Sample struct {
	Marker   string `yaml:"marker"`
	Response string `yaml:"response"`
}

// Samples returns the canned responses keyed by stage name.
func Samples() map[string]Sample {
	var samples map[string]Sample
	if err := yaml.Unmarshal(samplesManifest, &samples); err != nil {
		panic(fmt.Sprintf("catalog: embedded samples are invalid: %v", err))
	}
	return samples
}

// SampleResponses returns the canned responses keyed by marker, the shape
// the mock adapter consumes.
func SampleResponses() map[string]string {
	out := make(map[string]string)
	for _, s := range Samples() {
		out[s.Marker] = s.Response
	}
	return out
}
