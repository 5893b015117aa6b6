// Package catalog declares the analysis stages, their inputs, their output
// schemas and the dependency edges between them.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/gdprcheck/pkg/schema"
)

// Stage names.
const (
	GDPRRiskAssessment     = "gdpr_risk_assessment"
	CrossReferenceAnalysis = "cross_reference_analysis"
	BiasFairnessAnalysis   = "bias_fairness_analysis"
	EthicsGovernanceReview = "ethics_governance_review"
	ImplementationPlanning = "implementation_planning"
)

// Request fields a stage may read directly.
const (
	InputPolicyText        = "policy_text"
	InputSystemDescription = "system_description"
)

const requestSource = "request"

//go:embed stages.yaml
var defaultManifest []byte

// outputs binds stage names to their schema constructors.
var outputs = map[string]func() schema.Output{
	GDPRRiskAssessment:     func() schema.Output { return &schema.GDPRRiskAssessment{} },
	CrossReferenceAnalysis: func() schema.Output { return &schema.CrossReferenceAnalysis{} },
	BiasFairnessAnalysis:   func() schema.Output { return &schema.BiasFairnessAnalysis{} },
	EthicsGovernanceReview: func() schema.Output { return &schema.EthicsGovernanceReview{} },
	ImplementationPlanning: func() schema.Output { return &schema.ImplementationPlan{} },
}

// OutputFor returns the schema constructor registered for a stage name.
func OutputFor(stage string) (func() schema.Output, bool) {
	newOutput, ok := outputs[stage]
	return newOutput, ok
}

// InputRef names one required input of a stage. From is either empty or
// "request.<field>" for request fields, or "<stage>.<field>" for a field of
// an upstream stage's output.
type InputRef struct {
	Name string `yaml:"name"`
	From string `yaml:"from,omitempty"`
}

// Source splits From into its stage and field parts. Request inputs return
// an empty stage.
func (r InputRef) Source() (stage, field string) {
	if r.From == "" {
		return "", r.Name
	}
	stage, field, ok := strings.Cut(r.From, ".")
	if !ok {
		return "", r.From
	}
	if stage == requestSource {
		return "", field
	}
	return stage, field
}

// StageSpec describes one analysis stage.
type StageSpec struct {
	Name         string     `yaml:"name"`
	Inputs       []InputRef `yaml:"inputs"`
	DependsOn    []string   `yaml:"depends_on,omitempty"`
	AllowPartial bool       `yaml:"allow_partial,omitempty"`
	Template     string     `yaml:"template"`

	// NewOutput returns an empty value of the stage's output schema.
	NewOutput func() schema.Output `yaml:"-"`
}

// IsRoot reports whether the stage has no dependencies.
func (s *StageSpec) IsRoot() bool {
	return len(s.DependsOn) == 0
}

// InputNames returns the names of the stage's required inputs.
func (s *StageSpec) InputNames() []string {
	names := make([]string, 0, len(s.Inputs))
	for _, in := range s.Inputs {
		names = append(names, in.Name)
	}
	return names
}

// Catalog is the immutable set of stages for a pipeline.
type Catalog struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Specs       []*StageSpec `yaml:"stages"`

	byName map[string]*StageSpec
	levels [][]*StageSpec
}

// Default returns the built-in GDPR catalog. It panics if the embedded
// manifest is invalid, which can only happen through a build defect.
func Default() *Catalog {
	c, err := Load(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("catalog: embedded manifest is invalid: %v", err))
	}
	return c
}

// Load parses a stage manifest, binds output schemas and validates the graph.
func Load(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "parse stage manifest")
	}
	for _, spec := range c.Specs {
		if spec == nil {
			continue
		}
		if newOutput, ok := outputs[spec.Name]; ok {
			spec.NewOutput = newOutput
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Stage returns a stage by name.
func (c *Catalog) Stage(name string) (*StageSpec, bool) {
	spec, ok := c.byName[name]
	return spec, ok
}

// Stages returns the stages in declaration order.
func (c *Catalog) Stages() []*StageSpec {
	out := make([]*StageSpec, len(c.Specs))
	copy(out, c.Specs)
	return out
}

// Names returns the stage names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.Specs))
	for _, spec := range c.Specs {
		names = append(names, spec.Name)
	}
	return names
}

// Roots returns the stages without dependencies.
func (c *Catalog) Roots() []*StageSpec {
	var roots []*StageSpec
	for _, spec := range c.Specs {
		if spec.IsRoot() {
			roots = append(roots, spec)
		}
	}
	return roots
}

// Levels groups stages by dependency depth. Every stage in a level depends
// only on stages in earlier levels, so a level can run concurrently.
func (c *Catalog) Levels() [][]*StageSpec {
	out := make([][]*StageSpec, len(c.levels))
	for i, level := range c.levels {
		out[i] = append([]*StageSpec(nil), level...)
	}
	return out
}

// Validate checks the catalog for configuration errors and computes levels.
func (c *Catalog) Validate() error {
	if c.Name == "" {
		return errors.New("catalog name is required")
	}
	if len(c.Specs) == 0 {
		return errors.New("catalog must define at least one stage")
	}

	byName := make(map[string]*StageSpec, len(c.Specs))
	for _, spec := range c.Specs {
		if spec == nil || spec.Name == "" {
			return errors.New("stage name is required")
		}
		if strings.TrimSpace(spec.Template) == "" {
			return errors.Newf("stage %s must have a template", spec.Name)
		}
		if _, err := template.New(spec.Name).Parse(spec.Template); err != nil {
			return errors.Wrapf(err, "stage %s template", spec.Name)
		}
		if spec.NewOutput == nil {
			return errors.Newf("stage %s has no output schema", spec.Name)
		}
		if _, ok := byName[spec.Name]; ok {
			return errors.Newf("duplicate stage name: %s", spec.Name)
		}
		byName[spec.Name] = spec
	}

	for _, spec := range c.Specs {
		deps := make(map[string]struct{}, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			if _, ok := byName[dep]; !ok {
				return errors.Newf("stage %s depends on unknown stage %s", spec.Name, dep)
			}
			if dep == spec.Name {
				return errors.Newf("stage %s depends on itself", spec.Name)
			}
			deps[dep] = struct{}{}
		}
		seen := make(map[string]struct{}, len(spec.Inputs))
		for _, in := range spec.Inputs {
			if in.Name == "" {
				return errors.Newf("stage %s has an unnamed input", spec.Name)
			}
			if _, dup := seen[in.Name]; dup {
				return errors.Newf("stage %s declares input %s twice", spec.Name, in.Name)
			}
			seen[in.Name] = struct{}{}

			stage, field := in.Source()
			if stage == "" {
				if field != InputPolicyText && field != InputSystemDescription {
					return errors.Newf("stage %s input %s reads unknown request field %s", spec.Name, in.Name, field)
				}
				continue
			}
			if _, ok := deps[stage]; !ok {
				return errors.Newf("stage %s input %s reads %s which is not a dependency", spec.Name, in.Name, stage)
			}
		}
	}

	levels, err := computeLevels(c.Specs, byName)
	if err != nil {
		return err
	}
	c.byName = byName
	c.levels = levels
	return nil
}

func computeLevels(specs []*StageSpec, byName map[string]*StageSpec) ([][]*StageSpec, error) {
	depth := make(map[string]int, len(specs))
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(specs))

	var visit func(name string) (int, error)
	visit = func(name string) (int, error) {
		switch state[name] {
		case visiting:
			return 0, errors.Newf("dependency cycle through stage %s", name)
		case done:
			return depth[name], nil
		}
		state[name] = visiting
		d := 0
		for _, dep := range byName[name].DependsOn {
			depDepth, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if depDepth+1 > d {
				d = depDepth + 1
			}
		}
		state[name] = done
		depth[name] = d
		return d, nil
	}

	maxDepth := 0
	for _, spec := range specs {
		d, err := visit(spec.Name)
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]*StageSpec, maxDepth+1)
	for _, spec := range specs {
		levels[depth[spec.Name]] = append(levels[depth[spec.Name]], spec)
	}
	return levels, nil
}
