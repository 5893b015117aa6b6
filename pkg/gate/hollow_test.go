package gate

import (
	"encoding/json"
	"testing"

	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/schema"
)

func TestHollowGate(t *testing.T) {
	tests := []struct {
		name          string
		out           schema.Output
		wantPassed    bool
		wantScore     int
		wantLocations []string
	}{
		{
			name: "substantive output",
			out: &schema.BiasFairnessAnalysis{
				BiasScore: 6,
				BiasRisks: []schema.BiasRisk{
					{Category: "Proxy discrimination", Description: "postcode used as a feature", Severity: "HIGH"},
				},
			},
			wantPassed: true,
			wantScore:  100,
		},
		{
			name: "placeholder value",
			out: &schema.BiasFairnessAnalysis{
				BiasScore: 6,
				BiasRisks: []schema.BiasRisk{
					{Category: "Proxy discrimination", Description: "TBD", Severity: "HIGH"},
				},
			},
			wantPassed:    false,
			wantScore:     75,
			wantLocations: []string{"bias_risks[0].description"},
		},
		{
			name: "template text",
			out: &schema.BiasFairnessAnalysis{
				BiasScore: 6,
				BiasRisks: []schema.BiasRisk{
					{Category: "[Insert category]", Description: "Lorem ipsum dolor sit amet", Severity: "LOW"},
				},
			},
			wantPassed:    false,
			wantScore:     50,
			wantLocations: []string{"bias_risks[0].category", "bias_risks[0].description"},
		},
		{
			name: "duplicates only warn",
			out: &schema.BiasFairnessAnalysis{
				BiasScore:       4,
				BiasRisks:       []schema.BiasRisk{{Category: "Age", Description: "age used in scoring", Severity: "MEDIUM"}},
				ProtectedGroups: []string{"older applicants", "Older applicants "},
			},
			wantPassed:    true,
			wantScore:     95,
			wantLocations: []string{"protected_groups[1]"},
		},
	}

	g := NewHollowGate()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := g.Evaluate(tt.out)
			if res.Passed != tt.wantPassed {
				t.Errorf("Passed = %v, want %v (violations %+v)", res.Passed, tt.wantPassed, res.Violations)
			}
			if res.Score != tt.wantScore {
				t.Errorf("Score = %d, want %d", res.Score, tt.wantScore)
			}
			if len(res.Violations) != len(tt.wantLocations) {
				t.Fatalf("got %d violations, want %d: %+v", len(res.Violations), len(tt.wantLocations), res.Violations)
			}
			for i, loc := range tt.wantLocations {
				if res.Violations[i].Location != loc {
					t.Errorf("violation %d location = %q, want %q", i, res.Violations[i].Location, loc)
				}
			}
			if !tt.wantPassed && len(res.RepairHints) == 0 {
				t.Errorf("failing result should carry repair hints")
			}
		})
	}
}

func TestHollowGatePassesSampleResponses(t *testing.T) {
	g := NewHollowGate()
	for _, spec := range catalog.Default().Stages() {
		sample, ok := catalog.Samples()[spec.Name]
		if !ok {
			t.Fatalf("no sample for %s", spec.Name)
		}
		out := spec.NewOutput()
		if err := decodeSample(sample.Response, out); err != nil {
			t.Fatalf("decode sample %s: %v", spec.Name, err)
		}
		if res := g.Evaluate(out); !res.Passed {
			t.Errorf("sample %s rejected: %+v", spec.Name, res.Violations)
		}
	}
}

func decodeSample(raw string, out schema.Output) error {
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return err
	}
	out.Normalize()
	return nil
}

func TestBlocking(t *testing.T) {
	var nilResult *Result
	if got := nilResult.Blocking(); got != nil {
		t.Fatalf("nil result should have no blocking violations")
	}
	res := NewFailingResult(70, []Violation{
		{Rule: "duplicate", Severity: SeverityWarning},
		{Rule: "placeholder", Severity: SeverityError},
	}, nil)
	blocking := res.Blocking()
	if len(blocking) != 1 || blocking[0].Rule != "placeholder" {
		t.Fatalf("unexpected blocking violations %+v", blocking)
	}
}
