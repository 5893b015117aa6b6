package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
		verbose    bool
		wantDebug  bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode"},
		{name: "Verbose console", verbose: true, wantDebug: true},
		{name: "Verbose JSON", jsonOutput: true, verbose: true, wantDebug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			if err := Initialize(tt.jsonOutput, tt.verbose); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}
			if Logger == nil {
				t.Fatal("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}
			if got := Logger.Desugar().Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
			Cleanup()
		})
	}
}

func TestNamed(t *testing.T) {
	if err := Initialize(false, false); err != nil {
		t.Fatal(err)
	}
	if Named("scheduler") == nil {
		t.Fatal("Named returned nil")
	}
}
