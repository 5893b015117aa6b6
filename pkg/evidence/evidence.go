// Package evidence writes a per-run diagnostic bundle: run metadata, one
// record per stage and the raw prompts and responses behind them.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	CompletedAt  time.Time         `json:"completed_at"`
	Catalog      string            `json:"catalog"`
	Status       string            `json:"status"`
	InputHash    string            `json:"input_hash"`
	Stages       []string          `json:"stages"`
	ToolVersions map[string]string `json:"tool_versions,omitempty"`
}

// StageRecord captures evidence for a single stage.
type StageRecord struct {
	Name           string          `json:"name"`
	Status         string          `json:"status"`
	Adapter        string          `json:"adapter,omitempty"`
	Model          string          `json:"model,omitempty"`
	PromptRef      string          `json:"prompt_ref,omitempty"`
	PromptHash     string          `json:"prompt_hash,omitempty"`
	Output         string          `json:"output,omitempty"`
	OutputHash     string          `json:"output_hash,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	Violations     []Violation     `json:"violations,omitempty"`
	DurationMillis int64           `json:"duration_ms"`
	Attempts       []AttemptRecord `json:"attempts,omitempty"`
}

// Violation mirrors a schema violation.
type Violation struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// AttemptRecord captures one oracle exchange for a stage: the initial
// request or the repair.
type AttemptRecord struct {
	Kind           string `json:"kind"`
	ResponseRef    string `json:"response_ref,omitempty"`
	ResponseHash   string `json:"response_hash,omitempty"`
	OracleAttempts int    `json:"oracle_attempts"`
	Valid          bool   `json:"valid"`
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return nil, errors.Newf("invalid run ID %q", runID)
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" || strings.ContainsAny(record.Name, `/\`) {
		return errors.Newf("invalid stage name %q", record.Name)
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%s.json", record.Name))
	return writeJSON(path, record)
}

// WriteBlob stores content under blobs/<kind>-<sha256>.txt and returns the
// path relative to the run directory together with the hash. Writing the
// same content twice yields the same reference.
func (w *Writer) WriteBlob(kind string, content []byte) (string, string, error) {
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	name := fmt.Sprintf("%s-%s.txt", sanitizeKind(kind), sha)
	ref := "blobs/" + name
	path := filepath.Join(w.runDir, "blobs", name)
	if _, err := os.Stat(path); err == nil {
		return ref, sha, nil
	}
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

func sanitizeKind(kind string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == ' ' || r == '-':
			sb.WriteRune('_')
		}
	}
	out := strings.Trim(sb.String(), "_")
	if out == "" {
		return "blob"
	}
	return out
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
