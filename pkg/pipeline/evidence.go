package pipeline

import (
	"runtime"

	"github.com/zen-systems/gdprcheck/pkg/artifact"
	"github.com/zen-systems/gdprcheck/pkg/evidence"
)

const evidenceOutputLimit = 4096

// writeEvidence writes the bundle for a terminal run and returns its
// directory.
func writeEvidence(baseDir string, run *Run) (string, error) {
	writer, err := evidence.NewWriter(baseDir, run.ID)
	if err != nil {
		return "", err
	}

	for _, res := range run.Results() {
		record := evidence.StageRecord{
			Name:           res.Stage,
			Status:         string(res.Status),
			Adapter:        res.Adapter,
			Model:          res.Model,
			Output:         truncateForEvidence(res.RawText, evidenceOutputLimit),
			DurationMillis: res.Duration().Milliseconds(),
		}
		if res.RawText != "" {
			record.OutputHash = artifact.HashString(res.RawText)
		}
		if res.Prompt != "" {
			ref, sha, err := writer.WriteBlob("prompt", []byte(res.Prompt))
			if err != nil {
				return "", err
			}
			record.PromptRef, record.PromptHash = ref, sha
		}
		if res.Failure != nil {
			record.FailureReason = string(res.Failure.Reason)
			record.FailureMessage = res.Failure.Message
			for _, v := range res.Failure.Violations {
				record.Violations = append(record.Violations, evidence.Violation{Field: v.Field, Rule: v.Rule, Message: v.Message})
			}
		}
		for _, ex := range res.exchanges {
			attempt := evidence.AttemptRecord{
				Kind:           string(ex.kind),
				OracleAttempts: ex.reply.Attempts,
				Valid:          ex.valid,
			}
			ref, sha, err := writer.WriteBlob(string(ex.kind)+"_response", []byte(ex.reply.Text))
			if err != nil {
				return "", err
			}
			attempt.ResponseRef, attempt.ResponseHash = ref, sha
			record.Attempts = append(record.Attempts, attempt)
		}
		if err := writer.WriteStage(record); err != nil {
			return "", err
		}
	}

	err = writer.WriteRun(evidence.RunRecord{
		ID:           run.ID,
		Timestamp:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
		Catalog:      run.Catalog,
		Status:       string(run.Status),
		InputHash:    artifact.HashString(run.Request.PolicyText + "\x00" + run.Request.SystemDescription),
		Stages:       run.Order,
		ToolVersions: map[string]string{"go": runtime.Version()},
	})
	if err != nil {
		return "", err
	}
	return writer.RunDir(), nil
}

func truncateForEvidence(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	return value[:limit]
}
