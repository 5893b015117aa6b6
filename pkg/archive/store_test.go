package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/gdprcheck/pkg/artifact"
	"github.com/zen-systems/gdprcheck/pkg/catalog"
	"github.com/zen-systems/gdprcheck/pkg/pipeline"
	"github.com/zen-systems/gdprcheck/pkg/report"
	"github.com/zen-systems/gdprcheck/pkg/validate"
)

func finishedRun(t *testing.T, started time.Time) *pipeline.Run {
	t.Helper()
	c := catalog.Default()
	samples := catalog.Samples()
	run := &pipeline.Run{
		ID:      uuid.NewString(),
		Catalog: c.Name,
		Request: pipeline.AnalysisRequest{
			PolicyText:        "We collect names.",
			SystemDescription: "Loan approval model.",
		},
		Order:       c.Names(),
		Stages:      make(map[string]*pipeline.StageResult),
		Status:      pipeline.RunPartiallyCompleted,
		StartedAt:   started,
		CompletedAt: started.Add(time.Minute),
	}
	for _, spec := range c.Stages() {
		res := &pipeline.StageResult{Stage: spec.Name, Attempts: 1}
		if spec.Name == catalog.BiasFairnessAnalysis {
			res.Status = pipeline.StatusFailed
			res.Failure = &pipeline.Failure{Reason: pipeline.ReasonTimeout, Message: "deadline"}
		} else {
			out, err := validate.Validate(samples[spec.Name].Response, spec.NewOutput)
			require.NoError(t, err)
			res.Status = pipeline.StatusSucceeded
			res.Parsed = out
			res.RawText = samples[spec.Name].Response
		}
		run.Stages[spec.Name] = res
	}
	return run
}

func TestRunRoundTripAllowsResynthesis(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := finishedRun(t, time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveRun(run))

	loaded, err := store.LoadRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Status, loaded.Status)
	assert.Equal(t, run.Request, loaded.Request)

	want, err := report.Synthesize(run, report.MeanPolicy())
	require.NoError(t, err)
	got, err := report.Synthesize(loaded, report.MeanPolicy())
	require.NoError(t, err)

	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.Equal(t, string(wantJSON), string(gotJSON))
}

func TestSaveRunStoresResponsesByHash(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := finishedRun(t, time.Now().UTC())
	require.NoError(t, store.SaveRun(run))

	raw := run.Stages[catalog.GDPRRiskAssessment].RawText
	data, err := store.LoadBlob(artifact.HashString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, string(data))

	ref, err := store.StoreBlob([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, artifact.HashString(raw), ref.SHA256)
}

func TestReportRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	run := finishedRun(t, time.Now().UTC())
	rep, err := report.Synthesize(run, report.MeanPolicy())
	require.NoError(t, err)
	require.NoError(t, store.SaveReport(rep))

	loaded, err := store.LoadReport(run.ID)
	require.NoError(t, err)
	assert.Equal(t, rep.OverallRiskScore, loaded.OverallRiskScore)
	assert.Equal(t, rep.Unavailable, loaded.Unavailable)
	assert.Equal(t, rep.ExecutiveSummary, loaded.ExecutiveSummary)
	assert.Equal(t, rep.Section(catalog.GDPRRiskAssessment).Output, loaded.Section(catalog.GDPRRiskAssessment).Output)
}

func TestListNewestFirst(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	older := finishedRun(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := finishedRun(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveRun(older))
	require.NoError(t, store.SaveRun(newer))
	rep, err := report.Synthesize(newer, report.MeanPolicy())
	require.NoError(t, err)
	require.NoError(t, store.SaveReport(rep))

	list, err := store.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID)
	assert.True(t, list[0].HasReport)
	assert.False(t, list[1].HasReport)
}

func TestStoreRejects(t *testing.T) {
	base := t.TempDir()
	store, err := NewStore(base)
	require.NoError(t, err)

	_, err = store.LoadRun("../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.LoadRun(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.LoadReport(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	run := finishedRun(t, time.Now().UTC())
	run.Status = pipeline.RunInProgress
	assert.Error(t, store.SaveRun(run))

	_, err = store.LoadBlob("abc")
	assert.Error(t, err)

	for _, dir := range []string{"objects", "runs", "reports"} {
		info, err := os.Stat(filepath.Join(base, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
