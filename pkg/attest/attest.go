// Package attest builds and verifies attestations over run evidence
// bundles. An attestation pins the SHA256 of every file in the bundle and
// restates what the run claims: its status and the outcome of each stage.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/evidence"
)

// SchemaV1 identifies the attestation format.
const SchemaV1 = "gdprcheck.attestation.v1"

// FileName is where an attestation is stored inside a run directory.
const FileName = "attestation.json"

// Attestation is a claim about one run, bound to its evidence by hashes.
type Attestation struct {
	Schema    string            `json:"schema"`
	Subject   Subject           `json:"subject"`
	Claim     Claim             `json:"claim"`
	Evidence  Evidence          `json:"evidence"`
	Hashes    map[string]string `json:"hashes"`
	Signature *Signature        `json:"signature,omitempty"`
}

// Subject identifies the attested run.
type Subject struct {
	RunID     string `json:"run_id"`
	Catalog   string `json:"catalog"`
	InputHash string `json:"input_hash"`
}

// Claim summarizes the run outcome.
type Claim struct {
	Status string       `json:"status"`
	Stages []StageClaim `json:"stages"`
}

// StageClaim summarizes one stage outcome.
type StageClaim struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts"`
}

// Evidence lists the files covered by Hashes, relative to the run directory.
type Evidence struct {
	RunJSON string   `json:"run_json"`
	Stages  []string `json:"stages"`
	Blobs   []string `json:"blobs"`
}

// Build reads the bundle in runDir and returns an unsigned attestation.
func Build(runDir string) (*Attestation, error) {
	if runDir == "" {
		return nil, errors.New("run directory is required")
	}

	var runRecord evidence.RunRecord
	if err := readJSON(runDir, "run.json", &runRecord); err != nil {
		return nil, err
	}
	if runRecord.ID == "" {
		return nil, errors.New("run.json has no run id")
	}

	records, err := readStages(runDir, runRecord.Stages)
	if err != nil {
		return nil, err
	}

	att := &Attestation{
		Schema: SchemaV1,
		Subject: Subject{
			RunID:     runRecord.ID,
			Catalog:   runRecord.Catalog,
			InputHash: runRecord.InputHash,
		},
		Claim: claimFor(runRecord, records),
		Evidence: Evidence{
			RunJSON: "run.json",
			Blobs:   collectBlobs(records),
		},
		Hashes: make(map[string]string),
	}
	for _, rec := range records {
		att.Evidence.Stages = append(att.Evidence.Stages, stagePath(rec.Name))
	}

	files := append([]string{att.Evidence.RunJSON}, att.Evidence.Stages...)
	files = append(files, att.Evidence.Blobs...)
	for _, rel := range files {
		if _, ok := att.Hashes[rel]; ok {
			continue
		}
		sum, err := hashFile(runDir, rel)
		if err != nil {
			return nil, err
		}
		att.Hashes[rel] = sum
	}
	return att, nil
}

// Write stores att as runDir/attestation.json.
func Write(runDir string, att *Attestation) (string, error) {
	if att == nil {
		return "", errors.New("attestation is required")
	}
	data, err := json.MarshalIndent(att, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(runDir, FileName)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Read loads the attestation stored in runDir.
func Read(runDir string) (*Attestation, error) {
	var att Attestation
	if err := readJSON(runDir, FileName, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

func claimFor(run evidence.RunRecord, records []evidence.StageRecord) Claim {
	claim := Claim{Status: run.Status, Stages: make([]StageClaim, 0, len(records))}
	for _, rec := range records {
		claim.Stages = append(claim.Stages, StageClaim{
			Name:          rec.Name,
			Status:        rec.Status,
			FailureReason: rec.FailureReason,
			Attempts:      len(rec.Attempts),
		})
	}
	sort.Slice(claim.Stages, func(i, j int) bool {
		return claim.Stages[i].Name < claim.Stages[j].Name
	})
	return claim
}

func readStages(runDir string, names []string) ([]evidence.StageRecord, error) {
	records := make([]evidence.StageRecord, 0, len(names))
	for _, name := range names {
		var rec evidence.StageRecord
		if err := readJSON(runDir, stagePath(name), &rec); err != nil {
			return nil, err
		}
		if rec.Name != name {
			return nil, errors.Newf("stage record %s names stage %q", stagePath(name), rec.Name)
		}
		records = append(records, rec)
	}
	return records, nil
}

func collectBlobs(records []evidence.StageRecord) []string {
	seen := make(map[string]struct{})
	var blobs []string
	add := func(ref string) {
		if ref == "" {
			return
		}
		ref = filepath.ToSlash(ref)
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		blobs = append(blobs, ref)
	}
	for _, rec := range records {
		add(rec.PromptRef)
		for _, attempt := range rec.Attempts {
			add(attempt.ResponseRef)
		}
	}
	sort.Strings(blobs)
	return blobs
}

func stagePath(name string) string {
	return "stages/" + name + ".json"
}

func hashFile(runDir, rel string) (string, error) {
	path, err := safeJoin(runDir, rel)
	if err != nil {
		return "", errors.Wrapf(err, "evidence path %q", rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "missing evidence file %s", rel)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func readJSON(runDir, rel string, value any) error {
	path, err := safeJoin(runDir, rel)
	if err != nil {
		return errors.Wrapf(err, "evidence path %q", rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", rel)
	}
	if err := json.Unmarshal(data, value); err != nil {
		return errors.Wrapf(err, "parse %s", rel)
	}
	return nil
}

// safeJoin resolves rel inside root, rejecting absolute paths and any path
// that escapes root.
func safeJoin(root, rel string) (string, error) {
	if rel == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(rel) {
		return "", errors.New("absolute path not allowed")
	}
	normalized := filepath.FromSlash(rel)
	for _, seg := range strings.Split(normalized, string(filepath.Separator)) {
		if seg == ".." {
			return "", errors.New("path traversal detected")
		}
	}
	clean := filepath.Clean(normalized)
	if clean == "." {
		return "", errors.New("invalid path")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	target := filepath.Join(rootAbs, clean)
	if target != rootAbs && !strings.HasPrefix(target, rootAbs+string(filepath.Separator)) {
		return "", errors.New("path escapes run dir")
	}
	return target, nil
}
