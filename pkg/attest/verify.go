package attest

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/zen-systems/gdprcheck/pkg/evidence"
)

// Verify checks att against the bundle in runDir: every hashed file must
// be unchanged, every stage and blob must be covered, and the claim must
// match the records. Signatures are checked separately by VerifySignature.
func Verify(att *Attestation, runDir string) error {
	if att == nil {
		return errors.New("attestation is required")
	}
	if runDir == "" {
		return errors.New("run directory is required")
	}
	if att.Schema != SchemaV1 {
		return errors.Newf("unknown attestation schema %q", att.Schema)
	}

	rels := make([]string, 0, len(att.Hashes))
	for rel := range att.Hashes {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		actual, err := hashFile(runDir, rel)
		if err != nil {
			return err
		}
		if actual != att.Hashes[rel] {
			return errors.Newf("hash mismatch for %s", rel)
		}
	}

	var runRecord evidence.RunRecord
	if err := readJSON(runDir, att.Evidence.RunJSON, &runRecord); err != nil {
		return err
	}
	if runRecord.ID != att.Subject.RunID || runRecord.InputHash != att.Subject.InputHash {
		return errors.New("subject does not match run.json")
	}

	records, err := readStages(runDir, runRecord.Stages)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, ok := att.Hashes[stagePath(rec.Name)]; !ok {
			return errors.Newf("stage %s is not covered by the attestation", rec.Name)
		}
	}
	for _, blob := range collectBlobs(records) {
		if _, ok := att.Hashes[blob]; !ok {
			return errors.Newf("blob %s is not covered by the attestation", blob)
		}
	}
	if _, ok := att.Hashes[att.Evidence.RunJSON]; !ok {
		return errors.New("run.json is not covered by the attestation")
	}

	return verifyClaim(att.Claim, claimFor(runRecord, records))
}

func verifyClaim(got, want Claim) error {
	if got.Status != want.Status {
		return errors.Newf("claim status %q does not match run status %q", got.Status, want.Status)
	}
	if len(got.Stages) != len(want.Stages) {
		return errors.New("claim stages mismatch")
	}
	stages := append([]StageClaim(nil), got.Stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Name < stages[j].Name })
	for i := range stages {
		if stages[i] != want.Stages[i] {
			return errors.Newf("claim mismatch for stage %s", stages[i].Name)
		}
	}
	return nil
}
