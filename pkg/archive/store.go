// Package archive persists finished runs and their reports so a report can
// be re-synthesized or served later.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/zen-systems/gdprcheck/pkg/pipeline"
	"github.com/zen-systems/gdprcheck/pkg/report"
)

var (
	ErrNotFound  = errors.New("not found in archive")
	ErrInvalidID = errors.New("invalid run id")
)

// Ref points to a content-addressed object.
type Ref struct {
	Kind   string `json:"kind"`
	SHA256 string `json:"sha256"`
}

// Summary describes an archived run.
type Summary struct {
	ID          string             `json:"id"`
	Status      pipeline.RunStatus `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	HasReport   bool               `json:"has_report"`
}

// Store manages the archive directory.
type Store struct {
	BasePath string
}

// NewStore creates the archive layout under basePath, defaulting to
// ~/.gdprcheck/archive.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".gdprcheck", "archive")
	}

	for _, d := range []string{"objects", "runs", "reports"} {
		if err := os.MkdirAll(filepath.Join(basePath, d), 0o700); err != nil {
			return nil, errors.Wrap(err, "create archive")
		}
	}
	return &Store{BasePath: basePath}, nil
}

// SaveRun stores the run and each raw stage response as a blob.
func (s *Store) SaveRun(run *pipeline.Run) error {
	if run == nil {
		return errors.New("run is required")
	}
	if err := checkID(run.ID); err != nil {
		return err
	}
	if !run.Status.Terminal() {
		return errors.Newf("run %s is %s; only finished runs are archived", run.ID, run.Status)
	}
	for _, res := range run.Results() {
		if res.RawText == "" {
			continue
		}
		if _, err := s.StoreBlob([]byte(res.RawText)); err != nil {
			return errors.Wrapf(err, "archive response of %s", res.Stage)
		}
	}
	return writeJSON(s.runPath(run.ID), run)
}

// LoadRun reads an archived run.
func (s *Store) LoadRun(id string) (*pipeline.Run, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var run pipeline.Run
	if err := readJSON(s.runPath(id), &run); err != nil {
		return nil, errors.Wrapf(err, "run %s", id)
	}
	return &run, nil
}

// SaveReport stores a report under its run id.
func (s *Store) SaveReport(rep *report.ComplianceReport) error {
	if rep == nil {
		return errors.New("report is required")
	}
	if err := checkID(rep.RunID); err != nil {
		return err
	}
	return writeJSON(s.reportPath(rep.RunID), rep)
}

// LoadReport reads the report for a run.
func (s *Store) LoadReport(id string) (*report.ComplianceReport, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	var rep report.ComplianceReport
	if err := readJSON(s.reportPath(id), &rep); err != nil {
		return nil, errors.Wrapf(err, "report %s", id)
	}
	return &rep, nil
}

// List returns archived runs, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(filepath.Join(s.BasePath, "runs"))
	if err != nil {
		return nil, err
	}
	var out []Summary
	for _, entry := range entries {
		id, ok := trimExt(entry.Name())
		if entry.IsDir() || !ok {
			continue
		}
		run, err := s.LoadRun(id)
		if err != nil {
			continue
		}
		_, statErr := os.Stat(s.reportPath(id))
		out = append(out, Summary{
			ID:          run.ID,
			Status:      run.Status,
			StartedAt:   run.StartedAt,
			CompletedAt: run.CompletedAt,
			HasReport:   statErr == nil,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

// StoreBlob stores raw bytes by SHA256 in a sharded directory structure.
func (s *Store) StoreBlob(data []byte) (Ref, error) {
	hashBytes := sha256.Sum256(data)
	hash := hex.EncodeToString(hashBytes[:])

	// Shard by first 2 chars
	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Ref{}, err
	}
	path := filepath.Join(dir, hash)
	if _, err := os.Stat(path); err == nil {
		return Ref{Kind: "response", SHA256: hash}, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Ref{}, err
	}
	return Ref{Kind: "response", SHA256: hash}, nil
}

// LoadBlob reads a blob by hash.
func (s *Store) LoadBlob(hash string) ([]byte, error) {
	if len(hash) != sha256.Size*2 {
		return nil, errors.Newf("invalid blob hash %q", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return nil, errors.Newf("invalid blob hash %q", hash)
	}
	data, err := os.ReadFile(filepath.Join(s.BasePath, "objects", hash[:2], hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrNotFound, "blob %s", hash)
	}
	return data, err
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.BasePath, "runs", id+".json")
}

func (s *Store) reportPath(id string) string {
	return filepath.Join(s.BasePath, "reports", id+".json")
}

// checkID accepts only the UUIDs the scheduler assigns, which keeps ids
// from the HTTP API out of the filesystem namespace.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	return nil
}

func trimExt(name string) (string, bool) {
	if filepath.Ext(name) != ".json" {
		return "", false
	}
	return name[:len(name)-len(".json")], true
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}
