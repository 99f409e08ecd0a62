package runstate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sleepstager/internal/failure"
)

// Store provides persistent storage for run state under:
//
//	<baseDir>/.sleepstager/runs/<run-id>/
//
// All writes are atomic and durable (file sync + atomic rename + dir sync).
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, ".sleepstager", "runs")
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) failuresPath(runID string) string {
	return filepath.Join(s.runDir(runID), "failures.json")
}

func (s *Store) predictionsPath(runID string) string {
	return filepath.Join(s.runDir(runID), "predictions.json")
}

// RunDir returns the directory holding a run's records.
func (s *Store) RunDir(runID string) string { return s.runDir(runID) }

// ListRunIDs returns all run ids present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.TrimSpace(e.Name()) != "" {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestRunID returns the id of the run with the latest start time. Ties
// go to the greater id. Directories without a readable run.json are skipped.
func (s *Store) LatestRunID() (string, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return "", err
	}
	var (
		latest string
		start  time.Time
	)
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			continue
		}
		if latest == "" || !run.StartTime.Before(start) {
			latest, start = id, run.StartTime
		}
	}
	if latest == "" {
		return "", fmt.Errorf("no runs recorded under %s: %w", s.runsRootDir(), os.ErrNotExist)
	}
	return latest, nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	if err := ensureDirDurable(s.runDir(run.RunID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	if err := writeFileAtomicDurable(s.runPath(run.RunID), data, 0o644); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

func (s *Store) LoadRun(runID string) (Run, error) {
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	var run Run
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

// SaveFailures stores the per-recording failure records of a run. An empty
// list is written as [] so readers can tell "no failures" from "not written".
func (s *Store) SaveFailures(runID string, records []failure.Record) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	for i, f := range records {
		if err := validateFailure(f); err != nil {
			return fmt.Errorf("invalid failure %d: %w", i, err)
		}
	}
	if records == nil {
		records = []failure.Record{}
	}
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(records)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	if err := writeFileAtomicDurable(s.failuresPath(runID), data, 0o644); err != nil {
		return fmt.Errorf("write failures: %w", err)
	}
	return nil
}

func (s *Store) LoadFailures(runID string) ([]failure.Record, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	var records []failure.Record
	if err := readJSONStrict(s.failuresPath(runID), &records); err != nil {
		return nil, err
	}
	if records == nil {
		return nil, errors.New("invalid failures on disk: must be an array (not null)")
	}
	for i, f := range records {
		if err := validateFailure(f); err != nil {
			return nil, fmt.Errorf("invalid failure %d on disk: %w", i, err)
		}
	}
	return records, nil
}

// SavePredictions stores predicted stages per record id, one entry per epoch.
func (s *Store) SavePredictions(runID string, byRecord map[string][]string) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if byRecord == nil {
		byRecord = map[string][]string{}
	}
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(byRecord)
	if err != nil {
		return fmt.Errorf("marshal predictions: %w", err)
	}
	if err := writeFileAtomicDurable(s.predictionsPath(runID), data, 0o644); err != nil {
		return fmt.Errorf("write predictions: %w", err)
	}
	return nil
}

func (s *Store) LoadPredictions(runID string) (map[string][]string, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, errors.New("runID is required")
	}
	var byRecord map[string][]string
	if err := readJSONStrict(s.predictionsPath(runID), &byRecord); err != nil {
		return nil, err
	}
	return byRecord, nil
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
