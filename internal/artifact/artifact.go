// Package artifact persists fitted model state on the local filesystem so the
// model behind a scoring run can be reloaded later and applied to new batches.
package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/plumesight/aerofuse/internal/anomaly"
)

// Store writes and reads model-state blobs under one directory. Files are
// named by run id and model kind, one artifact per run and model.
type Store struct {
	dir string
}

// NewStore creates the artifact directory if it does not exist yet.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, eris.New("artifact: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "artifact: create %s", dir)
	}
	return &Store{dir: dir}, nil
}

// Path returns where the artifact for a run and model kind lives.
func (s *Store) Path(runID, kind string) string {
	return filepath.Join(s.dir, runID+"-"+kind+".model")
}

// Save writes the detector's fitted state and returns the file path.
func (s *Store) Save(runID string, det anomaly.Detector) (string, error) {
	blob, err := det.State()
	if err != nil {
		return "", err
	}
	path := s.Path(runID, det.Kind())
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", eris.Wrapf(err, "artifact: write %s", path)
	}
	return path, nil
}

// Restore loads the artifact saved for the detector's kind under a run id and
// rehydrates the detector from it.
func (s *Store) Restore(runID string, det anomaly.Detector) error {
	path := s.Path(runID, det.Kind())
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return eris.Errorf("artifact: no %s artifact for run %s", det.Kind(), runID)
		}
		return eris.Wrapf(err, "artifact: read %s", path)
	}
	return det.Restore(blob)
}

// List returns the run ids that have at least one saved artifact, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", s.dir)
	}

	seen := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".model") {
			continue
		}
		name = strings.TrimSuffix(name, ".model")
		// Run ids are UUIDs with dashes of their own, so strip known kind
		// suffixes instead of splitting on the last dash.
		for _, kind := range []string{anomaly.KindIsolationForest, anomaly.KindOneClassBoundary, anomaly.KindLocalDensity} {
			if strings.HasSuffix(name, "-"+kind) {
				seen[strings.TrimSuffix(name, "-"+kind)] = true
				break
			}
		}
	}

	runs := make([]string, 0, len(seen))
	for id := range seen {
		runs = append(runs, id)
	}
	sort.Strings(runs)
	return runs, nil
}
