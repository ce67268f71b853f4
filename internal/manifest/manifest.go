// Package manifest tracks which local paths were materialized from which
// remote file ids.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// GlobalKey is the cache-file section used when a run has no job id.
const GlobalKey = "global"

// Manifest maps a local absolute path to the remote file id it was
// produced from. One manifest is built fresh per job run; it is the sole
// ground truth for that run's reconciliation.
type Manifest map[string]int64

// New returns an empty manifest.
func New() Manifest { return make(Manifest) }

// Add records a materialized path.
func (m Manifest) Add(path string, fileID int64) { m[path] = fileID }

// Has reports whether path was materialized during this run.
func (m Manifest) Has(path string) bool {
	_, ok := m[path]
	return ok
}

// Store persists manifests to a single JSON cache file, one section per
// job id. Sections are merged on save: new paths overwrite old ones,
// paths absent from the new manifest are left in place for the delete
// watcher to resolve.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a store writing dir/cache_files.json.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "cache_files.json")}
}

// Path returns the cache file location.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (map[string]Manifest, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Manifest{}, nil
	}
	if err != nil {
		return nil, err
	}

	all := map[string]Manifest{}
	if err := json.Unmarshal(data, &all); err != nil {
		// A corrupt cache file only costs stale watcher lookups; start over.
		return map[string]Manifest{}, nil
	}
	return all, nil
}

// Save merges m into the jobID section and rewrites the cache file
// atomically. An empty jobID lands in the global section.
func (s *Store) Save(jobID string, m Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobID == "" {
		jobID = GlobalKey
	}

	all, err := s.read()
	if err != nil {
		return fmt.Errorf("read manifest cache: %w", err)
	}

	section := all[jobID]
	if section == nil {
		section = New()
	}
	for path, id := range m {
		section[path] = id
	}
	all[jobID] = section

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write manifest cache: %w", err)
	}
	return nil
}

// Load returns all persisted sections.
func (s *Store) Load() (map[string]Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Lookup finds the remote file id recorded for a local path, searching
// the global section first and then every job section.
func (s *Store) Lookup(path string) (fileID int64, jobID string, ok bool) {
	all, err := s.Load()
	if err != nil {
		return 0, "", false
	}

	if id, found := all[GlobalKey][path]; found {
		return id, "", true
	}
	for job, section := range all {
		if job == GlobalKey {
			continue
		}
		if id, found := section[path]; found {
			return id, job, true
		}
	}
	return 0, "", false
}
