// Package persist writes through JSON snapshots of session descriptors
// and breakpoint tables so sessions can be re-announced after a broker
// restart. Recovery reconstructs intent, not a live wire.
//
// Layout: DATA_DIR/sessions/<id>.json, schema-versioned. Writes go to
// <id>.json.tmp, fsync, rename. Corrupt files are quarantined with a
// .corrupt suffix and skipped.
package persist

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// SchemaVersion is the on-disk record version.
const SchemaVersion = 1

// Record is the persisted shape of one session.
type Record struct {
	Schema      int                                 `json:"schema"`
	ID          string                              `json:"id"`
	Language    types.Language                      `json:"language"`
	ProjectRoot string                              `json:"project_root"`
	Name        string                              `json:"name,omitempty"`
	PythonPath  string                              `json:"python_path,omitempty"`
	State       types.SessionState                  `json:"state"`
	CreatedAt   time.Time                           `json:"created_at"`
	SavedAt     time.Time                           `json:"saved_at"`
	Breakpoints map[string][]types.SourceBreakpoint `json:"breakpoints"`
	Watches     []string                            `json:"watches,omitempty"`
	Launch      *types.LaunchRequest                `json:"launch"`
	Attach      *types.AttachRequest                `json:"attach"`
}

// Store reads and writes session records under one data directory.
type Store struct {
	dir string
	log logr.Logger
}

// NewStore ensures DATA_DIR/sessions exists and returns the store.
func NewStore(dataDir string, log logr.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.IO(err, "failed to create data directory %s", dir)
	}
	return &Store{dir: dir, log: log}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save writes one record atomically: tmp file, fsync, rename.
func (s *Store) Save(rec Record) error {
	rec.Schema = SchemaVersion
	rec.SavedAt = time.Now().UTC()
	if rec.Breakpoints == nil {
		rec.Breakpoints = map[string][]types.SourceBreakpoint{}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.IO(err, "failed to marshal session record")
	}

	final := s.path(rec.ID)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.IO(err, "failed to create %s", tmp)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.IO(err, "failed to write %s", tmp)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.IO(err, "failed to sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.IO(err, "failed to close %s", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.IO(err, "failed to rename %s", tmp)
	}
	return nil
}

// Load reads one record, quarantining it when unreadable.
func (s *Store) Load(id string) (*Record, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.SessionNotFound(id)
		}
		return nil, errors.IO(err, "failed to read %s", path)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantine(path)
		return nil, errors.Corrupted(path, err)
	}
	if rec.Schema != SchemaVersion || rec.ID == "" {
		s.quarantine(path)
		return nil, errors.Corrupted(path, nil)
	}
	return &rec, nil
}

// List scans the directory and returns every readable record, oldest
// first. Corrupt files are quarantined and skipped; the broker still
// starts.
func (s *Store) List() []Record {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.V(1).Info("failed to scan session directory", "dir", s.dir, "error", err)
		return nil
	}

	var out []Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		rec, err := s.Load(id)
		if err != nil {
			s.log.Info("skipping unreadable session file", "file", name, "error", err)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.Before(out[j].SavedAt) })
	return out
}

// Remove deletes one record; missing files are not an error.
func (s *Store) Remove(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return errors.IO(err, "failed to remove session file for %s", id)
	}
	return nil
}

// quarantine renames an unreadable file aside for manual inspection.
func (s *Store) quarantine(path string) {
	dst := path + ".corrupt"
	if err := os.Rename(path, dst); err != nil {
		s.log.Info("failed to quarantine corrupt file", "file", path, "error", err)
		return
	}
	s.log.Info("quarantined corrupt session file", "file", dst)
}
