package rollback

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/atomicfs"
)

const (
	StateDir       = "state"
	SnapshotsDir   = "snapshots"
	StateSuffix    = ".rollback.json"
	SnapshotSuffix = ".snapshot.json"
)

// Store persists rollback records.
type Store interface {
	SaveState(rec *StateRecord) error
	LoadState(updateID string) (*StateRecord, error)
	SaveSnapshot(rec *SnapshotRecord) (string, error)
	LoadSnapshot(updateID string) (*SnapshotRecord, error)
	List() (*Listing, error)
	Delete(updateID string) error
	SnapshotSize(updateID string) int64
}

// Listing is the result of scanning the store.
type Listing struct {
	Records []StateRecord
	// Corrupt holds state files that exist but cannot be decoded.
	Corrupt []Orphan
	// Orphans holds snapshot files with no state record.
	Orphans []Orphan
}

// Orphan is a file the store cannot pair with a valid state record.
type Orphan struct {
	UpdateID string
	Path     string
	ModTime  time.Time
	Err      error
}

// FileStore implements Store with the layout
//
//	<base>/state/<updateId>.rollback.json
//	<base>/snapshots/<updateId>.snapshot.json
type FileStore struct {
	base string
}

func NewFileStore(base string) *FileStore {
	return &FileStore{base: base}
}

func (s *FileStore) StatePath(updateID string) string {
	return filepath.Join(s.base, StateDir, updateID+StateSuffix)
}

func (s *FileStore) SnapshotPath(updateID string) string {
	return filepath.Join(s.base, SnapshotsDir, updateID+SnapshotSuffix)
}

func (s *FileStore) SaveState(rec *StateRecord) error {
	if err := ValidateUpdateID(rec.UpdateID); err != nil {
		return err
	}
	return writeJSON(s.StatePath(rec.UpdateID), rec)
}

func (s *FileStore) LoadState(updateID string) (*StateRecord, error) {
	if err := ValidateUpdateID(updateID); err != nil {
		return nil, err
	}
	var rec StateRecord
	if err := readJSON(s.StatePath(updateID), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *FileStore) SaveSnapshot(rec *SnapshotRecord) (string, error) {
	if err := ValidateUpdateID(rec.UpdateID); err != nil {
		return "", err
	}
	path := s.SnapshotPath(rec.UpdateID)
	if err := writeJSON(path, rec); err != nil {
		return "", err
	}
	return path, nil
}

// LoadSnapshot follows the state record's snapshot pointer when a state
// record exists, and falls back to the default location otherwise.
func (s *FileStore) LoadSnapshot(updateID string) (*SnapshotRecord, error) {
	if err := ValidateUpdateID(updateID); err != nil {
		return nil, err
	}
	path := s.snapshotPathFor(updateID)

	var rec SnapshotRecord
	if err := readJSON(path, &rec); err != nil {
		return nil, err
	}
	if rec.UpdateID != updateID {
		return nil, fmt.Errorf("snapshot %s belongs to %q, not %q", path, rec.UpdateID, updateID)
	}
	return &rec, nil
}

// List scans the state and snapshot directories. Records are sorted by
// timestamp ascending.
func (s *FileStore) List() (*Listing, error) {
	out := &Listing{}
	seen := map[string]bool{}

	stateFiles, err := readDirSuffix(filepath.Join(s.base, StateDir), StateSuffix)
	if err != nil {
		return nil, err
	}
	for _, f := range stateFiles {
		id := strings.TrimSuffix(f.Name(), StateSuffix)
		seen[id] = true
		rec, err := s.LoadState(id)
		if err != nil {
			out.Corrupt = append(out.Corrupt, orphanFor(id, filepath.Join(s.base, StateDir, f.Name()), f, err))
			continue
		}
		out.Records = append(out.Records, *rec)
	}

	snapFiles, err := readDirSuffix(filepath.Join(s.base, SnapshotsDir), SnapshotSuffix)
	if err != nil {
		return nil, err
	}
	for _, f := range snapFiles {
		id := strings.TrimSuffix(f.Name(), SnapshotSuffix)
		if seen[id] {
			continue
		}
		out.Orphans = append(out.Orphans, orphanFor(id, filepath.Join(s.base, SnapshotsDir, f.Name()), f, nil))
	}

	sort.SliceStable(out.Records, func(i, j int) bool {
		return out.Records[i].Timestamp.Before(out.Records[j].Timestamp)
	})
	return out, nil
}

// Delete removes both files of a transaction. Missing files are ignored.
func (s *FileStore) Delete(updateID string) error {
	if err := ValidateUpdateID(updateID); err != nil {
		return err
	}
	snapPath := s.snapshotPathFor(updateID)

	var errs []error
	for _, p := range []string{snapPath, s.StatePath(updateID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SnapshotSize returns the size in bytes of the snapshot payload, or 0.
func (s *FileStore) SnapshotSize(updateID string) int64 {
	if ValidateUpdateID(updateID) != nil {
		return 0
	}
	info, err := os.Stat(s.snapshotPathFor(updateID))
	if err != nil {
		return 0
	}
	return info.Size()
}

// snapshotPathFor resolves the state record's snapshot pointer, falling back
// to the default location when there is no record or no pointer.
func (s *FileStore) snapshotPathFor(updateID string) string {
	if st, err := s.LoadState(updateID); err == nil && st.SnapshotPath != "" {
		return st.SnapshotPath
	}
	return s.SnapshotPath(updateID)
}

func orphanFor(id, path string, entry fs.DirEntry, err error) Orphan {
	o := Orphan{UpdateID: id, Path: path, Err: err}
	if info, infoErr := entry.Info(); infoErr == nil {
		o.ModTime = info.ModTime()
	}
	return o
}

func readDirSuffix(dir, suffix string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []fs.DirEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// writeJSON writes v as 2-space indented JSON with a trailing newline,
// atomically.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := atomicfs.WriteFileAtomic(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
