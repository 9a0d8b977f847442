// Package atomicfs applies batches of file create/update/delete operations
// with all-or-nothing semantics.
//
// A batch is prepared first: every new content is written to a temp file in
// the target's own directory and every existing target is backed up into the
// batch directory. Only then are temps renamed over targets. Each staging
// step is journaled before it touches the disk, and a failure at any point
// undoes the batch from its journal, so the caller observes either every
// operation applied or none.
package atomicfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lucidwonk/ctxrollback/internal/filelock"
)

const (
	journalFile = "journal.json"
	backupDir   = "backup"
	tempPrefix  = ".ctxrb-"
)

// Journal statuses.
const (
	StatusPrepared   = "prepared"
	StatusApplying   = "applying"
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
)

// Result is the outcome of one batch.
type Result struct {
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	BatchID  string        `json:"batchId"`
	Applied  int           `json:"applied"`
	Duration time.Duration `json:"duration"`
}

type journalEntry struct {
	Index   int    `json:"index"`
	Type    Kind   `json:"type"`
	Target  string `json:"target"`
	Temp    string `json:"temp,omitempty"`
	Backup  string `json:"backup,omitempty"`
	Existed bool   `json:"existed"`
	// Linked marks a backup that is a hard link to the original inode.
	Linked bool `json:"linked,omitempty"`
	// LinkTarget holds the destination of a target that was a symlink.
	LinkTarget string `json:"linkTarget,omitempty"`
}

type journal struct {
	BatchID     string         `json:"batchId"`
	Status      string         `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	Entries     []journalEntry `json:"entries"`
	CreatedDirs []string       `json:"createdDirs,omitempty"`
}

// Executor runs atomic batches. Batches are serialized in-process by a mutex
// and across processes by the batch file lock.
type Executor struct {
	stateDir   string
	scratchDir string
	locks      *filelock.Manager
	logger     *slog.Logger
	mu         sync.Mutex
}

// New creates an Executor whose scratch space is <stateDir>/atomic.
func New(stateDir string, locks *filelock.Manager, logger *slog.Logger) *Executor {
	if locks == nil {
		locks = filelock.NewManager()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		stateDir:   stateDir,
		scratchDir: filepath.Join(stateDir, "atomic"),
		locks:      locks,
		logger:     logger.With(slog.String("component", "atomicfs")),
	}
}

// Execute applies ops in order, all or nothing.
func (e *Executor) Execute(ctx context.Context, ops []Operation) Result {
	start := time.Now()
	batchID := uuid.New().String()
	res := Result{BatchID: batchID}

	if len(ops) == 0 {
		res.Success = true
		res.Duration = time.Since(start)
		return res
	}

	for i, op := range ops {
		if err := op.Validate(); err != nil {
			res.Error = fmt.Sprintf("operation %d: %v", i, err)
			res.Duration = time.Since(start)
			return res
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lock, err := e.locks.Acquire(ctx, filelock.BatchPath(e.stateDir), "atomic batch "+batchID)
	if err != nil {
		res.Error = fmt.Sprintf("acquire batch lock: %v", err)
		res.Duration = time.Since(start)
		return res
	}
	defer e.locks.Release(lock)

	applied, err := e.run(ctx, batchID, ops)
	res.Applied = applied
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		e.logger.Error("atomic batch failed",
			slog.String("batch_id", batchID),
			slog.Int("operations", len(ops)),
			slog.String("error", res.Error),
		)
		return res
	}

	res.Success = true
	e.logger.Debug("atomic batch committed",
		slog.String("batch_id", batchID),
		slog.Int("operations", len(ops)),
		slog.Duration("duration", res.Duration),
	)
	return res
}

func (e *Executor) run(ctx context.Context, batchID string, ops []Operation) (int, error) {
	batchDir := filepath.Join(e.scratchDir, batchID)
	if err := os.MkdirAll(filepath.Join(batchDir, backupDir), 0755); err != nil {
		return 0, fmt.Errorf("create batch dir: %w", err)
	}

	j := &journal{
		BatchID:   batchID,
		Status:    StatusPrepared,
		CreatedAt: time.Now().UTC(),
	}

	if err := e.prepare(ctx, batchDir, j, ops); err != nil {
		e.undo(j)
		os.RemoveAll(batchDir)
		return 0, err
	}

	j.Status = StatusApplying
	if err := writeJournal(batchDir, j); err != nil {
		e.undo(j)
		os.RemoveAll(batchDir)
		return 0, err
	}

	for i, entry := range j.Entries {
		if err := commitEntry(entry); err != nil {
			e.undo(j)
			j.Status = StatusRolledBack
			_ = writeJournal(batchDir, j)
			os.RemoveAll(batchDir)
			return 0, fmt.Errorf("operation %d (%s %s): %w", entry.Index, entry.Type, entry.Target, err)
		}
		j.Entries[i].Temp = ""
	}

	j.Status = StatusCommitted
	_ = writeJournal(batchDir, j)
	if err := os.RemoveAll(batchDir); err != nil {
		e.logger.Warn("failed to remove committed batch dir",
			slog.String("batch_id", batchID),
			slog.String("error", err.Error()),
		)
	}
	return len(j.Entries), nil
}

// prepare stages every operation. Nothing visible at any target changes here;
// the only side effects are temp files, backups and new parent directories.
// Each is recorded in the journal on disk before it is made, so undo and
// Recover can remove it even after a crash mid-prepare.
func (e *Executor) prepare(ctx context.Context, batchDir string, j *journal, ops []Operation) error {
	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("prepare cancelled: %w", err)
		}

		entry := journalEntry{Index: i, Type: op.Type, Target: op.TargetPath}
		mode := fs.FileMode(0644)

		info, err := os.Lstat(op.TargetPath)
		switch {
		case err == nil && info.IsDir():
			return fmt.Errorf("operation %d (%s): target is a directory", i, op)
		case err == nil && info.Mode()&fs.ModeSymlink != 0:
			entry.Existed = true
			if entry.LinkTarget, err = os.Readlink(op.TargetPath); err != nil {
				return fmt.Errorf("operation %d (%s): read link: %w", i, op, err)
			}
		case err == nil:
			entry.Existed = true
			entry.Backup = filepath.Join(batchDir, backupDir, strconv.Itoa(i))
			mode = info.Mode().Perm()
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("operation %d (%s): stat: %w", i, op, err)
		}

		var missing []string
		if op.Type != KindDelete {
			dir := filepath.Dir(op.TargetPath)
			if missing, err = missingDirs(dir); err != nil {
				return fmt.Errorf("operation %d (%s): create parent: %w", i, op, err)
			}
			j.CreatedDirs = append(j.CreatedDirs, missing...)
			entry.Temp = filepath.Join(dir, tempName(j.BatchID, i))
		}

		j.Entries = append(j.Entries, entry)
		if err := writeJournal(batchDir, j); err != nil {
			return err
		}

		if entry.Backup != "" {
			linked, err := backupFile(op.TargetPath, entry.Backup, mode)
			if err != nil {
				return fmt.Errorf("operation %d (%s): backup: %w", i, op, err)
			}
			if linked {
				j.Entries[len(j.Entries)-1].Linked = true
			}
		}
		if op.Type != KindDelete {
			for _, d := range missing {
				if err := os.Mkdir(d, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
					return fmt.Errorf("operation %d (%s): create parent: %w", i, op, err)
				}
			}
			if err := writeTempAt(entry.Temp, []byte(*op.Content), mode); err != nil {
				return fmt.Errorf("operation %d (%s): stage: %w", i, op, err)
			}
		}
	}
	return writeJournal(batchDir, j)
}

func commitEntry(entry journalEntry) error {
	if entry.Type == KindDelete {
		if err := os.Remove(entry.Target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return os.Rename(entry.Temp, entry.Target)
}

// undo returns every target in j to its pre-batch state. It is idempotent,
// so it is safe on a partially committed batch and during crash recovery.
// A prepared batch never touched its targets, so only staged files and
// created directories are removed.
func (e *Executor) undo(j *journal) {
	committing := j.Status != StatusPrepared
	for i := len(j.Entries) - 1; i >= 0; i-- {
		entry := j.Entries[i]
		if entry.Temp != "" {
			_ = os.Remove(entry.Temp)
		}
		var err error
		switch {
		case !committing:
		case entry.Existed:
			err = restoreEntry(entry)
		case entry.Type != KindDelete:
			if rmErr := os.Remove(entry.Target); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				err = rmErr
			}
		}
		if err != nil {
			e.logger.Error("undo failed for target",
				slog.String("batch_id", j.BatchID),
				slog.String("target", entry.Target),
				slog.String("error", err.Error()),
			)
		}
	}

	// Deepest directories first.
	dirs := append([]string(nil), j.CreatedDirs...)
	sort.Slice(dirs, func(a, b int) bool { return len(dirs[a]) > len(dirs[b]) })
	for _, d := range dirs {
		_ = os.Remove(d)
	}
}

// Recover undoes batches left prepared or applying by a process that died
// mid-batch, and clears leftover scratch directories. It returns the number
// of batches undone.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries, err := os.ReadDir(e.scratchDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch dir: %w", err)
	}

	lock, err := e.locks.Acquire(ctx, filelock.BatchPath(e.stateDir), "atomic recover")
	if err != nil {
		return 0, fmt.Errorf("acquire batch lock: %w", err)
	}
	defer e.locks.Release(lock)

	recovered := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		batchDir := filepath.Join(e.scratchDir, entry.Name())
		j, err := readJournal(batchDir)
		if err != nil {
			e.logger.Warn("discarding batch without readable journal",
				slog.String("batch_dir", batchDir),
				slog.String("error", err.Error()),
			)
			os.RemoveAll(batchDir)
			continue
		}
		if j.Status == StatusPrepared || j.Status == StatusApplying {
			e.undo(j)
			recovered++
			e.logger.Warn("undid interrupted atomic batch",
				slog.String("batch_id", j.BatchID),
				slog.String("status", j.Status),
				slog.Int("entries", len(j.Entries)),
			)
		}
		os.RemoveAll(batchDir)
	}
	return recovered, nil
}

func writeJournal(batchDir string, j *journal) error {
	data, err := json.MarshalIndent(j, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(batchDir, journalFile), data, 0644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	return nil
}

func readJournal(batchDir string) (*journal, error) {
	data, err := os.ReadFile(filepath.Join(batchDir, journalFile))
	if err != nil {
		return nil, err
	}
	var j journal
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// WriteFileAtomic writes data to path via temp file + fsync + rename in the
// same directory.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	temp, err := writeTemp(filepath.Dir(path), data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(temp, path); err != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func writeTemp(dir string, data []byte, perm fs.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if err := fillTemp(f, data, perm); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// writeTempAt is writeTemp at a name chosen in advance, so the name can be
// journaled before the file exists.
func writeTempAt(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	return fillTemp(f, data, perm)
}

// fillTemp writes data to f, then syncs and closes it. f is removed on
// failure.
func fillTemp(f *os.File, data []byte, perm fs.FileMode) error {
	name := f.Name()
	fail := func(err error) error {
		f.Close()
		os.Remove(name)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fail(fmt.Errorf("write temp file: %w", err))
	}
	if err := f.Chmod(perm); err != nil {
		return fail(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

func tempName(batchID string, index int) string {
	return fmt.Sprintf("%s%s-%d", tempPrefix, batchID, index)
}

// backupFile keeps the original bytes of src at dst. A hard link is tried
// first so the backup never needs read access to src; it falls back to a
// copy when src and dst are on different filesystems.
func backupFile(src, dst string, perm fs.FileMode) (bool, error) {
	if err := os.Link(src, dst); err == nil {
		return true, nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return false, err
	}
	return false, os.WriteFile(dst, data, perm)
}

func restoreEntry(entry journalEntry) error {
	switch {
	case entry.LinkTarget != "":
		return replaceWith(entry.Target, func(tmp string) error { return os.Symlink(entry.LinkTarget, tmp) })
	case entry.Linked:
		return replaceWith(entry.Target, func(tmp string) error { return os.Link(entry.Backup, tmp) })
	default:
		return restoreBackup(entry.Backup, entry.Target)
	}
}

// replaceWith creates a new entry next to target with build, then renames
// it over target.
func replaceWith(target string, build func(tmp string) error) error {
	tmp := filepath.Join(filepath.Dir(target), tempPrefix+uuid.NewString())
	if err := build(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func restoreBackup(backup, target string) error {
	data, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}
	info, err := os.Stat(backup)
	if err != nil {
		return fmt.Errorf("stat backup: %w", err)
	}
	return WriteFileAtomic(target, data, info.Mode().Perm())
}

// missingDirs returns dir and any of its parents that do not exist yet,
// outermost first.
func missingDirs(dir string) ([]string, error) {
	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		missing = append(missing, d)
		if filepath.Dir(d) == d {
			break
		}
	}
	for a, b := 0, len(missing)-1; a < b; a, b = a+1, b-1 {
		missing[a], missing[b] = missing[b], missing[a]
	}
	return missing, nil
}
