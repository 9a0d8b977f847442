// Package filelock provides flock-based advisory locks with a JSON .meta
// sidecar describing the holder.
//
// Two kinds of lock are used: one per rollback transaction (held while a
// rollback is in flight, and checked by retention before removing a record)
// and one batch lock that serializes atomic file batches across processes.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// LockVersion is the current version of the lock metadata format.
const LockVersion = 2

// DefaultPollInterval is how often Acquire retries a contended lock.
const DefaultPollInterval = 25 * time.Millisecond

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("lock is held by another holder")

// Lock represents an acquired file lock.
type Lock struct {
	Path    string
	Purpose string
	file    *os.File
}

// LockInfo is a JSON-serializable snapshot of a held lock.
type LockInfo struct {
	Path       string `json:"path"`
	Purpose    string `json:"purpose"`
	PID        int    `json:"pid"`
	AcquiredAt string `json:"acquired_at"`
}

// Meta is the on-disk metadata written alongside a lock file.
type Meta struct {
	PID       int    `json:"pid"`
	Timestamp string `json:"timestamp"`
	Purpose   string `json:"purpose"`
	Version   int    `json:"lock_version"`
}

// Manager tracks locks held by this process.
type Manager struct {
	held []*Lock
	mu   sync.Mutex
}

// NewManager returns a new lock Manager with no held locks.
func NewManager() *Manager {
	return &Manager{}
}

// TransactionPath returns the lock path guarding one rollback transaction.
func TransactionPath(stateDir, updateID string) string {
	return filepath.Join(stateDir, "locks", updateID+".lock")
}

// BatchPath returns the lock path serializing atomic batches.
func BatchPath(stateDir string) string {
	return filepath.Join(stateDir, "atomic", "batch.lock")
}

// TryAcquire takes the lock at lockPath without waiting. It returns an error
// wrapping ErrLocked when the lock is contended.
func (m *Manager) TryAcquire(lockPath, purpose string) (*Lock, error) {
	return m.acquire(lockPath, purpose)
}

// Acquire takes the lock at lockPath, polling until it is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context, lockPath, purpose string) (*Lock, error) {
	for {
		lock, err := m.acquire(lockPath, purpose)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLocked) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", err, ctx.Err())
		case <-time.After(DefaultPollInterval):
		}
	}
}

// Release removes the flock, closes the file, deletes the .meta file, and
// drops the lock from the held list. Releasing nil is a no-op.
func (m *Manager) Release(lock *Lock) error {
	if lock == nil || lock.file == nil {
		return nil
	}

	// Best-effort removal of meta file while we still own the lock.
	_ = os.Remove(lock.Path + ".meta")

	fd := int(lock.file.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_UN); err != nil {
		return fmt.Errorf("flock LOCK_UN: %w", err)
	}

	if err := lock.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	lock.file = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.held {
		if l == lock {
			m.held = append(m.held[:i], m.held[i+1:]...)
			break
		}
	}

	return nil
}

// HeldLocks returns information about all locks held through this Manager.
func (m *Manager) HeldLocks() []LockInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]LockInfo, 0, len(m.held))
	for _, l := range m.held {
		meta, err := ReadMeta(l.Path)
		acquired := ""
		pid := os.Getpid()
		if err == nil {
			acquired = meta.Timestamp
			pid = meta.PID
		}
		infos = append(infos, LockInfo{
			Path:       l.Path,
			Purpose:    l.Purpose,
			PID:        pid,
			AcquiredAt: acquired,
		})
	}
	return infos
}

// IsStale reports whether the holder recorded in the .meta file of lockPath
// is no longer alive.
func IsStale(lockPath string) bool {
	meta, err := ReadMeta(lockPath)
	if err != nil {
		return true
	}

	proc, err := os.FindProcess(meta.PID)
	if err != nil {
		return true
	}

	// Signal 0 checks process existence without actually sending a signal.
	err = proc.Signal(syscall.Signal(0))
	return err != nil
}

// ReadMeta reads and parses the .meta JSON file associated with lockPath.
func ReadMeta(lockPath string) (Meta, error) {
	data, err := os.ReadFile(lockPath + ".meta")
	if err != nil {
		return Meta{}, fmt.Errorf("read meta: %w", err)
	}

	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

func (m *Manager) acquire(lockPath, purpose string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("mkdir for lock: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	fd := int(f.Fd())
	if err := syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			holder := ""
			if meta, metaErr := ReadMeta(lockPath); metaErr == nil {
				holder = fmt.Sprintf(" (holder PID %d: %s)", meta.PID, meta.Purpose)
			}
			return nil, fmt.Errorf("%s%s: %w", lockPath, holder, ErrLocked)
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	meta := Meta{
		PID:       os.Getpid(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Purpose:   purpose,
		Version:   LockVersion,
	}
	metaData, err := json.Marshal(meta)
	if err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("marshal meta: %w", err)
	}
	if err := os.WriteFile(lockPath+".meta", metaData, 0644); err != nil {
		syscall.Flock(fd, syscall.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	lock := &Lock{
		Path:    lockPath,
		Purpose: purpose,
		file:    f,
	}

	m.mu.Lock()
	m.held = append(m.held, lock)
	m.mu.Unlock()

	return lock, nil
}

// IsHeld reports whether some holder, in this or another process, currently
// owns the lock at lockPath. A missing lock file is not held.
func (m *Manager) IsHeld(lockPath string) bool {
	if _, err := os.Stat(lockPath); err != nil {
		return false
	}
	lock, err := m.acquire(lockPath, "held check")
	if err != nil {
		return errors.Is(err, ErrLocked)
	}
	_ = m.Release(lock)
	return false
}
