// Package rollback creates holistic snapshots of multi-domain context trees
// and rolls them back as one atomic batch.
//
// A transaction is persisted as two files that share an update ID: a
// lightweight state record and the full snapshot payload it points to. Status
// moves once from pending to completed or failed; retention removes the files
// afterwards.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/atomicfs"
	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/ledger"
	"github.com/lucidwonk/ctxrollback/internal/metrics"
	"github.com/lucidwonk/ctxrollback/internal/snapshot"
)

// Applier applies a batch of file operations all or nothing.
type Applier interface {
	Execute(ctx context.Context, ops []atomicfs.Operation) atomicfs.Result
}

// Recorder receives lifecycle events. *ledger.Ledger implements it.
type Recorder interface {
	Record(updateID, kind, detail string) error
}

// Scrubber removes credentials from failure diagnostics before they are
// persisted. *redact.Redactor implements it.
type Scrubber interface {
	Redact(s string) string
	Details(details map[string]any) map[string]any
}

// Manager owns the rollback lifecycle of holistic updates.
type Manager struct {
	stateDir string
	store    Store
	applier  Applier
	builder  *snapshot.Builder
	locks    *filelock.Manager
	recorder Recorder
	scrubber Scrubber
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

func WithApplier(a Applier) Option { return func(m *Manager) { m.applier = a } }

func WithLocks(l *filelock.Manager) Option { return func(m *Manager) { m.locks = l } }

// WithRecorder sends lifecycle events to r, usually a *ledger.Ledger.
func WithRecorder(r Recorder) Option { return func(m *Manager) { m.recorder = r } }

// WithScrubber redacts failure reasons, error stacks and details.
func WithScrubber(s Scrubber) Option { return func(m *Manager) { m.scrubber = s } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New creates a Manager rooted at stateDir. Without options it persists to a
// FileStore in stateDir and applies batches with an atomicfs.Executor that
// shares the same scratch space.
func New(stateDir string, opts ...Option) *Manager {
	m := &Manager{stateDir: stateDir}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if m.locks == nil {
		m.locks = filelock.NewManager()
	}
	if m.store == nil {
		m.store = NewFileStore(stateDir)
	}
	if m.applier == nil {
		m.applier = atomicfs.New(stateDir, m.locks, m.logger)
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.builder = snapshot.New(m.logger)
	m.logger = m.logger.With(slog.String("component", "rollback"))
	return m
}

// Store returns the backing store.
func (m *Manager) Store() Store { return m.store }

// Locks returns the lock manager guarding transactions.
func (m *Manager) Locks() *filelock.Manager { return m.locks }

// LockPath returns the advisory lock path of one transaction.
func (m *Manager) LockPath(updateID string) string {
	return filelock.TransactionPath(m.stateDir, updateID)
}

// CreateHolisticSnapshot captures every affected domain under basePath and
// persists the snapshot payload followed by the pending state record.
func (m *Manager) CreateHolisticSnapshot(ctx context.Context, updateID string, domains []string, basePath string) (*Transaction, error) {
	if err := ValidateUpdateID(updateID); err != nil {
		return nil, err
	}
	if err := validateDomains(domains); err != nil {
		return nil, err
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path %s: %w", basePath, err)
	}

	if _, err := m.store.LoadState(updateID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, updateID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check existing %s: %w", updateID, err)
	}

	at := m.now().UTC()
	snaps := make([]snapshot.Domain, 0, len(domains))
	var ops []atomicfs.Operation
	files := 0
	for _, d := range domains {
		snap, err := m.builder.Capture(ctx, d, absBase, at)
		if err != nil {
			return nil, fmt.Errorf("snapshot domain %s: %w", d, err)
		}
		snaps = append(snaps, snap)
		for _, p := range sortedPaths(snap.Files) {
			content := snap.Files[p]
			op := atomicfs.Update(p, content)
			op.OriginalContent = &content
			ops = append(ops, op)
		}
		files += len(snap.Files)
	}

	rec := &SnapshotRecord{
		UpdateID:        updateID,
		Timestamp:       at,
		AffectedDomains: append([]string(nil), domains...),
		Snapshots:       snaps,
		FileOperations:  ops,
	}
	snapPath, err := m.store.SaveSnapshot(rec)
	if err != nil {
		return nil, fmt.Errorf("save snapshot %s: %w", updateID, err)
	}

	state := StateRecord{
		UpdateID:        updateID,
		Timestamp:       at,
		AffectedDomains: rec.AffectedDomains,
		Status:          StatusPending,
		SnapshotPath:    snapPath,
	}
	if err := m.store.SaveState(&state); err != nil {
		return nil, fmt.Errorf("save state %s: %w", updateID, err)
	}

	m.metrics.ObserveSnapshot(files)
	m.record(updateID, ledger.KindSnapshotCreated, "domains="+strings.Join(domains, ","))
	m.logger.Info("holistic snapshot created",
		slog.String("update_id", updateID),
		slog.Int("domains", len(domains)),
		slog.Int("files", files),
	)

	return &Transaction{
		StateRecord:    state,
		Snapshots:      snaps,
		FileOperations: ops,
	}, nil
}

// ExecuteHolisticRollback restores every domain of updateID to its snapshot
// in a single atomic batch. Files added since the snapshot are deleted. It
// returns false, after logging, when there is no snapshot, the batch fails,
// or the completion cannot be recorded. A pending transaction becomes
// completed; a terminal one keeps its status.
func (m *Manager) ExecuteHolisticRollback(ctx context.Context, updateID string) bool {
	start := m.now()
	log := m.logger.With(slog.String("update_id", updateID))

	if err := ValidateUpdateID(updateID); err != nil {
		log.Error("rollback rejected", slog.String("error", err.Error()))
		m.metrics.ObserveRollback(metrics.ResultFailure, 0)
		return false
	}

	lock, err := m.locks.Acquire(ctx, m.LockPath(updateID), "rollback "+updateID)
	if err != nil {
		log.Error("rollback lock unavailable", slog.String("error", err.Error()))
		m.metrics.ObserveRollback(metrics.ResultFailure, m.now().Sub(start))
		return false
	}
	defer m.locks.Release(lock)

	snap, err := m.store.LoadSnapshot(updateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			log.Error("no rollback data found")
			m.metrics.ObserveRollback(metrics.ResultNotFound, m.now().Sub(start))
		} else {
			log.Error("load snapshot failed", slog.String("error", err.Error()))
			m.metrics.ObserveRollback(metrics.ResultFailure, m.now().Sub(start))
		}
		return false
	}

	ops, err := Plan(snap)
	if err != nil {
		log.Error("rollback plan failed", slog.String("error", err.Error()))
		m.metrics.ObserveRollback(metrics.ResultFailure, m.now().Sub(start))
		return false
	}

	m.record(updateID, ledger.KindRollbackStarted, fmt.Sprintf("operations=%d", len(ops)))

	res := m.applier.Execute(ctx, ops)
	if !res.Success {
		log.Error("atomic rollback failed",
			slog.Int("operations", len(ops)),
			slog.String("error", res.Error),
		)
		m.record(updateID, ledger.KindRollbackFailed, res.Error)
		m.metrics.ObserveRollback(metrics.ResultFailure, m.now().Sub(start))
		return false
	}

	if err := m.completeAfterRollback(updateID); err != nil {
		log.Error("rollback applied but completion not recorded", slog.String("error", err.Error()))
		m.record(updateID, ledger.KindRollbackFailed, err.Error())
		m.metrics.ObserveRollback(metrics.ResultFailure, m.now().Sub(start))
		return false
	}

	m.record(updateID, ledger.KindRollbackCompleted, fmt.Sprintf("operations=%d", len(ops)))
	m.metrics.ObserveRollback(metrics.ResultSuccess, m.now().Sub(start))
	log.Info("holistic rollback completed",
		slog.Int("operations", len(ops)),
		slog.Int("domains", len(snap.Snapshots)),
	)
	return true
}

func (m *Manager) completeAfterRollback(updateID string) error {
	st, err := m.store.LoadState(updateID)
	if err != nil {
		return err
	}
	if st.Status.Terminal() {
		m.logger.Debug("transaction already terminal, status kept",
			slog.String("update_id", updateID),
			slog.String("status", string(st.Status)),
		)
		return nil
	}
	return m.transition(st, StatusCompleted, nil, nil)
}

// Plan computes the operations that bring every snapshotted domain back to
// its captured content: deletes for files added since the snapshot, then an
// update or create per captured file. Paths the snapshot skipped are left
// alone.
func Plan(rec *SnapshotRecord) ([]atomicfs.Operation, error) {
	var deletes, restores []atomicfs.Operation
	for _, ds := range rec.Snapshots {
		current, err := snapshot.ListFiles(ds.DomainPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("list %s: %w", ds.DomainPath, err)
		}
		skipped := make(map[string]bool, len(ds.Skipped))
		for _, p := range ds.Skipped {
			skipped[p] = true
		}
		for _, p := range current {
			if _, ok := ds.Files[p]; !ok && !skipped[p] {
				deletes = append(deletes, atomicfs.Delete(p))
			}
		}

		for _, p := range sortedPaths(ds.Files) {
			_, err := os.Lstat(p)
			switch {
			case err == nil:
				restores = append(restores, atomicfs.Update(p, ds.Files[p]))
			case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
				restores = append(restores, atomicfs.Create(p, ds.Files[p]))
			default:
				return nil, fmt.Errorf("stat %s: %w", p, err)
			}
		}
	}
	return append(deletes, restores...), nil
}

// GetPendingRollbacks returns every pending transaction, oldest first.
func (m *Manager) GetPendingRollbacks() ([]Summary, error) {
	all, err := m.ListTransactions()
	if err != nil {
		return nil, err
	}
	var pending []Summary
	for _, s := range all {
		if s.Status == StatusPending {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// ListTransactions returns every readable transaction, oldest first.
func (m *Manager) ListTransactions() ([]Summary, error) {
	listing, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	for _, c := range listing.Corrupt {
		m.logger.Warn("unreadable rollback state",
			slog.String("update_id", c.UpdateID),
			slog.String("error", c.Err.Error()),
		)
	}
	out := make([]Summary, 0, len(listing.Records))
	for _, r := range listing.Records {
		out = append(out, r.Summary())
	}
	return out, nil
}

// LoadTransaction assembles the state record and snapshot of updateID.
func (m *Manager) LoadTransaction(updateID string) (*Transaction, error) {
	st, err := m.store.LoadState(updateID)
	if err != nil {
		return nil, err
	}
	snap, err := m.store.LoadSnapshot(updateID)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		StateRecord:    *st,
		Snapshots:      snap.Snapshots,
		FileOperations: snap.FileOperations,
	}, nil
}

// MarkRollbackCompleted moves a pending transaction to completed. Marking an
// already completed transaction is a no-op.
func (m *Manager) MarkRollbackCompleted(ctx context.Context, updateID string) error {
	return m.mark(ctx, updateID, StatusCompleted, nil, nil)
}

// MarkRollbackFailed moves a pending transaction to failed and records the
// cause with optional diagnostic details. The record becomes cleanup
// eligible.
func (m *Manager) MarkRollbackFailed(ctx context.Context, updateID string, cause error, details map[string]any) error {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}
	return m.mark(ctx, updateID, StatusFailed, cause, details)
}

func (m *Manager) mark(ctx context.Context, updateID string, to Status, cause error, details map[string]any) error {
	if err := ValidateUpdateID(updateID); err != nil {
		return err
	}
	lock, err := m.locks.Acquire(ctx, m.LockPath(updateID), "mark "+string(to)+" "+updateID)
	if err != nil {
		return fmt.Errorf("lock %s: %w", updateID, err)
	}
	defer m.locks.Release(lock)

	st, err := m.store.LoadState(updateID)
	if err != nil {
		return err
	}
	switch {
	case st.Status == to:
		return nil
	case st.Status.Terminal():
		return fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, updateID, st.Status, to)
	}
	return m.transition(st, to, cause, details)
}

// transition persists st with its new status. Callers hold the transaction
// lock and have checked that st is pending.
func (m *Manager) transition(st *StateRecord, to Status, cause error, details map[string]any) error {
	now := m.now().UTC()
	st.Status = to
	switch to {
	case StatusCompleted:
		st.CompletedAt = &now
	case StatusFailed:
		st.FailedAt = &now
		st.FailureReason = cause.Error()
		st.ErrorStack = errorChain(cause)
		st.ContextDetails = sanitizeDetails(details)
		if m.scrubber != nil {
			st.FailureReason = m.scrubber.Redact(st.FailureReason)
			st.ErrorStack = m.scrubber.Redact(st.ErrorStack)
			st.ContextDetails = m.scrubber.Details(st.ContextDetails)
		}
		st.CleanupEligible = true
	}
	if err := m.store.SaveState(st); err != nil {
		return fmt.Errorf("save state %s: %w", st.UpdateID, err)
	}

	m.metrics.ObserveTransition(string(to))
	kind, detail := ledger.KindMarkedCompleted, ""
	if to == StatusFailed {
		kind, detail = ledger.KindMarkedFailed, st.FailureReason
	}
	m.record(st.UpdateID, kind, detail)
	m.logger.Info("transaction status changed",
		slog.String("update_id", st.UpdateID),
		slog.String("status", string(to)),
	)
	return nil
}

// ValidateRollbackData reports whether the snapshot of updateID loads and
// every captured file path is absolute.
func (m *Manager) ValidateRollbackData(updateID string) bool {
	log := m.logger.With(slog.String("update_id", updateID))
	snap, err := m.store.LoadSnapshot(updateID)
	if err != nil {
		log.Warn("rollback data cannot be loaded", slog.String("error", err.Error()))
		return false
	}
	for _, ds := range snap.Snapshots {
		for p := range ds.Files {
			if !filepath.IsAbs(p) {
				log.Warn("rollback data holds a relative path",
					slog.String("domain_path", ds.DomainPath),
					slog.String("path", p),
				)
				return false
			}
		}
	}
	for _, op := range snap.FileOperations {
		if !filepath.IsAbs(op.TargetPath) {
			log.Warn("rollback data holds a relative operation target", slog.String("path", op.TargetPath))
			return false
		}
	}
	return true
}

func (m *Manager) record(updateID, kind, detail string) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.Record(updateID, kind, detail); err != nil {
		m.logger.Warn("ledger record failed",
			slog.String("update_id", updateID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
}

func validateDomains(domains []string) error {
	if len(domains) == 0 {
		return ErrNoDomains
	}
	seen := make(map[string]bool, len(domains))
	for _, d := range domains {
		clean := filepath.Clean(d)
		switch {
		case d == "" || clean == ".":
			return fmt.Errorf("%w: empty name", ErrInvalidDomain)
		case filepath.IsAbs(d):
			return fmt.Errorf("%w: %q is absolute", ErrInvalidDomain, d)
		case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
			return fmt.Errorf("%w: %q escapes the context base", ErrInvalidDomain, d)
		case seen[clean]:
			return fmt.Errorf("%w: %q listed twice", ErrInvalidDomain, d)
		}
		seen[clean] = true
	}
	return nil
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
