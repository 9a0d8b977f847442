// Package retention removes rollback records once they are no longer worth
// keeping.
//
// Four strategies run over the rollback store: age, pending count, failed
// age and, when the policy is aggressive, terminal records regardless of age.
// A record whose transaction lock is held (a rollback is in flight) is
// skipped, never removed. Per-record failures are collected into the sweep
// result; a sweep never aborts part way.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/ledger"
	"github.com/lucidwonk/ctxrollback/internal/metrics"
	"github.com/lucidwonk/ctxrollback/internal/rollback"
)

// Cleanup triggers. TriggerManual is always honoured.
const (
	TriggerManual      = "manual"
	TriggerStartup     = "startup"
	TriggerFullReindex = "full-reindex"
)

// Strategy names, used in logs, ledger details and metric labels.
const (
	StrategyAge        = "age"
	StrategyCount      = "count"
	StrategyFailed     = "failed"
	StrategyAggressive = "aggressive"
)

// Policy defines retention rules.
type Policy struct {
	MaxAgeHours       int      `json:"maxAgeHours"`
	MaxCount          int      `json:"maxCount"`
	FailedMaxAgeHours int      `json:"failedMaxAgeHours"`
	Triggers          []string `json:"cleanupTriggers"`
	Aggressive        bool     `json:"aggressiveCleanup"`
	DryRun            bool     `json:"dryRun,omitempty"` // report without deleting
}

// DefaultPolicy returns the default retention policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAgeHours:       24,
		MaxCount:          10,
		FailedMaxAgeHours: 1,
		Triggers:          []string{TriggerFullReindex, TriggerStartup},
	}
}

// PolicyFromConfig maps the retention section of the config file.
func PolicyFromConfig(rc config.RetentionConfig) Policy {
	return Policy{
		MaxAgeHours:       rc.MaxAgeHours,
		MaxCount:          rc.MaxCount,
		FailedMaxAgeHours: rc.FailedMaxAgeHours,
		Triggers:          append([]string(nil), rc.Triggers...),
		Aggressive:        rc.Aggressive,
	}
}

// Result tracks what one strategy did.
type Result struct {
	Removed []string
	// Skipped holds records left alone because their lock was held.
	Skipped []string
	Errors  []error
}

func (r *Result) merge(o Result) {
	r.Removed = append(r.Removed, o.Removed...)
	r.Skipped = append(r.Skipped, o.Skipped...)
	r.Errors = append(r.Errors, o.Errors...)
}

// Summary is the outcome of an automatic sweep.
type Summary struct {
	RemovedCount   int            `json:"removedCount"`
	Removed        []string       `json:"removed,omitempty"`
	Skipped        []string       `json:"skipped,omitempty"`
	Errors         []string       `json:"errors"`
	ByStrategy     map[string]int `json:"byStrategy"`
	CleanupTrigger string         `json:"cleanupTrigger"`
	ExecutionTime  time.Duration  `json:"executionTime"`
	DryRun         bool           `json:"dryRun,omitempty"`
	FinishedAt     time.Time      `json:"finishedAt"`
}

// Manager runs retention sweeps. Sweeps are serialized.
type Manager struct {
	stateDir string
	store    rollback.Store
	policy   Policy
	locks    *filelock.Manager
	recorder rollback.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	planned map[string]bool // dry-run removals of the running sweep

	lastMu    sync.Mutex
	lastSweep *Summary

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

func WithLocks(l *filelock.Manager) Option { return func(m *Manager) { m.locks = l } }

func WithRecorder(r rollback.Recorder) Option { return func(m *Manager) { m.recorder = r } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New creates a Manager. When the policy lists the startup trigger, an
// automatic sweep starts in the background; its failures are logged only.
// Use Wait to block until it finishes and Close to cancel it.
func New(stateDir string, store rollback.Store, policy Policy, opts ...Option) *Manager {
	m := &Manager{
		stateDir: stateDir,
		store:    store,
		policy:   policy,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.logger = m.logger.With(slog.String("component", "retention"))
	if m.locks == nil {
		m.locks = filelock.NewManager()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if m.HasTrigger(TriggerStartup) {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("startup cleanup panicked", slog.Any("panic", r))
				}
			}()
			s := m.PerformAutomaticCleanup(m.ctx, TriggerStartup)
			if len(s.Errors) > 0 {
				m.logger.Error("startup cleanup finished with errors",
					slog.Int("removed", s.RemovedCount),
					slog.Int("errors", len(s.Errors)),
				)
			}
		}()
	}
	return m
}

// Wait blocks until background sweeps started by New have finished.
func (m *Manager) Wait() { m.wg.Wait() }

// Close cancels background sweeps and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Policy returns the configured policy.
func (m *Manager) Policy() Policy { return m.policy }

// HasTrigger reports whether trigger is configured.
func (m *Manager) HasTrigger(trigger string) bool {
	return slices.Contains(m.policy.Triggers, trigger)
}

// TriggerCleanup runs an automatic sweep when trigger is configured or is
// TriggerManual. Other triggers are ignored and return ok=false.
func (m *Manager) TriggerCleanup(ctx context.Context, trigger string) (Summary, bool) {
	if trigger != TriggerManual && !m.HasTrigger(trigger) {
		m.logger.Debug("cleanup trigger not configured, ignoring", slog.String("trigger", trigger))
		return Summary{}, false
	}
	return m.PerformAutomaticCleanup(ctx, trigger), true
}

// PerformAutomaticCleanup runs the age, count and failed strategies in
// order, then the aggressive strategy when enabled.
func (m *Manager) PerformAutomaticCleanup(ctx context.Context, trigger string) Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	s := Summary{
		CleanupTrigger: trigger,
		ByStrategy:     map[string]int{},
		DryRun:         m.policy.DryRun,
	}
	var total Result
	if m.policy.DryRun {
		m.planned = map[string]bool{}
		defer func() { m.planned = nil }()
	}

	type step struct {
		name string
		run  func() Result
	}
	steps := []step{
		{StrategyAge, func() Result { return m.cleanupByAge(ctx, m.policy.MaxAgeHours) }},
		{StrategyCount, func() Result { return m.cleanupByCount(ctx, m.policy.MaxCount) }},
		{StrategyFailed, func() Result { return m.cleanupFailed(ctx, m.policy.FailedMaxAgeHours) }},
	}
	if m.policy.Aggressive {
		steps = append(steps, step{StrategyAggressive, func() Result { return m.cleanupAggressive(ctx) }})
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			total.Errors = append(total.Errors, fmt.Errorf("%s: %w", st.name, err))
			break
		}
		r := st.run()
		s.ByStrategy[st.name] = len(r.Removed)
		total.merge(r)
	}
	if !m.policy.DryRun {
		m.pruneLocks()
	}

	s.Removed = total.Removed
	s.RemovedCount = len(total.Removed)
	s.Skipped = total.Skipped
	s.Errors = make([]string, 0, len(total.Errors))
	for _, err := range total.Errors {
		s.Errors = append(s.Errors, err.Error())
	}
	s.ExecutionTime = time.Since(start)
	s.FinishedAt = m.now().UTC()

	m.lastMu.Lock()
	last := s
	m.lastSweep = &last
	m.lastMu.Unlock()

	m.logger.Info("automatic cleanup finished",
		slog.String("trigger", trigger),
		slog.Int("removed", s.RemovedCount),
		slog.Int("skipped", len(s.Skipped)),
		slog.Int("errors", len(s.Errors)),
		slog.Bool("dry_run", s.DryRun),
		slog.Duration("duration", s.ExecutionTime),
	)
	return s
}

// CleanupByAge removes every record older than maxAgeHours, whatever its
// status, and orphan snapshot files older than the same cutoff.
func (m *Manager) CleanupByAge(ctx context.Context, maxAgeHours int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupByAge(ctx, maxAgeHours)
}

// CleanupByCount removes the oldest pending records until at most maxCount
// pending records remain. Completed and failed records are not counted.
func (m *Manager) CleanupByCount(ctx context.Context, maxCount int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupByCount(ctx, maxCount)
}

// CleanupFailedRollbacks removes failed records older than maxAgeHours.
func (m *Manager) CleanupFailedRollbacks(ctx context.Context, maxAgeHours int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupFailed(ctx, maxAgeHours)
}

func (m *Manager) cleanupByAge(ctx context.Context, maxAgeHours int) Result {
	var res Result
	listing, err := m.store.List()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list records: %w", err))
		return res
	}
	cutoff := m.cutoff(maxAgeHours)

	for _, c := range listing.Corrupt {
		res.Errors = append(res.Errors, fmt.Errorf("unreadable state %s: %w", c.UpdateID, c.Err))
	}

	older := func(r *rollback.StateRecord) bool { return r.Timestamp.Before(cutoff) }
	for _, r := range listing.Records {
		if !older(&r) {
			continue
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			return res
		}
		m.remove(r.UpdateID, StrategyAge, older, &res)
	}

	for _, o := range listing.Orphans {
		if !o.ModTime.Before(cutoff) {
			continue
		}
		if !m.policy.DryRun {
			if err := os.Remove(o.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				res.Errors = append(res.Errors, fmt.Errorf("remove orphan snapshot %s: %w", o.UpdateID, err))
				continue
			}
		}
		res.Removed = append(res.Removed, o.UpdateID)
		m.record(o.UpdateID, "orphan snapshot, "+StrategyAge)
	}

	m.observe(StrategyAge, len(res.Removed), len(res.Errors))
	return res
}

func (m *Manager) cleanupByCount(ctx context.Context, maxCount int) Result {
	var res Result
	if maxCount < 0 {
		maxCount = 0
	}
	listing, err := m.store.List()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list records: %w", err))
		return res
	}

	var pending []rollback.StateRecord
	for _, r := range listing.Records {
		if r.Status == rollback.StatusPending {
			pending = append(pending, r)
		}
	}
	excess := len(pending) - maxCount
	if excess <= 0 {
		return res
	}

	isPending := func(r *rollback.StateRecord) bool { return r.Status == rollback.StatusPending }
	for _, r := range pending[:excess] {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}
		m.remove(r.UpdateID, StrategyCount, isPending, &res)
	}

	m.observe(StrategyCount, len(res.Removed), len(res.Errors))
	return res
}

func (m *Manager) cleanupFailed(ctx context.Context, maxAgeHours int) Result {
	var res Result
	listing, err := m.store.List()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list records: %w", err))
		return res
	}
	cutoff := m.cutoff(maxAgeHours)

	oldFailure := func(r *rollback.StateRecord) bool {
		return r.Status == rollback.StatusFailed && r.Timestamp.Before(cutoff)
	}
	for _, r := range listing.Records {
		if !oldFailure(&r) {
			continue
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}
		m.remove(r.UpdateID, StrategyFailed, oldFailure, &res)
	}

	m.observe(StrategyFailed, len(res.Removed), len(res.Errors))
	return res
}

// cleanupAggressive removes completed records and records marked cleanup
// eligible, regardless of age.
func (m *Manager) cleanupAggressive(ctx context.Context) Result {
	var res Result
	listing, err := m.store.List()
	if err != nil {
		res.Errors = append(res.Errors, fmt.Errorf("list records: %w", err))
		return res
	}

	done := func(r *rollback.StateRecord) bool {
		return r.Status == rollback.StatusCompleted || r.CleanupEligible
	}
	for _, r := range listing.Records {
		if !done(&r) {
			continue
		}
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, ctx.Err())
			break
		}
		m.remove(r.UpdateID, StrategyAggressive, done, &res)
	}

	m.observe(StrategyAggressive, len(res.Removed), len(res.Errors))
	return res
}

// remove deletes one transaction under its lock. The record is reloaded
// under the lock and removed only if match still holds for it.
func (m *Manager) remove(updateID, strategy string, match func(*rollback.StateRecord) bool, res *Result) {
	if m.planned[updateID] {
		return
	}
	lockPath := filelock.TransactionPath(m.stateDir, updateID)
	lock, err := m.locks.TryAcquire(lockPath, "cleanup "+updateID)
	if err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			m.logger.Debug("record in use, skipping",
				slog.String("update_id", updateID),
				slog.String("strategy", strategy),
			)
			res.Skipped = append(res.Skipped, updateID)
			return
		}
		res.Errors = append(res.Errors, fmt.Errorf("lock %s: %w", updateID, err))
		return
	}
	defer m.locks.Release(lock)

	st, err := m.store.LoadState(updateID)
	switch {
	case errors.Is(err, rollback.ErrNotFound):
		return
	case err != nil:
		res.Errors = append(res.Errors, fmt.Errorf("reload %s: %w", updateID, err))
		return
	case !match(st):
		return
	}

	if !m.policy.DryRun {
		if err := m.store.Delete(updateID); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("remove %s: %w", updateID, err))
			return
		}
		_ = os.Remove(lockPath)
	}
	res.Removed = append(res.Removed, updateID)
	if m.planned != nil {
		m.planned[updateID] = true
	}
	m.record(updateID, strategy)
	m.logger.Debug("record removed",
		slog.String("update_id", updateID),
		slog.String("strategy", strategy),
		slog.Bool("dry_run", m.policy.DryRun),
	)
}

// pruneLocks removes transaction lock files that no record refers to and no
// one holds.
func (m *Manager) pruneLocks() {
	dir := filepath.Join(m.stateDir, "locks")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".lock") {
			continue
		}
		id := strings.TrimSuffix(name, ".lock")
		if rollback.ValidateUpdateID(id) != nil {
			continue
		}
		if _, err := m.store.LoadState(id); !errors.Is(err, rollback.ErrNotFound) {
			continue
		}
		path := filepath.Join(dir, name)
		if m.locks.IsHeld(path) {
			continue
		}
		_ = os.Remove(path)
	}
}

func (m *Manager) record(updateID, strategy string) {
	if m.recorder == nil || m.policy.DryRun {
		return
	}
	if err := m.recorder.Record(updateID, ledger.KindRecordRemoved, strategy); err != nil {
		m.logger.Warn("ledger record failed",
			slog.String("update_id", updateID),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Manager) observe(strategy string, removed, errs int) {
	if m.policy.DryRun {
		removed = 0
	}
	m.metrics.ObserveCleanup(strategy, removed, errs)
}

func (m *Manager) cutoff(hours int) time.Time {
	return m.now().Add(-time.Duration(hours) * time.Hour)
}
