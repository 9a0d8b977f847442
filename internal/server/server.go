// Package server wires every component and creates the MCP server instance.
//
// This is the composition root: it builds the concrete lock manager, atomic
// executor, ledger, metrics, rollback and retention managers and injects
// them into the tools. No business logic lives here, only wiring.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lucidwonk/ctxrollback/internal/atomicfs"
	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/ledger"
	"github.com/lucidwonk/ctxrollback/internal/mcptools"
	"github.com/lucidwonk/ctxrollback/internal/metrics"
	"github.com/lucidwonk/ctxrollback/internal/redact"
	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/lucidwonk/ctxrollback/internal/rollback"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
)

// Version is set at build time via ldflags.
var Version = "dev"

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Locks     *filelock.Manager
	Executor  *atomicfs.Executor
	Ledger    *ledger.Ledger // nil when disabled
	Rollback  *rollback.Manager
	Retention *retention.Manager
}

// Open creates the state directories, recovers interrupted atomic batches
// and builds every manager. policy overrides the configured retention
// policy when non-nil.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, policy *retention.Policy) (*App, error) {
	if logger == nil {
		logger = config.Discard()
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	stateDir := cfg.StatePath()

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
		Locks:    filelock.NewManager(),
	}
	a.Metrics = metrics.New(a.Registry)
	a.Executor = atomicfs.New(stateDir, a.Locks, logger)

	if n, err := a.Executor.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover atomic batches: %w", err)
	} else if n > 0 {
		logger.Warn("undid interrupted atomic batches", slog.Int("batches", n))
	}

	rbOpts := []rollback.Option{
		rollback.WithLocks(a.Locks),
		rollback.WithApplier(a.Executor),
		rollback.WithMetrics(a.Metrics),
		rollback.WithLogger(logger),
	}
	retOpts := []retention.Option{
		retention.WithLocks(a.Locks),
		retention.WithMetrics(a.Metrics),
		retention.WithLogger(logger),
	}
	redactor, err := redact.New(cfg.Redaction)
	if err != nil {
		return nil, err
	}
	if redactor != nil {
		rbOpts = append(rbOpts, rollback.WithScrubber(redactor))
	}
	if cfg.Ledger.Enabled {
		l, err := ledger.Open(cfg.LedgerDBPath(), cfg.LedgerWALPath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open ledger: %w", err)
		}
		a.Ledger = l
		rbOpts = append(rbOpts, rollback.WithRecorder(l))
		retOpts = append(retOpts, retention.WithRecorder(l))
	}

	a.Rollback = rollback.New(stateDir, rbOpts...)

	p := retention.PolicyFromConfig(cfg.Retention)
	if policy != nil {
		p = *policy
	}
	a.Retention = retention.New(stateDir, a.Rollback.Store(), p, retOpts...)
	return a, nil
}

// Close stops background sweeps and closes the ledger. It is safe to call
// more than once.
func (a *App) Close() error {
	if a.Retention != nil {
		a.Retention.Close()
	}
	var err error
	if a.Ledger != nil {
		err = a.Ledger.Close()
		a.Ledger = nil
	}
	return err
}

// Events returns the ledger as an event counter, or nil when disabled.
func (a *App) Events() mcptools.EventCounter {
	if a.Ledger == nil {
		return nil
	}
	return a.Ledger
}

// NewMCPServer registers one tool per rollback operation.
func (a *App) NewMCPServer() *server.MCPServer {
	s := server.NewMCPServer(
		"ctxrollback",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	snapshotTool := mcptools.NewSnapshotTool(a.Rollback, a.Config.ContextPath())
	s.AddTool(snapshotTool.Definition(), snapshotTool.Handle)

	executeTool := mcptools.NewExecuteTool(a.Rollback)
	s.AddTool(executeTool.Definition(), executeTool.Handle)

	pendingTool := mcptools.NewPendingTool(a.Rollback)
	s.AddTool(pendingTool.Definition(), pendingTool.Handle)

	completedTool := mcptools.NewMarkCompletedTool(a.Rollback)
	s.AddTool(completedTool.Definition(), completedTool.Handle)

	failedTool := mcptools.NewMarkFailedTool(a.Rollback)
	s.AddTool(failedTool.Definition(), failedTool.Handle)

	validateTool := mcptools.NewValidateTool(a.Rollback)
	s.AddTool(validateTool.Definition(), validateTool.Handle)

	cleanupTool := mcptools.NewCleanupTool(a.Retention)
	s.AddTool(cleanupTool.Definition(), cleanupTool.Handle)

	statsTool := mcptools.NewStatsTool(a.Retention, a.Events())
	s.AddTool(statsTool.Definition(), statsTool.Handle)

	return s
}

// New opens an App from cfg and returns its MCP server. The returned cleanup
// function is always non-nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*server.MCPServer, func(), error) {
	a, err := Open(ctx, cfg, logger, nil)
	if err != nil {
		return nil, noop, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			a.Logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}
	return a.NewMCPServer(), cleanup, nil
}

func noop() {}

const instructions = `ctxrollback protects multi-domain .context trees during holistic updates.

Workflow:
1. Before changing any domain, call rollback_snapshot with a unique update_id and every domain you will touch.
2. Apply the update.
3. On success call rollback_mark_completed. On failure call rollback_execute to restore every domain atomically;
   a successful rollback completes the transaction. If the rollback itself does not complete, call
   rollback_mark_failed with the reason and escalate.

rollback_pending lists open transactions; rollback_validate checks stored snapshot data; rollback_cleanup and
rollback_stats manage retention.`
