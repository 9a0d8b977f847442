package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucidwonk/ctxrollback/internal/atomicfs"
	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/ledger"
	"github.com/spf13/cobra"
)

var errLedgerDisabled = errors.New("the ledger is disabled (ledger.enabled: false)")

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "List rollbacks that started but never finished",
	Long:  "Scan the ledger WAL for rollback_started events with no matching completion or failure.",
	Args:  cobra.NoArgs,
	RunE:  runReconcile,
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [update-id]",
	Short: "Show the lifecycle events of a transaction, or the most recent events",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Undo atomic batches interrupted by a crash",
	Long: "Restore the targets of every journaled batch left in the prepared or applying state, clear lock " +
		"records of dead holders, then report interrupted rollbacks.",
	Args: cobra.NoArgs,
	RunE: runRecover,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Number of recent events to show without an update-id")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Ledger == nil {
		return errLedgerDisabled
	}
	orphans, err := a.Ledger.Reconcile()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	printOrphans(orphans)
	return nil
}

func printOrphans(orphans []ledger.Event) {
	if len(orphans) == 0 {
		fmt.Println(styleSuccess.Render("[RECONCILE] No interrupted rollbacks"))
		return
	}
	fmt.Println(styleWarn.Render(fmt.Sprintf("[RECONCILE] %d interrupted rollback(s)", len(orphans))))
	for _, e := range orphans {
		fmt.Printf("  %s %s\n", styleBanner.Render(e.UpdateID), styleDim.Render("started "+e.Timestamp))
	}
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Ledger == nil {
		return errLedgerDisabled
	}
	var events []ledger.Event
	if len(args) == 1 {
		events, err = a.Ledger.History(args[0])
	} else {
		events, err = a.Ledger.Recent(historyLimit)
	}
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println(styleDim.Render("No events recorded."))
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-18s", styleDim.Render(e.Timestamp), e.Kind)
		if len(args) == 0 {
			line += "  " + styleBanner.Render(e.UpdateID)
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	logger := config.NewLogger(cfg.Log, os.Stderr)

	locks := filelock.NewManager()
	executor := atomicfs.New(cfg.StatePath(), locks, logger)
	n, err := executor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if n == 0 {
		fmt.Println(styleSuccess.Render("[RECOVER] No interrupted batches"))
	} else {
		fmt.Println(styleWarn.Render(fmt.Sprintf("[RECOVER] Undid %d interrupted batch(es)", n)))
	}
	if cleared := clearStaleLocks(locks, filepath.Join(cfg.StatePath(), "locks")); cleared > 0 {
		fmt.Println(styleWarn.Render(fmt.Sprintf("[RECOVER] Cleared %d stale lock record(s)", cleared)))
	}

	if !cfg.Ledger.Enabled {
		return nil
	}
	l, err := ledger.Open(cfg.LedgerDBPath(), cfg.LedgerWALPath(), logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	orphans, err := l.Reconcile()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	printOrphans(orphans)
	return nil
}

// clearStaleLocks removes the .meta records of locks in dir whose recorded
// holder has exited and that nobody holds now.
func clearStaleLocks(locks *filelock.Manager, dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	cleared := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if _, err := os.Stat(path + ".meta"); err != nil {
			continue
		}
		if !filelock.IsStale(path) || locks.IsHeld(path) {
			continue
		}
		_ = os.Remove(path + ".meta")
		cleared++
	}
	return cleared
}
