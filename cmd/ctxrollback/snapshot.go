package main

import (
	"fmt"

	"github.com/lucidwonk/ctxrollback/internal/mcptools"
	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <update-id> <domain> [domain...]",
	Short: "Snapshot every affected domain before a holistic update",
	Long: "Capture the .context tree of each named domain under --context-base and persist it as one " +
		"rollback transaction keyed by update-id.",
	Args: cobra.MinimumNArgs(2),
	RunE: runSnapshot,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <update-id>",
	Short: "Restore every domain of a transaction atomically",
	Long: "Restore each snapshotted file and delete files created since the snapshot, in one atomic batch. " +
		"Exits non-zero when the rollback does not complete.",
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

var validateCmd = &cobra.Command{
	Use:   "validate <update-id>",
	Short: "Check that stored rollback data is complete and well-formed",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runSnapshot(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	tx, err := a.Rollback.CreateHolisticSnapshot(ctx, args[0], args[1:], a.Config.ContextPath())
	if err != nil {
		fmt.Println(styleError.Render(fmt.Sprintf("[SNAPSHOT] %s: %v", args[0], err)))
		return fmt.Errorf("snapshot failed: %w", err)
	}

	fmt.Println(styleSuccess.Render(fmt.Sprintf("[SNAPSHOT] %s captured %d domain(s)", tx.UpdateID, len(tx.AffectedDomains))))
	fmt.Println(renderMarkdown(mcptools.FormatTransaction(tx)))
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.Rollback.ExecuteHolisticRollback(ctx, args[0]) {
		fmt.Println(styleError.Render(fmt.Sprintf("[ROLLBACK] %s did not complete; the filesystem is unchanged", args[0])))
		return fmt.Errorf("rollback %s failed", args[0])
	}

	tx, err := a.Rollback.LoadTransaction(args[0])
	if err != nil {
		return err
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("[ROLLBACK] %s restored %d domain(s)", tx.UpdateID, len(tx.AffectedDomains))),
		renderStatus(string(tx.Status)))
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.Rollback.ValidateRollbackData(args[0]) {
		fmt.Println(styleError.Render(fmt.Sprintf("[VALIDATE] %s: invalid", args[0])))
		return fmt.Errorf("rollback data for %s is invalid", args[0])
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("[VALIDATE] %s: valid", args[0])))
	return nil
}
