package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lucidwonk/ctxrollback/internal/mcptools"
	"github.com/spf13/cobra"
)

var (
	listJSON      bool
	failedReason  string
	failedDetails string
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending rollback transactions, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var listCmd = &cobra.Command{
	Use:   "list [update-id]",
	Short: "List every transaction, or show one in detail",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runList,
}

var markCompletedCmd = &cobra.Command{
	Use:   "mark-completed <update-id>",
	Short: "Mark a transaction completed after its update succeeded",
	Args:  cobra.ExactArgs(1),
	RunE:  runMarkCompleted,
}

var markFailedCmd = &cobra.Command{
	Use:   "mark-failed <update-id>",
	Short: "Mark a transaction failed and make it eligible for cleanup",
	Args:  cobra.ExactArgs(1),
	RunE:  runMarkFailed,
}

func init() {
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print the raw transaction as JSON")
	markFailedCmd.Flags().StringVar(&failedReason, "reason", "", "What went wrong (required)")
	markFailedCmd.Flags().StringVar(&failedDetails, "details", "", "JSON object of diagnostic values")
	_ = markFailedCmd.MarkFlagRequired("reason")
}

func runPending(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	pending, err := a.Rollback.GetPendingRollbacks()
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		fmt.Println(styleDim.Render("No pending rollbacks."))
		return nil
	}
	fmt.Println(renderMarkdown(mcptools.FormatSummaries("Pending rollbacks", pending)))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		tx, err := a.Rollback.LoadTransaction(args[0])
		if err != nil {
			return err
		}
		if listJSON {
			data, err := json.MarshalIndent(tx, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Println(renderMarkdown(mcptools.FormatTransaction(tx)))
		return nil
	}

	all, err := a.Rollback.ListTransactions()
	if err != nil {
		return fmt.Errorf("list transactions: %w", err)
	}
	if len(all) == 0 {
		fmt.Println(styleDim.Render("No rollback transactions."))
		return nil
	}
	for _, s := range all {
		fmt.Printf("%s %s %s %v\n",
			renderStatus(string(s.Status)),
			styleBanner.Render(s.UpdateID),
			styleDim.Render(s.Timestamp.Format("2006-01-02 15:04:05")),
			s.AffectedDomains,
		)
	}
	return nil
}

func runMarkCompleted(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Rollback.MarkRollbackCompleted(ctx, args[0]); err != nil {
		return fmt.Errorf("mark %s completed: %w", args[0], err)
	}
	fmt.Println(styleSuccess.Render(fmt.Sprintf("[MARK] %s", args[0])), renderStatus("completed"))
	return nil
}

func runMarkFailed(cmd *cobra.Command, args []string) error {
	var details map[string]any
	if failedDetails != "" {
		if err := json.Unmarshal([]byte(failedDetails), &details); err != nil {
			return fmt.Errorf("--details must be a JSON object: %w", err)
		}
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Rollback.MarkRollbackFailed(ctx, args[0], errors.New(failedReason), details); err != nil {
		return fmt.Errorf("mark %s failed: %w", args[0], err)
	}
	fmt.Println(styleWarn.Render(fmt.Sprintf("[MARK] %s: %s", args[0], failedReason)), renderStatus("failed"))
	return nil
}
