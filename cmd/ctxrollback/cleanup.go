package main

import (
	"fmt"
	"strings"

	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/mcptools"
	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/spf13/cobra"
)

var (
	cleanupTrigger      string
	cleanupDryRun       bool
	cleanupAggressive   bool
	cleanupMaxAge       int
	cleanupMaxCount     int
	cleanupFailedMaxAge int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run the retention sweep over stored rollback data",
	Long: "Remove records older than the age limit, cap the number of pending records and reclaim failed " +
		"records. The sweep runs only for a configured trigger or for 'manual'.",
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupTrigger, "trigger", retention.TriggerManual, "Cleanup trigger (manual, startup, full-reindex)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupAggressive, "aggressive", false, "Also remove every completed and cleanup-eligible record")
	cleanupCmd.Flags().IntVar(&cleanupMaxAge, "max-age", 0, "Remove records older than N hours (0 = config)")
	cleanupCmd.Flags().IntVar(&cleanupMaxCount, "max-count", 0, "Keep at most N pending records (0 = config)")
	cleanupCmd.Flags().IntVar(&cleanupFailedMaxAge, "failed-max-age", 0, "Remove failed records older than N hours (0 = config)")
}

func cleanupPolicy(cfg *config.Config) retention.Policy {
	p := retention.PolicyFromConfig(cfg.Retention)
	if cleanupMaxAge > 0 {
		p.MaxAgeHours = cleanupMaxAge
	}
	if cleanupMaxCount > 0 {
		p.MaxCount = cleanupMaxCount
	}
	if cleanupFailedMaxAge > 0 {
		p.FailedMaxAgeHours = cleanupFailedMaxAge
	}
	p.Aggressive = p.Aggressive || cleanupAggressive
	p.DryRun = cleanupDryRun
	return p
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, cleanupPolicy)
	if err != nil {
		return err
	}
	defer a.Close()

	if cleanupDryRun {
		fmt.Println(styleWarn.Render("[CLEANUP] Dry run, no records will be removed"))
	}

	summary, ran := a.Retention.TriggerCleanup(ctx, cleanupTrigger)
	if !ran {
		fmt.Println(styleDim.Render(fmt.Sprintf("[CLEANUP] Trigger %q is not configured (configured: %s)",
			cleanupTrigger, strings.Join(a.Retention.Policy().Triggers, ", "))))
		return nil
	}

	if summary.RemovedCount == 0 && len(summary.Errors) == 0 {
		fmt.Println(styleSuccess.Render("[CLEANUP] Nothing to clean up"))
	} else {
		verb := "Removed"
		if summary.DryRun {
			verb = "Would remove"
		}
		fmt.Println(styleSuccess.Render(fmt.Sprintf("[CLEANUP] %s %d record(s)", verb, summary.RemovedCount)))
	}
	fmt.Println(renderMarkdown(mcptools.FormatCleanup(summary)))

	if len(summary.Errors) > 0 {
		return fmt.Errorf("cleanup finished with %d error(s)", len(summary.Errors))
	}
	return nil
}
