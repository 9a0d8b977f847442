package main

import (
	"encoding/json"
	"fmt"

	"github.com/lucidwonk/ctxrollback/internal/mcptools"
	"github.com/lucidwonk/ctxrollback/internal/metrics"
	"github.com/spf13/cobra"
)

var statsFormat string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show rollback store statistics and process metrics",
	Long:  "Summarise stored transactions by status, snapshot payload size, the retention policy, ledger event counts and the metrics of this process.",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "human", "Output format: human or jsonl")
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	// Let a configured startup sweep finish so the numbers reflect it.
	a.Retention.Wait()

	st, err := a.Retention.Statistics()
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	var counts map[string]int
	if a.Ledger != nil {
		if counts, err = a.Ledger.Counts(); err != nil {
			return fmt.Errorf("stats: %w", err)
		}
	}

	collected, err := metrics.Flatten(a.Registry)
	if err != nil {
		return fmt.Errorf("metrics collection failed: %w", err)
	}

	switch statsFormat {
	case "jsonl":
		line, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("format error: %w", err)
		}
		fmt.Println(string(line))
		output, fmtErr := metrics.FormatJSONL(collected)
		if fmtErr != nil {
			return fmt.Errorf("format error: %w", fmtErr)
		}
		fmt.Print(output)
	default:
		fmt.Println(renderMarkdown(mcptools.FormatStats(st, counts)))
		fmt.Println()
		fmt.Print(metrics.FormatHuman(collected))
	}
	return nil
}
