package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucidwonk/ctxrollback/internal/server"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ctxrollback",
	Short: "Holistic snapshot and rollback for multi-domain .context trees",
	Long: "ctxrollback snapshots every affected .context domain before a holistic update and restores " +
		"them atomically when the update fails. It also runs as an MCP server over stdio.",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ctxrollback %s\n", server.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ./ctxrollback.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "Directory holding rollback state")
	rootCmd.PersistentFlags().StringVar(&flagContextBase, "context-base", "", "Directory holding the domain folders")

	rootCmd.AddCommand(
		versionCmd,
		snapshotCmd,
		rollbackCmd,
		pendingCmd,
		listCmd,
		markCompletedCmd,
		markFailedCmd,
		validateCmd,
		cleanupCmd,
		statsCmd,
		reconcileCmd,
		historyCmd,
		recoverCmd,
		serveCmd,
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
