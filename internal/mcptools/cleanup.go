package mcptools

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/mark3labs/mcp-go/mcp"
)

// EventCounter reports ledger event counts by kind. *ledger.Ledger
// implements it.
type EventCounter interface {
	Counts() (map[string]int, error)
}

// CleanupTool handles the rollback_cleanup MCP tool.
type CleanupTool struct {
	ret *retention.Manager
}

// NewCleanupTool creates a CleanupTool.
func NewCleanupTool(ret *retention.Manager) *CleanupTool {
	return &CleanupTool{ret: ret}
}

// Definition returns the MCP tool definition for rollback_cleanup.
func (t *CleanupTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_cleanup",
		mcp.WithDescription(
			"Run the retention sweep (age, pending count, failed age). The sweep only runs when the trigger is configured "+
				"or is 'manual'.",
		),
		mcp.WithString("trigger",
			mcp.Description("Trigger name, e.g. full-reindex or manual (default: manual)"),
		),
	)
}

// Handle processes the rollback_cleanup tool call.
func (t *CleanupTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	trigger := strings.TrimSpace(req.GetString("trigger", retention.TriggerManual))
	if trigger == "" {
		trigger = retention.TriggerManual
	}

	summary, ran := t.ret.TriggerCleanup(ctx, trigger)
	if !ran {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Trigger `%s` is not configured; nothing was cleaned. Configured: %s",
			trigger, strings.Join(t.ret.Policy().Triggers, ", "))), nil
	}
	return mcp.NewToolResultText(FormatCleanup(summary)), nil
}

// StatsTool handles the rollback_stats MCP tool.
type StatsTool struct {
	ret    *retention.Manager
	events EventCounter
}

// NewStatsTool creates a StatsTool. events may be nil.
func NewStatsTool(ret *retention.Manager, events EventCounter) *StatsTool {
	return &StatsTool{ret: ret, events: events}
}

// Definition returns the MCP tool definition for rollback_stats.
func (t *StatsTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_stats",
		mcp.WithDescription("Show rollback store statistics, the retention policy and the last cleanup sweep."),
	)
}

// Handle processes the rollback_stats tool call.
func (t *StatsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.ret.Statistics()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get stats: %v", err)), nil
	}

	var counts map[string]int
	if t.events != nil {
		if c, err := t.events.Counts(); err == nil {
			counts = c
		}
	}
	return mcp.NewToolResultText(FormatStats(st, counts)), nil
}
