package mcptools

import (
	"context"
	"errors"
	"fmt"

	"github.com/lucidwonk/ctxrollback/internal/rollback"
	"github.com/mark3labs/mcp-go/mcp"
)

// PendingTool handles the rollback_pending MCP tool.
type PendingTool struct {
	mgr *rollback.Manager
}

// NewPendingTool creates a PendingTool.
func NewPendingTool(mgr *rollback.Manager) *PendingTool {
	return &PendingTool{mgr: mgr}
}

// Definition returns the MCP tool definition for rollback_pending.
func (t *PendingTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_pending",
		mcp.WithDescription("List rollback transactions that are still pending, oldest first."),
		mcp.WithBoolean("all",
			mcp.Description("List every transaction, not only pending ones (default: false)"),
		),
	)
}

// Handle processes the rollback_pending tool call.
func (t *PendingTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if boolArg(req, "all", false) {
		all, err := t.mgr.ListTransactions()
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list transactions: %v", err)), nil
		}
		return mcp.NewToolResultText(FormatSummaries("Rollback transactions", all)), nil
	}

	pending, err := t.mgr.GetPendingRollbacks()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list pending rollbacks: %v", err)), nil
	}
	return mcp.NewToolResultText(FormatSummaries("Pending rollbacks", pending)), nil
}

// MarkCompletedTool handles the rollback_mark_completed MCP tool.
type MarkCompletedTool struct {
	mgr *rollback.Manager
}

// NewMarkCompletedTool creates a MarkCompletedTool.
func NewMarkCompletedTool(mgr *rollback.Manager) *MarkCompletedTool {
	return &MarkCompletedTool{mgr: mgr}
}

// Definition returns the MCP tool definition for rollback_mark_completed.
func (t *MarkCompletedTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_mark_completed",
		mcp.WithDescription("Mark a pending transaction completed once its holistic update has succeeded."),
		mcp.WithString("update_id",
			mcp.Required(),
			mcp.Description("Identifier passed to rollback_snapshot"),
		),
	)
}

// Handle processes the rollback_mark_completed tool call.
func (t *MarkCompletedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updateID := req.GetString("update_id", "")
	if updateID == "" {
		return mcp.NewToolResultError("'update_id' is required"), nil
	}
	if err := t.mgr.MarkRollbackCompleted(ctx, updateID); err != nil {
		return mcp.NewToolResultError(markError(updateID, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Transaction `%s` marked **completed**.", updateID)), nil
}

// MarkFailedTool handles the rollback_mark_failed MCP tool.
type MarkFailedTool struct {
	mgr *rollback.Manager
}

// NewMarkFailedTool creates a MarkFailedTool.
func NewMarkFailedTool(mgr *rollback.Manager) *MarkFailedTool {
	return &MarkFailedTool{mgr: mgr}
}

// Definition returns the MCP tool definition for rollback_mark_failed.
func (t *MarkFailedTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_mark_failed",
		mcp.WithDescription(
			"Mark a pending transaction failed with a reason and optional diagnostic details. "+
				"Failed transactions are reclaimed by retention after a short grace period.",
		),
		mcp.WithString("update_id",
			mcp.Required(),
			mcp.Description("Identifier passed to rollback_snapshot"),
		),
		mcp.WithString("reason",
			mcp.Required(),
			mcp.Description("What went wrong"),
		),
		mcp.WithString("details",
			mcp.Description("Optional JSON object of diagnostic values (strings, numbers, booleans)"),
		),
	)
}

// Handle processes the rollback_mark_failed tool call.
func (t *MarkFailedTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updateID := req.GetString("update_id", "")
	if updateID == "" {
		return mcp.NewToolResultError("'update_id' is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("'reason' is required"), nil
	}
	details, err := detailsArg(req, "details")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := t.mgr.MarkRollbackFailed(ctx, updateID, errors.New(reason), details); err != nil {
		return mcp.NewToolResultError(markError(updateID, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Transaction `%s` marked **failed**: %s", updateID, reason)), nil
}

func markError(updateID string, err error) string {
	switch {
	case errors.Is(err, rollback.ErrNotFound):
		return fmt.Sprintf("no rollback transaction %q", updateID)
	case errors.Is(err, rollback.ErrInvalidTransition):
		return err.Error()
	default:
		return fmt.Sprintf("failed to update %q: %v", updateID, err)
	}
}
