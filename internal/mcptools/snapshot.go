package mcptools

import (
	"context"
	"fmt"

	"github.com/lucidwonk/ctxrollback/internal/rollback"
	"github.com/mark3labs/mcp-go/mcp"
)

// SnapshotTool handles the rollback_snapshot MCP tool.
type SnapshotTool struct {
	mgr         *rollback.Manager
	contextBase string
}

// NewSnapshotTool creates a SnapshotTool. contextBase is used when the
// request does not name one.
func NewSnapshotTool(mgr *rollback.Manager, contextBase string) *SnapshotTool {
	return &SnapshotTool{mgr: mgr, contextBase: contextBase}
}

// Definition returns the MCP tool definition for rollback_snapshot.
func (t *SnapshotTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_snapshot",
		mcp.WithDescription(
			"Capture every file under <base>/<domain>/.context for each affected domain before a holistic update. "+
				"The snapshot is persisted and can be restored with rollback_execute.",
		),
		mcp.WithString("update_id",
			mcp.Required(),
			mcp.Description("Unique identifier of the holistic update (used as a file name, no path separators)"),
		),
		mcp.WithString("domains",
			mcp.Required(),
			mcp.Description("Comma separated domain names, e.g. 'analysis,data'"),
		),
		mcp.WithString("context_base",
			mcp.Description("Directory containing the domain directories (default: server context base)"),
		),
	)
}

// Handle processes the rollback_snapshot tool call.
func (t *SnapshotTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updateID := req.GetString("update_id", "")
	if updateID == "" {
		return mcp.NewToolResultError("'update_id' is required"), nil
	}
	domains := listArg(req, "domains")
	if len(domains) == 0 {
		return mcp.NewToolResultError("'domains' must name at least one domain"), nil
	}
	base := req.GetString("context_base", t.contextBase)

	tx, err := t.mgr.CreateHolisticSnapshot(ctx, updateID, domains, base)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create snapshot: %v", err)), nil
	}
	return mcp.NewToolResultText(FormatTransaction(tx)), nil
}

// ExecuteTool handles the rollback_execute MCP tool.
type ExecuteTool struct {
	mgr *rollback.Manager
}

// NewExecuteTool creates an ExecuteTool.
func NewExecuteTool(mgr *rollback.Manager) *ExecuteTool {
	return &ExecuteTool{mgr: mgr}
}

// Definition returns the MCP tool definition for rollback_execute.
func (t *ExecuteTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_execute",
		mcp.WithDescription(
			"Restore every domain of an update to its snapshot in one atomic batch. Files added since the snapshot are deleted. "+
				"Either all domains are restored or none are.",
		),
		mcp.WithString("update_id",
			mcp.Required(),
			mcp.Description("Identifier passed to rollback_snapshot"),
		),
	)
}

// Handle processes the rollback_execute tool call.
func (t *ExecuteTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updateID := req.GetString("update_id", "")
	if updateID == "" {
		return mcp.NewToolResultError("'update_id' is required"), nil
	}

	if !t.mgr.ExecuteHolisticRollback(ctx, updateID) {
		return mcp.NewToolResultError(fmt.Sprintf(
			"rollback of %q did not complete; the context tree is unchanged. Check the server log, then retry or escalate.", updateID)), nil
	}

	tx, err := t.mgr.LoadTransaction(updateID)
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("Rollback of `%s` applied.", updateID)), nil
	}
	return mcp.NewToolResultText("Rollback applied.\n\n" + FormatTransaction(tx)), nil
}

// ValidateTool handles the rollback_validate MCP tool.
type ValidateTool struct {
	mgr *rollback.Manager
}

// NewValidateTool creates a ValidateTool.
func NewValidateTool(mgr *rollback.Manager) *ValidateTool {
	return &ValidateTool{mgr: mgr}
}

// Definition returns the MCP tool definition for rollback_validate.
func (t *ValidateTool) Definition() mcp.Tool {
	return mcp.NewTool("rollback_validate",
		mcp.WithDescription("Check that the snapshot of an update loads and that every captured path is absolute."),
		mcp.WithString("update_id",
			mcp.Required(),
			mcp.Description("Identifier passed to rollback_snapshot"),
		),
	)
}

// Handle processes the rollback_validate tool call.
func (t *ValidateTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	updateID := req.GetString("update_id", "")
	if updateID == "" {
		return mcp.NewToolResultError("'update_id' is required"), nil
	}
	if !t.mgr.ValidateRollbackData(updateID) {
		return mcp.NewToolResultText(fmt.Sprintf("Rollback data for `%s` is **invalid** or missing.", updateID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rollback data for `%s` is **valid**.", updateID)), nil
}
