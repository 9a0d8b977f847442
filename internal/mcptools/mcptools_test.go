package mcptools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lucidwonk/ctxrollback/internal/filelock"
	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/lucidwonk/ctxrollback/internal/rollback"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

type testEnv struct {
	base string
	rb   *rollback.Manager
	ret  *retention.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	state := filepath.Join(root, "state")
	base := filepath.Join(root, "ctx")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "analysis", ".context"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "analysis", ".context", "rules.md"), []byte("A"), 0644))

	rb := rollback.New(state)
	ret := retention.New(state, rb.Store(), retention.Policy{
		MaxAgeHours:       24,
		MaxCount:          10,
		FailedMaxAgeHours: 1,
		Triggers:          []string{retention.TriggerFullReindex},
	})
	t.Cleanup(ret.Close)
	return &testEnv{base: base, rb: rb, ret: ret}
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := handle(context.Background(), makeReq(args))
	require.NoError(t, err, "handlers report failures as tool errors")
	require.NotNil(t, res)
	return res
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		def      mcp.Tool
		name     string
		required []string
	}{
		{NewSnapshotTool(e.rb, e.base).Definition(), "rollback_snapshot", []string{"update_id", "domains"}},
		{NewExecuteTool(e.rb).Definition(), "rollback_execute", []string{"update_id"}},
		{NewPendingTool(e.rb).Definition(), "rollback_pending", nil},
		{NewMarkCompletedTool(e.rb).Definition(), "rollback_mark_completed", []string{"update_id"}},
		{NewMarkFailedTool(e.rb).Definition(), "rollback_mark_failed", []string{"update_id", "reason"}},
		{NewValidateTool(e.rb).Definition(), "rollback_validate", []string{"update_id"}},
		{NewCleanupTool(e.ret).Definition(), "rollback_cleanup", nil},
		{NewStatsTool(e.ret, nil).Definition(), "rollback_stats", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.def.Name)
			assert.NotEmpty(t, tc.def.Description)
			for _, r := range tc.required {
				assert.Contains(t, tc.def.InputSchema.Properties, r)
				assert.Contains(t, tc.def.InputSchema.Required, r)
			}
		})
	}
}

// ─── Snapshot / execute / validate ───────────────────────────────────────────

func TestSnapshotExecuteFlow(t *testing.T) {
	e := newTestEnv(t)
	rules := filepath.Join(e.base, "analysis", ".context", "rules.md")

	res := call(t, NewSnapshotTool(e.rb, e.base).Handle, map[string]any{
		"update_id": "tx1",
		"domains":   "analysis, data",
	})
	require.False(t, res.IsError, resultText(res))
	text := resultText(res)
	assert.Contains(t, text, "`tx1`")
	assert.Contains(t, text, "| analysis |")
	assert.Contains(t, text, "| data |")

	require.NoError(t, os.WriteFile(rules, []byte("A2"), 0644))

	res = call(t, NewExecuteTool(e.rb).Handle, map[string]any{"update_id": "tx1"})
	require.False(t, res.IsError, resultText(res))
	assert.Contains(t, resultText(res), "completed")

	data, err := os.ReadFile(rules)
	require.NoError(t, err)
	assert.Equal(t, "A", string(data))

	res = call(t, NewValidateTool(e.rb).Handle, map[string]any{"update_id": "tx1"})
	assert.Contains(t, resultText(res), "**valid**")
}

func TestSnapshotAcceptsArrayDomains(t *testing.T) {
	e := newTestEnv(t)
	res := call(t, NewSnapshotTool(e.rb, e.base).Handle, map[string]any{
		"update_id": "tx1",
		"domains":   []any{"analysis", " ", "data"},
	})
	require.False(t, res.IsError, resultText(res))

	tx, err := e.rb.LoadTransaction("tx1")
	require.NoError(t, err)
	assert.Equal(t, []string{"analysis", "data"}, tx.AffectedDomains)
}

func TestSnapshotArgumentErrors(t *testing.T) {
	e := newTestEnv(t)
	tool := NewSnapshotTool(e.rb, e.base)

	res := call(t, tool.Handle, map[string]any{"domains": "analysis"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "update_id")

	res = call(t, tool.Handle, map[string]any{"update_id": "tx1", "domains": " , "})
	assert.True(t, res.IsError)

	res = call(t, tool.Handle, map[string]any{"update_id": "a/b", "domains": "analysis"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "invalid update id")
}

func TestExecuteUnknownUpdate(t *testing.T) {
	e := newTestEnv(t)
	res := call(t, NewExecuteTool(e.rb).Handle, map[string]any{"update_id": "ghost"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "did not complete")

	res = call(t, NewValidateTool(e.rb).Handle, map[string]any{"update_id": "ghost"})
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(res), "**invalid**")
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestMarkAndPending(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"one", "two", "three"} {
		_, err := e.rb.CreateHolisticSnapshot(ctx, id, []string{"analysis"}, e.base)
		require.NoError(t, err)
	}

	res := call(t, NewMarkCompletedTool(e.rb).Handle, map[string]any{"update_id": "one"})
	require.False(t, res.IsError, resultText(res))

	res = call(t, NewMarkFailedTool(e.rb).Handle, map[string]any{
		"update_id": "two",
		"reason":    "schema drift",
		"details":   `{"domain":"analysis","attempt":3}`,
	})
	require.False(t, res.IsError, resultText(res))

	st, err := e.rb.Store().LoadState("two")
	require.NoError(t, err)
	assert.Equal(t, "schema drift", st.FailureReason)
	assert.Equal(t, "analysis", st.ContextDetails["domain"])

	res = call(t, NewMarkCompletedTool(e.rb).Handle, map[string]any{"update_id": "two"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "invalid status transition")

	res = call(t, NewMarkCompletedTool(e.rb).Handle, map[string]any{"update_id": "ghost"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "no rollback transaction")

	res = call(t, NewPendingTool(e.rb).Handle, map[string]any{})
	text := resultText(res)
	assert.Contains(t, text, "Pending rollbacks (1)")
	assert.Contains(t, text, "`three`")
	assert.NotContains(t, text, "`one`")

	res = call(t, NewPendingTool(e.rb).Handle, map[string]any{"all": true})
	assert.Contains(t, resultText(res), "Rollback transactions (3)")
}

func TestMarkFailedArgumentErrors(t *testing.T) {
	e := newTestEnv(t)
	tool := NewMarkFailedTool(e.rb)

	res := call(t, tool.Handle, map[string]any{"update_id": "tx1"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "reason")

	res = call(t, tool.Handle, map[string]any{"update_id": "tx1", "reason": "x", "details": "[1,2]"})
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(res), "JSON object")
}

// ─── Cleanup / stats ─────────────────────────────────────────────────────────

type counter map[string]int

func (c counter) Counts() (map[string]int, error) { return c, nil }

func TestCleanupAndStats(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.rb.CreateHolisticSnapshot(context.Background(), "tx1", []string{"analysis"}, e.base)
	require.NoError(t, err)

	res := call(t, NewCleanupTool(e.ret).Handle, map[string]any{"trigger": "file-save"})
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(res), "not configured")

	res = call(t, NewCleanupTool(e.ret).Handle, map[string]any{})
	text := resultText(res)
	assert.Contains(t, text, "trigger `manual`")
	assert.Contains(t, text, "**Removed**: 0")

	res = call(t, NewStatsTool(e.ret, counter{"snapshot_created": 1}).Handle, map[string]any{})
	text = resultText(res)
	assert.Contains(t, text, "**Transactions**: 1")
	assert.Contains(t, text, "pending: 1")
	assert.Contains(t, text, "| snapshot_created | 1 |")
	assert.Contains(t, text, "### Last sweep")
}

func TestFormatCleanupErrors(t *testing.T) {
	out := FormatCleanup(retention.Summary{
		CleanupTrigger: "startup",
		RemovedCount:   2,
		ByStrategy:     map[string]int{"age": 1, "failed": 1},
		Errors:         []string{"remove x: permission denied"},
		Skipped:        []string{"busy"},
		DryRun:         true,
		ExecutionTime:  1500 * time.Microsecond,
	})
	assert.Contains(t, out, "dry run")
	assert.Contains(t, out, "  - age: 1\n  - failed: 1")
	assert.Contains(t, out, "in use")
	assert.Contains(t, out, "### Errors (1)")
	assert.True(t, strings.Contains(out, "1.5ms"))
}

func TestFormatStatsListsHeldLocks(t *testing.T) {
	out := FormatStats(retention.Stats{
		HeldLocks: []filelock.LockInfo{{Path: "/s/locks/tx1.lock", Purpose: "rollback tx1", PID: 42, AcquiredAt: "2026-06-01T12:00:00Z"}},
	}, nil)
	assert.Contains(t, out, "### Locks held")
	assert.Contains(t, out, "- rollback tx1 (pid 42, since 2026-06-01T12:00:00Z)")

	assert.NotContains(t, FormatStats(retention.Stats{}, nil), "Locks held")
}

func TestHumanBytes(t *testing.T) {
	assert.Equal(t, "512 B", humanBytes(512))
	assert.Equal(t, "1.5 KiB", humanBytes(1536))
	assert.Equal(t, "2.0 MiB", humanBytes(2*1024*1024))
}
