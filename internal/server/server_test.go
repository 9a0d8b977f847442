package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/lucidwonk/ctxrollback/internal/config"
	"github.com/lucidwonk/ctxrollback/internal/ledger"
	"github.com/lucidwonk/ctxrollback/internal/retention"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.StateDir = filepath.Join(root, "state")
	cfg.ContextBase = filepath.Join(root, "ctx")
	cfg.Retention.Triggers = []string{retention.TriggerFullReindex}
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.ContextBase, "analysis", ".context"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.ContextBase, "analysis", ".context", "rules.md"), []byte("A"), 0644))
	return cfg
}

func TestOpenWiresLedger(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Ledger)
	assert.NotNil(t, a.Events())
	assert.DirExists(t, filepath.Join(cfg.StateDir, "atomic"))

	_, err = a.Rollback.CreateHolisticSnapshot(ctx, "tx1", []string{"analysis"}, cfg.ContextBase)
	require.NoError(t, err)
	require.True(t, a.Rollback.ExecuteHolisticRollback(ctx, "tx1"))

	history, err := a.Ledger.History("tx1")
	require.NoError(t, err)
	var kinds []string
	for _, e := range history {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{
		ledger.KindSnapshotCreated,
		ledger.KindRollbackStarted,
		ledger.KindMarkedCompleted,
		ledger.KindRollbackCompleted,
	}, kinds)

	orphans, err := a.Ledger.Reconcile()
	require.NoError(t, err)
	assert.Empty(t, orphans)

	assert.NotNil(t, a.NewMCPServer())
}

func TestOpenWithoutLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ledger.Enabled = false

	a, err := Open(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Ledger)
	assert.Nil(t, a.Events(), "a disabled ledger must not become a non-nil interface")
	assert.NoFileExists(t, cfg.LedgerDBPath())
}

func TestOpenPolicyOverride(t *testing.T) {
	cfg := testConfig(t)
	p := retention.DefaultPolicy()
	p.DryRun = true
	p.Triggers = nil

	a, err := Open(context.Background(), cfg, nil, &p)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.Retention.Policy().DryRun)
}

func TestOpenRedactsFailureReasons(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	a, err := Open(ctx, cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Rollback.CreateHolisticSnapshot(ctx, "tx1", []string{"analysis"}, cfg.ContextBase)
	require.NoError(t, err)
	require.NoError(t, a.Rollback.MarkRollbackFailed(ctx, "tx1", errors.New("push failed: api_key=abc123"), nil))

	st, err := a.Rollback.Store().LoadState("tx1")
	require.NoError(t, err)
	assert.Equal(t, "push failed: api_key=[REDACTED]", st.FailureReason)
}

func TestOpenRejectsBadRedactionPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redaction.Patterns = []string{"("}
	_, err := Open(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

func TestCloseTwice(t *testing.T) {
	a, err := Open(context.Background(), testConfig(t), nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}

func TestNewReturnsCleanup(t *testing.T) {
	s, cleanup, err := New(context.Background(), testConfig(t), nil)
	require.NoError(t, err)
	require.NotNil(t, cleanup)
	assert.NotNil(t, s)
	cleanup()
}
