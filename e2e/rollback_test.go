package e2e_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRollbackRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.writeContext("analysis", "rules.md", "A")
	env.writeContext("data", "schema.md", "S")

	stdout, stderr, code := env.run("snapshot", "tx1", "analysis", "data")
	require.Equal(t, 0, code, "snapshot should exit 0; stderr=%s", stderr)
	assert.Contains(t, stdout, "[SNAPSHOT] tx1 captured 2 domain(s)")
	assert.FileExists(t, env.statePath("tx1"))

	env.writeContext("analysis", "rules.md", "A2")
	env.writeContext("analysis", "new.md", "N")

	stdout, stderr, code = env.run("rollback", "tx1")
	require.Equal(t, 0, code, "rollback should exit 0; stdout=%s stderr=%s", stdout, stderr)
	assert.Contains(t, stdout, "[ROLLBACK] tx1 restored 2 domain(s)")
	assert.Contains(t, stdout, "[completed]")

	assert.Equal(t, "A", env.readFile(env.contextFile("analysis", "rules.md")))
	assert.Equal(t, "S", env.readFile(env.contextFile("data", "schema.md")))
	assert.NoFileExists(t, env.contextFile("analysis", "new.md"))

	stdout, _, code = env.run("pending")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "No pending rollbacks.")

	stdout, _, code = env.run("list")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "[completed]")
	assert.Contains(t, stdout, "tx1")
}

func TestSnapshotRejectsDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.writeContext("analysis", "rules.md", "A")

	_, stderr, code := env.run("snapshot", "tx1", "analysis")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	stdout, _, code := env.run("snapshot", "tx1", "analysis")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stdout, "[SNAPSHOT] tx1")
}

func TestRollbackUnknownUpdate(t *testing.T) {
	env := newTestEnv(t)

	stdout, _, code := env.run("rollback", "ghost")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stdout, "did not complete")
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t)
	env.writeContext("analysis", "rules.md", "A")
	_, stderr, code := env.run("snapshot", "tx1", "analysis")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	stdout, _, code := env.run("validate", "tx1")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "[VALIDATE] tx1: valid")

	stdout, _, code = env.run("validate", "ghost")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stdout, "invalid")
}

func TestMarkFailedThenCompletedRejected(t *testing.T) {
	env := newTestEnv(t)
	env.writeContext("analysis", "rules.md", "A")
	_, stderr, code := env.run("snapshot", "tx1", "analysis")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	stdout, stderr, code := env.run("mark-failed", "tx1", "--reason", "schema drift", "--details", `{"attempt":2}`)
	require.Equal(t, 0, code, "stderr=%s", stderr)
	assert.Contains(t, stdout, "[failed]")

	stdout, _, code = env.run("list", "tx1", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"failureReason": "schema drift"`)
	assert.Contains(t, stdout, `"cleanupEligible": true`)

	_, stderr, code = env.run("mark-completed", "tx1")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stderr, "invalid status transition")

	_, stderr, code = env.run("mark-failed", "tx1", "--reason", "x", "--details", "[1]")
	assert.NotEqual(t, 0, code)
	assert.Contains(t, stderr, "JSON object")
}

func TestStateDirFlagOverridesConfig(t *testing.T) {
	env := newTestEnv(t)
	env.writeContext("analysis", "rules.md", "A")
	other := t.TempDir()

	_, stderr, code := env.run("--state-dir", other, "snapshot", "tx1", "analysis")
	require.Equal(t, 0, code, "stderr=%s", stderr)

	assert.FileExists(t, other+"/state/tx1.rollback.json")
	assert.NoFileExists(t, env.statePath("tx1"))
}
