package e2e_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestEnv is an isolated working directory with a config file, a context
// base and a state directory.
type TestEnv struct {
	WorkDir     string
	ContextBase string
	StateDir    string
	T           *testing.T
}

// newTestEnv writes ctxrollback.yaml into a temp working directory. Only the
// full-reindex trigger is configured so no startup sweep races the tests.
func newTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	workDir := t.TempDir()
	env := &TestEnv{
		WorkDir:     workDir,
		ContextBase: filepath.Join(workDir, "ctx"),
		StateDir:    filepath.Join(workDir, "state"),
		T:           t,
	}
	if err := os.MkdirAll(env.ContextBase, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", env.ContextBase, err)
	}

	configContent := `state_dir: state
context_base: ctx
retention:
  max_age_hours: 24
  max_count: 10
  failed_max_age_hours: 1
  triggers: [full-reindex]
log:
  level: error
`
	if err := os.WriteFile(filepath.Join(workDir, "ctxrollback.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("write ctxrollback.yaml: %v", err)
	}
	return env
}

// run executes the compiled binary in the working directory.
func (e *TestEnv) run(args ...string) (stdout, stderr string, exitCode int) {
	e.T.Helper()

	cmd := exec.Command(binPath, args...)
	cmd.Dir = e.WorkDir
	cmd.Env = []string{
		"HOME=" + e.WorkDir,
		"PATH=" + os.Getenv("PATH"),
	}

	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()

	exitCode = 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return outBuf.String(), errBuf.String(), exitCode
}

// contextFile returns the path of name inside domain's .context directory.
func (e *TestEnv) contextFile(domain, name string) string {
	return filepath.Join(e.ContextBase, domain, ".context", name)
}

// writeContext writes a file into domain's .context directory.
func (e *TestEnv) writeContext(domain, name, content string) {
	e.T.Helper()
	path := e.contextFile(domain, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		e.T.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		e.T.Fatalf("write %s: %v", path, err)
	}
}

// readFile returns the contents of path as a string. Fails the test on error.
func (e *TestEnv) readFile(path string) string {
	e.T.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		e.T.Fatalf("readFile(%s): %v", path, err)
	}
	return string(data)
}

// statePath returns the state record path of updateID.
func (e *TestEnv) statePath(updateID string) string {
	return filepath.Join(e.StateDir, "state", updateID+".rollback.json")
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	stdout, stderr, code := env.run("version")
	if code != 0 {
		t.Fatalf("version exited %d; stderr=%s", code, stderr)
	}
	if !strings.Contains(stdout, "ctxrollback") {
		t.Errorf("version output %q missing binary name", stdout)
	}
}
