package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shell programs keep the tests independent of a python install.
func newShellRunner(t *testing.T, timeout time.Duration) (*Runner, string) {
	t.Helper()
	workRoot := t.TempDir()
	return NewRunner(Config{
		Interpreter: []string{"sh"},
		OutputFile:  "output.png",
		WorkRoot:    workRoot,
		Timeout:     timeout,
	}), workRoot
}

func assertWorkRootEmpty(t *testing.T, workRoot string) {
	t.Helper()
	entries, err := os.ReadDir(workRoot)
	require.NoError(t, err)
	assert.Empty(t, entries, "sandbox workdir should be removed after execution")
}

func TestExecuteSuccess(t *testing.T) {
	runner, workRoot := newShellRunner(t, 10*time.Second)
	dest := filepath.Join(t.TempDir(), "artifact.png")

	result, err := runner.Execute(context.Background(), "printf 'fake-png' > output.png", dest)
	require.NoError(t, err)

	assert.Equal(t, Success, result.Status)
	assert.Equal(t, dest, result.ArtifactPath)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "fake-png", string(data))

	assertWorkRootEmpty(t, workRoot)
}

func TestExecuteRuntimeError(t *testing.T) {
	runner, workRoot := newShellRunner(t, 10*time.Second)
	dest := filepath.Join(t.TempDir(), "artifact.png")

	result, err := runner.Execute(context.Background(), "echo boom >&2; exit 3", dest)
	require.NoError(t, err)

	assert.Equal(t, RuntimeError, result.Status)
	assert.Contains(t, result.Stderr, "boom")
	assert.Empty(t, result.ArtifactPath)
	assert.NoFileExists(t, dest)

	assertWorkRootEmpty(t, workRoot)
}

func TestExecuteNoOutput(t *testing.T) {
	runner, workRoot := newShellRunner(t, 10*time.Second)
	dest := filepath.Join(t.TempDir(), "artifact.png")

	result, err := runner.Execute(context.Background(), "true", dest)
	require.NoError(t, err)

	assert.Equal(t, NoOutput, result.Status)
	assert.Empty(t, result.ArtifactPath)
	assert.NoFileExists(t, dest)

	assertWorkRootEmpty(t, workRoot)
}

func TestExecuteEmptyArtifactIsNoOutput(t *testing.T) {
	runner, _ := newShellRunner(t, 10*time.Second)
	dest := filepath.Join(t.TempDir(), "artifact.png")

	result, err := runner.Execute(context.Background(), ": > output.png", dest)
	require.NoError(t, err)

	assert.Equal(t, NoOutput, result.Status)
}

func TestExecuteTimeout(t *testing.T) {
	runner, workRoot := newShellRunner(t, 300*time.Millisecond)
	dest := filepath.Join(t.TempDir(), "artifact.png")

	start := time.Now()
	result, err := runner.Execute(context.Background(), "sleep 10; printf 'x' > output.png", dest)
	require.NoError(t, err)

	assert.Equal(t, Timeout, result.Status)
	assert.Less(t, time.Since(start), 5*time.Second, "timeout should kill the process group promptly")
	assert.Empty(t, result.ArtifactPath)
	assert.NoFileExists(t, dest)

	assertWorkRootEmpty(t, workRoot)
}

func TestExecuteMixedRunsCleanUp(t *testing.T) {
	runner, workRoot := newShellRunner(t, 100*time.Millisecond)
	dest := t.TempDir()

	// Success, runtime error, timeout, no output; cycled to 100 runs.
	programs := []string{
		"printf 'ok' > output.png",
		"exit 1",
		"sleep 10",
		"true",
	}
	for i := 0; i < 100; i++ {
		program := programs[i%len(programs)]
		_, err := runner.Execute(context.Background(), program, filepath.Join(dest, "a.png"))
		require.NoError(t, err, "run %d (%s)", i, program)
	}

	assertWorkRootEmpty(t, workRoot)
}

func TestExecuteEmptyProgram(t *testing.T) {
	runner, _ := newShellRunner(t, time.Second)

	_, err := runner.Execute(context.Background(), "   \n", filepath.Join(t.TempDir(), "a.png"))
	assert.Error(t, err)
}

func TestExecuteMissingDest(t *testing.T) {
	runner, _ := newShellRunner(t, time.Second)

	_, err := runner.Execute(context.Background(), "true", "")
	assert.Error(t, err)
}

func TestExecuteSeedEnv(t *testing.T) {
	workRoot := t.TempDir()
	runner := NewRunner(Config{
		Interpreter: []string{"sh"},
		OutputFile:  "output.png",
		WorkRoot:    workRoot,
		Timeout:     10 * time.Second,
		Seed:        42,
	})
	dest := filepath.Join(t.TempDir(), "artifact.png")

	result, err := runner.Execute(context.Background(),
		`printf '%s' "$REFRACT_SEED:$PYTHONHASHSEED:$MPLBACKEND" > output.png`, dest)
	require.NoError(t, err)
	require.Equal(t, Success, result.Status)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "42:42:Agg", string(data))
}

func TestExecuteMemoryLimitWrapper(t *testing.T) {
	workRoot := t.TempDir()
	runner := NewRunner(Config{
		Interpreter: []string{"sh"},
		OutputFile:  "output.png",
		WorkRoot:    workRoot,
		Timeout:     10 * time.Second,
		MemoryMB:    2048,
	})
	dest := filepath.Join(t.TempDir(), "artifact.png")

	// The wrapper must still run the program and propagate its workdir.
	result, err := runner.Execute(context.Background(), "printf 'ok' > output.png", dest)
	require.NoError(t, err)
	assert.Equal(t, Success, result.Status)
}

func TestExecuteDefaults(t *testing.T) {
	runner := NewRunner(Config{})
	assert.Equal(t, []string{"python3"}, runner.cfg.Interpreter)
	assert.Equal(t, "output.png", runner.cfg.OutputFile)
	assert.Equal(t, 60*time.Second, runner.cfg.Timeout)
}
