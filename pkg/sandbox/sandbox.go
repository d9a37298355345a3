// Package sandbox runs untrusted generated programs in an isolated process
// with a scoped working directory, a wall-clock timeout, and a single
// expected output artifact.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/logging"
)

// Status classifies the outcome of one sandbox invocation.
type Status int

const (
	// Success: exit 0 and the expected artifact was written.
	Success Status = iota
	// Timeout: the wall-clock limit was exceeded and the process group killed.
	Timeout
	// RuntimeError: the program exited non-zero.
	RuntimeError
	// NoOutput: clean exit but the expected artifact is missing.
	NoOutput
)

func (s Status) String() string {
	return [...]string{"SUCCESS", "TIMEOUT", "RUNTIME_ERROR", "NO_OUTPUT"}[s]
}

// Result is produced once per invocation and never reused; execution has
// side effects, so results are not cached.
type Result struct {
	Status       Status
	ArtifactPath string // populated only on Success
	Stderr       string
	Duration     time.Duration
}

const maxStderrBytes = 4096

// Config controls the execution environment for generated programs.
type Config struct {
	// Interpreter is the argv prefix the program file is appended to.
	// Defaults to {"python3"}.
	Interpreter []string
	// OutputFile is the artifact the program must write into its workdir.
	OutputFile string
	// WorkRoot is where per-invocation workdirs are created. Empty means the
	// system temp directory.
	WorkRoot string
	// Timeout is the wall-clock limit per invocation.
	Timeout time.Duration
	// MemoryMB caps the program's address space via ulimit when > 0.
	MemoryMB int
	// Seed is exported to the program (REFRACT_SEED, PYTHONHASHSEED). Honoring
	// it is the program's contract; the sandbox only provides it.
	Seed int64
}

// Runner executes programs under the configured limits. It is safe for
// concurrent use; every invocation gets its own workdir.
type Runner struct {
	cfg Config
}

func NewRunner(cfg Config) *Runner {
	if len(cfg.Interpreter) == 0 {
		cfg.Interpreter = []string{"python3"}
	}
	if cfg.OutputFile == "" {
		cfg.OutputFile = "output.png"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Execute runs program in a fresh workdir and, on success, copies the
// artifact to destPath. The workdir is removed on every exit path.
func (r *Runner) Execute(ctx context.Context, program, destPath string) (*Result, error) {
	logger := logging.GetLogger()

	if strings.TrimSpace(program) == "" {
		return nil, errors.New(errors.InvalidInput, "empty program")
	}
	if destPath == "" {
		return nil, errors.New(errors.InvalidInput, "artifact destination path required")
	}

	workdir, err := os.MkdirTemp(r.cfg.WorkRoot, "refract-sandbox-*")
	if err != nil {
		return nil, errors.Wrap(err, errors.ExecutionFailed, "failed to create sandbox workdir")
	}
	defer os.RemoveAll(workdir)

	progPath := filepath.Join(workdir, "program"+r.scriptExt())
	if err := os.WriteFile(progPath, []byte(program), 0o644); err != nil {
		return nil, errors.Wrap(err, errors.ExecutionFailed, "failed to write program file")
	}

	execCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.argv(progPath)[0], r.argv(progPath)[1:]...)
	cmd.Dir = workdir
	cmd.Env = r.env(workdir)

	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	// Own process group so a timeout kills the program and everything it
	// spawned, not just the interpreter.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	result := &Result{
		Duration: time.Since(start),
		Stderr:   tail(stderr.Bytes(), maxStderrBytes),
	}

	switch {
	case execCtx.Err() != nil:
		// Deadline or supervisory cancellation; either way the process group
		// was killed and the run counts as a timeout, not an error.
		result.Status = Timeout
		logger.Debug(ctx, "Sandbox timeout after %v", result.Duration)
		return result, nil

	case runErr != nil:
		var exitErr *exec.ExitError
		if isExitError(runErr, &exitErr) {
			result.Status = RuntimeError
			logger.Debug(ctx, "Sandbox runtime error: exit=%d", exitErr.ExitCode())
			return result, nil
		}
		// Failure to even start the interpreter is an infrastructure problem,
		// not a program outcome.
		return nil, errors.Wrap(runErr, errors.ExecutionFailed, "failed to run sandbox process")
	}

	artifact := filepath.Join(workdir, r.cfg.OutputFile)
	info, statErr := os.Stat(artifact)
	if statErr != nil || info.IsDir() || info.Size() == 0 {
		result.Status = NoOutput
		return result, nil
	}

	if err := copyFile(artifact, destPath); err != nil {
		return nil, errors.Wrap(err, errors.ExecutionFailed, "failed to collect sandbox artifact")
	}
	result.Status = Success
	result.ArtifactPath = destPath
	return result, nil
}

// argv builds the command line, inserting a ulimit wrapper when a memory
// ceiling is configured.
func (r *Runner) argv(progPath string) []string {
	base := append(append([]string{}, r.cfg.Interpreter...), progPath)
	if r.cfg.MemoryMB <= 0 {
		return base
	}
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec \"$@\"", r.cfg.MemoryMB*1024)
	return append([]string{"/bin/sh", "-c", script, "sh"}, base...)
}

// env builds a minimal environment: no inherited credentials or proxy
// settings, temp confined to the workdir, fixed seed convention exported.
func (r *Runner) env(workdir string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"LANG=C.UTF-8",
		"MPLBACKEND=Agg",
		fmt.Sprintf("REFRACT_SEED=%d", r.cfg.Seed),
		fmt.Sprintf("PYTHONHASHSEED=%d", r.cfg.Seed),
	}
	return env
}

func (r *Runner) scriptExt() string {
	if len(r.cfg.Interpreter) > 0 && strings.Contains(r.cfg.Interpreter[0], "python") {
		return ".py"
	}
	return ""
}

func isExitError(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
