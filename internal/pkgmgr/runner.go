// Package pkgmgr runs package-manager commands (dependency install, named
// scripts) as bounded subprocesses with captured output. It knows nothing
// about what the scripts do; callers get an exit status and the tail of
// stderr, never a shell.
package pkgmgr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/procgroup"
)

// InstallTimeout bounds a dependency install; cold node_modules on a big
// project can legitimately take minutes.
const InstallTimeout = 180 * time.Second

// ErrTimeout is returned when a command exceeds its wall-clock bound.
var ErrTimeout = errors.New("package manager command timed out")

// Result carries the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner invokes npm in a project directory.
type Runner struct {
	// Bin is the package manager executable, "npm" unless overridden in
	// tests.
	Bin string
}

// New returns a Runner using npm from PATH.
func New() *Runner {
	return &Runner{Bin: "npm"}
}

// NeedsInstall reports whether the project's dependency cache is absent.
func (r *Runner) NeedsInstall(projectDir string) bool {
	_, err := os.Stat(filepath.Join(projectDir, "node_modules"))
	return err != nil
}

// Install runs `npm install` synchronously, bounded by InstallTimeout.
func (r *Runner) Install(ctx context.Context, projectDir string) (*Result, error) {
	return r.run(ctx, projectDir, InstallTimeout, "install")
}

// RunScript runs `npm run <name>` with the given extra args and timeout.
func (r *Runner) RunScript(ctx context.Context, projectDir, name string, timeout time.Duration, args ...string) (*Result, error) {
	argv := append([]string{"run", name}, args...)
	return r.run(ctx, projectDir, timeout, argv...)
}

func (r *Runner) run(ctx context.Context, dir string, timeout time.Duration, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Dir = dir
	procgroup.Setpgid(cmd)
	cmd.Cancel = func() error {
		procgroup.Terminate(cmd.Process.Pid)
		return nil
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		ExitCode: -1,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("%w after %s: %s %v", ErrTimeout, timeout, r.Bin, args)
	}
	if err != nil {
		return res, fmt.Errorf("%s %v: %w", r.Bin, args, err)
	}
	return res, nil
}

// Truncate trims captured output to at most n bytes, keeping the tail,
// which is where build tools put the actual error.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
