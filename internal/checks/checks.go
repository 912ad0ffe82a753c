// Package checks runs quality checks as external commands over run
// artifacts.
package checks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dmerrick/platoon/pkg/models"
)

// CommandRunner executes external commands. The abstraction exists so
// tests can script command outcomes.
type CommandRunner interface {
	// RunShell executes a shell command through "sh -c" and returns
	// combined stdout/stderr output.
	RunShell(ctx context.Context, workDir string, command string) (output []byte, err error)
}

// ShellRunner implements CommandRunner with os/exec.
type ShellRunner struct{}

// NewShellRunner creates a ShellRunner.
func NewShellRunner() *ShellRunner {
	return &ShellRunner{}
}

// RunShell executes a shell command through "sh -c".
func (r *ShellRunner) RunShell(ctx context.Context, workDir string, command string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}
	return cmd.CombinedOutput()
}

var _ CommandRunner = (*ShellRunner)(nil)

// maxDetail bounds how much command output lands in a check detail.
const maxDetail = 2000

// Runner maps check ids to shell commands and runs them over artifacts.
// The artifact is written to a temp file whose path is exposed to the
// command as $ARTIFACT. Exit zero passes the check; any other exit fails
// it with the command output as detail.
type Runner struct {
	runner   CommandRunner
	commands map[string]string
	workDir  string
}

// New creates a Runner. commands maps check id to the shell command
// that implements it.
func New(runner CommandRunner, commands map[string]string) *Runner {
	if runner == nil {
		runner = NewShellRunner()
	}
	return &Runner{runner: runner, commands: commands}
}

// SetWorkDir sets the working directory commands run in.
func (r *Runner) SetWorkDir(dir string) {
	r.workDir = dir
}

// RunCheck implements quality.CheckRunner. A check with no configured
// command passes, so a default install works before any check commands
// are set up. Command failures are fixable: the remediation loop may
// regenerate the artifact; only a command that cannot be started at all
// is reported as an error.
func (r *Runner) RunCheck(ctx context.Context, checkID, artifact string) (models.CheckResult, error) {
	command, ok := r.commands[checkID]
	if !ok || command == "" {
		return models.CheckResult{
			CheckID: checkID,
			Passed:  true,
			Detail:  "no command configured",
		}, nil
	}

	tmp, err := os.CreateTemp("", "platoon-artifact-*.md")
	if err != nil {
		return models.CheckResult{}, fmt.Errorf("write artifact for check %s: %w", checkID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(artifact); err != nil {
		tmp.Close()
		return models.CheckResult{}, fmt.Errorf("write artifact for check %s: %w", checkID, err)
	}
	tmp.Close()

	shell := fmt.Sprintf("ARTIFACT=%s; export ARTIFACT; %s", shellQuote(tmp.Name()), command)
	output, err := r.runner.RunShell(ctx, r.workDir, shell)
	if err != nil && ctx.Err() != nil {
		return models.CheckResult{}, ctx.Err()
	}

	result := models.CheckResult{
		CheckID: checkID,
		Passed:  err == nil,
		Fixable: true,
		Detail:  trimDetail(output),
	}
	if err != nil && result.Detail == "" {
		result.Detail = err.Error()
	}
	return result, nil
}

func trimDetail(output []byte) string {
	detail := strings.TrimSpace(string(output))
	if len(detail) > maxDetail {
		detail = detail[:maxDetail] + "..."
	}
	return detail
}

// shellQuote single-quotes a path for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// DefaultCommands returns per-check commands if a project defines them
// in .platoon/checks/<check-id>.sh, mapping each existing script to its
// check id.
func DefaultCommands(projectRoot string, checkIDs []string) map[string]string {
	commands := make(map[string]string)
	for _, id := range checkIDs {
		script := filepath.Join(projectRoot, ".platoon", "checks", id+".sh")
		if _, err := os.Stat(script); err == nil {
			commands[id] = "sh " + shellQuote(script) + ` "$ARTIFACT"`
		}
	}
	return commands
}
