package checks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// scriptedRunner returns canned outcomes per command substring.
type scriptedRunner struct {
	commands []string
	fn       func(command string) ([]byte, error)
}

func (r *scriptedRunner) RunShell(_ context.Context, _ string, command string) ([]byte, error) {
	r.commands = append(r.commands, command)
	return r.fn(command)
}

func TestUnconfiguredCheckPasses(t *testing.T) {
	r := New(&scriptedRunner{fn: func(string) ([]byte, error) {
		t.Fatal("no command should run")
		return nil, nil
	}}, nil)

	result, err := r.RunCheck(context.Background(), "lint", "artifact")
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if !result.Passed {
		t.Fatal("unconfigured check should pass")
	}
}

func TestFailingCommandIsFixableWithDetail(t *testing.T) {
	sr := &scriptedRunner{fn: func(string) ([]byte, error) {
		return []byte("main.go:3: undefined symbol\n"), errors.New("exit status 1")
	}}
	r := New(sr, map[string]string{"typecheck": "run-typecheck"})

	result, err := r.RunCheck(context.Background(), "typecheck", "artifact body")
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if result.Passed {
		t.Fatal("failing command should fail the check")
	}
	if !result.Fixable {
		t.Fatal("command failures are fixable")
	}
	if !strings.Contains(result.Detail, "undefined symbol") {
		t.Fatalf("detail = %q", result.Detail)
	}
	if len(sr.commands) != 1 || !strings.Contains(sr.commands[0], "ARTIFACT=") {
		t.Fatalf("command should expose the artifact path, got %v", sr.commands)
	}
}

func TestCancelledCheckReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(&scriptedRunner{fn: func(string) ([]byte, error) {
		cancel()
		return nil, errors.New("signal: killed")
	}}, map[string]string{"tests": "run-tests"})

	_, err := r.RunCheck(ctx, "tests", "artifact")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestShellRunnerExecutesCommand(t *testing.T) {
	r := New(NewShellRunner(), map[string]string{"grep": `grep -q clean "$ARTIFACT"`})

	pass, err := r.RunCheck(context.Background(), "grep", "clean artifact")
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if !pass.Passed {
		t.Fatalf("expected pass, detail %q", pass.Detail)
	}

	fail, err := r.RunCheck(context.Background(), "grep", "dirty artifact")
	if err != nil {
		t.Fatalf("RunCheck: %v", err)
	}
	if fail.Passed {
		t.Fatal("expected failure")
	}
}

func TestDefaultCommands(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".platoon", "checks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lint.sh"), []byte("exit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	commands := DefaultCommands(root, []string{"lint", "tests"})
	if _, ok := commands["lint"]; !ok {
		t.Fatal("lint script should be mapped")
	}
	if _, ok := commands["tests"]; ok {
		t.Fatal("tests has no script and should not be mapped")
	}
}
