package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestShellExec_BasicCommand(t *testing.T) {
	se := NewShellExec(ShellExecConfig{})

	out, err := se.Exec(context.Background(), "echo hello", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello" {
		t.Errorf("expected 'hello', got %q", out)
	}
}

func TestShellExec_MergesStderrAndExitCode(t *testing.T) {
	se := NewShellExec(ShellExecConfig{})

	out, err := se.Exec(context.Background(), "echo out; echo err >&2; exit 3", 0)
	if err != nil {
		t.Fatalf("non-zero exit is not an error: %v", err)
	}
	if out != "out\nerr\n\nexit code: 3" {
		t.Errorf("output = %q", out)
	}
}

func TestShellExec_EmptyOutputIsOK(t *testing.T) {
	out, err := NewShellExec(ShellExecConfig{}).Exec(context.Background(), "true", 0)
	if err != nil || out != "ok" {
		t.Errorf("Exec(true) = %q, %v", out, err)
	}
}

func TestShellExec_DeniedCommand(t *testing.T) {
	se := NewShellExec(ShellExecConfig{})

	_, err := se.Exec(context.Background(), "RM -RF /", 0)
	if err == nil {
		t.Fatal("expected error for denied command")
	}
}

func TestShellExec_Timeout(t *testing.T) {
	se := NewShellExec(ShellExecConfig{DefaultTimeout: time.Second})

	start := time.Now()
	_, err := se.Exec(context.Background(), "sleep 10", 1)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout was not enforced")
	}
}

func TestShellExec_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	se := NewShellExec(ShellExecConfig{WorkingDir: dir})

	out, err := se.Exec(context.Background(), "pwd -P", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", out, dir)
	}
}

func TestShellExec_Truncates(t *testing.T) {
	se := NewShellExec(ShellExecConfig{})

	out, err := se.Exec(context.Background(), "head -c 20000 /dev/zero | tr '\\0' 'a'", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(out, "\n... [truncated, 20000 chars total]") {
		t.Errorf("missing truncation marker: %q", out[len(out)-60:])
	}
	if !strings.HasPrefix(out, strings.Repeat("a", maxShellOutputLen)) {
		t.Error("truncated output should keep the first chars")
	}
}

func TestShellExec_Tool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(NewShellExec(ShellExecConfig{}).Tool())

	res, err := r.Dispatch(context.Background(), "bash", []byte(`{"command":"echo via registry"}`))
	if err != nil || res.Text != "via registry" {
		t.Errorf("Dispatch = %+v, %v", res, err)
	}
}
