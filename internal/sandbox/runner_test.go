package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"runbox/internal/runtime"
)

// shRuntime executes code with plain /bin/sh so tests don't depend on
// python or node being installed.
type shRuntime struct{}

func (shRuntime) Name() string { return "sh" }

func (shRuntime) Command(codePath string) []string { return []string{"/bin/sh", codePath} }

func (shRuntime) FileExtension() string { return ".sh" }

func newTestRunner(t *testing.T, timeout time.Duration) *Runner {
	t.Helper()
	reg := runtime.NewRegistry()
	reg.Register(shRuntime{})
	return NewRunner(reg, t.TempDir(), timeout)
}

func TestRunCompleted(t *testing.T) {
	r := newTestRunner(t, DefaultTimeout)

	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-ok",
		Language:    "sh",
		Code:        "echo hi",
	})

	if out.Kind != OutcomeCompleted {
		t.Fatalf("Kind = %s, want completed (stderr: %q)", out.Kind, out.Stderr)
	}
	if out.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", out.Stdout, "hi\n")
	}
	if out.Stderr != "" {
		t.Errorf("Stderr = %q, want empty", out.Stderr)
	}
	if out.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", out.Duration)
	}
}

func TestRunNonZeroExitIsCompleted(t *testing.T) {
	r := newTestRunner(t, DefaultTimeout)

	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-exit1",
		Language:    "sh",
		Code:        "echo oops >&2; exit 3",
	})

	if out.Kind != OutcomeCompleted {
		t.Fatalf("Kind = %s, want completed", out.Kind)
	}
	if !strings.Contains(out.Stderr, "oops") {
		t.Errorf("Stderr = %q, want it to carry the process output", out.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, 300*time.Millisecond)

	start := time.Now()
	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-slow",
		Language:    "sh",
		Code:        "echo partial; sleep 5",
	})
	elapsed := time.Since(start)

	if out.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s, want timed_out", out.Kind)
	}
	if out.Stderr != TimeoutMessage {
		t.Errorf("Stderr = %q, want sentinel %q", out.Stderr, TimeoutMessage)
	}
	if out.Stdout != "" {
		t.Errorf("Stdout = %q, want partial output discarded", out.Stdout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("run took %v, kill did not fire near the 300ms bound", elapsed)
	}
}

func TestRunUnsupportedLanguage(t *testing.T) {
	reg := runtime.NewRegistry()
	dir := t.TempDir()
	r := NewRunner(reg, dir, DefaultTimeout)

	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-ruby",
		Language:    "ruby",
		Code:        "puts 1",
	})

	if out.Kind != OutcomeFailed {
		t.Fatalf("Kind = %s, want failed", out.Kind)
	}
	if !strings.Contains(out.Stderr, "unsupported language") {
		t.Errorf("Stderr = %q, want unsupported language message", out.Stderr)
	}
	if out.Stdout != "" {
		t.Errorf("Stdout = %q, want empty", out.Stdout)
	}

	// No temp file may ever have been created.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work dir has %d entries, want none", len(entries))
	}
}

func TestRunRemovesTempFile(t *testing.T) {
	cases := []struct {
		name string
		code string
		want OutcomeKind
	}{
		{"completed", "true", OutcomeCompleted},
		{"nonzero exit", "exit 1", OutcomeCompleted},
		{"timeout", "sleep 5", OutcomeTimedOut},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRunner(t, 200*time.Millisecond)
			out := r.Run(context.Background(), Request{
				ExecutionID: "exec-clean",
				Language:    "sh",
				Code:        tc.code,
			})
			if out.Kind != tc.want {
				t.Fatalf("Kind = %s, want %s", out.Kind, tc.want)
			}
			path := r.CodePath("exec-clean", ".sh")
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("temp file %s still exists after run", path)
			}
		})
	}
}

func TestRunKillsChildren(t *testing.T) {
	r := newTestRunner(t, 300*time.Millisecond)

	start := time.Now()
	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-children",
		Language:    "sh",
		Code:        "sleep 30 & sleep 30",
	})

	if out.Kind != OutcomeTimedOut {
		t.Fatalf("Kind = %s, want timed_out", out.Kind)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("run took %v, process group was not reaped", elapsed)
	}
}

func TestRunDurationFromLease(t *testing.T) {
	r := newTestRunner(t, DefaultTimeout)

	lease := time.Now().Add(-200 * time.Millisecond)
	out := r.Run(context.Background(), Request{
		ExecutionID: "exec-lease",
		Language:    "sh",
		Code:        "true",
		Start:       lease,
	})

	if out.Kind != OutcomeCompleted {
		t.Fatalf("Kind = %s, want completed", out.Kind)
	}
	if out.Duration < 200*time.Millisecond {
		t.Errorf("Duration = %v, want >= 200ms (measured from lease)", out.Duration)
	}
}
