package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestExecutor() *Executor {
	return NewExecutor(zerolog.Nop(), 1<<20)
}

func TestRun_CapturesStdout(t *testing.T) {
	e := newTestExecutor()

	result, err := e.Run("c1", "echo hello", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if result.Stderr != "" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if result.ExecutionTime <= 0 {
		t.Errorf("execution time = %v", result.ExecutionTime)
	}
}

func TestRun_CapturesStderrAndExitCode(t *testing.T) {
	e := newTestExecutor()

	result, err := e.Run("c1", "echo oops 1>&2; exit 3", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stderr != "oops\n" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

// The local deadline kills the process tree and reports exit code -1 with
// the deadline message in stderr.
func TestRun_Deadline(t *testing.T) {
	e := newTestExecutor()

	start := time.Now()
	result, err := e.Run("c1", "sleep 30", 1)
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("deadline kill took %v", elapsed)
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "deadline") {
		t.Errorf("stderr missing deadline message: %q", result.Stderr)
	}
}

func TestRun_KillsWholeProcessGroup(t *testing.T) {
	e := newTestExecutor()

	// The child spawns its own child; the group kill must take both.
	start := time.Now()
	result, err := e.Run("c1", "sh -c 'sleep 30' & wait", 1)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("group kill took %v", elapsed)
	}
	if result.ExitCode != -1 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

func TestRun_OutputTruncated(t *testing.T) {
	e := NewExecutor(zerolog.Nop(), 64)

	result, err := e.Run("c1", "head -c 4096 /dev/zero | tr '\\0' 'a'", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Stdout) > 64+len("\n[output truncated]") {
		t.Errorf("stdout not truncated: %d bytes", len(result.Stdout))
	}
	if !strings.HasSuffix(result.Stdout, "[output truncated]") {
		t.Errorf("missing truncation marker: %q", result.Stdout[len(result.Stdout)-32:])
	}
}

func TestRun_MissingBinaryIsNotSpawnFailure(t *testing.T) {
	e := newTestExecutor()

	// sh itself starts fine and fails with 127 for a missing binary; that is
	// a result, not a spawn failure.
	result, err := e.Run("c1", "/no/such/binary/xyz", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExitCode != 127 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

func TestKill_RunningCommand(t *testing.T) {
	e := newTestExecutor()

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := e.Run("c1", "sleep 30", 60)
		done <- outcome{result, err}
	}()

	// Wait for the process to register.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		_, running := e.running["c1"]
		e.mu.Unlock()
		if running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !e.Kill("c1") {
		t.Fatal("Kill did not find the running command")
	}

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatal(o.err)
		}
		if o.result.ExitCode == 0 {
			t.Error("killed command reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("command did not die after Kill")
	}

	if e.Kill("c1") {
		t.Error("Kill on a finished command should be a no-op")
	}
}
