package agent

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Result is the outcome of one command execution.
type Result struct {
	Stdout        string
	Stderr        string
	ExitCode      int
	ExecutionTime float64
}

// Executor spawns OS processes for validated commands. Each command runs in
// its own process group so a deadline kill takes the whole tree with it.
type Executor struct {
	log            zerolog.Logger
	maxOutputBytes int

	mu      sync.Mutex
	running map[string]*exec.Cmd // command_id → running process
}

// NewExecutor creates an executor.
func NewExecutor(log zerolog.Logger, maxOutputBytes int) *Executor {
	return &Executor{
		log:            log.With().Str("component", "executor").Logger(),
		maxOutputBytes: maxOutputBytes,
		running:        make(map[string]*exec.Cmd),
	}
}

// Run executes a command with a hard deadline. On the deadline the process
// group is killed and the result carries exit code -1 with the deadline
// message in stderr. A spawn failure returns an error instead of a result.
func (e *Executor) Run(commandID, command string, timeoutSeconds int) (*Result, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn failed: %w", err)
	}

	e.mu.Lock()
	e.running[commandID] = cmd
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, commandID)
		e.mu.Unlock()
	}()

	e.log.Debug().
		Str("command_id", commandID).
		Int("pid", cmd.Process.Pid).
		Msg("command started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
	defer timer.Stop()

	select {
	case <-timer.C:
		timedOut = true
		e.killGroup(cmd)
		<-done
	case err := <-done:
		_ = err // exit status is read from ProcessState below
	}

	elapsed := time.Since(start).Seconds()

	result := &Result{
		Stdout:        truncate(stdout.String(), e.maxOutputBytes),
		Stderr:        truncate(stderr.String(), e.maxOutputBytes),
		ExecutionTime: elapsed,
	}

	if timedOut {
		result.ExitCode = -1
		if result.Stderr != "" {
			result.Stderr += "\n"
		}
		result.Stderr += fmt.Sprintf("command killed after %ds deadline", timeoutSeconds)
		e.log.Warn().
			Str("command_id", commandID).
			Int("timeout", timeoutSeconds).
			Msg("command killed on local deadline")
		return result, nil
	}

	if state := cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
	}
	return result, nil
}

// Kill terminates a running command's process group, used for the
// coordinator's best-effort cancel hint. Unknown ids are a no-op.
func (e *Executor) Kill(commandID string) bool {
	e.mu.Lock()
	cmd, ok := e.running[commandID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.killGroup(cmd)
	e.log.Info().Str("command_id", commandID).Msg("killed on coordinator hint")
	return true
}

// killGroup kills the whole process group, falling back to the process
// itself if the group signal fails.
func (e *Executor) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
