// Package agent implements the shellfleet agent: it maintains one session
// to the coordinator, re-validates every received command, executes it, and
// returns the result envelope.
package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/config"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/validator"
)

// Version is the agent version.
const Version = "1.0.0"

// Agent coordinates the WebSocket client and the executor.
type Agent struct {
	cfg      *config.Config
	log      zerolog.Logger
	policy   *validator.Policy
	ws       *Client
	executor *Executor
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.RWMutex
	welcomed bool
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, log zerolog.Logger) (*Agent, error) {
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cfg:      cfg,
		log:      log.With().Str("component", "agent").Logger(),
		policy:   policy,
		ctx:      ctx,
		cancel:   cancel,
		executor: NewExecutor(log, cfg.MaxOutputBytes),
	}
	a.ws = NewClient(cfg, log, a)
	return a, nil
}

// Run starts the agent and blocks until shutdown.
func (a *Agent) Run() error {
	a.log.Info().
		Str("url", a.cfg.ServerURL).
		Msg("starting agent")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.frameLoop()
	}()

	// Connection loop blocks until shutdown.
	a.ws.Run(a.ctx)

	wg.Wait()
	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown initiates graceful shutdown.
func (a *Agent) Shutdown() {
	a.log.Info().Msg("shutting down")
	a.cancel()
	if err := a.ws.Close(); err != nil {
		a.log.Debug().Err(err).Msg("error closing websocket")
	}
}

// OnConnected is called when the WebSocket connects.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to coordinator")
}

// OnDisconnected is called when the WebSocket disconnects.
func (a *Agent) OnDisconnected() {
	a.mu.Lock()
	a.welcomed = false
	a.mu.Unlock()
	a.log.Warn().Msg("disconnected from coordinator")
}

// IsActive reports whether the session reached the welcomed state.
func (a *Agent) IsActive() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.welcomed
}

// frameLoop handles incoming frames.
func (a *Agent) frameLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case frame := <-a.ws.Frames():
			if frame != nil {
				a.handleFrame(frame)
			}
		}
	}
}

func (a *Agent) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeWelcome:
		var p protocol.WelcomePayload
		if err := frame.ParsePayload(&p); err != nil {
			a.log.Error().Err(err).Msg("failed to parse welcome payload")
			return
		}
		a.mu.Lock()
		a.welcomed = true
		a.mu.Unlock()
		a.log.Info().
			Str("agent_id", p.AgentID).
			Int("max_timeout", p.Policy.MaxTimeoutSeconds).
			Bool("allow_shell_operators", p.Policy.AllowShellOperators).
			Msg("session active")
		if p.Policy.AllowShellOperators != a.cfg.AllowShellOperators ||
			p.Policy.AllowListEnabled != a.cfg.AllowListEnabled {
			a.log.Warn().Msg("local policy differs from coordinator policy")
		}

	case protocol.TypeCommand:
		var p protocol.CommandPayload
		if err := frame.ParsePayload(&p); err != nil {
			a.log.Error().Err(err).Msg("failed to parse command payload")
			return
		}
		// Each command executes in its own goroutine; the coordinator bounds
		// concurrency via its in-flight cap.
		go a.executeCommand(p)

	case protocol.TypeCancel:
		var p protocol.CancelPayload
		if err := frame.ParsePayload(&p); err != nil {
			return
		}
		a.executor.Kill(p.CommandID)

	case protocol.TypePing:
		if err := a.ws.SendFrame(protocol.TypePong, nil); err != nil {
			a.log.Debug().Err(err).Msg("failed to send pong")
		}

	case protocol.TypePong:
		// Keep-alive acknowledged.

	default:
		a.log.Warn().Str("type", frame.Type).Msg("unknown frame type dropped")
	}
}

// executeCommand re-validates and runs one command, then reports the result
// envelope. Policy rejections and spawn failures go back as error frames.
func (a *Agent) executeCommand(p protocol.CommandPayload) {
	a.log.Info().
		Str("command_id", p.CommandID).
		Msg("received command")

	// Defense in depth: the coordinator already validated, but this agent's
	// local policy has the final say on its own host.
	if err := a.policy.Validate(p.Command); err != nil {
		var rej *validator.RejectionError
		reason := err.Error()
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		a.log.Warn().
			Str("command_id", p.CommandID).
			Str("reason", reason).
			Msg("command rejected by local policy")
		a.sendError(p.CommandID, "rejected by agent policy: "+reason)
		return
	}

	timeout := a.policy.ClampTimeout(p.Timeout)
	result, err := a.executor.Run(p.CommandID, p.Command, timeout)
	if err != nil {
		a.log.Error().Err(err).Str("command_id", p.CommandID).Msg("command could not run")
		a.sendError(p.CommandID, err.Error())
		return
	}

	payload := protocol.ResultPayload{
		CommandID:     p.CommandID,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTime,
	}
	if err := a.ws.SendFrame(protocol.TypeResult, payload); err != nil {
		a.log.Error().Err(err).Str("command_id", p.CommandID).Msg("failed to send result")
		return
	}

	a.log.Info().
		Str("command_id", p.CommandID).
		Int("exit_code", result.ExitCode).
		Float64("execution_time", result.ExecutionTime).
		Msg("command finished")
}

func (a *Agent) sendError(commandID, message string) {
	payload := protocol.ErrorPayload{CommandID: commandID, Error: message}
	if err := a.ws.SendFrame(protocol.TypeError, payload); err != nil {
		a.log.Error().Err(err).Str("command_id", commandID).Msg("failed to send error")
	}
}
