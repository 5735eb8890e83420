package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/store"
	"github.com/shellfleet/shellfleet/internal/validator"
)

var (
	// ErrQueueFull is returned when an agent's pending queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrAlreadyDispatched is returned when cancelling a command that has
	// left the pending state.
	ErrAlreadyDispatched = errors.New("already dispatched")
)

// sessionLink is the engine's view of a bound session. Session implements
// it; tests substitute fakes.
type sessionLink interface {
	AgentID() string
	SendCommand(p protocol.CommandPayload) error
	SendCancelHint(commandID string)
}

// waiter tracks one in-flight command until a result, an error frame, or the
// deadline resolves it.
type waiter struct {
	cmd      *store.Command
	deadline time.Time
}

// Engine owns every agent's queue: the ordered pending commands, the
// in-flight waiters, and the binding to the live session. All mutations of
// one agent's state are serialized by that agent's mutex.
type Engine struct {
	log     zerolog.Logger
	store   *store.Store
	policy  *validator.Policy
	metrics *Metrics
	wheel   *deadlineWheel

	maxQueueSize   int
	maxInFlight    int
	grace          time.Duration
	maxOutputBytes int

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	agents map[string]*agentQueue
}

// NewEngine creates the queue engine. Call Run to start the deadline wheel.
func NewEngine(log zerolog.Logger, st *store.Store, policy *validator.Policy, metrics *Metrics, cfg *Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:            log.With().Str("component", "queue").Logger(),
		store:          st,
		policy:         policy,
		metrics:        metrics,
		maxQueueSize:   cfg.MaxQueueSize,
		maxInFlight:    cfg.MaxInFlight,
		grace:          cfg.Grace,
		maxOutputBytes: cfg.MaxOutputBytes,
		ctx:            ctx,
		cancel:         cancel,
		agents:         make(map[string]*agentQueue),
	}
	e.wheel = newDeadlineWheel(e.onDeadline)
	return e
}

// Run drives the deadline wheel until Shutdown.
func (e *Engine) Run() {
	e.wheel.Run(e.ctx)
}

// Shutdown stops the wheel and all dispatch loops. Pending commands stay in
// the store; in-flight commands are resolved by the startup recovery pass of
// the next coordinator.
func (e *Engine) Shutdown() {
	e.cancel()
}

func (e *Engine) agentFor(agentID string) *agentQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	aq, ok := e.agents[agentID]
	if !ok {
		aq = &agentQueue{
			engine:   e,
			agentID:  agentID,
			inFlight: make(map[string]*waiter),
			wake:     make(chan struct{}, 1),
		}
		e.agents[agentID] = aq
		go aq.loop(e.ctx)
	}
	return aq
}

// Submit validates and enqueues a command for an agent. The store insert
// commits before the command is published to the in-memory queue. Offline
// agents accept submissions; the queue drains at the next bind.
func (e *Engine) Submit(agentID, command string, timeoutSeconds, priority int) (*store.Command, error) {
	if err := e.policy.Validate(command); err != nil {
		return nil, err
	}

	cmd := &store.Command{
		CommandID:      uuid.NewString(),
		AgentID:        agentID,
		Command:        command,
		TimeoutSeconds: e.policy.ClampTimeout(timeoutSeconds),
		Priority:       priority,
		Status:         store.StatusPending,
		CreatedAt:      time.Now(),
	}

	aq := e.agentFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	if len(aq.pending) >= e.maxQueueSize {
		return nil, ErrQueueFull
	}
	if err := e.store.InsertCommand(cmd); err != nil {
		return nil, fmt.Errorf("insert command: %w", err)
	}
	aq.insertPendingLocked(cmd)
	aq.signal()

	e.log.Debug().
		Str("agent", agentID).
		Str("command_id", cmd.CommandID).
		Int("priority", cmd.Priority).
		Msg("command queued")
	return cmd, nil
}

// Bind attaches an activating session to its agent's queue and reloads the
// pending set from the store (the in-memory queue is empty after a
// coordinator restart).
func (e *Engine) Bind(sess sessionLink) {
	aq := e.agentFor(sess.AgentID())

	pending, err := e.store.PendingForAgent(sess.AgentID())
	if err != nil {
		e.log.Error().Err(err).Str("agent", sess.AgentID()).Msg("failed to reload pending queue")
	}

	aq.mu.Lock()
	aq.session = sess
	for _, cmd := range pending {
		if !aq.containsLocked(cmd.CommandID) {
			aq.insertPendingLocked(cmd)
		}
	}
	aq.signal()
	aq.mu.Unlock()
}

// Unbind detaches a closing session. Every unresolved in-flight command
// fails with "session lost": without the socket there is no way to
// correlate a result, and the agent will kill or finish the process on its
// own deadline. Pending commands stay queued for the next bind.
func (e *Engine) Unbind(sess sessionLink) {
	aq := e.agentFor(sess.AgentID())

	aq.mu.Lock()
	if aq.session != sess {
		// A newer session superseded this one and now owns the binding; the
		// in-flight set is left for it to resolve.
		aq.mu.Unlock()
		return
	}
	aq.session = nil
	lost := make([]*waiter, 0, len(aq.inFlight))
	for id, w := range aq.inFlight {
		lost = append(lost, w)
		delete(aq.inFlight, id)
	}
	aq.mu.Unlock()

	msg := "session lost"
	now := time.Now()
	for _, w := range lost {
		fired, err := e.store.Transition(w.cmd.CommandID,
			[]string{store.StatusSent, store.StatusExecuting},
			store.StatusFailed,
			store.Patch{ErrorMessage: &msg, CompletedAt: &now})
		if err != nil {
			e.log.Error().Err(err).Str("command_id", w.cmd.CommandID).Msg("failed to fail in-flight command")
			continue
		}
		if fired {
			e.metrics.CommandsFailed.Add(1)
			e.log.Warn().
				Str("agent", sess.AgentID()).
				Str("command_id", w.cmd.CommandID).
				Msg("in-flight command failed: session lost")
		}
	}
}

// Resolve delivers a result or error frame to the matching waiter. A frame
// for a command that is no longer in flight (late result after a timeout,
// or an unknown id) is counted and dropped, never fatal.
func (e *Engine) Resolve(agentID, commandID string, res *protocol.ResultPayload, errFrame *protocol.ErrorPayload) {
	aq := e.agentFor(agentID)

	aq.mu.Lock()
	if _, ok := aq.inFlight[commandID]; !ok {
		aq.mu.Unlock()
		e.metrics.LateResultDrops.Add(1)
		e.log.Info().
			Str("agent", agentID).
			Str("command_id", commandID).
			Msg("dropping result for unknown or timed-out command")
		return
	}
	delete(aq.inFlight, commandID)
	aq.mu.Unlock()

	now := time.Now()
	fromSet := []string{store.StatusSent, store.StatusExecuting}

	if res != nil {
		stdout := truncateOutput(res.Stdout, e.maxOutputBytes)
		stderr := truncateOutput(res.Stderr, e.maxOutputBytes)
		exitCode := res.ExitCode
		execTime := res.ExecutionTime
		fired, err := e.store.Transition(commandID, fromSet, store.StatusCompleted, store.Patch{
			Stdout:        &stdout,
			Stderr:        &stderr,
			ExitCode:      &exitCode,
			ExecutionTime: &execTime,
			CompletedAt:   &now,
		})
		if err != nil {
			e.log.Error().Err(err).Str("command_id", commandID).Msg("failed to complete command")
			return
		}
		if fired {
			e.metrics.CommandsCompleted.Add(1)
			e.log.Info().
				Str("agent", agentID).
				Str("command_id", commandID).
				Int("exit_code", exitCode).
				Msg("command completed")
		}
	} else if errFrame != nil {
		msg := errFrame.Error
		fired, err := e.store.Transition(commandID, fromSet, store.StatusFailed, store.Patch{
			ErrorMessage: &msg,
			CompletedAt:  &now,
		})
		if err != nil {
			e.log.Error().Err(err).Str("command_id", commandID).Msg("failed to fail command")
			return
		}
		if fired {
			e.metrics.CommandsFailed.Add(1)
			e.log.Warn().
				Str("agent", agentID).
				Str("command_id", commandID).
				Str("error", msg).
				Msg("command failed on agent")
		}
	}

	aq.signal()
}

// onDeadline fires from the deadline wheel. A command still in flight at its
// deadline becomes timeout; the waiter is gone for anything already resolved.
func (e *Engine) onDeadline(agentID, commandID string) {
	aq := e.agentFor(agentID)

	aq.mu.Lock()
	_, ok := aq.inFlight[commandID]
	if !ok {
		aq.mu.Unlock()
		return
	}
	delete(aq.inFlight, commandID)
	sess := aq.session
	aq.mu.Unlock()

	msg := "deadline exceeded"
	now := time.Now()
	fired, err := e.store.Transition(commandID,
		[]string{store.StatusSent, store.StatusExecuting},
		store.StatusTimeout,
		store.Patch{ErrorMessage: &msg, CompletedAt: &now})
	if err != nil {
		e.log.Error().Err(err).Str("command_id", commandID).Msg("failed to time out command")
		return
	}
	if fired {
		e.metrics.CommandsTimedOut.Add(1)
		e.log.Warn().
			Str("agent", agentID).
			Str("command_id", commandID).
			Msg("command timed out")
		// Best-effort hint; the agent also self-terminates on its own deadline.
		if sess != nil {
			sess.SendCancelHint(commandID)
		}
	}

	aq.signal()
}

// Cancel removes a pending command. Commands that already left the queue
// cannot be cancelled through the core protocol.
func (e *Engine) Cancel(commandID string) (*store.Command, error) {
	cmd, err := e.store.GetCommand(commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status != store.StatusPending {
		return cmd, ErrAlreadyDispatched
	}

	aq := e.agentFor(cmd.AgentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	now := time.Now()
	fired, err := e.store.Transition(commandID,
		[]string{store.StatusPending},
		store.StatusCancelled,
		store.Patch{CompletedAt: &now})
	if err != nil {
		return nil, err
	}
	if !fired {
		// Lost the race against the dispatch loop.
		return cmd, ErrAlreadyDispatched
	}
	aq.removePendingLocked(commandID)

	e.log.Info().
		Str("agent", cmd.AgentID).
		Str("command_id", commandID).
		Msg("command cancelled")
	cmd.Status = store.StatusCancelled
	return cmd, nil
}

// QueueSnapshot summarizes an agent's queue for the API.
type QueueSnapshot struct {
	AgentID      string   `json:"agent_id"`
	SessionBound bool     `json:"session_bound"`
	Pending      []string `json:"pending"`
	InFlight     []string `json:"in_flight"`
}

// Snapshot returns the current queue view for one agent.
func (e *Engine) Snapshot(agentID string) QueueSnapshot {
	aq := e.agentFor(agentID)
	aq.mu.Lock()
	defer aq.mu.Unlock()

	snap := QueueSnapshot{
		AgentID:      agentID,
		SessionBound: aq.session != nil,
		Pending:      make([]string, 0, len(aq.pending)),
		InFlight:     make([]string, 0, len(aq.inFlight)),
	}
	for _, cmd := range aq.pending {
		snap.Pending = append(snap.Pending, cmd.CommandID)
	}
	for id := range aq.inFlight {
		snap.InFlight = append(snap.InFlight, id)
	}
	sort.Strings(snap.InFlight)
	return snap
}

func truncateOutput(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}

// agentQueue is one agent's serialized queue state.
type agentQueue struct {
	engine  *Engine
	agentID string

	mu       sync.Mutex
	pending  []*store.Command // sorted by (-priority, created_at)
	inFlight map[string]*waiter
	session  sessionLink

	wake chan struct{}
}

// signal nudges the dispatch loop. Non-blocking; the loop drains everything
// dispatchable per wakeup.
func (aq *agentQueue) signal() {
	select {
	case aq.wake <- struct{}{}:
	default:
	}
}

// insertPendingLocked keeps pending sorted: higher priority first, oldest
// first within a priority.
func (aq *agentQueue) insertPendingLocked(cmd *store.Command) {
	idx := sort.Search(len(aq.pending), func(i int) bool {
		p := aq.pending[i]
		if p.Priority != cmd.Priority {
			return p.Priority < cmd.Priority
		}
		return p.CreatedAt.After(cmd.CreatedAt)
	})
	aq.pending = append(aq.pending, nil)
	copy(aq.pending[idx+1:], aq.pending[idx:])
	aq.pending[idx] = cmd
}

func (aq *agentQueue) containsLocked(commandID string) bool {
	if _, ok := aq.inFlight[commandID]; ok {
		return true
	}
	for _, cmd := range aq.pending {
		if cmd.CommandID == commandID {
			return true
		}
	}
	return false
}

func (aq *agentQueue) removePendingLocked(commandID string) {
	for i, cmd := range aq.pending {
		if cmd.CommandID == commandID {
			aq.pending = append(aq.pending[:i], aq.pending[i+1:]...)
			return
		}
	}
}

// loop is the per-agent dispatch loop: whenever a session is bound, pending
// commands drain in order into the in-flight set, bounded by maxInFlight.
func (aq *agentQueue) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-aq.wake:
		}
		aq.drain()
	}
}

func (aq *agentQueue) drain() {
	e := aq.engine
	for {
		aq.mu.Lock()
		if aq.session == nil || len(aq.pending) == 0 || len(aq.inFlight) >= e.maxInFlight {
			aq.mu.Unlock()
			return
		}

		cmd := aq.pending[0]
		aq.pending = aq.pending[1:]

		now := time.Now()
		fired, err := e.store.Transition(cmd.CommandID,
			[]string{store.StatusPending},
			store.StatusSent,
			store.Patch{SentAt: &now})
		if err != nil {
			// Store trouble: requeue and pause; a later signal retries.
			aq.pending = append([]*store.Command{cmd}, aq.pending...)
			aq.mu.Unlock()
			e.log.Error().Err(err).Str("command_id", cmd.CommandID).Msg("dispatch transition failed")
			return
		}
		if !fired {
			// Cancelled while queued; drop and continue.
			aq.mu.Unlock()
			continue
		}

		deadline := now.Add(time.Duration(cmd.TimeoutSeconds)*time.Second + e.grace)
		aq.inFlight[cmd.CommandID] = &waiter{cmd: cmd, deadline: deadline}
		sess := aq.session

		sendErr := sess.SendCommand(protocol.CommandPayload{
			CommandID: cmd.CommandID,
			Command:   cmd.Command,
			Timeout:   cmd.TimeoutSeconds,
			Priority:  cmd.Priority,
		})
		if sendErr != nil {
			// The socket is gone or saturated. Roll the command back to
			// pending; the next bind (or wakeup) redispatches it.
			delete(aq.inFlight, cmd.CommandID)
			if ok, err := e.store.Transition(cmd.CommandID,
				[]string{store.StatusSent},
				store.StatusPending,
				store.Patch{}); err != nil || !ok {
				e.log.Error().Err(err).Str("command_id", cmd.CommandID).Msg("failed to roll back dispatch")
			} else {
				aq.insertPendingLocked(cmd)
			}
			aq.mu.Unlock()
			e.log.Warn().Err(sendErr).
				Str("agent", aq.agentID).
				Str("command_id", cmd.CommandID).
				Msg("send failed, command requeued")
			return
		}

		aq.mu.Unlock()

		e.wheel.Add(deadline, aq.agentID, cmd.CommandID)
		e.metrics.CommandsDispatched.Add(1)
		e.log.Info().
			Str("agent", aq.agentID).
			Str("command_id", cmd.CommandID).
			Int("timeout", cmd.TimeoutSeconds).
			Msg("command dispatched")
	}
}
