package coordinator

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/store"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4 * 1024 * 1024

	// Per-session send buffer.
	sendQueueSize = 64
)

// Session is one live socket to one authenticated agent. A dedicated reader
// and writer own the connection; everything else talks to the session
// through SafeSend.
type Session struct {
	log     zerolog.Logger
	conn    *websocket.Conn
	agentID string

	engine  *Engine
	hub     *Hub
	store   *store.Store
	metrics *Metrics

	pingInterval time.Duration
	policyEcho   protocol.PolicyEcho

	send      chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
}

func newSession(log zerolog.Logger, conn *websocket.Conn, agentID string, engine *Engine, hub *Hub, st *store.Store, metrics *Metrics, pingInterval time.Duration, policyEcho protocol.PolicyEcho) *Session {
	return &Session{
		log:          log.With().Str("component", "session").Str("agent", agentID).Logger(),
		conn:         conn,
		agentID:      agentID,
		engine:       engine,
		hub:          hub,
		store:        st,
		metrics:      metrics,
		pingInterval: pingInterval,
		policyEcho:   policyEcho,
		send:         make(chan []byte, sendQueueSize),
	}
}

// AgentID returns the session's agent identity.
func (s *Session) AgentID() string {
	return s.agentID
}

// run services the connection until it closes; it blocks the caller (the
// HTTP handler goroutine), which owns the read side.
func (s *Session) run() {
	go s.writePump()

	if err := s.sendWelcome(); err != nil {
		s.log.Warn().Err(err).Msg("failed to send welcome")
	}

	// Bind before activation so a superseded session's unbind sees the new
	// binding and leaves shared in-flight state alone.
	s.engine.Bind(s)
	s.hub.Activate(s)

	s.readPump()
}

// SafeSend queues data for the writer without panicking on a closed channel.
// Returns false if the session is closed or the buffer is full.
func (s *Session) SafeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// Close shuts the session down with the given close code exactly once.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
		close(s.send)
	})
}

// SendCommand dispatches a command frame to the agent.
func (s *Session) SendCommand(p protocol.CommandPayload) error {
	data, err := marshalFrame(protocol.TypeCommand, p)
	if err != nil {
		return err
	}
	if !s.SafeSend(data) {
		return errors.New("session closed or send buffer full")
	}
	return nil
}

// SendCancelHint asks the agent to kill a command the coordinator has
// already timed out. Best effort; a drop is fine.
func (s *Session) SendCancelHint(commandID string) {
	data, err := marshalFrame(protocol.TypeCancel, protocol.CancelPayload{CommandID: commandID})
	if err != nil {
		return
	}
	s.SafeSend(data)
}

func (s *Session) sendWelcome() error {
	data, err := marshalFrame(protocol.TypeWelcome, protocol.WelcomePayload{
		AgentID: s.agentID,
		Policy:  s.policyEcho,
	})
	if err != nil {
		return err
	}
	if !s.SafeSend(data) {
		return errors.New("send buffer full")
	}
	return nil
}

func marshalFrame(frameType string, payload any) ([]byte, error) {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// livenessWindow is how long the reader waits for any frame or pong before
// declaring the peer dead.
func (s *Session) livenessWindow() time.Duration {
	return 2 * s.pingInterval
}

// readPump reads frames until the connection dies, then tears the session
// down: unbind, mark offline, resolve in-flight per the session-loss policy.
func (s *Session) readPump() {
	defer func() {
		wasCurrent := s.hub.Remove(s)
		s.Close(protocol.CloseGoingAway, "")
		if wasCurrent {
			s.engine.Unbind(s)
			if err := s.store.MarkAgent(s.agentID, store.AgentOffline); err != nil {
				s.log.Error().Err(err).Msg("failed to mark agent offline")
			}
			s.log.Info().Msg("session closed")
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.livenessWindow()))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.livenessWindow()))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.log.Warn().Msg("liveness lost")
				s.Close(protocol.CloseLivenessLost, "liveness_lost")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("read error")
			}
			return
		}

		// Any frame proves liveness.
		_ = s.conn.SetReadDeadline(time.Now().Add(s.livenessWindow()))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.metrics.FramesDropped.Add(1)
			s.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}
		s.handleFrame(&frame)
	}
}

func (s *Session) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResult:
		var p protocol.ResultPayload
		if err := frame.ParsePayload(&p); err != nil {
			s.metrics.FramesDropped.Add(1)
			s.log.Warn().Err(err).Msg("bad result payload")
			return
		}
		s.engine.Resolve(s.agentID, p.CommandID, &p, nil)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := frame.ParsePayload(&p); err != nil {
			s.metrics.FramesDropped.Add(1)
			s.log.Warn().Err(err).Msg("bad error payload")
			return
		}
		s.engine.Resolve(s.agentID, p.CommandID, nil, &p)

	case protocol.TypePing:
		if data, err := marshalFrame(protocol.TypePong, nil); err == nil {
			s.SafeSend(data)
		}

	case protocol.TypePong:
		// Deadline already reset by the read loop.

	default:
		// Unknown frame types are a soft error, never fatal.
		s.metrics.FramesDropped.Add(1)
		s.log.Warn().Str("type", frame.Type).Msg("unknown frame type dropped")
	}
}

// writePump owns all writes to the socket: queued frames plus the periodic
// keep-alive ping.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			data, err := marshalFrame(protocol.TypePing, nil)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
