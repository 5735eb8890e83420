package coordinator

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shellfleet/shellfleet/internal/protocol"
	"github.com/shellfleet/shellfleet/internal/store"
)

func wsURL(httpURL, token string) string {
	return strings.Replace(httpURL, "http://", "ws://", 1) + "/ws/agent?token=" + token
}

func dialAgent(t *testing.T, httpURL, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpURL, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (*protocol.Frame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	return &frame, nil
}

// readFrameOfType skips keep-alive pings until the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string, timeout time.Duration) *protocol.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame, err := readFrame(t, conn, time.Until(deadline))
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame within %v", frameType, timeout)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, frameType string, payload any) {
	t.Helper()
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

// An unknown token closes the socket with the policy-violation code before
// any frame is exchanged, and no agent record appears.
func TestSocket_AuthFailure(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL, "bad-token"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, protocol.CloseAuthFailure) {
		t.Fatalf("expected close %d, got %v", protocol.CloseAuthFailure, err)
	}

	if _, err := s.store.GetAgent("bad-token"); err == nil {
		t.Error("auth failure must not create an agent record")
	}
}

// S1: welcome on activation, command dispatch, result correlation, history.
func TestSocket_CommandRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dialAgent(t, ts.URL, "tok-a1")

	welcome := readFrameOfType(t, conn, protocol.TypeWelcome, 3*time.Second)
	var wp protocol.WelcomePayload
	if err := welcome.ParsePayload(&wp); err != nil {
		t.Fatal(err)
	}
	if wp.AgentID != "a1" || wp.Policy.MaxTimeoutSeconds != 300 {
		t.Fatalf("unexpected welcome: %+v", wp)
	}

	// The agent is online with the session bound.
	waitFor(t, 3*time.Second, "agent online", func() bool {
		a, err := s.store.GetAgent("a1")
		return err == nil && a.Status == store.AgentOnline
	})

	// Submit and receive the command frame.
	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "whoami", Timeout: 5})
	var sub submitResponse
	decodeBody(t, resp, &sub)

	cmdFrame := readFrameOfType(t, conn, protocol.TypeCommand, 3*time.Second)
	var cp protocol.CommandPayload
	if err := cmdFrame.ParsePayload(&cp); err != nil {
		t.Fatal(err)
	}
	if cp.CommandID != sub.CommandID || cp.Command != "whoami" || cp.Timeout != 5 {
		t.Fatalf("unexpected command frame: %+v", cp)
	}

	// Reply with the result envelope.
	sendFrame(t, conn, protocol.TypeResult, protocol.ResultPayload{
		CommandID:     cp.CommandID,
		Stdout:        "remoteshell\n",
		ExitCode:      0,
		ExecutionTime: 0.02,
	})

	waitFor(t, 3*time.Second, "command completed", func() bool {
		row, err := s.store.GetCommand(cp.CommandID)
		return err == nil && row.Status == store.StatusCompleted
	})

	row, _ := s.store.GetCommand(cp.CommandID)
	if row.Stdout != "remoteshell\n" || row.ExitCode == nil || *row.ExitCode != 0 {
		t.Errorf("result not stored: %+v", row)
	}
	if row.SentAt == nil || row.CompletedAt == nil || row.CompletedAt.Before(*row.SentAt) {
		t.Errorf("timestamps: %v %v", row.SentAt, row.CompletedAt)
	}
}

// Application-level pings get pongs.
func TestSocket_PingPong(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn := dialAgent(t, ts.URL, "tok-a1")
	readFrameOfType(t, conn, protocol.TypeWelcome, 3*time.Second)

	sendFrame(t, conn, protocol.TypePing, nil)
	readFrameOfType(t, conn, protocol.TypePong, 3*time.Second)
}

// S6: a second socket with the same token supersedes the first; a command
// submitted right after lands exactly once on the new session.
func TestSocket_Supersession(t *testing.T) {
	s, ts := newTestServer(t, nil)

	connA := dialAgent(t, ts.URL, "tok-a1")
	readFrameOfType(t, connA, protocol.TypeWelcome, 3*time.Second)

	connB := dialAgent(t, ts.URL, "tok-a1")
	readFrameOfType(t, connB, protocol.TypeWelcome, 3*time.Second)

	// The old session closes with the supersede code.
	_ = connA.SetReadDeadline(time.Now().Add(3 * time.Second))
	var closeErr error
	for {
		_, _, err := connA.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
	}
	if !websocket.IsCloseError(closeErr, protocol.CloseSuperseded) {
		t.Fatalf("expected close %d, got %v", protocol.CloseSuperseded, closeErr)
	}

	// The agent stays online throughout.
	a, err := s.store.GetAgent("a1")
	if err != nil || a.Status != store.AgentOnline {
		t.Fatalf("agent not online after supersession: %+v err=%v", a, err)
	}

	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "uptime", Timeout: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	cmdFrame := readFrameOfType(t, connB, protocol.TypeCommand, 3*time.Second)
	var cp protocol.CommandPayload
	if err := cmdFrame.ParsePayload(&cp); err != nil {
		t.Fatal(err)
	}
	if cp.Command != "uptime" {
		t.Fatalf("unexpected command: %+v", cp)
	}
}

// A dropped session fails its in-flight command and marks the agent offline.
func TestSocket_DisconnectFailsInFlight(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dialAgent(t, ts.URL, "tok-a1")
	readFrameOfType(t, conn, protocol.TypeWelcome, 3*time.Second)

	resp := postJSON(t, ts.URL+"/agents/a1/commands", submitRequest{Command: "sleep 30", Timeout: 60})
	var sub submitResponse
	decodeBody(t, resp, &sub)

	readFrameOfType(t, conn, protocol.TypeCommand, 3*time.Second)

	_ = conn.Close()

	waitFor(t, 3*time.Second, "in-flight command failed", func() bool {
		row, err := s.store.GetCommand(sub.CommandID)
		return err == nil && row.Status == store.StatusFailed
	})
	row, _ := s.store.GetCommand(sub.CommandID)
	if row.ErrorMessage == nil || *row.ErrorMessage != "session lost" {
		t.Errorf("error message = %v", row.ErrorMessage)
	}

	waitFor(t, 3*time.Second, "agent offline", func() bool {
		a, err := s.store.GetAgent("a1")
		return err == nil && a.Status == store.AgentOffline
	})
}

// Unknown frame types are dropped, not fatal.
func TestSocket_UnknownFrameDropped(t *testing.T) {
	s, ts := newTestServer(t, nil)

	conn := dialAgent(t, ts.URL, "tok-a1")
	readFrameOfType(t, conn, protocol.TypeWelcome, 3*time.Second)

	sendFrame(t, conn, "mystery", map[string]string{"x": "y"})

	waitFor(t, 3*time.Second, "frame drop counted", func() bool {
		return s.metrics.FramesDropped.Load() == 1
	})

	// Session is still alive.
	sendFrame(t, conn, protocol.TypePing, nil)
	readFrameOfType(t, conn, protocol.TypePong, 3*time.Second)
}
