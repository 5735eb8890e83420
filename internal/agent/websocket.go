package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shellfleet/shellfleet/internal/config"
	"github.com/shellfleet/shellfleet/internal/protocol"
)

// ConnectionHandler is called on connection events.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
}

// Client maintains the WebSocket connection to the coordinator, reconnecting
// with capped exponential backoff when it drops.
type Client struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler

	conn   *websocket.Conn
	mu     sync.Mutex
	frames chan *protocol.Frame

	connected bool
}

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	closeGracePeriod = 5 * time.Second
	frameQueueSize   = 100
)

// NewClient creates a new WebSocket client.
func NewClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *Client {
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("component", "websocket").Logger(),
		handler: handler,
		frames:  make(chan *protocol.Frame, frameQueueSize),
	}
}

// dialURL is the socket URL with the bearer token as a query parameter, the
// only authentication form the coordinator supports. Never logged.
func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects to the coordinator and maintains the connection. It blocks
// until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.ReconnectInitial
	bo.MaxInterval = c.cfg.ReconnectCap
	bo.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			wait := bo.NextBackOff()
			c.log.Error().Err(err).Dur("backoff", wait).Msg("connection failed, retrying")
			c.sleep(ctx, wait)
			continue
		}

		// Connected; backoff restarts from the initial delay next time.
		bo.Reset()

		c.readLoop(ctx)

		c.sleep(ctx, bo.NextBackOff())
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// connect establishes the WebSocket connection.
func (c *Client) connect(ctx context.Context) error {
	dialURL, err := c.dialURL()
	if err != nil {
		return err
	}
	c.log.Debug().Str("url", c.cfg.ServerURL).Msg("connecting")

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	if !c.cfg.ValidateTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Error().Msg("authentication failed: 401 Unauthorized")
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))
		return nil
	})

	go c.pingLoop(ctx)

	c.handler.OnConnected()
	return nil
}

func (c *Client) livenessWindow() time.Duration {
	return 2 * c.cfg.PingInterval
}

// readLoop reads frames from the WebSocket until the connection drops.
func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		c.handler.OnDisconnected()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, protocol.CloseSuperseded) {
				c.log.Warn().Msg("superseded by a newer session")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.livenessWindow()))

		var frame protocol.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are dropped, never fatal.
			c.log.Warn().Err(err).Msg("failed to parse frame")
			continue
		}

		select {
		case c.frames <- &frame:
		default:
			c.log.Warn().Str("type", frame.Type).Msg("frame queue full, dropping")
		}
	}
}

// pingLoop sends a keep-alive ping frame every ping interval while the
// connection is up, whether or not other traffic has flowed.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.connected
			c.mu.Unlock()
			if !connected {
				return
			}
			if err := c.SendFrame(protocol.TypePing, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// SendFrame sends a frame to the coordinator.
func (c *Client) SendFrame(frameType string, payload any) error {
	frame, err := protocol.NewFrame(frameType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Frames returns the channel of incoming frames.
func (c *Client) Frames() <-chan *protocol.Frame {
	return c.frames
}

// IsConnected reports whether the client currently holds a live connection.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	deadline := time.Now().Add(closeGracePeriod)
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		deadline,
	)
	if err != nil {
		c.conn.Close()
		return err
	}

	time.Sleep(100 * time.Millisecond)
	return c.conn.Close()
}
