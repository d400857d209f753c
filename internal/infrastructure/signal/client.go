package signal

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"deskbridge/internal/core/domain"
	"deskbridge/internal/core/ports"
	"deskbridge/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientConfig holds the signaling client parameters.
type ClientConfig struct {
	// URL is the rendezvous websocket endpoint, e.g. ws://host:8080/ws.
	URL string
	// Token is the JWT presented on connect.
	Token string
	// Reconnect bounds the automatic reconnect attempts after an
	// established connection drops.
	Reconnect retry.Config

	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

// Client is the persistent rendezvous connection. It reconnects with bounded
// exponential backoff; once the budget is spent the inbound stream closes and
// the engine marks its sessions failed.
type Client struct {
	cfg     ClientConfig
	localID domain.PeerID
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	inbound chan domain.SignalingMessage
}

var _ ports.SignalingClient = (*Client)(nil)

func NewClient(cfg ClientConfig, localID domain.PeerID, logger *zap.SugaredLogger) *Client {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	return &Client{
		cfg:     cfg,
		localID: localID,
		logger:  logger,
		inbound: make(chan domain.SignalingMessage, 16),
	}
}

// Connect dials the rendezvous service and starts the read loop. The returned
// channel carries every inbound message; it closes permanently when the
// reconnect budget is spent or Close is called.
func (c *Client) Connect(ctx context.Context) (<-chan domain.SignalingMessage, error) {
	if err := c.dial(ctx); err != nil {
		return nil, &domain.TransportError{Op: "signaling connect", Err: err}
	}
	go c.readLoop(ctx)
	return c.inbound, nil
}

func (c *Client) dial(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infow("connected to rendezvous", "url", c.cfg.URL, "peer_id", c.localID)
	return nil
}

// readLoop reads until the connection drops, then reconnects with backoff.
// Malformed inbound frames are logged and dropped.
func (c *Client) readLoop(ctx context.Context) {
	defer close(c.inbound)

	for {
		conn := c.current()
		if conn == nil {
			return
		}

		var msg domain.SignalingMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if c.isClosed() || ctx.Err() != nil {
				return
			}
			c.logger.Warnw("rendezvous connection lost", "error", err)
			if rerr := c.reconnect(ctx); rerr != nil {
				c.logger.Errorw("reconnect budget spent", "error", rerr)
				return
			}
			continue
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if !msg.Type.Known() {
			c.logger.Warnw("dropping unknown signaling message", "type", msg.Type, "from", msg.From)
			continue
		}

		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	return retry.Do(ctx, c.cfg.Reconnect, func() error {
		if c.isClosed() {
			return domain.ErrChannelClosed
		}
		err := c.dial(ctx)
		if err != nil {
			c.logger.Warnw("reconnect attempt failed", "error", err)
		}
		return err
	})
}

// Send delivers one message to the rendezvous service. Sending on a closed
// client returns a TransportError.
func (c *Client) Send(ctx context.Context, msg domain.SignalingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn == nil {
		return &domain.TransportError{Op: "signaling send", Err: domain.ErrChannelClosed}
	}
	if msg.From == "" {
		msg.From = c.localID
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return &domain.TransportError{Op: "signaling send", Err: err}
	}
	return nil
}

func (c *Client) ListPeers(ctx context.Context) error {
	return c.Send(ctx, domain.SignalingMessage{Type: domain.SignalListPeers})
}

func (c *Client) RequestConnection(ctx context.Context, peer domain.PeerID) error {
	return c.Send(ctx, domain.SignalingMessage{Type: domain.SignalConnectionRequest, To: peer})
}

func (c *Client) SendOffer(ctx context.Context, peer domain.PeerID, sdp string) error {
	return c.Send(ctx, domain.NewOffer(c.localID, peer, sdp))
}

func (c *Client) SendAnswer(ctx context.Context, peer domain.PeerID, sdp string) error {
	return c.Send(ctx, domain.NewAnswer(c.localID, peer, sdp))
}

func (c *Client) SendICECandidate(ctx context.Context, peer domain.PeerID, candidate domain.ICECandidatePayload) error {
	return c.Send(ctx, domain.NewICECandidate(c.localID, peer, candidate))
}

// Close terminates the connection; the inbound channel closes once the read
// loop observes it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.cfg.WriteTimeout),
		)
		return c.conn.Close()
	}
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
