package transport

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/protocol"
)

// ClientOptions configure a worker-side Client.
type ClientOptions struct {
	Path             string
	Logger           *zap.Logger
	Retry            RetryPolicy
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

func (o *ClientOptions) normalize() {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Retry.Delays == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1024 * 1024
	}
}

// Client is a worker's connection to its coordinator. The underlying
// websocket is replaced wholesale by Reset.
type Client struct {
	opts   ClientOptions
	url    string
	nodeID string
	dialer *websocket.Dialer

	inbound chan inbound

	mu   sync.Mutex
	conn *websocket.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the coordinator at addr (host:port) as nodeID.
func Dial(ctx context.Context, addr, nodeID string, opts ClientOptions) (*Client, error) {
	opts.normalize()
	u := url.URL{Scheme: "ws", Host: addr, Path: opts.Path}
	c := &Client{
		opts:    opts,
		url:     u.String(),
		nodeID:  nodeID,
		dialer:  &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		inbound: make(chan inbound, 256),
		closed:  make(chan struct{}),
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return c, nil
}

// NodeID returns the identity this client connects with.
func (c *Client) NodeID() string { return c.nodeID }

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(NodeHeader, c.nodeID)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", NodeID: c.nodeID, Err: err}
	}
	conn.SetReadLimit(c.opts.MaxMessageSize)
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if current {
				c.push(inbound{err: &TransportError{Op: "recv", NodeID: c.nodeID, Err: err}})
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.push(inbound{err: &DecodeError{Err: err}})
			continue
		}
		c.push(inbound{env: env})
	}
}

func (c *Client) push(m inbound) {
	select {
	case c.inbound <- m:
	case <-c.closed:
	}
}

// Recv blocks until the coordinator sends a message or the connection fails.
func (c *Client) Recv(ctx context.Context) (protocol.Envelope, error) {
	select {
	case m := <-c.inbound:
		return m.env, m.err
	case <-c.closed:
		return protocol.Envelope{}, &TransportError{Op: "recv", NodeID: c.nodeID, Err: ErrClosed}
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Send delivers env to the coordinator, retrying per the client's policy.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	err = c.opts.Retry.Do(ctx, func(context.Context) error {
		return c.write(data)
	})
	if errors.Is(err, ErrGaveUp) {
		c.opts.Logger.Warn("dropping message", zap.String("type", string(env.Type)), zap.Error(err))
	}
	return err
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if c.conn == nil {
		return &TransportError{Op: "send", NodeID: c.nodeID, Err: errors.New("not connected")}
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return &TransportError{Op: "send", NodeID: c.nodeID, Err: err}
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return &TransportError{Op: "send", NodeID: c.nodeID, Err: err}
	}
	return nil
}

// Reset closes the current connection and dials a new one.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	c.opts.Logger.Info("reconnected to coordinator", zap.String("url", c.url))
	return nil
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = conn.Close()
	})
	return err
}
