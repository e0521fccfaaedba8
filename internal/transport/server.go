package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/protocol"
)

// NodeHeader carries the worker's node id during the websocket handshake.
const NodeHeader = "X-Crankswarm-Node"

// DefaultPath is the HTTP path the coordinator upgrades on.
const DefaultPath = "/swarm"

// ServerOptions configure a coordinator-side Server.
type ServerOptions struct {
	Path           string
	Logger         *zap.Logger
	Retry          RetryPolicy
	WriteTimeout   time.Duration
	MaxMessageSize int64
	InboundBuffer  int
}

func (o *ServerOptions) normalize() {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Retry.Delays == nil {
		o.Retry = DefaultRetryPolicy()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1024 * 1024
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 1024
	}
}

type inbound struct {
	nodeID string
	env    protocol.Envelope
	err    error
}

type peer struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) write(data []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Server is the coordinator's listening endpoint. Workers connect with their
// node id as connection identity; every Recv yields the sender id together
// with the decoded envelope.
type Server struct {
	opts     ServerOptions
	listener net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	inbound chan inbound

	mu    sync.Mutex
	peers map[string]*peer

	closed    chan struct{}
	closeOnce sync.Once
}

// Listen binds addr and starts accepting worker connections.
func Listen(addr string, opts ServerOptions) (*Server, error) {
	opts.normalize()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "listen", Err: err}
	}

	s := &Server{
		opts:     opts,
		listener: ln,
		inbound:  make(chan inbound, opts.InboundBuffer),
		peers:    make(map[string]*peer),
		closed:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.Path, s.handleConn)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.push(inbound{err: &TransportError{Op: "serve", Err: err}})
		}
	}()

	opts.Logger.Info("coordinator listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Peers returns the ids of the currently connected workers.
func (s *Server) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(NodeHeader)
	if id == "" {
		http.Error(w, "missing "+NodeHeader+" header", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("websocket upgrade failed", zap.String("node", id), zap.Error(err))
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageSize)

	p := &peer{id: id, conn: conn}
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	if old, ok := s.peers[id]; ok {
		_ = old.conn.Close()
	}
	s.peers[id] = p
	s.mu.Unlock()

	s.opts.Logger.Debug("worker connected", zap.String("node", id), zap.String("remote", r.RemoteAddr))
	go s.readLoop(p)
}

func (s *Server) readLoop(p *peer) {
	defer func() {
		s.mu.Lock()
		if cur, ok := s.peers[p.id]; ok && cur == p {
			delete(s.peers, p.id)
		}
		s.mu.Unlock()
		_ = p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			// Peer loss is detected through heartbeats, not surfaced here.
			s.opts.Logger.Debug("worker connection closed", zap.String("node", p.id), zap.Error(err))
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.push(inbound{nodeID: p.id, err: &DecodeError{NodeID: p.id, Err: err}})
			continue
		}
		s.push(inbound{nodeID: p.id, env: env})
	}
}

func (s *Server) push(m inbound) {
	select {
	case s.inbound <- m:
	case <-s.closed:
	}
}

// Recv blocks until a message arrives. Corrupt frames surface as
// *DecodeError, socket faults as *TransportError.
func (s *Server) Recv(ctx context.Context) (string, protocol.Envelope, error) {
	select {
	case m := <-s.inbound:
		return m.nodeID, m.env, m.err
	case <-s.closed:
		return "", protocol.Envelope{}, &TransportError{Op: "recv", Err: ErrClosed}
	case <-ctx.Done():
		return "", protocol.Envelope{}, ctx.Err()
	}
}

// SendTo delivers env to one worker, retrying per the server's policy.
func (s *Server) SendTo(ctx context.Context, nodeID string, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	err = s.opts.Retry.Do(ctx, func(context.Context) error {
		select {
		case <-s.closed:
			return ErrClosed
		default:
		}
		s.mu.Lock()
		p, ok := s.peers[nodeID]
		s.mu.Unlock()
		if !ok {
			return fmt.Errorf("send %s to %s: %w", env.Type, nodeID, ErrUnknownPeer)
		}
		if err := p.write(data, s.opts.WriteTimeout); err != nil {
			return &TransportError{Op: "send", NodeID: nodeID, Err: err}
		}
		return nil
	})
	if errors.Is(err, ErrGaveUp) {
		s.opts.Logger.Warn("dropping message", zap.String("type", string(env.Type)), zap.String("node", nodeID), zap.Error(err))
	}
	return err
}

// Close stops accepting connections and closes every worker connection.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		peers := s.peers
		s.peers = make(map[string]*peer)
		s.mu.Unlock()

		err = s.srv.Close()
		for _, p := range peers {
			p.mu.Lock()
			_ = p.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			p.mu.Unlock()
			_ = p.conn.Close()
		}
	})
	return err
}
