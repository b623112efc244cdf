package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/logging"
)

// Handler processes IPC messages.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

const maxConnections = 50

// Server listens for client connections and dispatches their messages.
// It prefers a Unix socket with owner-only permissions; where that is
// unavailable it falls back to loopback TCP. Socket permissions are the
// access control: there is no in-protocol authentication.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	socketPath string
	tcpAddr    string
	network    string
	handler    Handler
	clients    map[string]*Client
	version    string
	root       string
	timeout    time.Duration
	onShutdown func()
	log        *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	nextClientID atomic.Uint64
}

// Client is one connected peer, as seen by the server.
type Client struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Name         string
	Version      string
	ConnectedAt  time.Time
	LastActivity time.Time

	writeMu sync.Mutex
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	// SocketPath is the Unix socket to listen on. Empty skips straight to
	// the TCP fallback.
	SocketPath string

	// TCPAddr is the loopback fallback address. Empty disables it.
	TCPAddr string

	// Version is reported in handshakes and status.
	Version string

	// Root is the tracked workspace, reported in handshakes.
	Root string

	// Timeout bounds reads and writes per connection.
	Timeout time.Duration

	// OnShutdown runs when a client sends MsgShutdown.
	OnShutdown func()

	Log *logging.Logger
}

// NewServer creates an IPC server. Start must be called before it accepts
// connections.
func NewServer(cfg ServerConfig, handler Handler) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		tcpAddr:    cfg.TCPAddr,
		handler:    handler,
		clients:    make(map[string]*Client),
		version:    cfg.Version,
		root:       cfg.Root,
		timeout:    cfg.Timeout,
		onShutdown: cfg.OnShutdown,
		log:        log.WithComponent("ipc"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins listening. The Unix socket is tried first; on failure the
// TCP fallback is used so Windows and constrained environments still work.
func (s *Server) Start() error {
	listener, network, err := s.listen()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.network = network
	s.mu.Unlock()
	s.running.Store(true)

	s.log.Info("ipc server listening", "network", network, "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) listen() (net.Listener, string, error) {
	var sockErr error

	if s.socketPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.socketPath), 0700); err != nil {
			sockErr = fmt.Errorf("create socket directory: %w", err)
		} else if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			sockErr = fmt.Errorf("remove stale socket: %w", err)
		} else if l, err := net.Listen("unix", s.socketPath); err != nil {
			sockErr = fmt.Errorf("listen on socket: %w", err)
		} else {
			if err := os.Chmod(s.socketPath, 0600); err != nil {
				l.Close()
				return nil, "", fmt.Errorf("set socket permissions: %w", err)
			}
			return l, "unix", nil
		}
	}

	if s.tcpAddr != "" {
		if !isLoopbackAddr(s.tcpAddr) {
			return nil, "", fmt.Errorf("refusing non-loopback IPC address %s", s.tcpAddr)
		}
		l, err := net.Listen("tcp", s.tcpAddr)
		if err != nil {
			if sockErr != nil {
				return nil, "", fmt.Errorf("%v; tcp fallback: %w", sockErr, err)
			}
			return nil, "", fmt.Errorf("listen on tcp: %w", err)
		}
		if sockErr != nil {
			s.log.Warn("unix socket unavailable, using tcp fallback", "error", sockErr)
		}
		return l, "tcp", nil
	}

	if sockErr != nil {
		return nil, "", sockErr
	}
	return nil, "", errors.New("no IPC transport configured")
}

// isLoopbackAddr reports whether addr binds a loopback interface.
func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" || host == "" {
		return host == "localhost"
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Addr returns the listen address, prefixed with the network, once the
// server is running.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.network + ":" + s.listener.Addr().String()
}

// Stop shuts the server down, closing every client connection.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("ipc shutdown timed out waiting for connections")
	}

	if s.socketPath != "" {
		os.Remove(s.socketPath)
	}
	return nil
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		s.mu.RLock()
		listener := s.listener
		s.mu.RUnlock()

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept failed", "error", err)
				continue
			}
		}

		s.mu.Lock()
		if len(s.clients) >= maxConnections {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		client := &Client{
			ID:           fmt.Sprintf("client-%d", s.nextClientID.Add(1)),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

func (s *Server) handleConnection(client *Client) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(2 * s.timeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			// Idle connection: ping so long-lived editor clients stay up.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if s.sendMessage(client, NewMessage(MsgPing, 0, nil)) != nil {
					return
				}
				continue
			}
			if !strings.Contains(err.Error(), "invalid magic") {
				s.log.Debug("read failed", "client", client.ID, "error", err)
			}
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		response, err := s.processMessage(client, msg)
		if err != nil {
			response = NewErrorMessage(msg.Header.RequestID, ErrCodeInternal, err.Error())
		}
		if response != nil {
			if err := s.sendMessage(client, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(client *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgPong:
		// Reply to our keepalive, nothing to do.
		return nil, nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	case MsgShutdown:
		s.log.Info("shutdown requested", "client", client.ID)
		if s.onShutdown != nil {
			go s.onShutdown()
		}
		return NewMessage(MsgShutdown, msg.Header.RequestID, nil), nil

	default:
		if s.handler == nil {
			return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "no handler"), nil
		}
		return s.handler.HandleMessage(s.ctx, client, msg)
	}
}

func (s *Server) handleHandshake(client *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "invalid handshake"), nil
	}

	client.mu.Lock()
	client.Name = req.ClientName
	client.Version = req.ClientVersion
	client.mu.Unlock()

	s.log.Debug("client connected", "client", client.ID, "name", req.ClientName)

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		Root:            s.root,
	})
}

func (s *Server) sendMessage(client *Client, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	return msg.Write(client.conn)
}
