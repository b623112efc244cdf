package ipc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client-side errors.
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is an error response received from the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// IPCClient talks to the daemon over the framed protocol. One request is in
// flight at a time; the connection mutex serializes callers.
type IPCClient struct {
	mu         sync.Mutex
	conn       net.Conn
	socketPath string
	tcpAddr    string
	timeout    time.Duration
	name       string
	version    string

	server    HandshakeResponse
	requestID atomic.Uint32
}

// ClientConfig configures an IPC client.
type ClientConfig struct {
	// SocketPath is the daemon's Unix socket. Tried first.
	SocketPath string

	// TCPAddr is the loopback fallback address.
	TCPAddr string

	// Timeout bounds each request round trip.
	Timeout time.Duration

	// Name and Version identify the client in the handshake.
	Name    string
	Version string
}

// NewClient creates a client. Connect must be called before requests.
func NewClient(cfg ClientConfig) *IPCClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "ctmctl"
	}
	return &IPCClient{
		socketPath: cfg.SocketPath,
		tcpAddr:    cfg.TCPAddr,
		timeout:    cfg.Timeout,
		name:       cfg.Name,
		version:    cfg.Version,
	}
}

// Connect dials the daemon, Unix socket first, and performs the handshake.
func (c *IPCClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	conn, err := c.dial()
	if err != nil {
		return err
	}
	c.conn = conn

	resp, err := c.handshakeLocked()
	if err != nil {
		conn.Close()
		c.conn = nil
		return fmt.Errorf("handshake: %w", err)
	}
	c.server = *resp
	return nil
}

func (c *IPCClient) dial() (net.Conn, error) {
	var sockErr error
	if c.socketPath != "" {
		conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
		if err == nil {
			return conn, nil
		}
		sockErr = err
	}
	if c.tcpAddr != "" {
		conn, err := net.DialTimeout("tcp", c.tcpAddr, c.timeout)
		if err == nil {
			return conn, nil
		}
		if sockErr == nil {
			sockErr = err
		}
	}
	if sockErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonNotRunning, sockErr)
	}
	return nil, errors.New("no IPC transport configured")
}

// Close closes the connection.
func (c *IPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Server returns the handshake response received on Connect.
func (c *IPCClient) Server() HandshakeResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

func (c *IPCClient) handshakeLocked() (*HandshakeResponse, error) {
	var resp HandshakeResponse
	err := c.requestLocked(MsgHandshake, &HandshakeRequest{
		ClientName:      c.name,
		ClientVersion:   c.version,
		ProtocolVersion: ProtocolVersion,
	}, MsgHandshakeAck, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// request sends one request and decodes the matching response into out.
// A nil out discards the response payload.
func (c *IPCClient) request(reqType MessageType, reqPayload any, respType MessageType, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}
	return c.requestLocked(reqType, reqPayload, respType, out)
}

func (c *IPCClient) requestLocked(reqType MessageType, reqPayload any, respType MessageType, out any) error {
	id := c.requestID.Add(1)

	var payload []byte
	if reqPayload != nil {
		var err error
		payload, err = Encode(reqPayload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := NewMessage(reqType, id, payload).Write(c.conn); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		c.conn.SetReadDeadline(deadline)
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		// Server keepalives can interleave with responses; answer and keep
		// waiting for ours.
		if msg.Header.Type == MsgPing {
			c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if err := NewMessage(MsgPong, msg.Header.RequestID, nil).Write(c.conn); err != nil {
				return fmt.Errorf("answer keepalive: %w", err)
			}
			continue
		}
		if msg.Header.RequestID != id {
			continue
		}

		if msg.Header.Type == MsgError {
			var er ErrorResponse
			if err := Decode(msg.Payload, &er); err != nil {
				return fmt.Errorf("decode error response: %w", err)
			}
			return &RemoteError{Code: er.Code, Message: er.Message}
		}
		if msg.Header.Type != respType {
			return fmt.Errorf("unexpected response type %#04x", uint16(msg.Header.Type))
		}
		if out == nil || len(msg.Payload) == 0 {
			return nil
		}
		return Decode(msg.Payload, out)
	}
}

// Ping checks that the daemon is responsive.
func (c *IPCClient) Ping() error {
	return c.request(MsgPing, nil, MsgPong, nil)
}

// Status fetches daemon and store status.
func (c *IPCClient) Status(includeSessions bool) (*StatusResponse, error) {
	var resp StatusResponse
	err := c.request(MsgStatusRequest, &StatusRequest{IncludeSessions: includeSessions}, MsgStatusResponse, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Capture asks the daemon to capture a snapshot.
func (c *IPCClient) Capture(description string, paths []string) (*CaptureResponse, error) {
	var resp CaptureResponse
	err := c.request(MsgCapture, &CaptureRequest{Description: description, Paths: paths}, MsgCaptureResp, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSnapshots fetches the snapshot index, oldest first.
func (c *IPCClient) ListSnapshots(limit int) ([]SnapshotInfo, error) {
	var resp ListSnapshotsResponse
	err := c.request(MsgListSnapshots, &ListSnapshotsRequest{Limit: limit}, MsgListSnapshotsResp, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// SnapshotFiles fetches the paths captured in one snapshot.
func (c *IPCClient) SnapshotFiles(snapshotID string) ([]string, error) {
	var resp SnapshotFilesResponse
	err := c.request(MsgSnapshotFiles, &SnapshotFilesRequest{SnapshotID: snapshotID}, MsgSnapshotFilesResp, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Export asks the daemon to write a snapshot's files under destDir.
func (c *IPCClient) Export(snapshotID, destDir string) (*ExportResponse, error) {
	var resp ExportResponse
	err := c.request(MsgExport, &ExportRequest{SnapshotID: snapshotID, DestDir: destDir}, MsgExportResp, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Rebuild fetches the content of path as of ts.
func (c *IPCClient) Rebuild(path string, ts int64) (*RebuildResponse, error) {
	var resp RebuildResponse
	err := c.request(MsgRebuild, &RebuildRequest{Path: path, TimestampNs: ts}, MsgRebuildResp, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Timestamps fetches every rebuildable point in time for path.
func (c *IPCClient) Timestamps(path string) ([]int64, error) {
	var resp TimestampsResponse
	err := c.request(MsgTimestamps, &TimestampsRequest{Path: path}, MsgTimestampsResp, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Timestamps, nil
}

// ListSessions fetches recorded edit sessions.
func (c *IPCClient) ListSessions(activeOnly bool) ([]SessionInfo, error) {
	var resp ListSessionsResponse
	err := c.request(MsgListSessions, &ListSessionsRequest{ActiveOnly: activeOnly}, MsgListSessionsResp, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// EndSession closes the active session.
func (c *IPCClient) EndSession(ts int64) error {
	return c.request(MsgEndSession, &EndSessionRequest{TimestampNs: ts}, MsgEndSessionResp, nil)
}

// RecordEdit ingests one tagged edit event.
func (c *IPCClient) RecordEdit(req *RecordEditRequest) error {
	return c.request(MsgRecordEdit, req, MsgRecordEditResp, nil)
}

// RecordSave reports an editor save for path.
func (c *IPCClient) RecordSave(path string, ts int64) error {
	return c.request(MsgRecordSave, &RecordSaveRequest{Path: path, TimestampNs: ts}, MsgRecordSaveResp, nil)
}

// Clear erases all history on the daemon.
func (c *IPCClient) Clear() error {
	return c.request(MsgClear, &ClearRequest{Confirm: true}, MsgClearResp, nil)
}

// Shutdown asks the daemon to stop.
func (c *IPCClient) Shutdown() error {
	return c.request(MsgShutdown, nil, MsgShutdown, nil)
}
