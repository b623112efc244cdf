package ipc

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Type:      MsgRebuild,
		RequestID: 42,
		Length:    128,
	}

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, *h, *got)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	h := &Header{Magic: 0xdeadbeef, Version: ProtocolVersion}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic")
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	h := &Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported protocol version")
}

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&RebuildRequest{Path: "main.go", TimestampNs: 1234})
	require.NoError(t, err)

	msg := NewMessage(MsgRebuild, 7, payload)
	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgRebuild, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)

	var req RebuildRequest
	require.NoError(t, Decode(got.Payload, &req))
	assert.Equal(t, "main.go", req.Path)
	assert.Equal(t, int64(1234), req.TimestampNs)
}

func TestReadMessageRejectsOversizePayload(t *testing.T) {
	h := &Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgPing,
		Length:  maxPayload + 1,
	}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadMessage(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload too large")
}

// echoHandler answers every rebuild request with fixed content and anything
// else with an error, enough to exercise dispatch end to end.
type echoHandler struct{}

func (echoHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	if msg.Header.Type == MsgRebuild {
		return NewResponse(MsgRebuildResp, msg.Header.RequestID, &RebuildResponse{
			Content:        "hello",
			PatchesApplied: 2,
		})
	}
	return NewErrorMessage(msg.Header.RequestID, ErrCodeInvalidRequest, "unsupported"), nil
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "ctmd.sock")
	srv := NewServer(ServerConfig{
		SocketPath: socketPath,
		Version:    "test",
		Root:       "/tmp/workspace",
		Timeout:    2 * time.Second,
	}, echoHandler{})
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, socketPath
}

func TestClientServerRoundTrip(t *testing.T) {
	_, socketPath := startTestServer(t)

	client := NewClient(ClientConfig{
		SocketPath: socketPath,
		Timeout:    2 * time.Second,
		Version:    "test",
	})
	require.NoError(t, client.Connect())
	defer client.Close()

	assert.Equal(t, "test", client.Server().ServerVersion)
	assert.Equal(t, "/tmp/workspace", client.Server().Root)

	require.NoError(t, client.Ping())

	res, err := client.Rebuild("main.go", 99)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Content)
	assert.Equal(t, 2, res.PatchesApplied)
}

func TestClientSurfacesRemoteError(t *testing.T) {
	_, socketPath := startTestServer(t)

	client := NewClient(ClientConfig{SocketPath: socketPath, Timeout: 2 * time.Second})
	require.NoError(t, client.Connect())
	defer client.Close()

	_, err := client.Status(false)
	require.Error(t, err)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrCodeInvalidRequest, remote.Code)
}

func TestClientConnectFailsWithoutDaemon(t *testing.T) {
	client := NewClient(ClientConfig{
		SocketPath: filepath.Join(t.TempDir(), "missing.sock"),
		Timeout:    500 * time.Millisecond,
	})
	err := client.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDaemonNotRunning)
}

func TestServerClientCount(t *testing.T) {
	srv, socketPath := startTestServer(t)

	client := NewClient(ClientConfig{SocketPath: socketPath, Timeout: 2 * time.Second})
	require.NoError(t, client.Connect())

	assert.Eventually(t, func() bool { return srv.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	client.Close()
	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}
