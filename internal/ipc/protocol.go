// Package ipc carries requests between the ctm daemon and its clients.
// The store files are single-process-owned, so a second process (ctmctl,
// editor plugins) talks to the owning daemon through this protocol instead
// of opening the archive and event log itself.
//
// Messages are framed with a fixed 16-byte header followed by a JSON
// payload. Framing is big-endian; the header carries a magic number, a
// protocol version, the message type, a request ID for correlation, and
// the payload length.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x43495043 // "CIPC"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Snapshots (0x02xx)
	MsgCapture           MessageType = 0x0200
	MsgCaptureResp       MessageType = 0x0201
	MsgListSnapshots     MessageType = 0x0202
	MsgListSnapshotsResp MessageType = 0x0203
	MsgSnapshotFiles     MessageType = 0x0204
	MsgSnapshotFilesResp MessageType = 0x0205
	MsgExport            MessageType = 0x0206
	MsgExportResp        MessageType = 0x0207

	// Reconstruction (0x03xx)
	MsgRebuild        MessageType = 0x0300
	MsgRebuildResp    MessageType = 0x0301
	MsgTimestamps     MessageType = 0x0302
	MsgTimestampsResp MessageType = 0x0303

	// Sessions (0x04xx)
	MsgListSessions     MessageType = 0x0400
	MsgListSessionsResp MessageType = 0x0401
	MsgEndSession       MessageType = 0x0402
	MsgEndSessionResp   MessageType = 0x0403

	// Edit ingestion (0x05xx)
	MsgRecordEdit     MessageType = 0x0500
	MsgRecordEditResp MessageType = 0x0501
	MsgRecordSave     MessageType = 0x0502
	MsgRecordSaveResp MessageType = 0x0503

	// Administration (0x06xx)
	MsgClear     MessageType = 0x0600
	MsgClearResp MessageType = 0x0601
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // Payload length, not including the header
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// maxPayload bounds a single message; rebuilt file contents travel in
// payloads, so the cap matches the largest trackable file with room for
// JSON overhead.
const maxPayload = 16 * 1024 * 1024

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Request/response payloads.

// HandshakeRequest is sent by the client to open a connection.
type HandshakeRequest struct {
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse acknowledges the connection.
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	Root            string `json:"root"`
}

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeUnknown        = 1
	ErrCodeInvalidRequest = 2
	ErrCodeNotFound       = 3
	ErrCodeInternal       = 4
	ErrCodeNoHistory      = 5
	ErrCodeDisabled       = 6
)

// StatusRequest requests daemon status.
type StatusRequest struct {
	IncludeSessions bool `json:"include_sessions,omitempty"`
}

// StatusResponse reports daemon and store health.
type StatusResponse struct {
	Version        string        `json:"version"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
	Root           string        `json:"root"`
	Enabled        bool          `json:"enabled"`
	SnapshotCount  int           `json:"snapshot_count"`
	PatchCount     int           `json:"patch_count"`
	TrackedFiles   int           `json:"tracked_files"`
	BlobCount      int           `json:"blob_count"`
	DeltaBlobs     int           `json:"delta_blobs"`
	StoreBytes     int64         `json:"store_bytes"`
	ActiveSessions []SessionInfo `json:"active_sessions,omitempty"`
}

// CaptureRequest asks the daemon to capture a snapshot. Empty paths means
// every tracked path.
type CaptureRequest struct {
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths,omitempty"`
}

// CaptureResponse reports the capture outcome. Created is false when the
// workspace was identical to the latest snapshot. Warning carries a
// non-fatal retention message (store over budget at the floor).
type CaptureResponse struct {
	Created    bool   `json:"created"`
	SnapshotID string `json:"snapshot_id,omitempty"`
	Warning    string `json:"warning,omitempty"`
}

// ListSnapshotsRequest requests the snapshot index, newest last.
type ListSnapshotsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// SnapshotInfo summarizes a snapshot.
type SnapshotInfo struct {
	ID          string `json:"id"`
	TimestampNs int64  `json:"timestamp_ns"`
	Description string `json:"description,omitempty"`
	FileCount   int    `json:"file_count"`
}

// ListSnapshotsResponse carries the snapshot index.
type ListSnapshotsResponse struct {
	Snapshots []SnapshotInfo `json:"snapshots"`
}

// SnapshotFilesRequest requests the file list of one snapshot.
type SnapshotFilesRequest struct {
	SnapshotID string `json:"snapshot_id"`
}

// SnapshotFilesResponse lists the paths captured in a snapshot.
type SnapshotFilesResponse struct {
	SnapshotID string   `json:"snapshot_id"`
	Files      []string `json:"files"`
}

// ExportRequest asks the daemon to write a snapshot's files under DestDir.
type ExportRequest struct {
	SnapshotID string `json:"snapshot_id"`
	DestDir    string `json:"dest_dir"`
}

// ExportResponse reports the export outcome.
type ExportResponse struct {
	FileCount    int    `json:"file_count"`
	ManifestPath string `json:"manifest_path"`
}

// RebuildRequest asks for the content of Path as of TimestampNs.
type RebuildRequest struct {
	Path        string `json:"path"`
	TimestampNs int64  `json:"timestamp_ns"`
}

// RebuildResponse carries the reconstructed content.
type RebuildResponse struct {
	Content        string `json:"content"`
	PatchesApplied int    `json:"patches_applied"`
	Recovered      int    `json:"recovered"`
	TimestampNs    int64  `json:"timestamp_ns"`
}

// TimestampsRequest requests every rebuildable point in time for a path.
type TimestampsRequest struct {
	Path string `json:"path"`
}

// TimestampsResponse lists rebuild points in ascending order.
type TimestampsResponse struct {
	Path       string  `json:"path"`
	Timestamps []int64 `json:"timestamps"`
}

// ListSessionsRequest requests recorded edit sessions.
type ListSessionsRequest struct {
	ActiveOnly bool `json:"active_only,omitempty"`
}

// SessionInfo summarizes an edit session.
type SessionInfo struct {
	ID             string `json:"id"`
	StartedAtNs    int64  `json:"started_at_ns"`
	LastActivityNs int64  `json:"last_activity_ns"`
	Active         bool   `json:"active"`
	Repo           string `json:"repo,omitempty"`
	Branch         string `json:"branch,omitempty"`
}

// ListSessionsResponse carries the session list.
type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// EndSessionRequest closes the active session. A zero timestamp means now.
type EndSessionRequest struct {
	TimestampNs int64 `json:"timestamp_ns,omitempty"`
}

// EndSessionResponse acknowledges the session end.
type EndSessionResponse struct {
	Ended bool `json:"ended"`
}

// CursorInfo is an optional caret position attached to an edit.
type CursorInfo struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// RecordEditRequest ingests one tagged edit event. Kind is one of
// "full-replace", "insert", "delete", "range-replace". Offset and Length
// are byte positions within the file's last known content.
type RecordEditRequest struct {
	Kind        string      `json:"kind"`
	Path        string      `json:"path"`
	TimestampNs int64       `json:"timestamp_ns"`
	Content     string      `json:"content,omitempty"`
	Offset      int         `json:"offset,omitempty"`
	Length      int         `json:"length,omitempty"`
	Cursor      *CursorInfo `json:"cursor,omitempty"`
}

// RecordEditResponse acknowledges an ingested edit.
type RecordEditResponse struct {
	Recorded bool `json:"recorded"`
}

// RecordSaveRequest reports an editor save; the daemon flushes buffered
// state for the path.
type RecordSaveRequest struct {
	Path        string `json:"path"`
	TimestampNs int64  `json:"timestamp_ns,omitempty"`
}

// RecordSaveResponse acknowledges the save.
type RecordSaveResponse struct {
	Flushed bool `json:"flushed"`
}

// ClearRequest erases all history. Confirm must be set; this is the only
// destructive command in the protocol.
type ClearRequest struct {
	Confirm bool `json:"confirm"`
}

// ClearResponse acknowledges the wipe.
type ClearResponse struct {
	Cleared bool `json:"cleared"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
