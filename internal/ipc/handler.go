package ipc

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/mehsaandev/code-time-machine/internal/engine"
	"github.com/mehsaandev/code-time-machine/internal/eventlog"
	"github.com/mehsaandev/code-time-machine/internal/logging"
)

// EngineHandler translates IPC messages into engine operations. It owns no
// state of its own beyond identification fields; everything it reports comes
// from the engine.
type EngineHandler struct {
	engine    *engine.Engine
	version   string
	root      string
	startedAt time.Time
	log       *logging.Logger
}

// NewEngineHandler creates a handler serving the given engine.
func NewEngineHandler(eng *engine.Engine, version, root string, log *logging.Logger) *EngineHandler {
	if log == nil {
		log = logging.Default().WithComponent("ipc")
	}
	return &EngineHandler{
		engine:    eng,
		version:   version,
		root:      root,
		startedAt: time.Now(),
		log:       log,
	}
}

// HandleMessage dispatches one request to the engine and builds the reply.
func (h *EngineHandler) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(id, msg.Payload)
	case MsgCapture:
		return h.handleCapture(id, msg.Payload)
	case MsgListSnapshots:
		return h.handleListSnapshots(id, msg.Payload)
	case MsgSnapshotFiles:
		return h.handleSnapshotFiles(id, msg.Payload)
	case MsgExport:
		return h.handleExport(id, msg.Payload)
	case MsgRebuild:
		return h.handleRebuild(id, msg.Payload)
	case MsgTimestamps:
		return h.handleTimestamps(id, msg.Payload)
	case MsgListSessions:
		return h.handleListSessions(id, msg.Payload)
	case MsgEndSession:
		return h.handleEndSession(id, msg.Payload)
	case MsgRecordEdit:
		return h.handleRecordEdit(id, msg.Payload)
	case MsgRecordSave:
		return h.handleRecordSave(id, msg.Payload)
	case MsgClear:
		return h.handleClear(id, msg.Payload)
	default:
		return NewErrorMessage(id, ErrCodeInvalidRequest, "unknown message type"), nil
	}
}

// errorMessage maps engine failures onto protocol error codes.
func (h *EngineHandler) errorMessage(requestID uint32, err error) *Message {
	code := ErrCodeInternal
	switch {
	case errors.Is(err, engine.ErrInvalidArgument):
		code = ErrCodeInvalidRequest
	case errors.Is(err, engine.ErrNoHistory):
		code = ErrCodeNoHistory
	}
	return NewErrorMessage(requestID, code, err.Error())
}

func (h *EngineHandler) handleStatus(id uint32, payload []byte) (*Message, error) {
	var req StatusRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid status request"), nil
		}
	}

	stats, err := h.engine.Stats()
	if err != nil {
		return h.errorMessage(id, err), nil
	}

	resp := &StatusResponse{
		Version:       h.version,
		StartedAt:     h.startedAt,
		Uptime:        time.Since(h.startedAt),
		Root:          h.root,
		Enabled:       stats.Enabled,
		SnapshotCount: stats.Snapshots,
		PatchCount:    stats.PatchRecords,
		TrackedFiles:  stats.TrackedFiles,
		BlobCount:     stats.Blobs,
		DeltaBlobs:    stats.DeltaBlobs,
		StoreBytes:    stats.StoreBytes,
	}
	if req.IncludeSessions {
		sessions, err := h.engine.Sessions(true)
		if err != nil {
			return h.errorMessage(id, err), nil
		}
		resp.ActiveSessions = sessionInfos(sessions)
	}
	return NewResponse(MsgStatusResponse, id, resp)
}

func (h *EngineHandler) handleCapture(id uint32, payload []byte) (*Message, error) {
	var req CaptureRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid capture request"), nil
	}

	created, err := h.engine.CaptureSnapshot(req.Description, req.Paths)
	resp := &CaptureResponse{Created: created}
	if err != nil {
		// An oversize store at the retention floor is a warning on a
		// successful capture, not a failure.
		if !errors.Is(err, engine.ErrStorageOversize) {
			return h.errorMessage(id, err), nil
		}
		resp.Warning = err.Error()
	}
	if created {
		if snaps, err := h.engine.ListSnapshots(); err == nil && len(snaps) > 0 {
			resp.SnapshotID = snaps[len(snaps)-1].ID
		}
	}
	return NewResponse(MsgCaptureResp, id, resp)
}

func (h *EngineHandler) handleListSnapshots(id uint32, payload []byte) (*Message, error) {
	var req ListSnapshotsRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid list request"), nil
		}
	}

	snaps, err := h.engine.ListSnapshots()
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	if req.Limit > 0 && len(snaps) > req.Limit {
		snaps = snaps[len(snaps)-req.Limit:]
	}

	resp := &ListSnapshotsResponse{Snapshots: make([]SnapshotInfo, 0, len(snaps))}
	for _, s := range snaps {
		resp.Snapshots = append(resp.Snapshots, SnapshotInfo{
			ID:          s.ID,
			TimestampNs: s.Timestamp,
			Description: s.Description,
			FileCount:   len(s.Files),
		})
	}
	return NewResponse(MsgListSnapshotsResp, id, resp)
}

func (h *EngineHandler) handleSnapshotFiles(id uint32, payload []byte) (*Message, error) {
	var req SnapshotFilesRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid snapshot files request"), nil
	}

	files, err := h.engine.GetSnapshotFiles(req.SnapshotID)
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgSnapshotFilesResp, id, &SnapshotFilesResponse{
		SnapshotID: req.SnapshotID,
		Files:      files,
	})
}

func (h *EngineHandler) handleExport(id uint32, payload []byte) (*Message, error) {
	var req ExportRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid export request"), nil
	}

	manifest, err := h.engine.ExportSnapshot(req.SnapshotID, req.DestDir)
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgExportResp, id, &ExportResponse{
		FileCount:    manifest.FileCount,
		ManifestPath: filepath.Join(req.DestDir, "manifest.json"),
	})
}

func (h *EngineHandler) handleRebuild(id uint32, payload []byte) (*Message, error) {
	var req RebuildRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid rebuild request"), nil
	}

	res, err := h.engine.Rebuild(req.Path, req.TimestampNs)
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgRebuildResp, id, &RebuildResponse{
		Content:        res.Content,
		PatchesApplied: res.PatchesApplied,
		Recovered:      res.Recovered,
		TimestampNs:    res.Timestamp,
	})
}

func (h *EngineHandler) handleTimestamps(id uint32, payload []byte) (*Message, error) {
	var req TimestampsRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid timestamps request"), nil
	}

	timestamps, err := h.engine.GetAvailableTimestamps(req.Path)
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgTimestampsResp, id, &TimestampsResponse{
		Path:       req.Path,
		Timestamps: timestamps,
	})
}

func (h *EngineHandler) handleListSessions(id uint32, payload []byte) (*Message, error) {
	var req ListSessionsRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid sessions request"), nil
		}
	}

	sessions, err := h.engine.Sessions(req.ActiveOnly)
	if err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgListSessionsResp, id, &ListSessionsResponse{
		Sessions: sessionInfos(sessions),
	})
}

func (h *EngineHandler) handleEndSession(id uint32, payload []byte) (*Message, error) {
	var req EndSessionRequest
	if len(payload) > 0 {
		if err := Decode(payload, &req); err != nil {
			return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid end session request"), nil
		}
	}

	ts := req.TimestampNs
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	if err := h.engine.EndSession(ts); err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgEndSessionResp, id, &EndSessionResponse{Ended: true})
}

func (h *EngineHandler) handleRecordEdit(id uint32, payload []byte) (*Message, error) {
	var req RecordEditRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid edit request"), nil
	}

	kind, ok := parseEditKind(req.Kind)
	if !ok {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "unknown edit kind: "+req.Kind), nil
	}

	ts := req.TimestampNs
	if ts == 0 {
		ts = time.Now().UnixNano()
	}

	ev := engine.EditEvent{
		Kind:      kind,
		Path:      req.Path,
		Timestamp: ts,
		Content:   req.Content,
		Offset:    req.Offset,
		Length:    req.Length,
	}
	if req.Cursor != nil {
		ev.Cursor = &eventlog.Cursor{Line: req.Cursor.Line, Column: req.Cursor.Column}
	}

	if err := h.engine.RecordEdit(ev); err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgRecordEditResp, id, &RecordEditResponse{Recorded: true})
}

func (h *EngineHandler) handleRecordSave(id uint32, payload []byte) (*Message, error) {
	var req RecordSaveRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid save request"), nil
	}

	ts := req.TimestampNs
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	if err := h.engine.RecordSave(req.Path, ts); err != nil {
		return h.errorMessage(id, err), nil
	}
	return NewResponse(MsgRecordSaveResp, id, &RecordSaveResponse{Flushed: true})
}

func (h *EngineHandler) handleClear(id uint32, payload []byte) (*Message, error) {
	var req ClearRequest
	if err := Decode(payload, &req); err != nil {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "invalid clear request"), nil
	}
	if !req.Confirm {
		return NewErrorMessage(id, ErrCodeInvalidRequest, "clear requires confirmation"), nil
	}

	if err := h.engine.ClearHistory(); err != nil {
		return h.errorMessage(id, err), nil
	}
	h.log.Info("history cleared over ipc")
	return NewResponse(MsgClearResp, id, &ClearResponse{Cleared: true})
}

func parseEditKind(s string) (engine.EditKind, bool) {
	switch s {
	case "full-replace":
		return engine.EditFullReplace, true
	case "insert":
		return engine.EditInsert, true
	case "delete":
		return engine.EditDelete, true
	case "range-replace":
		return engine.EditRangeReplace, true
	default:
		return 0, false
	}
}

func sessionInfos(sessions []eventlog.Session) []SessionInfo {
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{
			ID:             s.ID,
			StartedAtNs:    s.StartedAt,
			LastActivityNs: s.LastActivity,
			Active:         s.Active,
			Repo:           s.Repo,
			Branch:         s.Branch,
		})
	}
	return infos
}
