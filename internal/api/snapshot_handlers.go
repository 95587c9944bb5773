package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/clips"
	"github.com/technosupport/ts-mediagw/internal/data"
)

type SnapshotHandler struct {
	Service       *clips.Service
	SnapshotsRoot string
}

func NewSnapshotHandler(svc *clips.Service, root string) *SnapshotHandler {
	return &SnapshotHandler{Service: svc, SnapshotsRoot: root}
}

// POST /v2/streams/{id}/snapshots
//
// Returns 201: the record is PROCESSING until the extraction worker
// finishes.
func (h *SnapshotHandler) Create(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	var req struct {
		Source    string          `json:"source"`
		Timestamp *time.Time      `json:"timestamp"`
		Metadata  json.RawMessage `json:"metadata"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}
	source, ok := parseExtractSource(req.Source)
	if !ok {
		badRequest(w, r, "source must be \"live\" or \"historical\"")
		return
	}

	snap, err := h.Service.CreateSnapshot(r.Context(), clips.SnapshotRequest{
		StreamID:  streamID,
		Source:    source,
		Timestamp: req.Timestamp,
		Metadata:  req.Metadata,
	})
	if err != nil {
		writeClipsError(w, r, err, "stream")
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// parseExtractSource maps the wire spelling onto the stored constants.
func parseExtractSource(s string) (string, bool) {
	switch s {
	case "":
		return "", true
	case "live", data.SourceLive:
		return data.SourceLive, true
	case "historical", data.SourceHistorical:
		return data.SourceHistorical, true
	}
	return "", false
}

// GET /v2/snapshots
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filter := data.SnapshotFilter{
		Status: r.URL.Query().Get("status"),
		Source: r.URL.Query().Get("source"),
	}
	if v := r.URL.Query().Get("stream_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			badRequest(w, r, "invalid stream_id")
			return
		}
		filter.StreamID = &id
	}

	items, total, err := h.Service.ListSnapshots(r.Context(), filter, limit, offset)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if items == nil {
		items = []*data.Snapshot{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GET /v2/snapshots/{id}
func (h *SnapshotHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid snapshot id")
		return
	}

	snap, err := h.Service.GetSnapshot(r.Context(), id)
	if err != nil {
		writeClipsError(w, r, err, "snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GET /v2/snapshots/{id}/image
func (h *SnapshotHandler) Image(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid snapshot id")
		return
	}

	snap, err := h.Service.GetSnapshot(r.Context(), id)
	if err != nil {
		writeClipsError(w, r, err, "snapshot")
		return
	}
	if snap.Status == data.ExtractProcessing {
		// Still being extracted; the client should poll again.
		writeJSON(w, http.StatusAccepted, map[string]any{"status": snap.Status})
		return
	}
	if snap.Status != data.ExtractReady || snap.ImagePath == nil {
		details := map[string]any{"status": snap.Status}
		if snap.Error != nil {
			details["error"] = *snap.Error
		}
		WriteError(w, r, http.StatusConflict, CodeValidationError,
			"snapshot extraction did not produce an image", details)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	serveArtifact(w, r, h.SnapshotsRoot, *snap.ImagePath)
}

// DELETE /v2/snapshots/{id}
func (h *SnapshotHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid snapshot id")
		return
	}
	if err := h.Service.DeleteSnapshot(r.Context(), id); err != nil {
		writeClipsError(w, r, err, "snapshot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeClipsError maps clips service errors onto the envelope.
func writeClipsError(w http.ResponseWriter, r *http.Request, err error, what string) {
	switch {
	case errors.Is(err, clips.ErrValidation):
		badRequest(w, r, err.Error())
	case errors.Is(err, clips.ErrStreamUnknown):
		notFound(w, r, "stream")
	case errors.Is(err, clips.ErrStreamNotLive):
		WriteError(w, r, http.StatusConflict, CodeStreamNotLive,
			"stream is not serving media", nil)
	case errors.Is(err, clips.ErrNotFound):
		notFound(w, r, what)
	case errors.Is(err, clips.ErrBacklogged):
		WriteError(w, r, http.StatusServiceUnavailable, CodeBacklogged,
			"extraction queue is full, retry later", nil)
	default:
		serverError(w, r, err)
	}
}
