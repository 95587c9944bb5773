package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
	"github.com/technosupport/ts-mediagw/internal/streams"
)

type StreamHandler struct {
	Service *streams.Service
}

func NewStreamHandler(svc *streams.Service) *StreamHandler {
	return &StreamHandler{Service: svc}
}

// POST /v1/devices/{id}/start-stream
//
// Matching an already running stream returns its identifiers with
// reconnect:true and performs no work. A fresh start blocks until the
// stream settles or the start deadline passes.
func (h *StreamHandler) StartStream(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid device id")
		return
	}

	res, err := h.Service.StartStream(r.Context(), deviceID)
	if err != nil {
		switch {
		case errors.Is(err, streams.ErrDeviceNotFound):
			notFound(w, r, "device")
		case errors.Is(err, sfu.ErrSfuDisconnected), errors.Is(err, sfu.ErrSfuUnavailable):
			WriteError(w, r, http.StatusServiceUnavailable, CodeSfuUnavailable,
				"media router is unavailable", nil)
		default:
			serverError(w, r, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"v2_stream_id": res.Stream.ID,
		"producers":    map[string]string{"video": res.ProducerID},
		"room_id":      res.Stream.ID.String(),
		"stream":       map[string]any{"status": res.Stream.State},
		"reconnect":    res.Reconnect,
	})
}

// POST /v1/devices/{id}/stop-stream
//
// Idempotent: a device with nothing running still reports stopped.
func (h *StreamHandler) StopStream(w http.ResponseWriter, r *http.Request) {
	deviceID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid device id")
		return
	}

	if err := h.Service.StopStream(r.Context(), deviceID); err != nil {
		if errors.Is(err, streams.ErrDeviceNotFound) {
			notFound(w, r, "device")
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// GET /v2/streams
func (h *StreamHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filter := data.StreamFilter{State: r.URL.Query().Get("state")}
	if v := r.URL.Query().Get("camera_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			badRequest(w, r, "invalid camera_id")
			return
		}
		filter.CameraID = &id
	}

	items, total, err := h.Service.List(r.Context(), filter, limit, offset)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if items == nil {
		items = []*data.Stream{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GET /v2/streams/{id}
func (h *StreamHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	detail, err := h.Service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// GET /v2/streams/{id}/health
func (h *StreamHandler) Health(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	detail, err := h.Service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}

	body := map[string]any{
		"is_healthy":   false,
		"bitrate_kbps": int64(0),
		"fps":          0, // the router's producer stats carry no frame rate
		"packet_loss":  int64(0),
		"jitter_ms":    int64(0),
		"last_error":   detail.Stream.LastError,
	}
	if rep := detail.Health; rep != nil {
		body["is_healthy"] = detail.Stream.State == data.StreamLive && !rep.Stale
		body["bitrate_kbps"] = rep.Bitrate / 1000
		body["packet_loss"] = rep.PacketsLost
		body["jitter_ms"] = rep.Jitter
	}
	writeJSON(w, http.StatusOK, body)
}

// POST /v2/streams/{id}/stop
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	if err := h.Service.Stop(r.Context(), id); err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v2/streams/{id}
func (h *StreamHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	if err := h.Service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v2/streams/{id}/router-capabilities
//
// The capability blob is router-global; the stream id only anchors the
// path and is checked for existence.
func (h *StreamHandler) RouterCapabilities(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}
	if _, err := h.Service.Get(r.Context(), id); err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}

	caps, err := h.Service.RouterCapabilities(r.Context())
	if err != nil {
		if errors.Is(err, sfu.ErrSfuDisconnected) || errors.Is(err, sfu.ErrSfuUnavailable) {
			WriteError(w, r, http.StatusServiceUnavailable, CodeSfuUnavailable,
				"media router is unavailable", nil)
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, caps)
}
