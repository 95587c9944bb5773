package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/technosupport/ts-mediagw/internal/auth"
	"github.com/technosupport/ts-mediagw/internal/data"
	"github.com/technosupport/ts-mediagw/internal/sfu"
	"github.com/technosupport/ts-mediagw/internal/streams"
)

type ConsumerHandler struct {
	Service *streams.ConsumerService
}

func NewConsumerHandler(svc *streams.ConsumerService) *ConsumerHandler {
	return &ConsumerHandler{Service: svc}
}

// POST /v2/streams/{id}/consume
//
// The consumer is bound to the authenticated client; a client holds at
// most one active consumer per stream.
func (h *ConsumerHandler) Attach(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}
	ac, ok := auth.GetAuthContext(r.Context())
	if !ok {
		WriteError(w, r, http.StatusUnauthorized, CodeInvalidToken, "missing authentication", nil)
		return
	}

	var req struct {
		RtpCapabilities json.RawMessage `json:"rtp_capabilities"`
	}
	if err := readJSON(w, r, &req); err != nil || len(req.RtpCapabilities) == 0 {
		badRequest(w, r, "rtp_capabilities is required")
		return
	}

	result, err := h.Service.Attach(r.Context(), streamID, ac.ClientID, req.RtpCapabilities)
	if err != nil {
		var notLive *streams.NotLiveError
		var sfuErr *sfu.SfuError
		switch {
		case errors.Is(err, streams.ErrStreamNotFound):
			notFound(w, r, "stream")
		case errors.As(err, &notLive):
			WriteError(w, r, http.StatusConflict, CodeStreamNotLive,
				"stream is not serving media", map[string]any{"current_state": notLive.CurrentState})
		case errors.Is(err, streams.ErrConsumerExists):
			WriteError(w, r, http.StatusConflict, CodeConsumerAlreadyExists,
				"client already has a consumer on this stream", nil)
		case errors.Is(err, sfu.ErrSfuDisconnected), errors.Is(err, sfu.ErrSfuUnavailable):
			WriteError(w, r, http.StatusServiceUnavailable, CodeSfuUnavailable,
				"media router is unavailable", nil)
		case errors.As(err, &sfuErr):
			// The router rejected the request, typically canConsume
			// refusing the offered RTP capabilities.
			WriteError(w, r, http.StatusBadRequest, CodeValidationError,
				sfuErr.Message, map[string]any{"sfu_code": sfuErr.Code})
		default:
			serverError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// POST /v2/streams/{id}/consumers/{cid}/connect
func (h *ConsumerHandler) Connect(w http.ResponseWriter, r *http.Request) {
	consumerID, err := uuidParam(r, "cid")
	if err != nil {
		badRequest(w, r, "invalid consumer id")
		return
	}

	var req struct {
		DtlsParameters json.RawMessage `json:"dtls_parameters"`
	}
	if err := readJSON(w, r, &req); err != nil || len(req.DtlsParameters) == 0 {
		badRequest(w, r, "dtls_parameters is required")
		return
	}

	if err := h.Service.Connect(r.Context(), consumerID, req.DtlsParameters); err != nil {
		switch {
		case errors.Is(err, streams.ErrConsumerNotFound):
			notFound(w, r, "consumer")
		case errors.Is(err, streams.ErrConsumerClosed):
			WriteError(w, r, http.StatusGone, CodeResourceNotFound, "consumer is closed", nil)
		case errors.Is(err, sfu.ErrSfuDisconnected), errors.Is(err, sfu.ErrSfuUnavailable):
			WriteError(w, r, http.StatusServiceUnavailable, CodeSfuUnavailable,
				"media router is unavailable", nil)
		default:
			serverError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

// DELETE /v2/streams/{id}/consumers/{cid}
//
// Idempotent: detaching an unknown or already closed consumer succeeds.
func (h *ConsumerHandler) Detach(w http.ResponseWriter, r *http.Request) {
	consumerID, err := uuidParam(r, "cid")
	if err != nil {
		badRequest(w, r, "invalid consumer id")
		return
	}
	if err := h.Service.Detach(r.Context(), consumerID); err != nil {
		serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v2/streams/{id}/consumers
func (h *ConsumerHandler) List(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	consumers, active, err := h.Service.List(r.Context(), streamID)
	if err != nil {
		if errors.Is(err, streams.ErrStreamNotFound) {
			notFound(w, r, "stream")
			return
		}
		serverError(w, r, err)
		return
	}
	if consumers == nil {
		consumers = []*data.Consumer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumers": consumers,
		"total":     len(consumers),
		"active":    active,
	})
}

// POST /v2/streams/{id}/consumers/{cid}/ice-candidate
//
// Trickle candidates from the client are acknowledged but unused; the
// SFU returns its full candidate set at attach time.
func (h *ConsumerHandler) IceCandidate(w http.ResponseWriter, r *http.Request) {
	consumerID, err := uuidParam(r, "cid")
	if err != nil {
		badRequest(w, r, "invalid consumer id")
		return
	}

	var req struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	if _, err := h.Service.Get(r.Context(), consumerID); err != nil {
		if errors.Is(err, streams.ErrConsumerNotFound) {
			notFound(w, r, "consumer")
			return
		}
		serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}
