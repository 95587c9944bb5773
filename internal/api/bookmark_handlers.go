package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-mediagw/internal/clips"
	"github.com/technosupport/ts-mediagw/internal/data"
)

type BookmarkHandler struct {
	Service       *clips.Service
	BookmarksRoot string
}

func NewBookmarkHandler(svc *clips.Service, root string) *BookmarkHandler {
	return &BookmarkHandler{Service: svc, BookmarksRoot: root}
}

// POST /v2/streams/{id}/bookmarks
//
// Returns 201; clips whose window reaches into the future extract once
// the recording catches up.
func (h *BookmarkHandler) Create(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	var req struct {
		Source          string          `json:"source"`
		CenterTimestamp time.Time       `json:"center_timestamp"`
		BeforeSeconds   float64         `json:"before_seconds"`
		AfterSeconds    float64         `json:"after_seconds"`
		Label           string          `json:"label"`
		EventType       string          `json:"event_type"`
		Confidence      *float64        `json:"confidence"`
		Tags            []string        `json:"tags"`
		Metadata        json.RawMessage `json:"metadata"`
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

	bm, err := h.Service.CreateBookmark(r.Context(), clips.BookmarkRequest{
		StreamID:      streamID,
		Source:        source,
		Center:        req.CenterTimestamp,
		BeforeSeconds: req.BeforeSeconds,
		AfterSeconds:  req.AfterSeconds,
		Label:         req.Label,
		EventType:     req.EventType,
		Confidence:    req.Confidence,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	})
	if err != nil {
		writeClipsError(w, r, err, "stream")
		return
	}
	writeJSON(w, http.StatusCreated, bm)
}

// GET /v2/bookmarks
func (h *BookmarkHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)

	filter := data.BookmarkFilter{
		Status:    r.URL.Query().Get("status"),
		EventType: r.URL.Query().Get("event_type"),
	}
	if v := r.URL.Query().Get("stream_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			badRequest(w, r, "invalid stream_id")
			return
		}
		filter.StreamID = &id
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, r, "invalid from timestamp")
			return
		}
		filter.From = &t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			badRequest(w, r, "invalid to timestamp")
			return
		}
		filter.To = &t
	}

	items, total, err := h.Service.ListBookmarks(r.Context(), filter, limit, offset)
	if err != nil {
		serverError(w, r, err)
		return
	}
	if items == nil {
		items = []*data.Bookmark{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GET /v2/bookmarks/{id}
func (h *BookmarkHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid bookmark id")
		return
	}

	bm, err := h.Service.GetBookmark(r.Context(), id)
	if err != nil {
		writeClipsError(w, r, err, "bookmark")
		return
	}
	writeJSON(w, http.StatusOK, bm)
}

// PUT /v2/bookmarks/{id}
func (h *BookmarkHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid bookmark id")
		return
	}

	var req struct {
		Label     string   `json:"label"`
		EventType string   `json:"event_type"`
		Tags      []string `json:"tags"`
	}
	if err := readJSON(w, r, &req); err != nil {
		badRequest(w, r, "invalid request body")
		return
	}

	bm, err := h.Service.UpdateBookmark(r.Context(), id, req.Label, req.EventType, req.Tags)
	if err != nil {
		writeClipsError(w, r, err, "bookmark")
		return
	}
	writeJSON(w, http.StatusOK, bm)
}

// GET /v2/bookmarks/{id}/video
func (h *BookmarkHandler) Video(w http.ResponseWriter, r *http.Request) {
	h.serveArtifactFor(w, r, func(bm *data.Bookmark) (*string, string) {
		return bm.VideoPath, "video/mp4"
	})
}

// GET /v2/bookmarks/{id}/thumbnail
func (h *BookmarkHandler) Thumbnail(w http.ResponseWriter, r *http.Request) {
	h.serveArtifactFor(w, r, func(bm *data.Bookmark) (*string, string) {
		return bm.ThumbnailPath, "image/jpeg"
	})
}

func (h *BookmarkHandler) serveArtifactFor(w http.ResponseWriter, r *http.Request, pick func(*data.Bookmark) (*string, string)) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid bookmark id")
		return
	}

	bm, err := h.Service.GetBookmark(r.Context(), id)
	if err != nil {
		writeClipsError(w, r, err, "bookmark")
		return
	}
	path, contentType := pick(bm)
	if bm.Status == data.ExtractProcessing {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": bm.Status})
		return
	}
	if bm.Status != data.ExtractReady || path == nil || *path == "" {
		details := map[string]any{"status": bm.Status}
		if bm.Error != nil {
			details["error"] = *bm.Error
		}
		WriteError(w, r, http.StatusConflict, CodeValidationError,
			"bookmark extraction did not produce this artifact", details)
		return
	}

	w.Header().Set("Content-Type", contentType)
	serveArtifact(w, r, h.BookmarksRoot, *path)
}

// DELETE /v2/bookmarks/{id}
func (h *BookmarkHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid bookmark id")
		return
	}
	if err := h.Service.DeleteBookmark(r.Context(), id); err != nil {
		writeClipsError(w, r, err, "bookmark")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
