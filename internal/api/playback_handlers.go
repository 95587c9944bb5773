package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-mediagw/internal/recording"
)

// PlaybackHandler serves the HLS recording tree. Files are only ever
// served out of <root>/<stream-uuid>/ and only playlist or segment
// names pass the filter; everything else is a 404.
type PlaybackHandler struct {
	Root string
}

func NewPlaybackHandler(root string) *PlaybackHandler {
	return &PlaybackHandler{Root: root}
}

// GET /v2/streams/{id}/hls/{file}
func (h *PlaybackHandler) Serve(w http.ResponseWriter, r *http.Request) {
	streamID, err := uuidParam(r, "id")
	if err != nil {
		badRequest(w, r, "invalid stream id")
		return
	}

	name := chi.URLParam(r, "file")
	if !recording.ValidFile(name) {
		notFound(w, r, "recording file")
		return
	}

	path, err := recording.SafeJoin(h.Root, streamID.String(), name)
	if err != nil {
		notFound(w, r, "recording file")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		notFound(w, r, "recording file")
		return
	}

	if strings.HasSuffix(name, ".m3u8") {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		// The playlist grows while the stream records.
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
		// Segments are immutable once written.
		w.Header().Set("Cache-Control", "public, max-age=86400")
	}
	http.ServeFile(w, r, path)
}

// ServeArtifact serves a single extracted file (snapshot image, clip
// video or thumbnail) from below the given root.
func serveArtifact(w http.ResponseWriter, r *http.Request, root, path string) {
	abs, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(abs, filepath.Clean(root)+string(os.PathSeparator)) {
		notFound(w, r, "file")
		return
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		notFound(w, r, "file")
		return
	}
	http.ServeFile(w, r, abs)
}
