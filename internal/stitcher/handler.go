package stitcher

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"hls-stitcher/internal/platform/metrics"
	"hls-stitcher/internal/playlist"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// Handler exposes the stitcher HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Routes mounts the playlist endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/playlist/{channel}", h.GetPlaylist)
	r.Get("/healthz", h.Healthz)
}

// GetPlaylist handles GET /playlist/{channel}?viewer=...&variant=....
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	req := Request{
		Channel: chi.URLParam(r, "channel"),
		Variant: q.Get("variant"),
		Viewer:  q.Get("viewer"),
	}

	res, err := h.svc.Playlist(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
		}
		h.log.Debug("playlist request failed",
			slog.String("channel", req.Channel),
			slog.String("variant", req.Variant),
			slog.Int("status", status),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(status), status)
		return
	}

	if res.Degraded {
		h.log.Debug("served source playlist",
			slog.String("channel", req.Channel),
			slog.String("variant", req.Variant))
	}
	if h.metrics != nil {
		h.metrics.IncPlaylists(res.Kind.String(), res.Kind == playlist.Media && !res.Degraded)
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "private, no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Body))
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
