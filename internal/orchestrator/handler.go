package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"hls-delivery/internal/objectstore"
	"hls-delivery/internal/platform/auth"
	"hls-delivery/internal/platform/metrics"
	"hls-delivery/internal/signing"
	"hls-delivery/internal/transcoder"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// Playlists may be re-signed or regenerated; segments never change.
	playlistCacheControl = "private, max-age=30"
	segmentCacheControl  = "private, max-age=86400"
	coverCacheControl    = "private, max-age=3600"

	// multipartMemory is how much of an upload is buffered in memory before
	// the rest spills to temporary files.
	multipartMemory = 8 << 20

	DefaultMaxUploadBytes = 100 << 20
)

// PlaybackMode selects how segment bytes reach the player.
type PlaybackMode string

const (
	// PlaybackRedirect sends players to minted URLs.
	PlaybackRedirect PlaybackMode = "redirect"
	// PlaybackProxy streams bytes through this service, hiding the origin host.
	PlaybackProxy PlaybackMode = "proxy"
)

// HandlerConfig tunes the HTTP surface.
type HandlerConfig struct {
	Mode           PlaybackMode
	MaxUploadBytes int64
}

// Handler exposes orchestrator HTTP endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     HandlerConfig
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, cfg HandlerConfig) *Handler {
	if cfg.Mode == "" {
		cfg.Mode = PlaybackRedirect
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handler{svc: svc, log: log, metrics: m, cfg: cfg}
}

// Register mounts the routes on r. requireUpload guards the routes that
// create or delete assets.
func (h *Handler) Register(r chi.Router, requireUpload func(http.Handler) http.Handler) {
	r.Get("/healthz", h.Health)
	r.Route("/assets", func(r chi.Router) {
		r.With(requireUpload).Post("/{category}", h.Upload)
		r.Get("/{id}", h.GetAsset)
		r.With(requireUpload).Delete("/{id}", h.DeleteAsset)
		r.Get("/{id}/grant", h.GetGrant)
		r.Get("/{id}/hls/{file}", h.Playback)
	})
}

// Upload handles POST /assets/{category}.
// Multipart body: "audio" (required), "cover" (optional), "public_cover" (bool).
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	category, err := ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		h.reject(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if !errors.As(err, &tooLarge) {
			err = errors.Join(errBadForm, err)
		}
		h.reject(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	audio, audioHdr, err := r.FormFile("audio")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			err = ErrMissingAudio
		} else {
			err = errors.Join(errBadForm, err)
		}
		h.reject(w, r, err)
		return
	}
	defer audio.Close()

	up := Upload{
		Category:  category,
		Audio:     audio,
		AudioName: audioHdr.Filename,
	}
	if v := r.FormValue("public_cover"); v != "" {
		up.PublicCover, _ = strconv.ParseBool(v)
	}
	cover, coverHdr, err := r.FormFile("cover")
	switch {
	case err == nil:
		defer cover.Close()
		up.Cover = cover
		up.CoverName = coverHdr.Filename
	case !errors.Is(err, http.ErrMissingFile):
		h.reject(w, r, errors.Join(errBadForm, err))
		return
	}
	if id, ok := auth.FromContext(r.Context()); ok {
		up.Owner = id.Subject
	}

	a, err := h.svc.Submit(r.Context(), up)
	if err != nil {
		h.reject(w, r, err)
		return
	}

	if h.metrics != nil {
		h.metrics.IncUploads("accepted")
	}
	w.Header().Set("Location", "/assets/"+string(a.ID))
	h.writeJSON(w, http.StatusAccepted, a)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, err error) {
	if h.metrics != nil {
		h.metrics.IncUploads("rejected")
	}
	h.writeError(w, r, err)
}

// GetAsset handles GET /assets/{id}.
func (h *Handler) GetAsset(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

// DeleteAsset handles DELETE /assets/{id}.
func (h *Handler) DeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantResponse struct {
	signing.Grant
	Secure bool `json:"secure"`
}

// GetGrant handles GET /assets/{id}/grant?file=playlist.m3u8&ttl=3600.
func (h *Handler) GetGrant(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			h.writeError(w, r, errors.Join(errBadTTL, err))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}

	g, err := h.svc.Grant(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("file"), ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, grantResponse{Grant: g, Secure: h.svc.signer.IsFullySecure()})
}

// Playback handles GET /assets/{id}/hls/{file}. The playlist is always served
// from here; segments redirect to a minted URL or are proxied.
func (h *Handler) Playback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	file := chi.URLParam(r, "file")

	if file == transcoder.PlaylistFilename {
		body, err := h.svc.Playlist(r.Context(), id, h.cfg.Mode == PlaybackRedirect)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", playlistContentType)
		w.Header().Set("Cache-Control", playlistCacheControl)
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	if h.cfg.Mode == PlaybackRedirect {
		g, err := h.svc.Grant(r.Context(), id, file, 0)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, g.URL, http.StatusFound)
		return
	}

	obj, err := h.svc.Open(r.Context(), id, file)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", proxyCacheControl(file))
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, obj.Body)
	if h.metrics != nil {
		h.metrics.AddProxiedBytes(n)
	}
	if err != nil {
		h.log.Debug("proxy copy interrupted",
			slog.String("asset_id", id),
			slog.String("file", file),
			slog.String("error", err.Error()))
	}
}

// proxyCacheControl picks the Cache-Control header for a proxied file by kind.
func proxyCacheControl(file string) string {
	if file == FileCover {
		return coverCacheControl
	}
	return segmentCacheControl
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.svc.Health(r.Context())
	status := http.StatusOK
	if err != nil {
		h.log.Warn("health check failed", slog.String("error", err.Error()))
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, health)
}

var (
	errBadForm = errors.New("malformed multipart form")
	errBadTTL  = errors.New("ttl must be a positive number of seconds")
)

type errorResponse struct {
	Error string `json:"error"`
	Bound string `json:"bound,omitempty"`
}

// statusFor maps an error onto the HTTP status the API reports for it.
func statusFor(err error) int {
	var (
		tooLarge   *http.MaxBytesError
		validation *transcoder.ValidationError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrUnknownCategory),
		errors.Is(err, ErrMissingAudio), errors.Is(err, errBadForm), errors.Is(err, errBadTTL):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnsupportedCover), errors.Is(err, transcoder.ErrDecode):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownFile), errors.Is(err, objectstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady):
		return http.StatusTooEarly
	case errors.Is(err, transcoder.ErrToolUnavailable), errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}

	var validation *transcoder.ValidationError
	if errors.As(err, &validation) {
		resp.Bound = string(validation.Bound)
	}

	switch {
	case status >= http.StatusInternalServerError && errors.Is(err, context.Canceled):
		h.log.Debug("request cancelled", slog.String("path", r.URL.Path))
		resp.Error = http.StatusText(status)
	case status == http.StatusInternalServerError:
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		resp.Error = http.StatusText(status)
	case status == http.StatusServiceUnavailable:
		h.log.Warn("service unavailable", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	default:
		h.log.Debug("request rejected",
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
	h.writeJSON(w, status, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
