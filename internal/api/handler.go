// Package api exposes the segment manager and the peer endpoint to a local
// player over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hls-p2p-loader/internal/loader"
	"hls-p2p-loader/internal/media"
	"hls-p2p-loader/internal/peer"
	"hls-p2p-loader/internal/segments"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "application/octet-stream"

	// HeaderResponseURL carries the URL a playlist was finally served from.
	HeaderResponseURL = "X-Response-URL"
	// HeaderBandwidth carries the bandwidth estimate, in bytes per
	// millisecond, measured when a segment was loaded.
	HeaderBandwidth = "X-Download-Bandwidth"

	maxPlaylistBody = 8 << 20
)

// PeerSettings configures links created for inbound peer connections.
type PeerSettings struct {
	Link peer.Settings
	// UploadRateLimit throttles uploads to each peer, in bytes per second.
	// Zero disables throttling.
	UploadRateLimit int
}

// Handler exposes loader HTTP endpoints using go-chi.
type Handler struct {
	manager  *segments.Manager
	loader   *loader.HybridLoader
	peers    PeerSettings
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// NewHandler returns a Handler serving manager and accepting peers into l.
func NewHandler(manager *segments.Manager, l *loader.HybridLoader, peers PeerSettings, log *slog.Logger) *Handler {
	return &Handler{
		manager: manager,
		loader:  l,
		peers:   peers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/playlist", func(r chi.Router) {
		r.Get("/", h.LoadPlaylist)
		r.Post("/", h.ProcessPlaylist)
	})
	r.Get("/segment", h.LoadSegment)
	r.Route("/playback", func(r chi.Router) {
		r.Get("/", h.GetPlayback)
		r.Post("/", h.SetPlayingSegment)
		r.Delete("/", h.AbortSegment)
		r.Post("/position", h.SetPlaybackPosition)
	})
	r.Route("/peers", func(r chi.Router) {
		r.Get("/", h.ListPeers)
		r.Get("/ws", h.ConnectPeer)
	})
}

// LoadPlaylist handles GET /playlist?url=....
func (h *Handler) LoadPlaylist(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp, err := h.manager.LoadPlaylist(r.Context(), url)
	if err != nil {
		h.writeError(w, r, "load playlist failed", err, slog.String("url", url))
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set(HeaderResponseURL, resp.ResponseURL)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, resp.Body)
}

// ProcessPlaylist handles POST /playlist?url=...&response_url=... for a
// playlist the player fetched itself. The body is the playlist text.
func (h *Handler) ProcessPlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url := q.Get("url")
	if url == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	responseURL := q.Get("response_url")
	if responseURL == "" {
		responseURL = url
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlaylistBody))
	if err != nil {
		h.log.Debug("invalid playlist body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.manager.ProcessPlaylist(url, string(body), responseURL); err != nil {
		if errors.Is(err, segments.ErrInvalidManifest) {
			h.log.Debug("playlist rejected", slog.String("url", url), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		h.writeError(w, r, "process playlist failed", err, slog.String("url", url))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LoadSegment handles GET /segment?url=...[&range=first-last]. The range is
// inclusive, as in an HTTP Range header.
func (h *Handler) LoadSegment(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	br, err := parseRange(r.URL.Query().Get("range"))
	if url == "" || err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	res, err := h.manager.LoadSegment(r.Context(), url, br)
	if err != nil {
		h.writeError(w, r, "load segment failed", err, slog.String("url", url))
		return
	}
	if res.Content == nil {
		h.log.Debug("segment request aborted", slog.String("url", url))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", segmentContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
	w.Header().Set(HeaderBandwidth, strconv.FormatFloat(res.DownloadBandwidth, 'f', -1, 64))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Content)
}

type playingSegment struct {
	URL      string           `json:"url"`
	Range    *media.ByteRange `json:"range,omitempty"`
	Start    float64          `json:"start"`
	Duration float64          `json:"duration"`
}

// SetPlayingSegment handles POST /playback.
// Body: { "url": "...", "range": {"offset": 0, "length": 100}, "start": 10, "duration": 2 }.
func (h *Handler) SetPlayingSegment(w http.ResponseWriter, r *http.Request) {
	var body playingSegment
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		h.log.Debug("invalid playback body", slog.Any("error", err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.manager.SetPlayingSegment(body.URL, body.Range, body.Start, body.Duration)
	w.WriteHeader(http.StatusNoContent)
}

// SetPlaybackPosition handles POST /playback/position. Body: { "position": 12.5 }.
func (h *Handler) SetPlaybackPosition(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Position *float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Position == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.manager.SetPlayingSegmentByCurrentTime(*body.Position)
	w.WriteHeader(http.StatusNoContent)
}

// AbortSegment handles DELETE /playback?url=...[&range=first-last].
func (h *Handler) AbortSegment(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	br, err := parseRange(r.URL.Query().Get("range"))
	if url == "" || err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.manager.AbortSegment(url, br)
	w.WriteHeader(http.StatusNoContent)
}

// GetPlayback handles GET /playback.
func (h *Handler) GetPlayback(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.manager.Snapshot())
}

// ListPeers handles GET /peers.
func (h *Handler) ListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.loader.Peers())
}

// ConnectPeer handles GET /peers/ws[?peer_id=...]: it upgrades to a websocket
// and serves the connection as a peer until it closes.
func (h *Handler) ConnectPeer(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("peer_id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.log.Debug("peer upgrade failed", slog.String("error", err.Error()))
		return
	}

	maxSize := h.peers.Link.MaxMessageSize
	if maxSize <= 0 {
		maxSize = peer.DefaultMaxMessageSize
	}
	transport := peer.NewWebSocketTransport(conn, maxSize, peer.NewUploadLimiter(h.peers.UploadRateLimit, maxSize))
	link := peer.NewLink(id, transport, h.peers.Link, h.log)
	h.loader.AddPeer(link)

	h.log.Info("peer accepted", slog.String("peer_id", id), slog.String("remote_address", transport.RemoteAddr()))
	transport.Serve(link)
	_ = transport.Close()
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error, attrs ...slog.Attr) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		h.log.Debug(msg+": client gone", slog.String("error", err.Error()))
		return
	}
	status := statusFor(err)

	args := make([]any, 0, len(attrs)+2)
	for _, a := range attrs {
		args = append(args, a)
	}
	args = append(args, slog.String("error", err.Error()), slog.Int("status", status))
	if status >= http.StatusInternalServerError {
		h.log.Warn(msg, args...)
	} else {
		h.log.Info(msg, args...)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, segments.ErrSuperseded), errors.Is(err, segments.ErrInternalAbort):
		return http.StatusConflict
	case errors.Is(err, segments.ErrDestroyed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// parseRange reads "first-last" (inclusive). An empty string is no range.
func parseRange(s string) (*media.ByteRange, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimPrefix(s, "bytes=")
	first, last, ok := strings.Cut(s, "-")
	if !ok {
		return nil, fmt.Errorf("invalid range %q", s)
	}
	a, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	b, err := strconv.ParseInt(last, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	if a < 0 || b < a {
		return nil, fmt.Errorf("invalid range %q", s)
	}
	return &media.ByteRange{Offset: a, Length: b - a + 1}, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
