package ws

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"namingpush/internal/upstream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// StreamHandler serves one frame stream until it ends
type StreamHandler interface {
	HandleStream(ctx context.Context, stream upstream.Stream, remoteAddr string) error
}

// Handler upgrades requests on its path to push streams
type Handler struct {
	path    string
	streams StreamHandler
	logger  zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(path string, streams StreamHandler, logger zerolog.Logger) *Handler {
	if path == "" {
		path = upstream.DefaultWSPath
	}
	return &Handler{
		path:    path,
		streams: streams,
		logger:  logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	h.logger.Info().
		Str("remoteAddr", r.RemoteAddr).
		Msg("new WebSocket connection")

	stream := upstream.NewWSStream(conn, h.logger.With().Str("remoteAddr", r.RemoteAddr).Logger())
	defer stream.Close()

	if err := h.streams.HandleStream(r.Context(), stream, r.RemoteAddr); err != nil {
		h.logger.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("stream ended with error")
	}
}
