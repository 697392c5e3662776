package server

import (
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"namingpush/internal/payload"
	"namingpush/internal/proxy"
)

// PublishPath accepts a service info and pushes it to subscribers
const PublishPath = "/nacos/v1/ns/service/publish"

const maxBodySize = 10 * 1024 * 1024

// ServiceReader returns the current info of a service
type ServiceReader interface {
	Get(serviceName, clusters string) (*payload.ServiceInfo, bool)
}

// Emitter stores a service info and pushes it to subscribers
type Emitter interface {
	Emit(info *payload.ServiceInfo) int
}

type publishResponse struct {
	Service string `json:"service"`
	Pushed  int    `json:"pushed"`
}

// NewHTTPHandler returns the query, publish, metrics and health endpoints
func NewHTTPHandler(services ServiceReader, emitter Emitter, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	h := &httpHandler{
		services: services,
		emitter:  emitter,
		logger:   logger.With().Str("component", "http").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+proxy.InstanceListPath, h.instanceList)
	mux.HandleFunc("POST "+PublishPath, h.publish)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

type httpHandler struct {
	services ServiceReader
	emitter  Emitter
	logger   zerolog.Logger
}

func (h *httpHandler) instanceList(w http.ResponseWriter, r *http.Request) {
	serviceName := r.URL.Query().Get("serviceName")
	if serviceName == "" {
		http.Error(w, "serviceName is required", http.StatusBadRequest)
		return
	}
	clusters := r.URL.Query().Get("clusters")

	info, ok := h.services.Get(serviceName, clusters)
	if !ok {
		info = &payload.ServiceInfo{Name: serviceName, Clusters: clusters}
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *httpHandler) publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var info payload.ServiceInfo
	if err := payload.Unmarshal(body, &info); err != nil {
		http.Error(w, "invalid service info", http.StatusBadRequest)
		return
	}
	if info.Name == "" {
		http.Error(w, "service name is required", http.StatusBadRequest)
		return
	}

	pushed := h.emitter.Emit(&info)
	h.logger.Info().
		Str("service", info.Key()).
		Int64("lastRefTime", info.LastRefTime).
		Int("pushed", pushed).
		Msg("service published")
	h.writeJSON(w, http.StatusOK, publishResponse{Service: info.Key(), Pushed: pushed})
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := payload.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}
