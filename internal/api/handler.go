package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacedo/llmbridge/internal/auth"
	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/gateway"
	"github.com/rmacedo/llmbridge/internal/metrics"
)

const version = "0.1.0"

type HandlerConfig struct {
	Gateway *gateway.Gateway

	// GatewayKeyHash enables bearer auth on the completion routes when set.
	GatewayKeyHash string
}

type Handler struct {
	gateway *gateway.Gateway
	mux     *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway: cfg.Gateway,
		mux:     http.NewServeMux(),
	}

	protected := func(fn http.HandlerFunc) http.Handler {
		return auth.Middleware(cfg.GatewayKeyHash, fn)
	}

	h.mux.Handle("POST /v1/chat/completions", protected(h.handleChatCompletions))
	h.mux.Handle("GET /v1/models", protected(h.handleListModels))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthLive)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Stream {
		h.handleStreaming(w, r, req, requestID, start)
		return
	}

	resp, err := h.gateway.Completion(ctx, req)
	if err != nil {
		status, message := mapError(err)
		slog.Error("completion failed", "error", err, "request_id", requestID, "model", req.Model)
		writeError(w, status, message)
		return
	}

	slog.Info("request completed",
		"request_id", requestID,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStreaming(w http.ResponseWriter, r *http.Request, req domain.ChatRequest, requestID string, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	providerID := "none"
	if adapter, _ := h.gateway.Registry().Resolve(req.Model); adapter != nil {
		providerID = adapter.ID()
	}

	chunks, errs := h.gateway.StreamCompletion(ctx, req)

	headersSent := false
	sendHeaders := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Request-ID", requestID)
		headersSent = true
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if !headersSent {
					sendHeaders()
				}
				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()
				slog.Info("streaming request completed",
					"request_id", requestID,
					"model", req.Model,
					"latency_ms", time.Since(start).Milliseconds(),
				)
				return
			}

			if !headersSent {
				sendHeaders()
			}
			data, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()
			metrics.StreamChunksTotal.WithLabelValues(providerID).Inc()

		case err, ok := <-errs:
			if ok && err != nil {
				slog.Error("streaming error", "error", err, "request_id", requestID)
				if !headersSent {
					status, message := mapError(err)
					writeError(w, status, message)
				}
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reg := h.gateway.Registry()

	var allModels []domain.Model
	for _, typ := range reg.Providers() {
		provider, ok := reg.Provider(typ)
		if !ok {
			continue
		}
		models, err := provider.Models(ctx)
		if err != nil {
			slog.Warn("failed to get models from provider", "provider", typ, "error", err)
			continue
		}
		allModels = append(allModels, models...)
	}
	for _, p := range reg.Proxies() {
		models, err := p.Models(ctx)
		if err != nil {
			continue
		}
		allModels = append(allModels, models...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(domain.ModelsResponse{Object: "list", Data: allModels})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	reg := h.gateway.Registry()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"version":   version,
		"providers": reg.Providers(),
	})
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func mapError(err error) (int, string) {
	var upstream *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &upstream):
		return upstream.StatusCode, err.Error()
	default:
		return http.StatusBadGateway, err.Error()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
