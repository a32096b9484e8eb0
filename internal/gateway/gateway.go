// Package gateway is the public facade: it composes the registry and the
// adapters into the two completion operations.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/metrics"
	"github.com/rmacedo/llmbridge/internal/provider/factory"
	"github.com/rmacedo/llmbridge/internal/proxy"
	"github.com/rmacedo/llmbridge/internal/registry"
	"github.com/rmacedo/llmbridge/internal/transport"
)

type Gateway struct {
	registry *registry.Registry
	client   *transport.Client
	tracer   trace.Tracer
}

func New(client *transport.Client) *Gateway {
	if client == nil {
		client = transport.DefaultClient()
	}
	return &Gateway{
		registry: registry.New(),
		client:   client,
		tracer:   otel.Tracer("llmbridge"),
	}
}

// RegisterProvider constructs and registers the adapter for a vendor type.
// Registration is setup-time only; the registry is read-only once traffic
// starts.
func (g *Gateway) RegisterProvider(ctx context.Context, typ string, cfg registry.ProviderConfig) error {
	adapter, err := factory.New(ctx, typ, cfg, g.client)
	if err != nil {
		return fmt.Errorf("register provider %q: %w", typ, err)
	}
	g.registry.Register(typ, adapter)
	slog.Info("registered provider", "provider", typ)
	return nil
}

// CreateProxy registers a forwarding target for the models it claims.
// Proxies are checked before providers, in registration order.
func (g *Gateway) CreateProxy(cfg proxy.Config) {
	g.registry.AddProxy(proxy.New(cfg, g.client))
	slog.Info("registered proxy", "proxy", cfg.Name, "models", cfg.Models)
}

// Registry exposes the resolver for read-only consumers such as the HTTP
// surface's model listing.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Completion resolves the model to an adapter and delegates, returning the
// adapter's canonical response unchanged.
func (g *Gateway) Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	adapter, model := g.registry.Resolve(req.Model)
	if adapter == nil {
		metrics.RequestsTotal.WithLabelValues("none", req.Model, "not_found").Inc()
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Model)
	}

	ctx, span := g.tracer.Start(ctx, "llmbridge.completion", trace.WithAttributes(
		attribute.String("llm.provider", adapter.ID()),
		attribute.String("llm.model", model),
	))
	defer span.End()

	req.Model = model
	start := time.Now()

	resp, err := adapter.Completion(ctx, req)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		metrics.RequestsTotal.WithLabelValues(adapter.ID(), model, "error").Inc()
		metrics.ProviderErrors.WithLabelValues(adapter.ID(), errorType(err)).Inc()
		return nil, err
	}

	metrics.RequestsTotal.WithLabelValues(adapter.ID(), model, "ok").Inc()
	metrics.RequestDuration.WithLabelValues(adapter.ID(), model).Observe(latency.Seconds())
	metrics.TokensTotal.WithLabelValues(adapter.ID(), model, "prompt").Add(float64(resp.Usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(adapter.ID(), model, "completion").Add(float64(resp.Usage.CompletionTokens))

	slog.Info("completion",
		"provider", adapter.ID(),
		"model", model,
		"latency_ms", latency.Milliseconds(),
		"finish_reason", finishReason(resp),
	)

	return resp, nil
}

// StreamCompletion resolves identically and returns the adapter's chunk
// sequence unchanged; the facade neither buffers nor reshapes chunks.
func (g *Gateway) StreamCompletion(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	if err := validate(req); err != nil {
		return closedWith(err)
	}

	adapter, model := g.registry.Resolve(req.Model)
	if adapter == nil {
		metrics.RequestsTotal.WithLabelValues("none", req.Model, "not_found").Inc()
		return closedWith(fmt.Errorf("%w: %s", domain.ErrProviderNotFound, req.Model))
	}

	metrics.RequestsTotal.WithLabelValues(adapter.ID(), model, "stream").Inc()
	slog.Info("stream completion", "provider", adapter.ID(), "model", model)

	req.Model = model
	req.Stream = true
	return adapter.StreamCompletion(ctx, req)
}

func validate(req domain.ChatRequest) error {
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", domain.ErrInvalidRequest)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages are required", domain.ErrInvalidRequest)
	}
	return nil
}

func closedWith(err error) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	close(chunks)
	errs := make(chan error, 1)
	errs <- err
	close(errs)
	return chunks, errs
}

func errorType(err error) string {
	var (
		ue *domain.UpstreamError
		pe *domain.ProtocolError
	)
	switch {
	case errors.As(err, &ue):
		return "upstream"
	case errors.As(err, &pe):
		return "protocol"
	default:
		return "transport"
	}
}

func finishReason(resp *domain.ChatResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].FinishReason
}
