// Package proxy forwards canonical requests to a user-specified endpoint
// that already speaks the canonical schema.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/sse"
	"github.com/rmacedo/llmbridge/internal/transport"
)

// Wildcard in a proxy's model set matches every identifier.
const Wildcard = "*"

// Config declares one proxy target. Owned by the registry after
// registration; evaluated in registration order, first match wins.
type Config struct {
	Name       string            `yaml:"name"`
	URL        string            `yaml:"url"`
	Headers    map[string]string `yaml:"headers"`
	Models     []string          `yaml:"models"`
	ProxyModel string            `yaml:"proxy_model"`
}

type Proxy struct {
	cfg    Config
	models map[string]struct{}
	client *transport.Client
}

func New(cfg Config, client *transport.Client) *Proxy {
	if client == nil {
		client = transport.DefaultClient()
	}
	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		models[m] = struct{}{}
	}
	return &Proxy{cfg: cfg, models: models, client: client}
}

func (p *Proxy) ID() string {
	return p.cfg.Name
}

// Matches reports whether the proxy claims the resolved model name or the
// raw identifier, directly or through the wildcard.
func (p *Proxy) Matches(model, identifier string) bool {
	if _, ok := p.models[Wildcard]; ok {
		return true
	}
	if _, ok := p.models[model]; ok {
		return true
	}
	_, ok := p.models[identifier]
	return ok
}

// OutgoingModel applies the configured override, if any.
func (p *Proxy) OutgoingModel(model string) string {
	if p.cfg.ProxyModel != "" {
		return p.cfg.ProxyModel
	}
	return model
}

func (p *Proxy) SupportsModel(model string) bool {
	return p.Matches(model, model)
}

// Completion forwards the request as-is; the endpoint answers in the
// canonical shape, so no translation happens in either direction.
func (p *Proxy) Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := p.client.DoJSON(ctx, p.request(req, false), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamCompletion re-emits the endpoint's decoded events verbatim, trusting
// the upstream to already conform.
func (p *Proxy) StreamCompletion(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := p.client.DoStream(ctx, p.request(req, true))
		if err != nil {
			errs <- err
			return
		}
		defer body.Close()

		scanner := sse.NewScanner(body)
		for {
			event, ok := scanner.Next()
			if !ok {
				break
			}

			var chunk domain.StreamChunk
			if err := json.Unmarshal(event, &chunk); err != nil {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- &domain.TransportError{Err: fmt.Errorf("scan stream: %w", err)}
		}
	}()

	return chunks, errs
}

func (p *Proxy) Models(ctx context.Context) ([]domain.Model, error) {
	models := make([]domain.Model, 0, len(p.cfg.Models))
	for _, m := range p.cfg.Models {
		if m == Wildcard {
			continue
		}
		models = append(models, domain.Model{
			ID:       m,
			Object:   "model",
			OwnedBy:  p.cfg.Name,
			Provider: p.cfg.Name,
		})
	}
	return models, nil
}

func (p *Proxy) request(req domain.ChatRequest, stream bool) transport.Request {
	req.Stream = stream
	return transport.Request{
		Method:   http.MethodPost,
		URL:      p.cfg.URL,
		Headers:  p.cfg.Headers,
		Body:     req,
		Provider: p.cfg.Name,
	}
}
