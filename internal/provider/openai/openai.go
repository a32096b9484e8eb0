package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/sse"
	"github.com/rmacedo/llmbridge/internal/transport"
)

const defaultBaseURL = "https://api.openai.com/v1"

var modelPrefixes = []string{"gpt-", "chatgpt-", "o1", "o3", "text-"}

type Provider struct {
	apiKey   string
	baseURL  string
	defaults map[string]any
	client   *transport.Client
}

func New(apiKey, baseURL string, defaults map[string]any, client *transport.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = transport.DefaultClient()
	}
	return &Provider{
		apiKey:   apiKey,
		baseURL:  baseURL,
		defaults: defaults,
		client:   client,
	}
}

func (p *Provider) ID() string {
	return "openai"
}

func (p *Provider) SupportsModel(model string) bool {
	for _, prefix := range modelPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *Provider) Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := p.client.DoJSON(ctx, p.request(req, false), &resp); err != nil {
		return nil, err
	}

	normalizeResponse(&resp, req.Model)
	return &resp, nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
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
			normalizeChunk(&chunk, req.Model)

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

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	var resp domain.ModelsResponse
	err := p.client.DoJSON(ctx, transport.Request{
		Method:   http.MethodGet,
		URL:      p.baseURL + "/models",
		Headers:  map[string]string{"Authorization": "Bearer " + p.apiKey},
		Provider: "openai",
	}, &resp)
	if err != nil {
		return nil, err
	}

	for i := range resp.Data {
		resp.Data[i].Provider = "openai"
	}
	return resp.Data, nil
}

// request builds the outgoing call. The canonical schema already is the
// OpenAI wire shape, so translation is limited to the tool-result role and
// provider defaults.
func (p *Provider) request(req domain.ChatRequest, stream bool) transport.Request {
	req.Stream = stream
	req.AdditionalParams = mergeDefaults(p.defaults, req.AdditionalParams)

	return transport.Request{
		Method:   http.MethodPost,
		URL:      p.baseURL + "/chat/completions",
		Headers:  map[string]string{"Authorization": "Bearer " + p.apiKey},
		Body:     toWirePayload(req),
		Provider: "openai",
	}
}

type wireMessage struct {
	Role         string               `json:"role"`
	Content      *string              `json:"content"`
	Name         string               `json:"name,omitempty"`
	FunctionCall *domain.FunctionCall `json:"function_call,omitempty"`
}

func toWirePayload(req domain.ChatRequest) map[string]any {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.FunctionCallResult != nil {
			messages = append(messages, wireMessage{
				Role:    "function",
				Name:    m.FunctionCallResult.Name,
				Content: domain.Text(m.FunctionCallResult.Content),
			})
			continue
		}
		messages = append(messages, wireMessage{
			Role:         m.Role,
			Content:      m.Content,
			FunctionCall: m.FunctionCall,
		})
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_tokens"] = *req.MaxTokens
	}
	if req.Stream {
		payload["stream"] = true
	}
	if len(req.Tools) > 0 {
		payload["tools"] = req.Tools
	}
	if len(req.Functions) > 0 {
		payload["functions"] = req.Functions
	}
	for k, v := range req.AdditionalParams {
		if _, exists := payload[k]; !exists {
			payload[k] = v
		}
	}
	return payload
}

// normalizeResponse trims vendor multi-choice answers down to the single
// canonical choice and maps the finish-reason vocabulary.
func normalizeResponse(resp *domain.ChatResponse, model string) {
	if resp.ID == "" {
		resp.ID = "chatcmpl-" + uuid.NewString()
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if resp.Object == "" {
		resp.Object = "chat.completion"
	}
	if resp.Model == "" {
		resp.Model = model
	}
	if len(resp.Choices) > 1 {
		resp.Choices = resp.Choices[:1]
	}
	for i := range resp.Choices {
		resp.Choices[i].FinishReason = mapFinishReason(resp.Choices[i].FinishReason)
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
}

func normalizeChunk(chunk *domain.StreamChunk, model string) {
	if chunk.Model == "" {
		chunk.Model = model
	}
	if len(chunk.Choices) > 1 {
		chunk.Choices = chunk.Choices[:1]
	}
	for i := range chunk.Choices {
		chunk.Choices[i].FinishReason = mapFinishReason(chunk.Choices[i].FinishReason)
	}
}

func mapFinishReason(reason string) string {
	if reason == "tool_calls" {
		return domain.FinishFunctionCall
	}
	return reason
}

func mergeDefaults(defaults, params map[string]any) map[string]any {
	if len(defaults) == 0 {
		return params
	}
	merged := make(map[string]any, len(defaults)+len(params))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
