package anthropic

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

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// The messages API rejects requests without max_tokens.
	defaultMaxTokens = 2048
)

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
	return "anthropic"
}

func (p *Provider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude")
}

func (p *Provider) Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var resp messagesResponse
	if err := p.client.DoJSON(ctx, p.request(req, false), &resp); err != nil {
		return nil, err
	}
	return toCanonicalResponse(resp, req.Model)
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

		id := "chatcmpl-" + uuid.NewString()
		scanner := sse.NewScanner(body)
		for {
			data, ok := scanner.Next()
			if !ok {
				break
			}

			var event streamEvent
			if err := json.Unmarshal(data, &event); err != nil {
				continue
			}

			if event.Type == "message_stop" {
				return
			}

			chunk, emit := toCanonicalChunk(event, id, req.Model)
			if !emit {
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

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "claude-sonnet-4-20250514", Object: "model", OwnedBy: "anthropic", Provider: "anthropic"},
		{ID: "claude-3-7-sonnet-20250219", Object: "model", OwnedBy: "anthropic", Provider: "anthropic"},
		{ID: "claude-3-5-sonnet-20241022", Object: "model", OwnedBy: "anthropic", Provider: "anthropic"},
		{ID: "claude-3-5-haiku-20241022", Object: "model", OwnedBy: "anthropic", Provider: "anthropic"},
		{ID: "claude-3-opus-20240229", Object: "model", OwnedBy: "anthropic", Provider: "anthropic"},
	}
	return models, nil
}

func (p *Provider) request(req domain.ChatRequest, stream bool) transport.Request {
	return transport.Request{
		Method: http.MethodPost,
		URL:    p.baseURL + "/messages",
		Headers: map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": anthropicVersion,
		},
		Body:     toMessagesRequest(req, p.defaults, stream),
		Provider: "anthropic",
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []toolDecl    `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use fields.
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result fields.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type toolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// toMessagesRequest translates a canonical request into the messages API
// shape: system messages merge into the top-level system field, assistant
// tool calls become inline tool_use blocks, and tool results become a
// separate tool_result turn.
func toMessagesRequest(req domain.ChatRequest, defaults map[string]any, stream bool) messagesRequest {
	var systemParts []string
	messages := make([]wireMessage, 0, len(req.Messages))
	toolUseIDs := make(map[string]string)

	for _, m := range req.Messages {
		switch {
		case m.Role == domain.RoleSystem:
			if m.Content != nil {
				systemParts = append(systemParts, *m.Content)
			}

		case m.FunctionCall != nil:
			var blocks []contentBlock
			if m.Content != nil && *m.Content != "" {
				blocks = append(blocks, contentBlock{Type: "text", Text: *m.Content})
			}
			id := "toolu_" + uuid.NewString()
			toolUseIDs[m.FunctionCall.Name] = id
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  m.FunctionCall.Name,
				Input: toolInput(m.FunctionCall.Arguments),
			})
			messages = append(messages, wireMessage{Role: domain.RoleAssistant, Content: blocks})

		case m.FunctionCallResult != nil:
			id, ok := toolUseIDs[m.FunctionCallResult.Name]
			if !ok {
				id = "toolu_" + m.FunctionCallResult.Name
			}
			messages = append(messages, wireMessage{
				Role: domain.RoleUser,
				Content: []contentBlock{{
					Type:      "tool_result",
					ToolUseID: id,
					Content:   m.FunctionCallResult.Content,
				}},
			})

		default:
			var text string
			if m.Content != nil {
				text = *m.Content
			}
			messages = append(messages, wireMessage{
				Role:    m.Role,
				Content: []contentBlock{{Type: "text", Text: text}},
			})
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	} else if v, ok := defaults["max_tokens"]; ok {
		if n, ok := toInt(v); ok {
			maxTokens = n
		}
	}

	temperature := req.Temperature
	if temperature == nil {
		if v, ok := defaults["temperature"]; ok {
			if f, ok := v.(float64); ok {
				temperature = &f
			}
		}
	}

	return messagesRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		System:      strings.Join(systemParts, "\n\n"),
		Temperature: temperature,
		Tools:       toToolDecls(req),
		Stream:      stream,
	}
}

// toToolDecls carries the canonical tool schema through unchanged, accepting
// either the tools or the legacy functions field.
func toToolDecls(req domain.ChatRequest) []toolDecl {
	fns := req.Functions
	for _, t := range req.Tools {
		fns = append(fns, t.Function)
	}

	if len(fns) == 0 {
		return nil
	}

	decls := make([]toolDecl, 0, len(fns))
	for _, fn := range fns {
		decls = append(decls, toolDecl{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: fn.Parameters,
		})
	}
	return decls
}

func toolInput(arguments string) json.RawMessage {
	if json.Valid([]byte(arguments)) {
		return json.RawMessage(arguments)
	}
	return json.RawMessage("{}")
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// toCanonicalResponse maps a completed messages API answer onto the single
// canonical choice: the first text block becomes the content and the last
// tool_use block becomes the function call.
func toCanonicalResponse(resp messagesResponse, model string) (*domain.ChatResponse, error) {
	if resp.Type != "" && resp.Type != "message" {
		return nil, &domain.ProtocolError{Provider: "anthropic", Reason: "unexpected response type " + resp.Type}
	}

	message := domain.Message{Role: domain.RoleAssistant}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			if message.Content == nil {
				message.Content = domain.Text(block.Text)
			}
		case "tool_use":
			message.FunctionCall = &domain.FunctionCall{
				Name:      block.Name,
				Arguments: string(block.Input),
			}
		}
	}

	finishReason := mapStopReason(resp.StopReason)
	if message.FunctionCall != nil {
		// A tool invocation always yields a null-content function_call choice.
		message.Content = nil
		finishReason = domain.FinishFunctionCall
	}

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}

	return &domain.ChatResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Message:      &message,
				FinishReason: finishReason,
			},
		},
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

type streamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// toCanonicalChunk translates one stream event. Structural start events are
// suppressed except a tool_use start, which carries the function name;
// unrecognized events still emit an empty-delta envelope.
func toCanonicalChunk(event streamEvent, id, model string) (domain.StreamChunk, bool) {
	choice := domain.Choice{Index: 0, Delta: &domain.Delta{}}

	switch event.Type {
	case "message_start":
		return domain.StreamChunk{}, false

	case "content_block_start":
		if event.ContentBlock == nil || event.ContentBlock.Type != "tool_use" {
			return domain.StreamChunk{}, false
		}
		choice.Delta.FunctionCall = &domain.FunctionCallDelta{Name: event.ContentBlock.Name}

	case "content_block_delta":
		if event.Delta == nil {
			break
		}
		switch event.Delta.Type {
		case "text_delta":
			choice.Delta.Content = event.Delta.Text
		case "input_json_delta":
			choice.Delta.FunctionCall = &domain.FunctionCallDelta{Arguments: event.Delta.PartialJSON}
		}

	case "content_block_stop":
		// Block completion carries no payload; emit the envelope only.

	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			choice.FinishReason = mapStopReason(event.Delta.StopReason)
		}
	}

	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{choice},
	}, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return domain.FinishStop
	case "max_tokens":
		return domain.FinishLength
	case "tool_use":
		return domain.FinishFunctionCall
	default:
		return reason
	}
}
