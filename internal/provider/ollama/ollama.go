package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/transport"
)

const defaultBaseURL = "http://localhost:11434"

var modelPrefixes = []string{"llama", "mistral", "gemma", "qwen", "phi", "deepseek"}

type Provider struct {
	baseURL  string
	defaults map[string]any
	client   *transport.Client
}

func New(baseURL string, defaults map[string]any, client *transport.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if client == nil {
		client = transport.DefaultClient()
	}
	return &Provider{
		baseURL:  baseURL,
		defaults: defaults,
		client:   client,
	}
}

func (p *Provider) ID() string {
	return "ollama"
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
	var resp chatResponse
	if err := p.client.DoJSON(ctx, p.request(req, false), &resp); err != nil {
		return nil, err
	}
	return toCanonicalResponse(resp, req.Model), nil
}

// StreamCompletion consumes the newline-delimited JSON stream the /api/chat
// endpoint produces; there is no SSE framing and no data marker here.
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
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}

			var streamResp chatResponse
			if err := json.Unmarshal([]byte(line), &streamResp); err != nil {
				continue
			}

			select {
			case chunks <- toCanonicalChunk(streamResp, id, req.Model):
			case <-ctx.Done():
				return
			}

			if streamResp.Done {
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
	var tags tagsResponse
	err := p.client.DoJSON(ctx, transport.Request{
		Method:   http.MethodGet,
		URL:      p.baseURL + "/api/tags",
		Provider: "ollama",
	}, &tags)
	if err != nil {
		return nil, err
	}

	models := make([]domain.Model, len(tags.Models))
	for i, m := range tags.Models {
		models[i] = domain.Model{
			ID:       m.Name,
			Object:   "model",
			OwnedBy:  "ollama",
			Provider: "ollama",
		}
	}
	return models, nil
}

func (p *Provider) request(req domain.ChatRequest, stream bool) transport.Request {
	return transport.Request{
		Method:   http.MethodPost,
		URL:      p.baseURL + "/api/chat",
		Body:     toChatRequest(req, p.defaults, stream),
		Provider: "ollama",
	}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Options  *options      `json:"options,omitempty"`
}

type wireMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
}

type toolCall struct {
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       string      `json:"created_at"`
	Message         wireMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func toChatRequest(req domain.ChatRequest, defaults map[string]any, stream bool) chatRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch {
		case m.FunctionCall != nil:
			args := json.RawMessage(m.FunctionCall.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage("{}")
			}
			messages = append(messages, wireMessage{
				Role: domain.RoleAssistant,
				ToolCalls: []toolCall{{
					Function: toolCallFunction{Name: m.FunctionCall.Name, Arguments: args},
				}},
			})

		case m.FunctionCallResult != nil:
			messages = append(messages, wireMessage{
				Role:    domain.RoleTool,
				Content: m.FunctionCallResult.Content,
			})

		default:
			var text string
			if m.Content != nil {
				text = *m.Content
			}
			messages = append(messages, wireMessage{Role: m.Role, Content: text})
		}
	}

	out := chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
		Tools:    toWireTools(req),
	}

	opts := options{}
	hasOpts := false
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
		hasOpts = true
	} else if v, ok := defaults["temperature"].(float64); ok {
		opts.Temperature = v
		hasOpts = true
	}
	if req.MaxTokens != nil {
		opts.NumPredict = *req.MaxTokens
		hasOpts = true
	}
	if hasOpts {
		out.Options = &opts
	}

	return out
}

func toWireTools(req domain.ChatRequest) []wireTool {
	fns := req.Functions
	for _, t := range req.Tools {
		fns = append(fns, t.Function)
	}
	if len(fns) == 0 {
		return nil
	}

	tools := make([]wireTool, 0, len(fns))
	for _, fn := range fns {
		tools = append(tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        fn.Name,
				Description: fn.Description,
				Parameters:  fn.Parameters,
			},
		})
	}
	return tools
}

func toCanonicalResponse(resp chatResponse, model string) *domain.ChatResponse {
	message := domain.Message{Role: domain.RoleAssistant}
	finishReason := mapDoneReason(resp.DoneReason)

	if len(resp.Message.ToolCalls) > 0 {
		last := resp.Message.ToolCalls[len(resp.Message.ToolCalls)-1]
		message.FunctionCall = &domain.FunctionCall{
			Name:      last.Function.Name,
			Arguments: string(last.Function.Arguments),
		}
		finishReason = domain.FinishFunctionCall
	} else {
		message.Content = domain.Text(resp.Message.Content)
	}

	return &domain.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
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
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}

func toCanonicalChunk(resp chatResponse, id, model string) domain.StreamChunk {
	delta := &domain.Delta{Content: resp.Message.Content}
	if len(resp.Message.ToolCalls) > 0 {
		last := resp.Message.ToolCalls[len(resp.Message.ToolCalls)-1]
		delta.FunctionCall = &domain.FunctionCallDelta{
			Name:      last.Function.Name,
			Arguments: string(last.Function.Arguments),
		}
	}

	finishReason := ""
	if resp.Done {
		finishReason = mapDoneReason(resp.DoneReason)
		if delta.FunctionCall != nil {
			finishReason = domain.FinishFunctionCall
		}
	}

	return domain.StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index:        0,
				Delta:        delta,
				FinishReason: finishReason,
			},
		},
	}
}

func mapDoneReason(reason string) string {
	switch reason {
	case "", "stop":
		return domain.FinishStop
	case "length", "limit":
		return domain.FinishLength
	default:
		return reason
	}
}
