package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"
	"github.com/rmacedo/llmbridge/internal/domain"
)

const anthropicBedrockVersion = "bedrock-2023-05-31"

// Bedrock requires max_tokens on every invocation.
const defaultMaxTokens = 2048

var vendorPrefixes = []string{"anthropic.", "amazon.", "meta.", "mistral."}

type Provider struct {
	client   *bedrockruntime.Client
	region   string
	defaults map[string]any
}

func New(ctx context.Context, region string, defaults map[string]any) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Provider{
		client:   bedrockruntime.NewFromConfig(cfg),
		region:   region,
		defaults: defaults,
	}, nil
}

func NewWithConfig(cfg aws.Config, defaults map[string]any) *Provider {
	return &Provider{
		client:   bedrockruntime.NewFromConfig(cfg),
		region:   cfg.Region,
		defaults: defaults,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) SupportsModel(model string) bool {
	for _, prefix := range vendorPrefixes {
		if strings.HasPrefix(model, prefix) {
			return true
		}
	}
	return false
}

func (p *Provider) Completion(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(toInvokeBody(req, p.defaults))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, &domain.TransportError{Err: fmt.Errorf("invoke model: %w", err)}
	}

	var resp invokeResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, &domain.ProtocolError{Provider: "bedrock", Reason: "decode response", Err: err}
	}

	return toCanonicalResponse(resp, req.Model), nil
}

func (p *Provider) StreamCompletion(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(toInvokeBody(req, p.defaults))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(req.Model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			errs <- &domain.TransportError{Err: fmt.Errorf("invoke model stream: %w", err)}
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		id := "chatcmpl-" + uuid.NewString()
		for event := range stream.Events() {
			member, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var streamEvt streamEvent
			if err := json.Unmarshal(member.Value.Bytes, &streamEvt); err != nil {
				continue
			}

			if streamEvt.Type == "message_stop" {
				return
			}

			chunk, emit := toCanonicalChunk(streamEvt, id, req.Model)
			if !emit {
				continue
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- &domain.TransportError{Err: fmt.Errorf("stream: %w", err)}
		}
	}()

	return chunks, errs
}

func (p *Provider) Models(ctx context.Context) ([]domain.Model, error) {
	models := []domain.Model{
		{ID: "anthropic.claude-3-5-sonnet-20241022-v2:0", Object: "model", OwnedBy: "anthropic", Provider: "bedrock"},
		{ID: "anthropic.claude-3-5-haiku-20241022-v1:0", Object: "model", OwnedBy: "anthropic", Provider: "bedrock"},
		{ID: "anthropic.claude-3-opus-20240229-v1:0", Object: "model", OwnedBy: "anthropic", Provider: "bedrock"},
		{ID: "amazon.titan-text-express-v1", Object: "model", OwnedBy: "amazon", Provider: "bedrock"},
		{ID: "meta.llama3-70b-instruct-v1:0", Object: "model", OwnedBy: "meta", Provider: "bedrock"},
		{ID: "meta.llama3-8b-instruct-v1:0", Object: "model", OwnedBy: "meta", Provider: "bedrock"},
	}
	return models, nil
}

type invokeBody struct {
	AnthropicVersion string        `json:"anthropic_version"`
	MaxTokens        int           `json:"max_tokens"`
	Messages         []wireMessage `json:"messages"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
	Tools            []toolDecl    `json:"tools,omitempty"`
}

type wireMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type toolDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// toInvokeBody builds the Anthropic-on-Bedrock request body; the translation
// rules match the direct Anthropic adapter, with the versioning Bedrock
// mandates in the body instead of a header.
func toInvokeBody(req domain.ChatRequest, defaults map[string]any) invokeBody {
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
			input := json.RawMessage(m.FunctionCall.Arguments)
			if !json.Valid(input) {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, contentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  m.FunctionCall.Name,
				Input: input,
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
	} else if v, ok := defaults["max_tokens"].(float64); ok {
		maxTokens = int(v)
	}

	fns := req.Functions
	for _, t := range req.Tools {
		fns = append(fns, t.Function)
	}
	var tools []toolDecl
	for _, fn := range fns {
		tools = append(tools, toolDecl{
			Name:        fn.Name,
			Description: fn.Description,
			InputSchema: fn.Parameters,
		})
	}

	return invokeBody{
		AnthropicVersion: anthropicBedrockVersion,
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           strings.Join(systemParts, "\n\n"),
		Temperature:      req.Temperature,
		Tools:            tools,
	}
}

type invokeResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func toCanonicalResponse(resp invokeResponse, model string) *domain.ChatResponse {
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
	}
}

type streamEvent struct {
	Type         string        `json:"type"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *streamDelta  `json:"delta,omitempty"`
}

type streamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

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
