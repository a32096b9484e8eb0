package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rmacedo/llmbridge/internal/domain"
	"github.com/rmacedo/llmbridge/internal/transport"
)

func intPtr(n int) *int { return &n }

func floatPtr(f float64) *float64 { return &f }

func TestToMessagesRequest_SystemMerge(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: domain.Text("You are terse.")},
			{Role: domain.RoleUser, Content: domain.Text("hi")},
			{Role: domain.RoleSystem, Content: domain.Text("Answer in French.")},
		},
	}

	wire := toMessagesRequest(req, nil, false)

	if wire.System != "You are terse.\n\nAnswer in French." {
		t.Errorf("system not merged: %q", wire.System)
	}
	if len(wire.Messages) != 1 {
		t.Fatalf("expected 1 message after system extraction, got %d", len(wire.Messages))
	}
	if wire.Messages[0].Role != domain.RoleUser {
		t.Errorf("unexpected role: %s", wire.Messages[0].Role)
	}
}

func TestToMessagesRequest_MaxTokensDefault(t *testing.T) {
	req := domain.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Text("hi")}},
	}

	if got := toMessagesRequest(req, nil, false).MaxTokens; got != defaultMaxTokens {
		t.Errorf("expected default %d, got %d", defaultMaxTokens, got)
	}

	req.MaxTokens = intPtr(100)
	if got := toMessagesRequest(req, nil, false).MaxTokens; got != 100 {
		t.Errorf("request value not honored: %d", got)
	}

	req.MaxTokens = nil
	wire := toMessagesRequest(req, map[string]any{"max_tokens": float64(512)}, false)
	if wire.MaxTokens != 512 {
		t.Errorf("provider default not applied: %d", wire.MaxTokens)
	}
}

func TestToMessagesRequest_TemperatureDefault(t *testing.T) {
	req := domain.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Text("hi")}},
	}

	wire := toMessagesRequest(req, map[string]any{"temperature": 0.2}, false)
	if wire.Temperature == nil || *wire.Temperature != 0.2 {
		t.Errorf("provider default not applied: %v", wire.Temperature)
	}

	req.Temperature = floatPtr(0.9)
	wire = toMessagesRequest(req, map[string]any{"temperature": 0.2}, false)
	if wire.Temperature == nil || *wire.Temperature != 0.9 {
		t.Errorf("request value not honored: %v", wire.Temperature)
	}
}

func TestToMessagesRequest_ToolCallMapping(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: domain.Text("what is the weather in Paris")},
			{
				Role:         domain.RoleAssistant,
				FunctionCall: &domain.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			},
			{
				Role:               domain.RoleUser,
				FunctionCallResult: &domain.FunctionCallResult{Name: "get_weather", Content: "18C, cloudy"},
			},
		},
	}

	wire := toMessagesRequest(req, nil, false)
	if len(wire.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(wire.Messages))
	}

	call := wire.Messages[1]
	if call.Role != domain.RoleAssistant {
		t.Errorf("tool call turn role: %s", call.Role)
	}
	if len(call.Content) != 1 || call.Content[0].Type != "tool_use" {
		t.Fatalf("expected single tool_use block: %+v", call.Content)
	}
	if call.Content[0].Name != "get_weather" {
		t.Errorf("tool name: %s", call.Content[0].Name)
	}
	if !strings.HasPrefix(call.Content[0].ID, "toolu_") {
		t.Errorf("tool_use id: %s", call.Content[0].ID)
	}
	if string(call.Content[0].Input) != `{"city":"Paris"}` {
		t.Errorf("tool input: %s", call.Content[0].Input)
	}

	result := wire.Messages[2]
	if result.Role != domain.RoleUser {
		t.Errorf("tool result turn role: %s", result.Role)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "tool_result" {
		t.Fatalf("expected single tool_result block: %+v", result.Content)
	}
	if result.Content[0].ToolUseID != call.Content[0].ID {
		t.Errorf("tool_use_id mismatch: %s vs %s", result.Content[0].ToolUseID, call.Content[0].ID)
	}
	if result.Content[0].Content != "18C, cloudy" {
		t.Errorf("tool result content: %s", result.Content[0].Content)
	}
}

func TestToMessagesRequest_InvalidToolArguments(t *testing.T) {
	req := domain.ChatRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, FunctionCall: &domain.FunctionCall{Name: "f", Arguments: "not json"}},
		},
	}

	wire := toMessagesRequest(req, nil, false)
	if string(wire.Messages[0].Content[0].Input) != "{}" {
		t.Errorf("expected empty object for invalid arguments, got %s", wire.Messages[0].Content[0].Input)
	}
}

func TestToToolDecls(t *testing.T) {
	schema := json.RawMessage(`{"type":"object"}`)
	req := domain.ChatRequest{
		Functions: []domain.ToolFunction{{Name: "legacy", Parameters: schema}},
		Tools: []domain.Tool{
			{Type: "function", Function: domain.ToolFunction{Name: "modern", Description: "d", Parameters: schema}},
		},
	}

	decls := toToolDecls(req)
	if len(decls) != 2 {
		t.Fatalf("expected 2 declarations, got %d", len(decls))
	}
	if decls[0].Name != "legacy" || decls[1].Name != "modern" {
		t.Errorf("unexpected order: %+v", decls)
	}
	if string(decls[1].InputSchema) != `{"type":"object"}` {
		t.Errorf("schema not carried through: %s", decls[1].InputSchema)
	}
}

func TestToCanonicalResponse_Text(t *testing.T) {
	resp := messagesResponse{
		ID:         "msg_01",
		Type:       "message",
		Content:    []contentBlock{{Type: "text", Text: "hello"}},
		StopReason: "end_turn",
		Usage:      usage{InputTokens: 10, OutputTokens: 5},
	}

	out, err := toCanonicalResponse(resp, "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}
	choice := out.Choices[0]
	if choice.Message.Content == nil || *choice.Message.Content != "hello" {
		t.Errorf("content: %v", choice.Message.Content)
	}
	if choice.FinishReason != domain.FinishStop {
		t.Errorf("finish reason: %s", choice.FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total tokens: %d", out.Usage.TotalTokens)
	}
	if out.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("model should echo the requested identifier: %s", out.Model)
	}
}

func TestToCanonicalResponse_ToolUse(t *testing.T) {
	resp := messagesResponse{
		ID:   "msg_02",
		Type: "message",
		Content: []contentBlock{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"city":"Paris"}`)},
		},
		StopReason: "tool_use",
	}

	out, err := toCanonicalResponse(resp, "claude-3-5-sonnet-20241022")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	choice := out.Choices[0]
	if choice.Message.Content != nil {
		t.Errorf("content must be null on a tool invocation, got %q", *choice.Message.Content)
	}
	if choice.Message.FunctionCall == nil || choice.Message.FunctionCall.Name != "get_weather" {
		t.Fatalf("function call: %+v", choice.Message.FunctionCall)
	}
	if choice.Message.FunctionCall.Arguments != `{"city":"Paris"}` {
		t.Errorf("arguments: %s", choice.Message.FunctionCall.Arguments)
	}
	if choice.FinishReason != domain.FinishFunctionCall {
		t.Errorf("finish reason: %s", choice.FinishReason)
	}
}

func TestToCanonicalResponse_UnexpectedType(t *testing.T) {
	_, err := toCanonicalResponse(messagesResponse{Type: "error"}, "claude-3-opus")
	if err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestMapStopReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"end_turn", domain.FinishStop},
		{"stop_sequence", domain.FinishStop},
		{"max_tokens", domain.FinishLength},
		{"tool_use", domain.FinishFunctionCall},
		{"something_new", "something_new"},
	}
	for _, tt := range tests {
		if got := mapStopReason(tt.in); got != tt.want {
			t.Errorf("mapStopReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToCanonicalChunk(t *testing.T) {
	tests := []struct {
		name  string
		event streamEvent
		emit  bool
		check func(t *testing.T, c domain.StreamChunk)
	}{
		{
			name:  "message_start suppressed",
			event: streamEvent{Type: "message_start"},
			emit:  false,
		},
		{
			name:  "text block start suppressed",
			event: streamEvent{Type: "content_block_start", ContentBlock: &contentBlock{Type: "text"}},
			emit:  false,
		},
		{
			name:  "tool_use block start carries name",
			event: streamEvent{Type: "content_block_start", ContentBlock: &contentBlock{Type: "tool_use", Name: "get_weather"}},
			emit:  true,
			check: func(t *testing.T, c domain.StreamChunk) {
				fc := c.Choices[0].Delta.FunctionCall
				if fc == nil || fc.Name != "get_weather" {
					t.Errorf("function call delta: %+v", fc)
				}
			},
		},
		{
			name:  "text delta",
			event: streamEvent{Type: "content_block_delta", Delta: &streamDelta{Type: "text_delta", Text: "hel"}},
			emit:  true,
			check: func(t *testing.T, c domain.StreamChunk) {
				if c.Choices[0].Delta.Content != "hel" {
					t.Errorf("content: %q", c.Choices[0].Delta.Content)
				}
			},
		},
		{
			name:  "input json delta",
			event: streamEvent{Type: "content_block_delta", Delta: &streamDelta{Type: "input_json_delta", PartialJSON: `{"ci`}},
			emit:  true,
			check: func(t *testing.T, c domain.StreamChunk) {
				fc := c.Choices[0].Delta.FunctionCall
				if fc == nil || fc.Arguments != `{"ci` {
					t.Errorf("arguments delta: %+v", fc)
				}
			},
		},
		{
			name:  "message_delta carries stop reason",
			event: streamEvent{Type: "message_delta", Delta: &streamDelta{StopReason: "max_tokens"}},
			emit:  true,
			check: func(t *testing.T, c domain.StreamChunk) {
				if c.Choices[0].FinishReason != domain.FinishLength {
					t.Errorf("finish reason: %s", c.Choices[0].FinishReason)
				}
			},
		},
		{
			name:  "unrecognized event emits empty envelope",
			event: streamEvent{Type: "ping"},
			emit:  true,
			check: func(t *testing.T, c domain.StreamChunk) {
				d := c.Choices[0].Delta
				if d.Content != "" || d.FunctionCall != nil || c.Choices[0].FinishReason != "" {
					t.Errorf("expected empty delta: %+v", c.Choices[0])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, emit := toCanonicalChunk(tt.event, "chatcmpl-x", "claude-3-opus")
			if emit != tt.emit {
				t.Fatalf("emit = %v, want %v", emit, tt.emit)
			}
			if !emit {
				return
			}
			if chunk.Object != "chat.completion.chunk" || chunk.ID != "chatcmpl-x" {
				t.Errorf("envelope: %+v", chunk)
			}
			if tt.check != nil {
				tt.check(t, chunk)
			}
		})
	}
}

func TestStreamCompletion_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("missing version header")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"message_start","message":{"id":"msg_1"}}`,
			`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			w.Write([]byte("data: " + e + "\n\n"))
		}
	}))
	defer server.Close()

	p := New("sk-ant", server.URL, nil, transport.DefaultClient())

	chunks, errs := p.StreamCompletion(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Text("hi")}},
	})

	var text strings.Builder
	var finish string
	count := 0
	for chunk := range chunks {
		count++
		choice := chunk.Choices[0]
		text.WriteString(choice.Delta.Content)
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	// Two text deltas, one block stop envelope, one finish chunk.
	if count != 4 {
		t.Errorf("expected 4 chunks, got %d", count)
	}
	if text.String() != "hello" {
		t.Errorf("assembled text: %q", text.String())
	}
	if finish != domain.FinishStop {
		t.Errorf("finish reason: %s", finish)
	}
}

func TestCompletion_EndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var wire messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if wire.MaxTokens != defaultMaxTokens {
			t.Errorf("max_tokens: %d", wire.MaxTokens)
		}
		json.NewEncoder(w).Encode(messagesResponse{
			ID:         "msg_1",
			Type:       "message",
			Content:    []contentBlock{{Type: "text", Text: "bonjour"}},
			StopReason: "end_turn",
			Usage:      usage{InputTokens: 3, OutputTokens: 2},
		})
	}))
	defer server.Close()

	p := New("sk-ant", server.URL, nil, transport.DefaultClient())

	resp, err := p.Completion(context.Background(), domain.ChatRequest{
		Model:    "claude-3-5-sonnet-20241022",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.Text("hi")}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *resp.Choices[0].Message.Content != "bonjour" {
		t.Errorf("content: %v", resp.Choices[0].Message.Content)
	}
}
