package domain

import "encoding/json"

// Roles accepted in a chat request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons produced by this layer. Vendor-specific stop reasons are
// mapped onto this vocabulary before a response leaves an adapter.
const (
	FinishStop         = "stop"
	FinishLength       = "length"
	FinishFunctionCall = "function_call"
)

type Message struct {
	Role               string              `json:"role"`
	Content            *string             `json:"content"`
	FunctionCall       *FunctionCall       `json:"function_call,omitempty"`
	FunctionCallResult *FunctionCallResult `json:"function_call_result,omitempty"`
}

// FunctionCall is a tool invocation requested by the model. Arguments is the
// raw JSON text exactly as the vendor produced it.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionCallResult carries the output of a previously requested tool call
// back to the model.
type FunctionCallResult struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Stream      bool           `json:"stream,omitempty"`
	Tools       []Tool         `json:"tools,omitempty"`
	Functions   []ToolFunction `json:"functions,omitempty"`

	// AdditionalParams holds caller-supplied parameters outside the canonical
	// schema. They are merged into the top-level JSON object on marshal and
	// forwarded to backends that accept the canonical shape.
	AdditionalParams map[string]any `json:"-"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role         string             `json:"role,omitempty"`
	Content      string             `json:"content,omitempty"`
	FunctionCall *FunctionCallDelta `json:"function_call,omitempty"`
}

// FunctionCallDelta is an incremental fragment of a streamed tool invocation.
// Name arrives once, Arguments accumulate across chunks.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Model struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	OwnedBy  string `json:"owned_by"`
	Provider string `json:"provider,omitempty"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Text returns a pointer suitable for Message.Content.
func Text(s string) *string {
	return &s
}

type chatRequestAlias ChatRequest

var knownRequestKeys = map[string]struct{}{
	"model": {}, "messages": {}, "temperature": {}, "max_tokens": {},
	"stream": {}, "tools": {}, "functions": {},
}

// MarshalJSON folds AdditionalParams into the top-level object. Canonical
// fields win on key collision.
func (r ChatRequest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(chatRequestAlias(r))
	if err != nil {
		return nil, err
	}
	if len(r.AdditionalParams) == 0 {
		return base, nil
	}

	merged := make(map[string]json.RawMessage, len(r.AdditionalParams)+8)
	for k, v := range r.AdditionalParams {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		merged[k] = raw
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(base, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}

	return json.Marshal(merged)
}

// UnmarshalJSON captures parameters outside the canonical schema into
// AdditionalParams so they survive a round trip through this layer.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	var alias chatRequestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	var extra map[string]any
	for k, v := range fields {
		if _, known := knownRequestKeys[k]; known {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		extra[k] = val
	}

	*r = ChatRequest(alias)
	r.AdditionalParams = extra
	return nil
}
