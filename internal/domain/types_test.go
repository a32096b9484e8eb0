package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestChatRequest_UnmarshalCapturesUnknownKeys(t *testing.T) {
	raw := `{
		"model": "gpt-4",
		"messages": [{"role": "user", "content": "hi"}],
		"temperature": 0.5,
		"top_k": 40,
		"repetition_penalty": 1.1
	}`

	var req ChatRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if req.Model != "gpt-4" {
		t.Errorf("model: %q", req.Model)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("temperature: %v", req.Temperature)
	}
	if len(req.AdditionalParams) != 2 {
		t.Fatalf("additional params: %v", req.AdditionalParams)
	}
	if req.AdditionalParams["top_k"] != float64(40) {
		t.Errorf("top_k: %v", req.AdditionalParams["top_k"])
	}
	if req.AdditionalParams["repetition_penalty"] != 1.1 {
		t.Errorf("repetition_penalty: %v", req.AdditionalParams["repetition_penalty"])
	}
}

func TestChatRequest_MarshalFoldsAdditionalParams(t *testing.T) {
	temp := 0.7
	req := ChatRequest{
		Model:            "gpt-4",
		Messages:         []Message{{Role: RoleUser, Content: Text("hi")}},
		Temperature:      &temp,
		AdditionalParams: map[string]any{"top_k": 40, "temperature": 0.1},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if out["top_k"] != float64(40) {
		t.Errorf("extra param not folded in: %v", out)
	}
	if out["temperature"] != 0.7 {
		t.Errorf("canonical field must win on collision: %v", out["temperature"])
	}
	if _, present := out["AdditionalParams"]; present {
		t.Error("raw field must not leak into the wire shape")
	}
}

func TestChatRequest_RoundTrip(t *testing.T) {
	raw := `{"model":"m","messages":[{"role":"user","content":"hi"}],"seed":7}`

	var req ChatRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["seed"] != float64(7) {
		t.Errorf("extra param lost in round trip: %v", out)
	}
}

func TestMessage_NullContentSerialized(t *testing.T) {
	m := Message{Role: RoleAssistant, FunctionCall: &FunctionCall{Name: "f", Arguments: "{}"}}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out map[string]json.RawMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(out["content"]) != "null" {
		t.Errorf("content must serialize as explicit null, got %s", out["content"])
	}
}

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{Provider: "openai", StatusCode: 429, Body: []byte("limited")}
	if err.Error() == "" {
		t.Error("empty error string")
	}

	var target *UpstreamError
	if !errors.As(error(err), &target) {
		t.Error("errors.As failed")
	}
}

func TestProtocolError_Unwrap(t *testing.T) {
	inner := errors.New("bad json")
	err := &ProtocolError{Provider: "anthropic", Reason: "decode", Err: inner}
	if !errors.Is(err, inner) {
		t.Error("unwrap chain broken")
	}
}

func TestTransportError_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := &TransportError{Err: inner}
	if !errors.Is(err, inner) {
		t.Error("unwrap chain broken")
	}
}
