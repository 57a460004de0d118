package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// wireRequest is the Messages API request body as the server sees it.
type wireRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string         `json:"role"`
		Content []ContentBlock `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string `json:"name"`
		InputSchema struct {
			Type       string         `json:"type"`
			Properties map[string]any `json:"properties"`
			Required   []string       `json:"required"`
		} `json:"input_schema"`
	} `json:"tools"`
}

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient("test-key", server.URL+"/", server.Client(), retries, 5*time.Second)
}

// failWith writes an API error that asks the SDK to retry almost immediately.
func failWith(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After-Ms", "1")
	w.WriteHeader(status)
	w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"nope"}}`))
}

func TestConverse(t *testing.T) {
	var got wireRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("Expected /v1/messages, got %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected api key header, got '%s'", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("Expected version header to be set")
		}

		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("Expected JSON request body, got: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [
				{"type": "text", "text": "Looking up the calendar."},
				{"type": "tool_use", "id": "tu_1", "name": "search_events_by_date", "input": {"from": "2025-06-01"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 1200, "output_tokens": 80}
		}`))
	}, 0)

	resp, err := client.Converse(context.Background(), Request{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    "system prompt",
		Messages: []Message{{Role: RoleUser, Content: []ContentBlock{
			TextBlock("post"),
			ImageBlock("image/png", []byte{0x89, 'P', 'N', 'G'}),
		}}},
		Tools: []ToolDef{{Name: "search_events_by_date", Description: "d", InputSchema: json.RawMessage(
			`{"type": "object", "properties": {"from": {"type": "string"}}, "required": ["from"]}`)}},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got.Model != "claude-sonnet-4-5" || got.MaxTokens != 1024 {
		t.Errorf("Expected model and max tokens in request, got %s / %d", got.Model, got.MaxTokens)
	}
	if len(got.System) != 1 || got.System[0].Text != "system prompt" {
		t.Errorf("Expected system prompt in request, got %+v", got.System)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "search_events_by_date" {
		t.Fatalf("Expected one tool in request, got %+v", got.Tools)
	}
	if schema := got.Tools[0].InputSchema; schema.Type != "object" || schema.Properties["from"] == nil ||
		len(schema.Required) != 1 || schema.Required[0] != "from" {
		t.Errorf("Expected input schema to survive, got %+v", schema)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 2 {
		t.Fatalf("Expected one message with two blocks, got %+v", got.Messages)
	}
	if src := got.Messages[0].Content[1].Source; src == nil || src.Data != "iVBORw==" || src.MediaType != "image/png" {
		t.Errorf("Expected base64 image source, got %+v", src)
	}

	if resp.StopReason != StopToolUse {
		t.Errorf("Expected tool_use stop, got '%s'", resp.StopReason)
	}
	if resp.Usage.InputTokens != 1200 || resp.Usage.OutputTokens != 80 {
		t.Errorf("Expected usage 1200/80, got %+v", resp.Usage)
	}
	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].Name != "search_events_by_date" || uses[0].ID != "tu_1" {
		t.Fatalf("Expected one tool use, got %+v", uses)
	}
	var input struct {
		From string `json:"from"`
	}
	if err := json.Unmarshal(uses[0].Input, &input); err != nil || input.From != "2025-06-01" {
		t.Errorf("Expected tool input with from date, got '%s'", uses[0].Input)
	}
	if resp.Text() != "Looking up the calendar." {
		t.Errorf("Expected text block, got '%s'", resp.Text())
	}
}

func TestConverseToolResults(t *testing.T) {
	var got wireRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}, 0)

	prior := &Response{Content: []ContentBlock{
		{Type: BlockToolUse, ID: "tu_1", Name: "get_images"},
	}}
	_, err := client.Converse(context.Background(), Request{
		Model:     "m",
		MaxTokens: 10,
		Messages: []Message{
			{Role: RoleUser, Content: []ContentBlock{TextBlock("post")}},
			prior.AssistantMessage(),
			{Role: RoleUser, Content: []ContentBlock{ToolResultBlock("tu_1", []ContentBlock{
				TextBlock("1 image"),
				ImageBlock("image/jpeg", []byte("jpg")),
			}, true)}},
		},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(got.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(got.Messages))
	}
	if got.Messages[1].Role != RoleAssistant {
		t.Errorf("Expected assistant role, got '%s'", got.Messages[1].Role)
	}
	use := got.Messages[1].Content[0]
	if use.Type != BlockToolUse || use.ID != "tu_1" || string(use.Input) != "{}" {
		t.Errorf("Expected echoed tool use with empty input, got %+v", use)
	}
	result := got.Messages[2].Content[0]
	if result.Type != BlockToolResult || result.ToolUseID != "tu_1" || !result.IsError {
		t.Errorf("Expected error tool result for tu_1, got %+v", result)
	}
	if len(result.Content) != 2 || result.Content[0].Text != "1 image" || result.Content[1].Source == nil {
		t.Errorf("Expected text and image in tool result, got %+v", result.Content)
	}
}

func TestConverseRetries(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			failWith(w, http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"type":"message","role":"assistant","content":[{"type":"text","text":"YES"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`))
	}, 3)

	resp, err := client.Converse(context.Background(), Request{Model: "m", MaxTokens: 10})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 calls, got %d", calls.Load())
	}
	if resp.Text() != "YES" {
		t.Errorf("Expected YES, got '%s'", resp.Text())
	}
}

func TestConverseErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retries   int
		wantCalls int32
	}{
		{"client error is not retried", http.StatusBadRequest, 3, 1},
		{"server error exhausts retries", http.StatusInternalServerError, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				failWith(w, tt.status)
			}, tt.retries)

			_, err := client.Converse(context.Background(), Request{Model: "m", MaxTokens: 10})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected APIError, got: %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, calls.Load())
			}
			if apiErr.Attempts != int(tt.wantCalls) {
				t.Errorf("Expected %d attempts recorded, got %d", tt.wantCalls, apiErr.Attempts)
			}
		})
	}
}

func TestConverseMissingKey(t *testing.T) {
	client := NewClient("", "http://127.0.0.1:1", http.DefaultClient, 0, 0)
	if _, err := client.Converse(context.Background(), Request{}); err == nil {
		t.Error("Expected error for missing API key, got nil")
	}
}

func TestAssistantMessage(t *testing.T) {
	resp := &Response{Content: []ContentBlock{
		{Type: BlockText, Text: ""},
		{Type: BlockToolUse, ID: "tu_1", Name: "get_images"},
	}}

	msg := resp.AssistantMessage()
	if msg.Role != RoleAssistant {
		t.Errorf("Expected assistant role, got '%s'", msg.Role)
	}
	if len(msg.Content) != 1 {
		t.Fatalf("Expected empty text block to be dropped, got %d blocks", len(msg.Content))
	}
	if string(msg.Content[0].Input) != "{}" {
		t.Errorf("Expected empty input object, got '%s'", msg.Content[0].Input)
	}
}
