package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/threadcore/pkg/llm"
)

func newTestClient(url string) *Client {
	return New(&llm.Config{
		BaseURL:   url,
		APIKey:    "test-key",
		Model:     "test-model",
		MaxTokens: 100,
	})
}

func TestCompleteTextResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "test-model" {
			t.Errorf("unexpected model %q", req.Model)
		}

		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: responseMessage{Role: "assistant", Content: "hello"}}},
			Usage:   responseUsage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected content hello, got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestCompleteToolCallResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: responseMessage{
				Role: "assistant",
				ToolCalls: []llm.ToolCall{{
					ID:   "call-1",
					Type: "function",
					Function: llm.FunctionCall{
						Name:      "echo",
						Arguments: json.RawMessage(`{"text":"hi"}`),
					},
				}},
			}}},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.Complete(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Function.Name != "echo" {
		t.Fatalf("expected 1 echo tool call, got %+v", resp.ToolCalls)
	}
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	if _, err := client.Complete(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestCompleteToolResultMessageCarriesCallID(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(chatResponse{
			Choices: []choice{{Message: responseMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	messages := []llm.Message{
		{Role: "tool", Content: "result", Tools: []llm.ToolCall{{ID: "call-1"}}},
	}
	if _, err := client.Complete(context.Background(), messages, nil); err != nil {
		t.Fatal(err)
	}
	if len(captured.Messages) != 1 || captured.Messages[0].ToolCallID != "call-1" {
		t.Fatalf("expected tool_call_id call-1, got %+v", captured.Messages)
	}
}
