// Package conversation projects a thread's event log into the message list
// sent to the model. Projection is read-only and lossy on purpose: UI
// bookkeeping events are skipped, duplicate tool results are collapsed, and
// older history is dropped to fit the token budget.
package conversation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/threadcore/internal/types"
	"github.com/user/threadcore/pkg/llm"
)

// Projector assembles token-budgeted prompts for the LLM.
type Projector struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// New creates a projector with the specified token budget.
// model selects the tokenizer (e.g. "gpt-4"); maxTokens is the model's
// context window size; reserve is held back for the model's response.
func New(model string, maxTokens, reserve int) (*Projector, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Projector{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
	}, nil
}

// countTokens returns the token count for a string.
func (p *Projector) countTokens(text string) int {
	return len(p.tokenizer.Encode(text, nil, nil))
}

// Project converts the event sequence into chat messages. The log stays
// untouched; only the projection filters. Events are walked newest-first
// against the budget so recent history survives truncation, then the kept
// window is restored to chronological order.
func (p *Projector) Project(threadID types.ThreadID, events []*types.Event, toolNames []string) ([]llm.Message, error) {
	inputBudget := p.maxTokens - p.reserve

	sysPrompt := systemPrompt(threadID, events, toolNames)
	sysTokens := p.countTokens(sysPrompt)
	remaining := inputBudget - sysTokens

	// 70% for events, the rest margin for tool schemas and glue.
	eventBudget := int(float64(remaining) * 0.7)

	// The store's uniqueness constraint makes duplicate results impossible
	// going forward; this guard covers logs written before it existed.
	// The earliest result per call wins, matching what the constraint
	// would have kept.
	firstResult := make(map[types.ToolCallID]types.EventID)
	for _, event := range events {
		if event.Type == types.EventToolResult && event.ToolCallID != "" {
			if _, ok := firstResult[event.ToolCallID]; !ok {
				firstResult[event.ToolCallID] = event.ID
			}
		}
	}

	var window []llm.Message
	usedTokens := 0

	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		if !projectable(event.Type) {
			continue
		}
		if event.Type == types.EventToolResult && firstResult[event.ToolCallID] != event.ID {
			slog.Warn("duplicate tool result skipped in projection",
				"thread_id", string(threadID), "call_id", string(event.ToolCallID))
			continue
		}

		msg, err := eventToMessage(event)
		if err != nil {
			continue
		}

		msgTokens := p.countTokens(msg.Content)
		for _, tc := range msg.Tools {
			msgTokens += p.countTokens(tc.Function.Name)
			msgTokens += p.countTokens(string(tc.Function.Arguments))
		}
		if usedTokens+msgTokens > eventBudget {
			break
		}

		window = append(window, msg)
		usedTokens += msgTokens
	}

	// window is newest-first; flip it.
	messages := make([]llm.Message, 0, 1+len(window))
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	for i := len(window) - 1; i >= 0; i-- {
		messages = append(messages, window[i])
	}

	return messages, nil
}

// projectable reports whether the event type carries conversation content.
// Approval and status events are coordination state, not dialogue; the
// first-wins dedup above keys off tool call IDs, and a result's projection
// never depends on how its approval was obtained.
func projectable(t types.EventType) bool {
	switch t {
	case types.EventUserMessage, types.EventAgentMessage, types.EventToolCall, types.EventToolResult:
		return true
	}
	return false
}

// systemPrompt prefers the thread's recorded system_prompt event; absent
// that, a generic default.
func systemPrompt(threadID types.ThreadID, events []*types.Event, toolNames []string) string {
	for _, event := range events {
		if event.Type != types.EventSystemPrompt {
			continue
		}
		var payload types.SystemPromptPayload
		if err := json.Unmarshal(event.Payload, &payload); err == nil && payload.Text != "" {
			return payload.Text
		}
	}

	prompt := fmt.Sprintf(
		"You are a helpful assistant. Current time: %s. Thread: %s.",
		time.Now().Format(time.RFC3339),
		string(threadID),
	)
	if len(toolNames) > 0 {
		prompt += fmt.Sprintf(" You have access to the following tools: %v.", toolNames)
	}
	return prompt
}

func eventToMessage(event *types.Event) (llm.Message, error) {
	switch event.Type {
	case types.EventUserMessage:
		var payload types.UserMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return llm.Message{}, err
		}
		return llm.Message{Role: "user", Content: payload.Text}, nil

	case types.EventAgentMessage:
		var payload types.AgentMessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return llm.Message{}, err
		}
		return llm.Message{Role: "assistant", Content: payload.Text}, nil

	case types.EventToolCall:
		var payload types.ToolCallPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return llm.Message{}, err
		}
		return llm.Message{
			Role: "assistant",
			Tools: []llm.ToolCall{{
				ID:   string(payload.CallID),
				Type: "function",
				Function: llm.FunctionCall{
					Name:      payload.Tool,
					Arguments: payload.Arguments,
				},
			}},
		}, nil

	case types.EventToolResult:
		var payload types.ToolResultPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return llm.Message{}, err
		}
		return llm.Message{
			Role:    "tool",
			Content: payload.Result,
			Tools: []llm.ToolCall{{
				ID: string(payload.CallID),
			}},
		}, nil

	default:
		return llm.Message{}, fmt.Errorf("unknown event type: %s", event.Type)
	}
}
