// internal/types/models.go
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the closed set of event kinds a thread can record.
type EventType string

const (
	EventUserMessage      EventType = "user_message"
	EventAgentMessage     EventType = "agent_message"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequest  EventType = "approval_request"
	EventApprovalResponse EventType = "approval_response"
	EventSystemPrompt     EventType = "system_prompt"
	EventStatus           EventType = "status"
)

// KnownEventType reports whether t is part of the closed enumeration.
func KnownEventType(t EventType) bool {
	switch t {
	case EventUserMessage, EventAgentMessage, EventToolCall, EventToolResult,
		EventApprovalRequest, EventApprovalResponse, EventSystemPrompt, EventStatus:
		return true
	}
	return false
}

// Event is an immutable record in a thread's append-only log. Seq is the
// authoritative order within a thread and is assigned by the store at append
// time; At is advisory. ToolCallID is set for events that correlate to a
// tool call and is what the store's uniqueness constraints key on.
type Event struct {
	ID         EventID         `json:"id"`
	ThreadID   ThreadID        `json:"thread_id"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	Source     string          `json:"source"`
	At         time.Time       `json:"at"`
	ToolCallID ToolCallID      `json:"tool_call_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// ThreadMeta is the stored per-thread row: identity plus derived bookkeeping.
type ThreadMeta struct {
	ID        ThreadID  `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeq   int64     `json:"last_seq"`
}

// ArtifactMeta describes an out-of-line blob holding an oversized tool result.
type ArtifactMeta struct {
	ID        ArtifactID `json:"id"`
	ThreadID  ThreadID   `json:"thread_id"`
	Tool      string     `json:"tool"`
	CreatedAt time.Time  `json:"created_at"`
	MimeType  string     `json:"mime_type,omitempty"`
}

// ToolCall is a model-issued request to invoke a tool. ID correlates every
// subsequent event about the call.
type ToolCall struct {
	ID        ToolCallID      `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the terminal outcome of a tool call.
type ToolResult struct {
	CallID  ToolCallID `json:"call_id"`
	Content string     `json:"content"`
	IsError bool       `json:"is_error"`
}

// ApprovalDecision is a recorded approve/deny for one tool call.
type ApprovalDecision struct {
	CallID    ToolCallID `json:"call_id"`
	Approve   bool       `json:"approve"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

// Payload variants, one per EventType.

type UserMessagePayload struct {
	Text string `json:"text"`
}

type AgentMessagePayload struct {
	Text string `json:"text"`
}

type SystemPromptPayload struct {
	Text string `json:"text"`
}

type StatusPayload struct {
	Text string `json:"text"`
}

type ToolCallPayload struct {
	CallID    ToolCallID      `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type ToolResultPayload struct {
	CallID     ToolCallID `json:"call_id"`
	Tool       string     `json:"tool,omitempty"`
	Result     string     `json:"result"`
	IsError    bool       `json:"is_error,omitempty"`
	ArtifactID ArtifactID `json:"artifact_id,omitempty"`
}

type ApprovalRequestPayload struct {
	CallID    ToolCallID      `json:"call_id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

type ApprovalResponsePayload struct {
	CallID    ToolCallID `json:"call_id"`
	Approve   bool       `json:"approve"`
	DecidedBy string     `json:"decided_by,omitempty"`
}

// NewEvent builds an Event for the given payload variant, marshalling the
// payload and lifting the correlation ID onto the event itself. The payload
// type must match typ.
func NewEvent(threadID ThreadID, typ EventType, source string, payload any) (*Event, error) {
	event := &Event{
		ID:       NewEventID(),
		ThreadID: threadID,
		Type:     typ,
		Source:   source,
		At:       time.Now().UTC(),
	}

	switch p := payload.(type) {
	case UserMessagePayload:
		if typ != EventUserMessage {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
	case AgentMessagePayload:
		if typ != EventAgentMessage {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
	case SystemPromptPayload:
		if typ != EventSystemPrompt {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
	case StatusPayload:
		if typ != EventStatus {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
	case ToolCallPayload:
		if typ != EventToolCall {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
		event.ToolCallID = p.CallID
	case ToolResultPayload:
		if typ != EventToolResult {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
		event.ToolCallID = p.CallID
	case ApprovalRequestPayload:
		if typ != EventApprovalRequest {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
		event.ToolCallID = p.CallID
	case ApprovalResponsePayload:
		if typ != EventApprovalResponse {
			return nil, fmt.Errorf("new event: payload %T does not match type %q", p, typ)
		}
		event.ToolCallID = p.CallID
	default:
		return nil, fmt.Errorf("new event: unsupported payload type %T", payload)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("new event: marshal payload: %w", err)
	}
	event.Payload = data
	return event, nil
}

// DecodePayload unmarshals the event payload into its tagged variant.
// Unknown event types are an error so every consumption site stays
// exhaustive over the enum.
func DecodePayload(event *Event) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(event.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", event.Type, err)
		}
		return v, nil
	}

	switch event.Type {
	case EventUserMessage:
		return decode(&UserMessagePayload{})
	case EventAgentMessage:
		return decode(&AgentMessagePayload{})
	case EventSystemPrompt:
		return decode(&SystemPromptPayload{})
	case EventStatus:
		return decode(&StatusPayload{})
	case EventToolCall:
		return decode(&ToolCallPayload{})
	case EventToolResult:
		return decode(&ToolResultPayload{})
	case EventApprovalRequest:
		return decode(&ApprovalRequestPayload{})
	case EventApprovalResponse:
		return decode(&ApprovalResponsePayload{})
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", event.Type)
	}
}
