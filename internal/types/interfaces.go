// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

type ThreadStore interface {
	CreateThread(ctx context.Context) (*ThreadMeta, error)
	GetThread(ctx context.Context, id ThreadID) (*ThreadMeta, error)
	ListThreads(ctx context.Context) ([]*ThreadMeta, error)
}

// EventStore is the durable append-only log. Append is atomic: the event is
// persisted and read-visible as one step, or not at all. Uniqueness
// constraints (one approval response and one tool result per tool call)
// are enforced here, below any application code.
type EventStore interface {
	Append(ctx context.Context, event *Event) error
	Events(ctx context.Context, threadID ThreadID) ([]*Event, error)
	Tail(ctx context.Context, threadID ThreadID, limit int) ([]*Event, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, threadID ThreadID, tool string, data any) (ArtifactID, error)
	Get(ctx context.Context, id ArtifactID) (json.RawMessage, error)
	GetMeta(ctx context.Context, id ArtifactID) (*ArtifactMeta, error)
	Excerpt(ctx context.Context, id ArtifactID, query string, maxTokens int) (string, error)
}

// PolicyMode is the gating decision for a tool name.
type PolicyMode string

const (
	PolicyAllow PolicyMode = "allow"
	PolicyAsk   PolicyMode = "ask"
	PolicyDeny  PolicyMode = "deny"
)

// PolicyProvider maps a tool name to a gating mode. Implementations must be
// pure: no side effects, same answer for the same name.
type PolicyProvider interface {
	Decide(tool string) PolicyMode
}

// ApprovalChannel hands a tool call to an external decider. RequestDecision
// returns the recorded decision if one already exists in the log, or
// (nil, nil) when the decision is still pending. Pending means "do not
// execute yet"; the caller resumes when the approval_response event lands.
type ApprovalChannel interface {
	RequestDecision(ctx context.Context, threadID ThreadID, call ToolCall) (*ApprovalDecision, error)
}
