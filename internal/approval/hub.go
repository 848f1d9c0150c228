// internal/approval/hub.go

// Package approval coordinates tool-call approval decisions. The hub is
// keyed off the event log, not off in-memory promises: a pending decision
// survives process restarts because "pending" is simply the absence of an
// approval_response event for the call ID.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/threadcore/internal/thread"
	"github.com/user/threadcore/internal/types"
)

// Compile-time interface compliance check.
var _ types.ApprovalChannel = (*Hub)(nil)

// Storage is the slice of the store the hub needs.
type Storage interface {
	types.ThreadStore
	types.EventStore
}

// Prompter pushes an approval request to an external decision surface
// (chat, web UI). Prompting is best-effort; the pending state lives in the
// log regardless of whether any prompt was delivered.
type Prompter interface {
	PromptApproval(threadID types.ThreadID, call types.ToolCall)
}

// PendingApproval is one undecided request, for listing surfaces.
type PendingApproval struct {
	ThreadID    types.ThreadID  `json:"thread_id"`
	Call        types.ToolCall  `json:"call"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Hub records approval requests and decisions against the log and fans
// fresh requests out to registered prompters.
type Hub struct {
	store Storage

	mu        sync.RWMutex
	prompters []Prompter
}

// New creates a Hub over the given store.
func New(store Storage) *Hub {
	return &Hub{store: store}
}

// AddPrompter registers a decision surface. Safe to call before serving.
func (h *Hub) AddPrompter(p Prompter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prompters = append(h.prompters, p)
}

// RequestDecision returns the recorded decision for the call if one exists,
// or records an approval_request (once) and returns pending (nil, nil).
// Keyed solely by call ID; name+arguments matching is ambiguous under
// concurrent duplicate calls and is deliberately not supported.
func (h *Hub) RequestDecision(ctx context.Context, threadID types.ThreadID, call types.ToolCall) (*types.ApprovalDecision, error) {
	events, err := h.store.Events(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("request decision: %w", err)
	}

	if response, ok := thread.FindApproval(events, call.ID); ok {
		return &types.ApprovalDecision{CallID: response.CallID, Approve: response.Approve, DecidedBy: response.DecidedBy}, nil
	}

	// Chain already closed (e.g. a timeout result landed); nothing to ask.
	if _, ok := thread.FindResult(events, call.ID); ok {
		return nil, nil
	}

	if _, ok := thread.FindApprovalRequest(events, call.ID); ok {
		// Already requested; the decision is still outstanding.
		return nil, nil
	}

	event, err := types.NewEvent(threadID, types.EventApprovalRequest, "coordinator", types.ApprovalRequestPayload{
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		return nil, err
	}
	if err := h.store.Append(ctx, event); err != nil {
		return nil, fmt.Errorf("record approval request: %w", err)
	}

	h.mu.RLock()
	prompters := h.prompters
	h.mu.RUnlock()
	for _, p := range prompters {
		p.PromptApproval(threadID, call)
	}

	return nil, nil
}

// Resolve records a decision for the call. Duplicate decisions are invisible
// successes: the store keeps the first and Resolve reports nil for the rest.
// Decisions for calls that already have a result are ignored, never acted on.
func (h *Hub) Resolve(ctx context.Context, threadID types.ThreadID, decision types.ApprovalDecision) error {
	events, err := h.store.Events(ctx, threadID)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}

	if _, ok := thread.FindResult(events, decision.CallID); ok {
		slog.Warn("approval decision for closed tool call ignored",
			"thread_id", string(threadID), "call_id", string(decision.CallID))
		return nil
	}

	event, err := types.NewEvent(threadID, types.EventApprovalResponse, "approval", types.ApprovalResponsePayload{
		CallID:    decision.CallID,
		Approve:   decision.Approve,
		DecidedBy: decision.DecidedBy,
	})
	if err != nil {
		return err
	}
	if err := h.store.Append(ctx, event); err != nil {
		if isConflict(err) {
			slog.Debug("duplicate approval decision dropped",
				"thread_id", string(threadID), "call_id", string(decision.CallID))
			return nil
		}
		return fmt.Errorf("record approval decision: %w", err)
	}
	return nil
}

// Pending lists undecided approval requests for one thread.
func (h *Hub) Pending(ctx context.Context, threadID types.ThreadID) ([]PendingApproval, error) {
	events, err := h.store.Events(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("pending approvals: %w", err)
	}

	var pending []PendingApproval
	for _, event := range thread.AwaitingApproval(events) {
		var payload types.ApprovalRequestPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		pending = append(pending, PendingApproval{
			ThreadID:    threadID,
			Call:        types.ToolCall{ID: payload.CallID, Name: payload.Tool, Arguments: payload.Arguments},
			RequestedAt: event.At,
		})
	}
	return pending, nil
}

// PendingAll lists undecided approval requests across every thread.
func (h *Hub) PendingAll(ctx context.Context) ([]PendingApproval, error) {
	threads, err := h.store.ListThreads(ctx)
	if err != nil {
		return nil, fmt.Errorf("pending approvals: %w", err)
	}

	var all []PendingApproval
	for _, meta := range threads {
		pending, err := h.Pending(ctx, meta.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, pending...)
	}
	return all, nil
}

// FindThreadForCall locates the thread holding a pending request for the
// call ID. Used by decision surfaces that only learn the call ID back.
func (h *Hub) FindThreadForCall(ctx context.Context, callID types.ToolCallID) (types.ThreadID, error) {
	all, err := h.PendingAll(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range all {
		if p.Call.ID == callID {
			return p.ThreadID, nil
		}
	}
	return "", fmt.Errorf("pending approval for call %s: %w", callID, types.ErrNotFound)
}

func isConflict(err error) bool {
	return errors.Is(err, types.ErrConflict)
}
