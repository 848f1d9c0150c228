// internal/thread/thread.go

// Package thread provides a read-coordinated view over one thread's
// append-only event log. The Thread caches the log in process; the cache is
// updated only after the store confirms an append, so memory and storage
// never diverge. A Thread exposes data only; it never holds a reference
// back to the runtime that drives it.
package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/threadcore/internal/types"
)

// Thread is an in-memory projection of a stored event sequence.
type Thread struct {
	id    types.ThreadID
	store types.EventStore

	mu      sync.RWMutex
	events  []*types.Event
	lastSeq int64
	warm    bool
}

// Open returns a Thread over the given log. The cache fills lazily on the
// first read.
func Open(store types.EventStore, id types.ThreadID) *Thread {
	return &Thread{id: id, store: store}
}

// ID returns the thread's identity.
func (t *Thread) ID() types.ThreadID {
	return t.id
}

// AddEvent builds an event for the payload and appends it through the store.
// The cache is touched only when the append succeeds; on any error it is
// left exactly as it was.
func (t *Thread) AddEvent(ctx context.Context, typ types.EventType, source string, payload any) (*types.Event, error) {
	event, err := types.NewEvent(t.id, typ, source, payload)
	if err != nil {
		return nil, err
	}
	if err := t.store.Append(ctx, event); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.warm && event.Seq == t.lastSeq+1 {
		t.events = append(t.events, event)
		t.lastSeq = event.Seq
	} else if t.warm {
		// Another writer appended between our cache state and this event;
		// drop the cache and reload on next read.
		t.warm = false
		t.events = nil
	}
	t.mu.Unlock()

	return event, nil
}

// Events returns the thread's event sequence in append order. The returned
// slice is a copy; callers may not mutate cached events.
func (t *Thread) Events(ctx context.Context) ([]*types.Event, error) {
	t.mu.RLock()
	if t.warm {
		out := make([]*types.Event, len(t.events))
		copy(out, t.events)
		t.mu.RUnlock()
		return out, nil
	}
	t.mu.RUnlock()

	events, err := t.store.Events(ctx, t.id)
	if err != nil {
		return nil, fmt.Errorf("thread %s: %w", t.id, err)
	}

	t.mu.Lock()
	t.events = events
	t.warm = true
	if len(events) > 0 {
		t.lastSeq = events[len(events)-1].Seq
	} else {
		t.lastSeq = 0
	}
	out := make([]*types.Event, len(events))
	copy(out, events)
	t.mu.Unlock()

	return out, nil
}

// Invalidate drops the cache so the next read goes back to the store.
func (t *Thread) Invalidate() {
	t.mu.Lock()
	t.warm = false
	t.events = nil
	t.mu.Unlock()
}

// ResultFor returns the recorded tool result for the call, if any. Reads go
// through Events, which serves the warm cache; a stale miss is harmless
// because the store's one-result constraint rejects the duplicate append.
func (t *Thread) ResultFor(ctx context.Context, callID types.ToolCallID) (*types.ToolResultPayload, bool, error) {
	events, err := t.Events(ctx)
	if err != nil {
		return nil, false, err
	}
	result, ok := FindResult(events, callID)
	return result, ok, nil
}

// ApprovalFor returns the recorded approval decision for the call, if any.
func (t *Thread) ApprovalFor(ctx context.Context, callID types.ToolCallID) (*types.ApprovalResponsePayload, bool, error) {
	events, err := t.Events(ctx)
	if err != nil {
		return nil, false, err
	}
	approval, ok := FindApproval(events, callID)
	return approval, ok, nil
}

// CallByID returns the tool call event payload for the ID, if any.
func (t *Thread) CallByID(ctx context.Context, callID types.ToolCallID) (*types.ToolCallPayload, bool, error) {
	events, err := t.Events(ctx)
	if err != nil {
		return nil, false, err
	}
	call, ok := FindCall(events, callID)
	return call, ok, nil
}
