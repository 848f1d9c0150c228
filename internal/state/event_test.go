// internal/state/event_test.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/user/threadcore/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "threadcore.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustEvent(t *testing.T, threadID types.ThreadID, typ types.EventType, payload any) *types.Event {
	t.Helper()
	event, err := types.NewEvent(threadID, typ, "test", payload)
	if err != nil {
		t.Fatal(err)
	}
	return event
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		event := mustEvent(t, meta.ID, types.EventUserMessage, types.UserMessagePayload{Text: "hello"})
		if err := store.Append(ctx, event); err != nil {
			t.Fatal(err)
		}
		if event.Seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, event.Seq)
		}
	}

	events, err := store.Events(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, event := range events {
		if event.Seq != int64(i+1) {
			t.Errorf("expected seq %d at index %d, got %d", i+1, i, event.Seq)
		}
	}
}

func TestAppendMissingThread(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	event := mustEvent(t, types.NewThreadID(), types.EventUserMessage, types.UserMessagePayload{Text: "hi"})
	err := store.Append(ctx, event)
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendRejectsUnknownType(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	event := &types.Event{
		ID:       types.NewEventID(),
		ThreadID: meta.ID,
		Type:     types.EventType("mystery"),
		Payload:  json.RawMessage(`{}`),
	}
	if err := store.Append(ctx, event); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDuplicateApprovalResponseConflicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	callID := types.ToolCallID("t1")
	first := mustEvent(t, meta.ID, types.EventApprovalResponse, types.ApprovalResponsePayload{CallID: callID, Approve: true})
	if err := store.Append(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := mustEvent(t, meta.ID, types.EventApprovalResponse, types.ApprovalResponsePayload{CallID: callID, Approve: false})
	err = store.Append(ctx, second)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// The losing append must not have consumed a sequence number slot.
	events, err := store.Events(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
}

func TestDuplicateToolResultConflicts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	callID := types.ToolCallID("t1")
	first := mustEvent(t, meta.ID, types.EventToolResult, types.ToolResultPayload{CallID: callID, Result: "ok"})
	if err := store.Append(ctx, first); err != nil {
		t.Fatal(err)
	}

	second := mustEvent(t, meta.ID, types.EventToolResult, types.ToolResultPayload{CallID: callID, Result: "again"})
	if err := store.Append(ctx, second); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSameCallDifferentTypesNoConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	callID := types.ToolCallID("t1")
	args := json.RawMessage(`{}`)
	chain := []*types.Event{
		mustEvent(t, meta.ID, types.EventToolCall, types.ToolCallPayload{CallID: callID, Tool: "bash", Arguments: args}),
		mustEvent(t, meta.ID, types.EventApprovalRequest, types.ApprovalRequestPayload{CallID: callID, Tool: "bash", Arguments: args}),
		mustEvent(t, meta.ID, types.EventApprovalResponse, types.ApprovalResponsePayload{CallID: callID, Approve: true}),
		mustEvent(t, meta.ID, types.EventToolResult, types.ToolResultPayload{CallID: callID, Result: "done"}),
	}
	for _, event := range chain {
		if err := store.Append(ctx, event); err != nil {
			t.Fatalf("append %s: %v", event.Type, err)
		}
	}
}

func TestConcurrentApprovalResponsesOneWinner(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	callID := types.ToolCallID("t1")
	const writers = 10

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := &types.Event{
				ID:         types.NewEventID(),
				ThreadID:   meta.ID,
				Type:       types.EventApprovalResponse,
				Source:     "test",
				ToolCallID: callID,
				Payload:    json.RawMessage(`{"call_id":"t1","approve":true}`),
			}
			switch err := store.Append(ctx, event); {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, types.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly 1 winning append, got %d", wins.Load())
	}
	if conflicts.Load() != writers-1 {
		t.Errorf("expected %d conflicts, got %d", writers-1, conflicts.Load())
	}

	events, err := store.Events(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Errorf("expected exactly 1 stored approval response, got %d", len(events))
	}
}

func TestTail(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		event := mustEvent(t, meta.ID, types.EventStatus, types.StatusPayload{Text: "tick"})
		if err := store.Append(ctx, event); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.Tail(ctx, meta.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Seq != 4 || events[1].Seq != 5 {
		t.Errorf("expected seqs 4,5, got %d,%d", events[0].Seq, events[1].Seq)
	}
}

func TestNotifierCalledAfterAppend(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var got []*types.Event
	store.SetNotifier(func(event *types.Event) {
		got = append(got, event)
	})

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	event := mustEvent(t, meta.ID, types.EventUserMessage, types.UserMessagePayload{Text: "hi"})
	if err := store.Append(ctx, event); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 || got[0].ID != event.ID {
		t.Fatalf("expected notifier to see the appended event, got %v", got)
	}
	if got[0].Seq != 1 {
		t.Errorf("expected notified event to carry assigned seq, got %d", got[0].Seq)
	}

	// A conflicting append must not notify.
	dup := mustEvent(t, meta.ID, types.EventToolResult, types.ToolResultPayload{CallID: "t1", Result: "ok"})
	if err := store.Append(ctx, dup); err != nil {
		t.Fatal(err)
	}
	dup2 := mustEvent(t, meta.ID, types.EventToolResult, types.ToolResultPayload{CallID: "t1", Result: "no"})
	if err := store.Append(ctx, dup2); !errors.Is(err, types.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 notifications, got %d", len(got))
	}
}
