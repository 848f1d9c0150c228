package gateway

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/state"
	"github.com/user/threadcore/internal/types"
)

// runRecorder captures processed runs for assertions.
type runRecorder struct {
	mu   sync.Mutex
	runs []*Run
}

func (r *runRecorder) process(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *runRecorder) snapshot() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Run, len(r.runs))
	copy(out, r.runs)
	return out
}

func newGatewayHarness(t *testing.T) (*Gateway, *state.Store, *runRecorder) {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "threadcore.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	gw := New(store, approval.New(store))
	rec := &runRecorder{}
	gw.Queue.SetProcessor(rec.process)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return gw, store, rec
}

func TestHandleMessageCreatesThread(t *testing.T) {
	gw, store, rec := newGatewayHarness(t)
	ctx := context.Background()

	threadID, err := gw.HandleMessage(ctx, "", "test", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if threadID == "" {
		t.Fatal("expected a new thread ID")
	}

	if _, err := store.GetThread(ctx, threadID); err != nil {
		t.Fatalf("thread not persisted: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	runs := rec.snapshot()
	if len(runs) != 1 || runs[0].Kind != RunMessage || runs[0].Text != "hello" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestHandleMessageRejectsUnknownThread(t *testing.T) {
	gw, _, _ := newGatewayHarness(t)

	if _, err := gw.HandleMessage(context.Background(), types.NewThreadID(), "test", "hi"); err == nil {
		t.Fatal("expected error for unknown thread")
	}
}

func TestHandleMessageReusesExistingThread(t *testing.T) {
	gw, store, rec := newGatewayHarness(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}

	got, err := gw.HandleMessage(ctx, meta.ID, "test", "again")
	if err != nil {
		t.Fatal(err)
	}
	if got != meta.ID {
		t.Errorf("expected thread %s, got %s", meta.ID, got)
	}

	time.Sleep(100 * time.Millisecond)
	if runs := rec.snapshot(); len(runs) != 1 || runs[0].ThreadID != meta.ID {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestHandleApprovalRecordsDecisionAndEnqueues(t *testing.T) {
	gw, store, rec := newGatewayHarness(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	callID := types.NewToolCallID()
	seedOpenCall(t, store, meta.ID, callID)

	if err := gw.HandleApproval(ctx, meta.ID, types.ApprovalDecision{CallID: callID, Approve: true, DecidedBy: "tester"}); err != nil {
		t.Fatal(err)
	}

	events, err := store.Events(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, event := range events {
		if event.Type == types.EventApprovalResponse && event.ToolCallID == callID {
			found = true
		}
	}
	if !found {
		t.Error("expected approval_response event in the log")
	}

	time.Sleep(100 * time.Millisecond)
	runs := rec.snapshot()
	if len(runs) != 1 || runs[0].Kind != RunApproval || runs[0].CallID != callID {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestHandleApprovalDuplicateIsInvisibleSuccess(t *testing.T) {
	gw, store, rec := newGatewayHarness(t)
	ctx := context.Background()

	meta, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	callID := types.NewToolCallID()
	seedOpenCall(t, store, meta.ID, callID)

	first := types.ApprovalDecision{CallID: callID, Approve: true, DecidedBy: "alice"}
	second := types.ApprovalDecision{CallID: callID, Approve: false, DecidedBy: "bob"}

	if err := gw.HandleApproval(ctx, meta.ID, first); err != nil {
		t.Fatal(err)
	}
	if err := gw.HandleApproval(ctx, meta.ID, second); err != nil {
		t.Fatalf("duplicate decision must not error: %v", err)
	}

	events, err := store.Events(ctx, meta.ID)
	if err != nil {
		t.Fatal(err)
	}
	var responses []types.ApprovalResponsePayload
	for _, event := range events {
		if event.Type != types.EventApprovalResponse {
			continue
		}
		var payload types.ApprovalResponsePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		responses = append(responses, payload)
	}
	if len(responses) != 1 {
		t.Fatalf("expected exactly 1 recorded decision, got %d", len(responses))
	}
	if !responses[0].Approve || responses[0].DecidedBy != "alice" {
		t.Errorf("first decision must win, got %+v", responses[0])
	}

	// Both decisions still enqueue runs; the processor's guards make the
	// second a no-op.
	time.Sleep(100 * time.Millisecond)
	if runs := rec.snapshot(); len(runs) != 2 {
		t.Errorf("expected 2 approval runs, got %d", len(runs))
	}
}

func TestResumeAllEnqueuesOnlyOpenThreads(t *testing.T) {
	gw, store, rec := newGatewayHarness(t)
	ctx := context.Background()

	// Thread A: open tool call, should resume.
	metaA, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seedOpenCall(t, store, metaA.ID, types.NewToolCallID())

	// Thread B: closed turn, should not resume.
	metaB, err := store.CreateThread(ctx)
	if err != nil {
		t.Fatal(err)
	}
	appendEvent(t, store, metaA.ID, types.EventUserMessage, types.UserMessagePayload{Text: "open"})
	appendEvent(t, store, metaB.ID, types.EventUserMessage, types.UserMessagePayload{Text: "hi"})
	appendEvent(t, store, metaB.ID, types.EventAgentMessage, types.AgentMessagePayload{Text: "hello"})

	if err := gw.ResumeAll(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	runs := rec.snapshot()
	if len(runs) != 1 {
		t.Fatalf("expected 1 resume run, got %d", len(runs))
	}
	if runs[0].Kind != RunResume || runs[0].ThreadID != metaA.ID {
		t.Errorf("unexpected resume run: %+v", runs[0])
	}
}

func seedOpenCall(t *testing.T, store *state.Store, threadID types.ThreadID, callID types.ToolCallID) {
	t.Helper()
	appendEvent(t, store, threadID, types.EventToolCall, types.ToolCallPayload{
		CallID:    callID,
		Tool:      "work",
		Arguments: json.RawMessage(`{}`),
	})
}

func appendEvent(t *testing.T, store *state.Store, threadID types.ThreadID, typ types.EventType, payload any) {
	t.Helper()
	event, err := types.NewEvent(threadID, typ, "test", payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(context.Background(), event); err != nil {
		t.Fatal(err)
	}
}
