package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/policy"
	"github.com/user/threadcore/internal/state"
	"github.com/user/threadcore/internal/thread"
	"github.com/user/threadcore/internal/types"
)

// countTool counts invocations and returns a fixed output.
type countTool struct {
	name  string
	out   string
	calls atomic.Int32
}

func (c *countTool) Name() string                { return c.name }
func (c *countTool) Description() string         { return "test tool" }
func (c *countTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (c *countTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	c.calls.Add(1)
	return c.out, nil
}

type coordHarness struct {
	store *state.Store
	hub   *approval.Hub
	coord *Coordinator
	tool  *countTool
}

func newCoordHarness(t *testing.T, rules map[string]string, fallback string) *coordHarness {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "threadcore.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	table, err := policy.NewTable(rules, fallback)
	if err != nil {
		t.Fatal(err)
	}

	hub := approval.New(store)
	tool := &countTool{name: "work", out: "done"}
	registry := NewRegistry()
	registry.Register(tool)

	artifacts := state.NewArtifactStore(t.TempDir())
	return &coordHarness{
		store: store,
		hub:   hub,
		coord: NewCoordinator(registry, table, hub, artifacts, 5*time.Second),
		tool:  tool,
	}
}

func (h *coordHarness) newThread(t *testing.T) *thread.Thread {
	t.Helper()
	meta, err := h.store.CreateThread(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return thread.Open(h.store, meta.ID)
}

func seedCall(t *testing.T, th *thread.Thread, call types.ToolCall) {
	t.Helper()
	_, err := th.AddEvent(context.Background(), types.EventToolCall, "model", types.ToolCallPayload{
		CallID:    call.ID,
		Tool:      call.Name,
		Arguments: call.Arguments,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestAdvanceAllowedToolExecutesOnce(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "allow"}, "deny")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	done, err := h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected call chain closed after allowed execution")
	}

	// Driving the same call again converges on the existing result.
	done, err = h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected second advance to report done")
	}

	if n := h.tool.calls.Load(); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}

	result, ok, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || result.Result != "done" || result.IsError {
		t.Errorf("unexpected result: %+v ok=%v", result, ok)
	}
}

func TestAdvanceDeniedByPolicyNeverExecutes(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "deny"}, "allow")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	done, err := h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected denial to close the chain")
	}
	if n := h.tool.calls.Load(); n != 0 {
		t.Errorf("tool must not run when denied, ran %d times", n)
	}

	result, ok, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !result.IsError {
		t.Errorf("expected error result, got %+v ok=%v", result, ok)
	}
}

func TestAdvanceAskParksUntilDecision(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "ask"}, "deny")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	done, err := h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("expected call to park waiting for approval")
	}
	if n := h.tool.calls.Load(); n != 0 {
		t.Fatalf("tool ran %d times before decision", n)
	}

	pending, err := h.hub.Pending(ctx, th.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Call.ID != call.ID {
		t.Fatalf("expected 1 pending approval for the call, got %+v", pending)
	}

	if err := h.hub.Resolve(ctx, th.ID(), types.ApprovalDecision{CallID: call.ID, Approve: true, DecidedBy: "tester"}); err != nil {
		t.Fatal(err)
	}

	done, err = h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected execution after approval")
	}
	if n := h.tool.calls.Load(); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}
}

func TestAdvanceAskDeniedRecordsErrorResult(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "ask"}, "deny")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	if done, err := h.coord.Advance(ctx, th, call); err != nil || done {
		t.Fatalf("expected parked call, done=%v err=%v", done, err)
	}
	if err := h.hub.Resolve(ctx, th.ID(), types.ApprovalDecision{CallID: call.ID, Approve: false, DecidedBy: "tester"}); err != nil {
		t.Fatal(err)
	}

	done, err := h.coord.Advance(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected denial to close the chain")
	}
	if n := h.tool.calls.Load(); n != 0 {
		t.Errorf("tool must not run after denial, ran %d times", n)
	}

	result, ok, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !result.IsError || !strings.Contains(result.Result, "denied") {
		t.Errorf("expected denial result, got %+v ok=%v", result, ok)
	}
}

func TestConcurrentExecuteRunsToolOnce(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "allow"}, "deny")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each goroutine drives the same call, as duplicate approval
			// runs would.
			if _, err := h.coord.Execute(ctx, thread.Open(h.store, th.ID()), call); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := h.tool.calls.Load(); n != 1 {
		t.Errorf("expected exactly 1 execution, got %d", n)
	}

	events, err := h.store.Events(ctx, th.ID())
	if err != nil {
		t.Fatal(err)
	}
	results := 0
	for _, event := range events {
		if event.Type == types.EventToolResult {
			results++
		}
	}
	if results != 1 {
		t.Errorf("expected exactly 1 tool_result event, got %d", results)
	}
}

func TestExecuteSkipsCallWithExistingResult(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "allow"}, "deny")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)
	if _, err := th.AddEvent(ctx, types.EventToolResult, "coordinator", types.ToolResultPayload{
		CallID: call.ID,
		Tool:   call.Name,
		Result: "already recorded",
	}); err != nil {
		t.Fatal(err)
	}

	done, err := h.coord.Execute(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected existing result to report done")
	}
	if n := h.tool.calls.Load(); n != 0 {
		t.Errorf("tool must not re-run, ran %d times", n)
	}

	result, _, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if result.Result != "already recorded" {
		t.Errorf("original result must survive, got %q", result.Result)
	}
}

func TestExecuteUnknownToolRecordsErrorResult(t *testing.T) {
	h := newCoordHarness(t, nil, "allow")
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "missing"}
	seedCall(t, th, call)

	done, err := h.coord.Execute(ctx, th, call)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("expected unknown tool to close the chain")
	}

	result, ok, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !result.IsError || !strings.Contains(result.Result, "unknown tool") {
		t.Errorf("expected unknown-tool error result, got %+v ok=%v", result, ok)
	}
}

func TestRecordResultSpillsOversizedOutputToArtifact(t *testing.T) {
	h := newCoordHarness(t, map[string]string{"work": "allow"}, "deny")
	h.tool.out = strings.Repeat("x", artifactThreshold+500)
	th := h.newThread(t)
	ctx := context.Background()

	call := types.ToolCall{ID: types.NewToolCallID(), Name: "work"}
	seedCall(t, th, call)

	if _, err := h.coord.Execute(ctx, th, call); err != nil {
		t.Fatal(err)
	}

	result, ok, err := th.ResultFor(ctx, call.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected result")
	}
	if result.ArtifactID == "" {
		t.Fatal("expected oversized result to reference an artifact")
	}
	if !strings.Contains(result.Result, "truncated") {
		t.Errorf("expected truncated inline result, got %d chars", len(result.Result))
	}
}
