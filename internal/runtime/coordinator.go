package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/threadcore/internal/thread"
	"github.com/user/threadcore/internal/types"
)

const artifactThreshold = 2000

// Coordinator drives a single tool call through its lifecycle: policy gate,
// approval wait, execution, result record. Every entry point re-reads the
// log before acting, so duplicate drives (retries, concurrent approvals,
// crash-recovery replays) converge on the already-recorded outcome instead
// of executing twice. The store's uniqueness constraint on tool results is
// the final backstop beneath all of it.
type Coordinator struct {
	registry    *Registry
	policy      types.PolicyProvider
	approvals   types.ApprovalChannel
	artifacts   types.ArtifactStore
	execTimeout time.Duration

	mu       sync.Mutex
	inflight map[types.ToolCallID]bool
}

// NewCoordinator creates a Coordinator with the given collaborators.
// execTimeout bounds each tool invocation; zero means no bound.
func NewCoordinator(registry *Registry, policy types.PolicyProvider, approvals types.ApprovalChannel, artifacts types.ArtifactStore, execTimeout time.Duration) *Coordinator {
	return &Coordinator{
		registry:    registry,
		policy:      policy,
		approvals:   approvals,
		artifacts:   artifacts,
		execTimeout: execTimeout,
		inflight:    make(map[types.ToolCallID]bool),
	}
}

// Advance moves the call as far as the log allows. It returns done=true when
// the call's chain is closed (a tool_result exists), and done=false when the
// call is parked waiting on an approval decision.
func (c *Coordinator) Advance(ctx context.Context, th *thread.Thread, call types.ToolCall) (bool, error) {
	if _, ok, err := th.ResultFor(ctx, call.ID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	switch c.policy.Decide(call.Name) {
	case types.PolicyDeny:
		err := c.recordResult(ctx, th, call, fmt.Sprintf("error: tool %q denied by policy", call.Name), true)
		return err == nil, err

	case types.PolicyAsk:
		decision, err := c.approvals.RequestDecision(ctx, th.ID(), call)
		if err != nil {
			return false, fmt.Errorf("request approval for %s: %w", call.ID, err)
		}
		if decision == nil {
			// Undecided. The turn parks here; an approval run resumes it.
			return false, nil
		}
		if !decision.Approve {
			err := c.recordResult(ctx, th, call, deniedMessage(decision), true)
			return err == nil, err
		}
	}

	return c.Execute(ctx, th, call)
}

// Execute runs the tool and records its result. It is safe to call for a
// call that already executed: the fresh result check and the store's
// uniqueness constraint both collapse the duplicate into a no-op. Returns
// closed=true when a result exists by the time Execute returns.
func (c *Coordinator) Execute(ctx context.Context, th *thread.Thread, call types.ToolCall) (bool, error) {
	c.mu.Lock()
	if c.inflight[call.ID] {
		// Another goroutine is mid-execution; its result will land.
		c.mu.Unlock()
		return false, nil
	}
	c.inflight[call.ID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, call.ID)
		c.mu.Unlock()
	}()

	// Re-check under the inflight guard; an earlier drive may have finished
	// between the caller's read and ours.
	if _, ok, err := th.ResultFor(ctx, call.ID); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}

	result, isErr := c.invoke(ctx, call)
	if err := c.recordResult(ctx, th, call, result, isErr); err != nil {
		return false, err
	}
	return true, nil
}

// invoke runs the tool body, converting every failure mode (unknown tool,
// returned error, panic, timeout) into an error-shaped result string. Tool
// failure is data, not a processing error.
func (c *Coordinator) invoke(ctx context.Context, call types.ToolCall) (result string, isErr bool) {
	tool, ok := c.registry.Get(call.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", call.Name), true
	}

	if c.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.execTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "call_id", string(call.ID), "panic", r)
			result = fmt.Sprintf("error: tool %q panicked: %v", call.Name, r)
			isErr = true
		}
	}()

	out, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err), true
	}
	return out, false
}

// recordResult appends the tool_result event, spilling oversized output to
// the artifact store first. A conflict means a result already landed; that
// is success, not failure.
func (c *Coordinator) recordResult(ctx context.Context, th *thread.Thread, call types.ToolCall, result string, isErr bool) error {
	payload := types.ToolResultPayload{
		CallID:  call.ID,
		Tool:    call.Name,
		Result:  result,
		IsError: isErr,
	}

	if len(result) > artifactThreshold && c.artifacts != nil {
		artID, err := c.artifacts.Put(ctx, th.ID(), call.Name, result)
		if err == nil {
			payload.ArtifactID = artID
			payload.Result = result[:artifactThreshold] + "\n[truncated, see artifact " + string(artID) + "]"
		} else {
			slog.Warn("artifact store failed, recording full result inline", "call_id", string(call.ID), "error", err)
		}
	}

	if _, err := th.AddEvent(ctx, types.EventToolResult, "coordinator", payload); err != nil {
		if errors.Is(err, types.ErrConflict) {
			slog.Debug("duplicate tool result dropped", "thread_id", string(th.ID()), "call_id", string(call.ID))
			return nil
		}
		return fmt.Errorf("record tool result: %w", err)
	}
	return nil
}

func deniedMessage(decision *types.ApprovalDecision) string {
	if decision.DecidedBy != "" {
		return fmt.Sprintf("error: tool call denied by %s", decision.DecidedBy)
	}
	return "error: tool call denied"
}
