// Package runtime implements the agentic turn loop and the tool-call
// coordinator. The loop is log-driven: every run re-derives its work from
// the thread's event log, so a run of any kind (message, approval, resume)
// converges on the same behavior the original run would have had.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/user/threadcore/internal/conversation"
	"github.com/user/threadcore/internal/gateway"
	"github.com/user/threadcore/internal/thread"
	"github.com/user/threadcore/internal/types"
	"github.com/user/threadcore/pkg/llm"
)

// Storage is the slice of the store the runtime needs.
type Storage interface {
	types.ThreadStore
	types.EventStore
}

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider    llm.Provider
	projector   *conversation.Projector
	store       Storage
	coordinator *Coordinator
	registry    *Registry
	maxRounds   int
}

// New creates a Runtime with the given dependencies.
func New(
	provider llm.Provider,
	projector *conversation.Projector,
	store Storage,
	coordinator *Coordinator,
	registry *Registry,
	maxRounds int,
) *Runtime {
	return &Runtime{
		provider:    provider,
		projector:   projector,
		store:       store,
		coordinator: coordinator,
		registry:    registry,
		maxRounds:   maxRounds,
	}
}

// ProcessRun executes one run against its thread. This is the function
// passed to Queue.SetProcessor.
func (rt *Runtime) ProcessRun(run *gateway.Run) error {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	th := thread.Open(rt.store, run.ThreadID)

	switch run.Kind {
	case gateway.RunMessage:
		source := run.Source
		if source == "" {
			source = "user"
		}
		if _, err := th.AddEvent(ctx, types.EventUserMessage, source, types.UserMessagePayload{Text: run.Text}); err != nil {
			return fmt.Errorf("record user message: %w", err)
		}

	case gateway.RunApproval:
		if err := rt.checkApprovalTarget(ctx, th, run.CallID); err != nil {
			return err
		}

	case gateway.RunResume:
		// Nothing to record; the log already says what to do.

	default:
		return fmt.Errorf("unknown run kind %q", run.Kind)
	}

	return rt.advance(ctx, th, run)
}

// checkApprovalTarget guards an approval run against decisions that
// reference no known tool call. Such decisions are dropped with a warning;
// they must never cause an execution.
func (rt *Runtime) checkApprovalTarget(ctx context.Context, th *thread.Thread, callID types.ToolCallID) error {
	if callID == "" {
		return nil
	}
	_, ok, err := th.CallByID(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Warn("approval run for unknown tool call dropped",
			"thread_id", string(th.ID()), "call_id", string(callID))
	}
	return nil
}

// advance drives the thread forward until the turn closes or parks. Each
// iteration either resolves pending tool calls or asks the model for the
// next step; a turn with every open call parked on an approval returns
// without error and resumes when the decision arrives.
func (rt *Runtime) advance(ctx context.Context, th *thread.Thread, run *gateway.Run) error {
	toolNames := rt.registry.Names()

	for round := 0; round < rt.maxRounds; round++ {
		events, err := th.Events(ctx)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		if pending := thread.PendingCalls(events); len(pending) > 0 {
			progressed := false
			for _, call := range pending {
				done, err := rt.coordinator.Advance(ctx, th, call)
				if err != nil {
					return fmt.Errorf("advance tool call %s: %w", call.ID, err)
				}
				if done {
					progressed = true
				}
			}
			if !progressed {
				// Everything open is waiting on an approval decision.
				return nil
			}
			continue
		}

		if turnClosed(events) {
			if run.OnComplete != nil {
				run.OnComplete("")
			}
			return nil
		}

		messages, err := rt.projector.Project(th.ID(), events, toolNames)
		if err != nil {
			return fmt.Errorf("project conversation: %w", err)
		}

		resp, err := rt.provider.Complete(ctx, messages, rt.registry.AsLLMTools())
		if err != nil {
			return fmt.Errorf("LLM call: %w", err)
		}

		if len(resp.ToolCalls) > 0 {
			for _, tc := range resp.ToolCalls {
				callID := types.ToolCallID(tc.ID)
				if callID == "" {
					callID = types.NewToolCallID()
				}
				if _, err := th.AddEvent(ctx, types.EventToolCall, "model", types.ToolCallPayload{
					CallID:    callID,
					Tool:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}); err != nil {
					return fmt.Errorf("record tool call: %w", err)
				}
			}
			continue
		}

		if resp.Content != "" {
			if _, err := th.AddEvent(ctx, types.EventAgentMessage, "model", types.AgentMessagePayload{Text: resp.Content}); err != nil {
				return fmt.Errorf("record agent message: %w", err)
			}
			if run.OnComplete != nil {
				run.OnComplete(resp.Content)
			}
			return nil
		}

		// Empty response (no content, no tool calls) -- treat as done.
		if run.OnComplete != nil {
			run.OnComplete("")
		}
		return nil
	}

	if _, err := th.AddEvent(ctx, types.EventStatus, "runtime", types.StatusPayload{
		Text: fmt.Sprintf("max tool rounds (%d) exceeded", rt.maxRounds),
	}); err != nil {
		slog.Warn("record max-rounds status failed", "thread_id", string(th.ID()), "error", err)
	}
	return fmt.Errorf("max tool rounds (%d) exceeded", rt.maxRounds)
}

// turnClosed reports whether the last meaningful event already ends the
// turn with an agent message. Status and approval events are bookkeeping
// and do not reopen a turn.
func turnClosed(events []*types.Event) bool {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case types.EventStatus, types.EventApprovalRequest, types.EventApprovalResponse, types.EventSystemPrompt:
			continue
		case types.EventAgentMessage:
			return true
		default:
			return false
		}
	}
	return true
}
