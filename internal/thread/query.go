// internal/thread/query.go
package thread

import (
	"encoding/json"

	"github.com/user/threadcore/internal/types"
)

// Log-derived queries shared by the guard layers. Each operates on a
// snapshot slice so the answer is stable for the caller's read. Malformed
// payloads are skipped rather than failing the whole scan; the log is
// append-only so a bad row can never be repaired in place.

// FindCall returns the first tool_call payload with the given ID.
func FindCall(events []*types.Event, callID types.ToolCallID) (*types.ToolCallPayload, bool) {
	for _, event := range events {
		if event.Type != types.EventToolCall || event.ToolCallID != callID {
			continue
		}
		var payload types.ToolCallPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		return &payload, true
	}
	return nil, false
}

// FindResult returns the first tool_result payload with the given call ID.
func FindResult(events []*types.Event, callID types.ToolCallID) (*types.ToolResultPayload, bool) {
	for _, event := range events {
		if event.Type != types.EventToolResult || event.ToolCallID != callID {
			continue
		}
		var payload types.ToolResultPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		return &payload, true
	}
	return nil, false
}

// FindApproval returns the first approval_response payload with the given
// call ID. The store guarantees there is at most one.
func FindApproval(events []*types.Event, callID types.ToolCallID) (*types.ApprovalResponsePayload, bool) {
	for _, event := range events {
		if event.Type != types.EventApprovalResponse || event.ToolCallID != callID {
			continue
		}
		var payload types.ApprovalResponsePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		return &payload, true
	}
	return nil, false
}

// FindApprovalRequest returns the first approval_request event for the call.
// The event (not just its payload) is returned so callers can see when the
// request was raised.
func FindApprovalRequest(events []*types.Event, callID types.ToolCallID) (*types.Event, bool) {
	for _, event := range events {
		if event.Type == types.EventApprovalRequest && event.ToolCallID == callID {
			return event, true
		}
	}
	return nil, false
}

// PendingCalls returns tool calls that have no recorded result yet, in
// call order.
func PendingCalls(events []*types.Event) []types.ToolCall {
	resolved := make(map[types.ToolCallID]bool)
	for _, event := range events {
		if event.Type == types.EventToolResult && event.ToolCallID != "" {
			resolved[event.ToolCallID] = true
		}
	}

	var pending []types.ToolCall
	for _, event := range events {
		if event.Type != types.EventToolCall || resolved[event.ToolCallID] {
			continue
		}
		var payload types.ToolCallPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			continue
		}
		pending = append(pending, types.ToolCall{ID: payload.CallID, Name: payload.Tool, Arguments: payload.Arguments})
	}
	return pending
}

// DecidedUnexecuted returns calls that have a recorded approval decision but
// no result yet, in decision order. These calls are actionable immediately:
// the runtime either executes them (approve) or closes them (deny).
func DecidedUnexecuted(events []*types.Event) []types.ToolCallID {
	resolved := make(map[types.ToolCallID]bool)
	for _, event := range events {
		if event.Type == types.EventToolResult && event.ToolCallID != "" {
			resolved[event.ToolCallID] = true
		}
	}

	var decided []types.ToolCallID
	for _, event := range events {
		if event.Type == types.EventApprovalResponse && event.ToolCallID != "" && !resolved[event.ToolCallID] {
			decided = append(decided, event.ToolCallID)
		}
	}
	return decided
}

// AwaitingApproval returns approval_request events that have neither a
// recorded decision nor a result, in request order.
func AwaitingApproval(events []*types.Event) []*types.Event {
	decided := make(map[types.ToolCallID]bool)
	for _, event := range events {
		if event.ToolCallID == "" {
			continue
		}
		if event.Type == types.EventApprovalResponse || event.Type == types.EventToolResult {
			decided[event.ToolCallID] = true
		}
	}

	var waiting []*types.Event
	for _, event := range events {
		if event.Type == types.EventApprovalRequest && !decided[event.ToolCallID] {
			waiting = append(waiting, event)
		}
	}
	return waiting
}
