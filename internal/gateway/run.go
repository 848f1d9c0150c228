package gateway

import (
	"context"
	"time"

	"github.com/user/threadcore/internal/types"
)

// RunKind distinguishes what a run is asking the processor to do.
type RunKind string

const (
	// RunMessage carries a new user message to append and act on.
	RunMessage RunKind = "message"
	// RunApproval carries an approval decision that was just recorded;
	// the processor executes (or closes) the affected tool call and
	// resumes the turn.
	RunApproval RunKind = "approval"
	// RunResume asks the processor to pick a thread up from whatever the
	// log says: drive pending calls, finish the turn. Used on startup
	// after a crash.
	RunResume RunKind = "resume"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks a single unit of work against a thread. Runs are transient
// scheduling envelopes; everything durable about the work lives in the
// thread's event log, so a lost run is recoverable by enqueueing a resume.
type Run struct {
	ID       types.RunID
	ThreadID types.ThreadID
	Kind     RunKind

	// Message runs.
	Text   string
	Source string

	// Approval runs.
	CallID types.ToolCallID

	Status     RunStatus
	Attempts   int
	CreatedAt  time.Time
	Ctx        context.Context
	OnComplete func(response string)
}

// NewRun creates a Run in the Queued state.
func NewRun(threadID types.ThreadID, kind RunKind) *Run {
	return &Run{
		ID:        types.NewRunID(),
		ThreadID:  threadID,
		Kind:      kind,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}
