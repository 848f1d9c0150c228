// Package gateway turns inbound traffic (messages, approval decisions,
// startup recovery) into queued runs. It owns thread resolution and run
// scheduling; all durable state stays in the store.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/types"
)

// Storage is the slice of the store the gateway needs.
type Storage interface {
	types.ThreadStore
	types.EventStore
}

// Gateway orchestrates inbound work into runs. It resolves (or creates)
// threads, wraps each request in a Run, and enqueues the run for processing.
type Gateway struct {
	store Storage
	hub   *approval.Hub
	Queue *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Gateway wired to the provided store and approval hub with
// the given concurrency limit for simultaneous run processing.
func New(store Storage, hub *approval.Hub, maxConcurrent ...int64) *Gateway {
	var concurrency int64 = 2
	if len(maxConcurrent) > 0 && maxConcurrent[0] > 0 {
		concurrency = maxConcurrent[0]
	}
	return &Gateway{
		store: store,
		hub:   hub,
		Queue: NewQueue(concurrency),
	}
}

// Start initialises the gateway's context and starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.ctx, g.cancel = context.WithCancel(ctx)
	g.Queue.Start(g.ctx)
}

// Stop cancels the gateway context, stops the queue, and waits for any
// outstanding work to finish.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.Queue.Stop()
	g.wg.Wait()
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnComplete sets a callback invoked when the run produces a final response.
func WithOnComplete(fn func(string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// HandleMessage resolves (or creates, when threadID is empty) the thread,
// wraps the message in a Run, and enqueues it. Returns the thread the
// message landed on.
func (g *Gateway) HandleMessage(ctx context.Context, threadID types.ThreadID, source, text string, opts ...RunOption) (types.ThreadID, error) {
	if threadID == "" {
		meta, err := g.store.CreateThread(ctx)
		if err != nil {
			return "", fmt.Errorf("create thread: %w", err)
		}
		threadID = meta.ID
	} else {
		if _, err := g.store.GetThread(ctx, threadID); err != nil {
			return "", fmt.Errorf("resolve thread: %w", err)
		}
	}

	run := NewRun(threadID, RunMessage)
	run.Text = text
	run.Source = source
	for _, opt := range opts {
		opt(run)
	}
	return threadID, g.Queue.Enqueue(run)
}

// HandleApproval records the decision through the hub, then enqueues an
// approval run so the processor executes (or closes) the affected call.
// The enqueue is at-least-once: duplicate approval runs are harmless
// because every execution guard reads the log first.
func (g *Gateway) HandleApproval(ctx context.Context, threadID types.ThreadID, decision types.ApprovalDecision) error {
	if err := g.hub.Resolve(ctx, threadID, decision); err != nil {
		return fmt.Errorf("handle approval: %w", err)
	}

	run := NewRun(threadID, RunApproval)
	run.CallID = decision.CallID
	return g.Queue.Enqueue(run)
}

// Resume enqueues a resume run for one thread. The processor re-derives all
// pending work from the log.
func (g *Gateway) Resume(threadID types.ThreadID) error {
	return g.Queue.Enqueue(NewRun(threadID, RunResume))
}

// ResumeAll enqueues a resume run for every thread that has any unresolved
// tool call or undecided approval in its log. Called once on startup so
// work interrupted by a crash picks back up.
func (g *Gateway) ResumeAll(ctx context.Context) error {
	threads, err := g.store.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("resume all: %w", err)
	}

	for _, meta := range threads {
		open, err := g.hasOpenWork(ctx, meta.ID)
		if err != nil {
			slog.Warn("skipping thread during resume", "thread_id", string(meta.ID), "error", err)
			continue
		}
		if !open {
			continue
		}
		if err := g.Resume(meta.ID); err != nil {
			return fmt.Errorf("resume thread %s: %w", meta.ID, err)
		}
		slog.Info("resuming thread", "thread_id", string(meta.ID))
	}
	return nil
}

// hasOpenWork reports whether the thread's log ends with unfinished tool
// activity: a tool_call without a tool_result.
func (g *Gateway) hasOpenWork(ctx context.Context, threadID types.ThreadID) (bool, error) {
	events, err := g.store.Events(ctx, threadID)
	if err != nil {
		return false, err
	}
	resolved := make(map[types.ToolCallID]bool)
	for _, event := range events {
		if event.Type == types.EventToolResult && event.ToolCallID != "" {
			resolved[event.ToolCallID] = true
		}
	}
	for _, event := range events {
		if event.Type == types.EventToolCall && !resolved[event.ToolCallID] {
			return true, nil
		}
	}
	return false, nil
}
