// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/threadcore/internal/thread"
	"github.com/user/threadcore/internal/types"
)

// Storage is the slice of the store the sweeper needs.
type Storage interface {
	types.ThreadStore
	types.EventStore
}

// Sweeper expires approval requests that have waited past the timeout. An
// expired request gets an error tool_result, which closes the call's chain
// exactly like a denial would; a decision racing the sweep loses harmlessly
// to the store's one-result constraint (or wins, and the sweep backs off).
// The sweep also nudges threads whose calls are decided but still without a
// result, so decisions recorded out-of-band (CLI, a racing surface) get
// acted on without waiting for new traffic or a restart.
type Sweeper struct {
	store    Storage
	timeout  time.Duration
	schedule string
	cron     *cron.Cron
	onResume func(types.ThreadID)
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a Sweeper. schedule is a cron expression (descriptors like
// "@every 1m" work); timeout is how long a request may stay undecided.
// onResume, if set, is called once per thread that needs the runtime's
// attention: an expiration happened or a decided call awaits execution.
func New(store Storage, timeout time.Duration, schedule string, onResume func(types.ThreadID)) *Sweeper {
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		schedule: schedule,
		cron:     cron.New(cron.WithParser(cronParser)),
		onResume: onResume,
	}
}

// Start registers the sweep as a cron entry and starts the ticker.
func (s *Sweeper) Start() error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.SweepOnce(context.Background()); err != nil {
			slog.Error("approval sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	slog.Info("approval sweeper started", "schedule", s.schedule, "timeout", s.timeout.String())
	return nil
}

// Stop stops the cron ticker.
func (s *Sweeper) Stop() {
	s.cron.Stop()
}

// SweepOnce scans every thread, closes approval requests older than the
// timeout with an error result, and flags threads holding decided calls
// that still lack a result. Exported for tests and for a manual sweep
// command.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	threads, err := s.store.ListThreads(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	cutoff := time.Now().Add(-s.timeout)
	for _, meta := range threads {
		resume, err := s.sweepThread(ctx, meta.ID, cutoff)
		if err != nil {
			slog.Warn("sweep skipped thread", "thread_id", string(meta.ID), "error", err)
			continue
		}
		if resume && s.onResume != nil {
			s.onResume(meta.ID)
		}
	}
	return nil
}

func (s *Sweeper) sweepThread(ctx context.Context, threadID types.ThreadID, cutoff time.Time) (bool, error) {
	events, err := s.store.Events(ctx, threadID)
	if err != nil {
		return false, err
	}

	expired := 0
	for _, request := range thread.AwaitingApproval(events) {
		if request.At.After(cutoff) {
			continue
		}
		var payload types.ApprovalRequestPayload
		if err := json.Unmarshal(request.Payload, &payload); err != nil {
			continue
		}

		event, err := types.NewEvent(threadID, types.EventToolResult, "scheduler", types.ToolResultPayload{
			CallID:  payload.CallID,
			Tool:    payload.Tool,
			Result:  fmt.Sprintf("error: approval timed out after %s", s.timeout),
			IsError: true,
		})
		if err != nil {
			return expired > 0, err
		}
		if err := s.store.Append(ctx, event); err != nil {
			if errors.Is(err, types.ErrConflict) {
				// A decision (or another sweep) closed it first.
				continue
			}
			return expired > 0, err
		}
		slog.Info("approval request expired", "thread_id", string(threadID), "call_id", string(payload.CallID))
		expired++
	}
	if expired > 0 {
		return true, nil
	}

	// A decision may land without a run behind it (CLI, a surface racing
	// the sweep). Those calls sit decided but unexecuted until someone
	// resumes the thread, so the sweep does.
	return len(thread.DecidedUnexecuted(events)) > 0, nil
}
