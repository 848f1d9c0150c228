package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/state"
	"github.com/user/threadcore/internal/types"
)

func init() {
	rootCmd.AddCommand(approvalsCmd)
	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsDenyCmd)
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and decide pending tool approvals",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := state.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		hub := approval.New(store)
		pending, err := hub.PendingAll(context.Background())
		if err != nil {
			return fmt.Errorf("list approvals: %w", err)
		}
		if len(pending) == 0 {
			fmt.Println("No pending approvals.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CALL\tTOOL\tTHREAD\tREQUESTED")
		for _, p := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.Call.ID,
				p.Call.Name,
				p.ThreadID,
				p.RequestedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <call-id>",
	Short: "Approve a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(args[0], true)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <call-id>",
	Short: "Deny a pending tool call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decideApproval(args[0], false)
	},
}

// decideApproval records the decision in the log. A running daemon picks
// the decision up on its next resume or sweep; duplicate decisions are
// invisible successes.
func decideApproval(callID string, approve bool) error {
	cfg := loadConfig()
	store, err := state.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	hub := approval.New(store)

	threadID, err := hub.FindThreadForCall(ctx, types.ToolCallID(callID))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("no pending approval for call %s", callID)
		}
		return fmt.Errorf("find call: %w", err)
	}

	err = hub.Resolve(ctx, threadID, types.ApprovalDecision{
		CallID:    types.ToolCallID(callID),
		Approve:   approve,
		DecidedBy: "cli",
	})
	if err != nil {
		return fmt.Errorf("record decision: %w", err)
	}

	verb := "approved"
	if !approve {
		verb = "denied"
	}
	fmt.Fprintf(os.Stdout, "Call %s %s.\n", callID, verb)
	return nil
}
