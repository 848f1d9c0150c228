package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/threadcore/internal/state"
	"github.com/user/threadcore/internal/types"
)

func init() {
	rootCmd.AddCommand(threadCmd)
	threadCmd.AddCommand(threadListCmd, threadShowCmd)
}

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect threads",
}

var threadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all threads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := state.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		list, err := store.ListThreads(ctx)
		if err != nil {
			return fmt.Errorf("list threads: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No threads found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENTS\tCREATED\tUPDATED")
		for _, t := range list {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
				t.ID,
				t.LastSeq,
				t.CreatedAt.Format("2006-01-02 15:04:05"),
				t.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var threadShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Print a thread's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store, err := state.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer store.Close()

		ctx := context.Background()
		threadID := types.ThreadID(args[0])
		if _, err := store.GetThread(ctx, threadID); err != nil {
			return fmt.Errorf("thread not found: %s", args[0])
		}
		events, err := store.Events(ctx, threadID)
		if err != nil {
			return fmt.Errorf("load events: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tSOURCE\tCALL\tAT")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				e.Seq,
				e.Type,
				e.Source,
				e.ToolCallID,
				e.At.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}
