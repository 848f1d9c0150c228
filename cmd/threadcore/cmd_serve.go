package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/conversation"
	"github.com/user/threadcore/internal/delivery"
	"github.com/user/threadcore/internal/gateway"
	"github.com/user/threadcore/internal/policy"
	"github.com/user/threadcore/internal/runtime"
	"github.com/user/threadcore/internal/runtime/tools"
	"github.com/user/threadcore/internal/scheduler"
	"github.com/user/threadcore/internal/state"
	"github.com/user/threadcore/internal/telegram"
	"github.com/user/threadcore/internal/types"
	"github.com/user/threadcore/internal/webhook"
	"github.com/user/threadcore/pkg/llm"
	"github.com/user/threadcore/pkg/llm/openai"
)

// toolExecTimeout bounds a single tool execution. Results past the deadline
// are recorded as timeout errors so the turn can close.
const toolExecTimeout = 5 * time.Minute

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the threadcore daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "threadcore.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Store
	store, err := state.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	artifacts := state.NewArtifactStore(cfg.ArtifactDir())

	// Delivery fan-out; every appended event passes through here.
	deliveryReg := delivery.NewRegistry()
	store.SetNotifier(deliveryReg.Notify)

	// Approval pipeline
	hub := approval.New(store)
	pol, err := policy.NewTable(cfg.Approval.Rules, cfg.Approval.DefaultMode)
	if err != nil {
		return fmt.Errorf("load approval policy: %w", err)
	}
	approvalTimeout, err := time.ParseDuration(cfg.Approval.Timeout)
	if err != nil {
		return fmt.Errorf("parse approval timeout: %w", err)
	}

	// LLM provider
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	// Conversation projector
	projector, err := conversation.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create projector: %w", err)
	}

	// Tool registry
	registry := runtime.NewRegistry()
	registry.Register(tools.NewEcho())
	registry.Register(tools.NewBash())

	// Runtime
	coordinator := runtime.NewCoordinator(registry, pol, hub, artifacts, toolExecTimeout)
	rt := runtime.New(provider, projector, store, coordinator, registry, cfg.MaxToolRounds)

	// Gateway
	gw := gateway.New(store, hub, int64(cfg.MaxConcurrent))
	gw.Queue.SetProcessor(rt.ProcessRun)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("threadcore started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_tool_rounds", cfg.MaxToolRounds,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	// Telegram approval surface
	if cfg.Telegram.Token != "" {
		approver, err := telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, gw, hub)
		if err != nil {
			return fmt.Errorf("create telegram approver: %w", err)
		}
		hub.AddPrompter(approver)
		deliveryReg.Register("telegram", approver.DeliverEvent)
		go approver.Start(ctx)
		slog.Info("telegram approver started")
	} else {
		slog.Warn("telegram approver disabled (no token)")
	}

	// Approval sweeper; expired requests become error results, and threads
	// with decided-but-unexecuted calls (a CLI decision, say) are nudged
	// back through the queue.
	sweeper := scheduler.New(store, approvalTimeout, cfg.Approval.SweepSchedule, func(threadID types.ThreadID) {
		if err := gw.Resume(threadID); err != nil {
			slog.Error("resume after expiry failed", "thread_id", string(threadID), "error", err)
		}
	})
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sweeper.Stop()
	slog.Info("approval sweeper started", "timeout", approvalTimeout.String(), "schedule", cfg.Approval.SweepSchedule)

	// Pick interrupted threads back up before accepting new traffic.
	if err := gw.ResumeAll(ctx); err != nil {
		slog.Error("startup resume failed", "error", err)
	}

	// HTTP API
	webhookSrv := webhook.NewServer(store, gw, hub, artifacts)
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: webhookSrv,
	}
	go func() {
		slog.Info("http server started", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Clean up PID file before re-exec
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
