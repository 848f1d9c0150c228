package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/threadcore/internal/approval"
	"github.com/user/threadcore/internal/gateway"
	"github.com/user/threadcore/internal/types"
)

const maxTelegramMessage = 4096

// Compile-time interface compliance check.
var _ approval.Prompter = (*Approver)(nil)

// Approver is a Telegram decision surface for tool-call approvals. New
// requests are pushed to the configured chat; decisions come back as
// /approve and /deny commands. Losing a prompt is fine: the pending state
// lives in the log and /pending re-lists it.
type Approver struct {
	bot    *tgbotapi.BotAPI
	gw     *gateway.Gateway
	hub    *approval.Hub
	chatID int64
	outbox chan string
}

// New creates a Telegram approver bound to one chat.
func New(token string, chatID int64, gw *gateway.Gateway, hub *approval.Hub) (*Approver, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Approver{
		bot:    bot,
		gw:     gw,
		hub:    hub,
		chatID: chatID,
		outbox: make(chan string, 64),
	}, nil
}

// PromptApproval pushes a new approval request to the chat. Best-effort;
// errors are logged, never propagated into the tool pipeline.
func (a *Approver) PromptApproval(threadID types.ThreadID, call types.ToolCall) {
	text := fmt.Sprintf(
		"Tool approval needed\nThread: %s\nTool: %s\nArguments: %s\n\n/approve %s\n/deny %s",
		threadID, call.Name, string(call.Arguments), call.ID, call.ID,
	)
	a.send(text)
}

// DeliverEvent forwards agent replies to the chat. Registered with the
// delivery registry so responses reach Telegram regardless of which surface
// started the thread. Other event types are ignored. The registry calls
// this on the appending goroutine, so the message only gets queued here;
// Start drains the outbox. A full outbox drops the message: delivery is
// best-effort and the log keeps the truth.
func (a *Approver) DeliverEvent(event *types.Event) {
	if event.Type != types.EventAgentMessage {
		return
	}
	var payload types.AgentMessagePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.Text == "" {
		return
	}
	select {
	case a.outbox <- fmt.Sprintf("[%s]\n%s", event.ThreadID, payload.Text):
	default:
		log.Printf("telegram delivery dropped, outbox full: thread %s", event.ThreadID)
	}
}

// Start begins long-polling for Telegram updates.
func (a *Approver) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case text := <-a.outbox:
			a.send(text)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Approver) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat.ID != a.chatID {
		return
	}
	if !msg.IsCommand() {
		a.send("Send /pending to list open approvals, /approve <call_id> or /deny <call_id> to decide.")
		return
	}

	switch msg.Command() {
	case "start":
		a.send("Approval bot ready. /pending lists open requests.")

	case "pending":
		a.handlePending(ctx)

	case "approve":
		a.handleDecision(ctx, msg.CommandArguments(), true, msg.From.UserName)

	case "deny":
		a.handleDecision(ctx, msg.CommandArguments(), false, msg.From.UserName)

	default:
		a.send("Unknown command. Available: /pending, /approve <call_id>, /deny <call_id>")
	}
}

func (a *Approver) handlePending(ctx context.Context) {
	pending, err := a.hub.PendingAll(ctx)
	if err != nil {
		log.Printf("list pending approvals error: %v", err)
		a.send("Error listing pending approvals.")
		return
	}
	if len(pending) == 0 {
		a.send("No pending approvals.")
		return
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d pending approval(s):\n", len(pending)))
	for _, p := range pending {
		b.WriteString(fmt.Sprintf("\n%s on thread %s\n/approve %s\n/deny %s\n", p.Call.Name, p.ThreadID, p.Call.ID, p.Call.ID))
	}
	a.send(b.String())
}

func (a *Approver) handleDecision(ctx context.Context, arg string, approve bool, decidedBy string) {
	callID := types.ToolCallID(strings.TrimSpace(arg))
	if callID == "" {
		a.send("Usage: /approve <call_id> or /deny <call_id>")
		return
	}

	threadID, err := a.hub.FindThreadForCall(ctx, callID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			a.send("No pending approval for that call; it may already be decided.")
			return
		}
		log.Printf("locate approval error: %v", err)
		a.send("Error locating the approval request.")
		return
	}

	if decidedBy != "" {
		decidedBy = "telegram:" + decidedBy
	} else {
		decidedBy = "telegram"
	}
	decision := types.ApprovalDecision{CallID: callID, Approve: approve, DecidedBy: decidedBy}
	if err := a.gw.HandleApproval(ctx, threadID, decision); err != nil {
		log.Printf("handle approval error: %v", err)
		a.send("Error recording the decision.")
		return
	}

	verdict := "approved"
	if !approve {
		verdict = "denied"
	}
	a.send(fmt.Sprintf("Call %s %s.", callID, verdict))
}

func (a *Approver) send(text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(a.chatID, part)
		if _, err := a.bot.Send(msg); err != nil {
			log.Printf("send message error: %v", err)
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
