package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentgw/internal/bus"
	"github.com/basket/agentgw/internal/gateway"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const telegramChannelID = "telegram"

// TelegramChannel implements Channel over the Telegram Bot API: every
// allowlisted chat's messages become an agent.run through Gateway Core,
// and write-tool approvals are surfaced as inline-keyboard callback
// buttons rather than the control plane's req:approval.grant.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	core       *gateway.Core
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	pendingMu sync.Mutex
	pending   map[string]int64 // run_id -> chat_id, for routing run.completed back to a reply
}

// NewTelegramChannel creates a Telegram channel adapter bound to core.
func NewTelegramChannel(token string, allowedIDs []int64, core *gateway.Core, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token: token, allowedIDs: allowed, core: core, logger: logger,
		pending: make(map[string]int64),
	}
}

func (t *TelegramChannel) Name() string {
	return telegramChannelID
}

// Start connects to Telegram and blocks, long-polling for updates and
// reconnecting with exponential backoff on disconnect, until ctx ends.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	if err := t.core.UpsertChannel(ctx, telegramChannelID, "telegram", "online"); err != nil {
		t.logger.Warn("telegram: record channel status failed", "error", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.watchRunEvents(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection against a library that blocks instead of closing on drop).
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}
			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(ctx, update.CallbackQuery)
				continue
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	chatID := fmt.Sprintf("telegram-%d", msg.Chat.ID)
	senderID := strconv.FormatInt(msg.From.ID, 10)

	if _, err := t.core.IngestInbound(ctx, telegramChannelID, chatID, senderID, content); err != nil {
		t.logger.Warn("telegram: inbound blocked", "chat_id", chatID, "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Message rejected: %v", err))
		return
	}

	runID, err := t.core.StartRun(ctx, gateway.AgentRunRequest{
		ChatID: chatID, ChannelID: telegramChannelID, RequestedBy: senderID, Prompt: content,
	})
	if err != nil {
		t.logger.Error("telegram: start run failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Could not start run: %v", err))
		return
	}

	t.pendingMu.Lock()
	t.pending[runID] = msg.Chat.ID
	t.pendingMu.Unlock()
}

// handleCallbackQuery handles inline Approve/Deny button presses on an
// approval.required prompt (see onApprovalRequired).
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	runID, action, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	ack := tgbotapi.NewCallbackWithAlert(query.ID, fmt.Sprintf("Processing %s...", action))
	if _, err := t.bot.Request(ack); err != nil {
		t.logger.Warn("telegram: callback ack failed", "error", err)
	}

	switch action {
	case "approve":
		if err := t.core.GrantApproval(runID, strconv.FormatInt(query.From.ID, 10)); err != nil {
			t.logger.Warn("telegram: grant approval failed", "run_id", runID, "error", err)
		}
	case "deny":
		if err := t.core.DenyApproval(runID, fmt.Sprintf("denied via Telegram by %s", query.From.UserName)); err != nil {
			t.logger.Warn("telegram: deny approval failed", "run_id", runID, "error", err)
		}
	}
}

// watchRunEvents subscribes to the bus for this channel's runs and delivers
// run.completed output and approval.required prompts back to Telegram.
func (t *TelegramChannel) watchRunEvents(ctx context.Context) {
	completed := t.core.Bus.Subscribe(bus.TopicRunCompleted)
	defer t.core.Bus.Unsubscribe(completed)
	required := t.core.Bus.Subscribe(bus.TopicApprovalRequired)
	defer t.core.Bus.Unsubscribe(required)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-completed.Ch():
			if !ok {
				return
			}
			t.onRunCompleted(ev)
		case ev, ok := <-required.Ch():
			if !ok {
				return
			}
			t.onApprovalRequired(ev)
		}
	}
}

func (t *TelegramChannel) onRunCompleted(ev bus.Event) {
	t.pendingMu.Lock()
	chatID, ok := t.pending[ev.RunID]
	if ok {
		delete(t.pending, ev.RunID)
	}
	t.pendingMu.Unlock()
	if !ok {
		return
	}

	payload, _ := ev.Payload.(map[string]any)
	text, _ := payload["output_text"].(string)
	if text == "" {
		if status, _ := payload["status"].(string); status != "" {
			text = fmt.Sprintf("(run %s)", status)
		} else {
			text = "(no output)"
		}
	}
	t.reply(chatID, text)
}

func (t *TelegramChannel) onApprovalRequired(ev bus.Event) {
	t.pendingMu.Lock()
	chatID, ok := t.pending[ev.RunID]
	t.pendingMu.Unlock()
	if !ok {
		return
	}

	payload, _ := ev.Payload.(map[string]any)
	tool, _ := payload["tool"].(string)

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", fmt.Sprintf("approval:%s:approve", ev.RunID)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", fmt.Sprintf("approval:%s:deny", ev.RunID)),
		),
	)
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Approval required for tool %q", tool))
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram: send approval prompt failed", "error", err)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		t.logger.Error("telegram: send reply failed", "error", err)
	}
}

// parseApprovalCallback parses callback data of the form
// "approval:<run_id>:<approve|deny>".
func parseApprovalCallback(data string) (runID, action string, err error) {
	data = strings.TrimSpace(data)
	if !strings.HasPrefix(data, "approval:") {
		return "", "", fmt.Errorf("not an approval callback")
	}
	remaining := data[len("approval:"):]
	parts := strings.SplitN(remaining, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid approval callback format")
	}
	return parts[0], parts[1], nil
}
