// Package chatbot adapts the Telegram Bot API to the bridge's chat-facing
// needs: forum-topic lifecycle, message delivery, and inbound text/callback
// routing (SPEC_FULL.md §4.7, grounded on the other_examples jxucoder-OpenTL
// and Seraphli-tg-cli Telegram integrations).
package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MessageHandler receives a plain-text chat message addressed to a topic
// (message_thread_id, or 0 when threads are unused).
type MessageHandler func(ctx context.Context, chatID int64, threadID int, text string)

// CallbackHandler receives a callback_data payload from an inline button
// press, along with the ids needed to answer it and edit the originating
// message.
type CallbackHandler func(ctx context.Context, chatID int64, threadID int, messageID int, callbackID string, data string)

// Bot wraps a long-polling Telegram Bot API client.
type Bot struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	onMessage  MessageHandler
	onCallback CallbackHandler
}

// New authenticates against the Telegram Bot API. Authentication happens
// here (not lazily) so startup fails fast on a bad token, matching
// jxucoder-OpenTL's NewBot.
func New(token string, chatID int64, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authenticate telegram bot: %w", err)
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, chatID: chatID, logger: logger}, nil
}

// OnMessage registers the callback invoked for plain inbound text messages.
func (b *Bot) OnMessage(h MessageHandler) { b.onMessage = h }

// OnCallback registers the callback invoked for inline-button presses.
func (b *Bot) OnCallback(h CallbackHandler) { b.onCallback = h }

// Run starts the long-polling loop and blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info("telegram long-poll loop started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.CallbackQuery != nil:
				go b.handleCallback(ctx, update.CallbackQuery)
			case update.Message != nil && update.Message.Chat.ID == b.chatID:
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" || b.onMessage == nil {
		return
	}
	b.onMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text)
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if b.onCallback == nil || cb.Message == nil {
		return
	}
	b.onCallback(ctx, cb.Message.Chat.ID, cb.Message.MessageThreadID, cb.Message.MessageID, cb.ID, cb.Data)
}

// AnswerCallback closes the Telegram "loading" spinner on a pressed button,
// optionally showing a short toast.
func (b *Bot) AnswerCallback(callbackID, text string) error {
	_, err := b.api.Request(tgbotapi.NewCallback(callbackID, text))
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}
	return nil
}

// Send delivers text to the bridge's chat, addressed to threadID when
// threads are enabled (threadID == 0 sends to the general area). Falls back
// to a plain-text retry on markdown parse failure, matching the teacher
// pack's sendReply fallback.
func (b *Bot) Send(threadID int, text string) (int, error) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if threadID != 0 {
		msg.MessageThreadID = threadID
	}
	sent, err := b.api.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
		if err != nil {
			return 0, fmt.Errorf("send message: %w", err)
		}
	}
	return sent.MessageID, nil
}

// SendWithDetails delivers text the same way as Send, attaching an inline
// "Details" button whose callback references sessionID so the router can
// later capture and post a full pane snapshot (§4.4).
func (b *Bot) SendWithDetails(threadID int, text, sessionID string) (int, error) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if threadID != 0 {
		msg.MessageThreadID = threadID
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Details", "details:"+sessionID),
		),
	)
	sent, err := b.api.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		sent, err = b.api.Send(msg)
		if err != nil {
			return 0, fmt.Errorf("send message with details button: %w", err)
		}
	}
	return sent.MessageID, nil
}

// SendApprovalRequest posts the four-button Allow / Deny / Always-allow /
// Abort session prompt for a pending tool approval (grounded on
// Seraphli-tg-cli's permission-request keyboard).
func (b *Bot) SendApprovalRequest(threadID int, approvalID, text string) (int, error) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if threadID != 0 {
		msg.MessageThreadID = threadID
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", "approve:"+approvalID),
			tgbotapi.NewInlineKeyboardButtonData("Deny", "deny:"+approvalID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Always allow", "always:"+approvalID),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Abort session", "abort:"+approvalID),
		),
	)
	sent, err := b.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send approval request: %w", err)
	}
	return sent.MessageID, nil
}

// ResolveApprovalMessage edits a posted approval message to show its
// terminal state and removes the inline keyboard so a stale button can't
// be pressed twice.
func (b *Bot) ResolveApprovalMessage(messageID int, resolvedText string) error {
	edit := tgbotapi.NewEditMessageText(b.chatID, messageID, resolvedText)
	empty := tgbotapi.NewInlineKeyboardMarkup()
	edit.ReplyMarkup = &empty
	if _, err := b.api.Send(edit); err != nil {
		return fmt.Errorf("resolve approval message: %w", err)
	}
	return nil
}

// CreateForumTopic implements topic.Creator. colorIndex selects one of
// Telegram's fixed forum-topic icon colors.
func (b *Bot) CreateForumTopic(ctx context.Context, name string, colorIndex int) (int64, error) {
	cfg := tgbotapi.CreateForumTopicConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: b.chatID},
		Name:       name,
		IconColor:  forumIconColors[colorIndex%len(forumIconColors)],
	}
	topic, err := b.api.CreateForumTopic(cfg)
	if err != nil {
		return 0, fmt.Errorf("create forum topic: %w", err)
	}
	return int64(topic.MessageThreadID), nil
}

// CloseForumTopic archives a topic when its session ends (§4.4's dispatch
// pipeline).
func (b *Bot) CloseForumTopic(threadID int64) error {
	cfg := tgbotapi.CloseForumTopicConfig{
		ChatConfig:      tgbotapi.ChatConfig{ChatID: b.chatID},
		MessageThreadID: int(threadID),
	}
	if _, err := b.api.Request(cfg); err != nil {
		return fmt.Errorf("close forum topic: %w", err)
	}
	return nil
}

// forumIconColors are Telegram's fixed forum-topic icon color values.
var forumIconColors = []int{0x6FB9F0, 0xFFD67E, 0xCB86DB, 0x8EEE98, 0xFF93B2, 0xFB6F5F}
