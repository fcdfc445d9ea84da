package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel and Adapter for Telegram. Threads are
// reply chains anchored at a bot-posted title message: CreateThread posts
// the anchor, and every message in the thread replies to it. The bot API
// cannot read chat history, so the adapter keeps its own transcript of the
// messages it sends and receives, which is what FetchRecentMessages serves.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	handler    Handler
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI

	transcriptMu sync.Mutex
	transcripts  map[string][]ChatMessage // "chatID/threadID" -> ordered messages
}

const transcriptCap = 200

// NewTelegramChannel creates a Telegram channel. Incoming messages from
// allowed users are routed to handler, one at a time.
func NewTelegramChannel(token string, allowedIDs []int64, handler Handler, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:       token,
		allowedIDs:  allowed,
		handler:     handler,
		logger:      logger,
		transcripts: make(map[string][]ChatMessage),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// Start connects the bot and polls for updates, reconnecting with
// exponential backoff on failure.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
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

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection: the library blocks rather than closing the channel).
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

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	channelID := strconv.FormatInt(msg.Chat.ID, 10)
	threadID := ""
	if msg.ReplyToMessage != nil {
		threadID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}
	incoming := Incoming{
		ChannelID: channelID,
		ThreadID:  threadID,
		MessageID: strconv.Itoa(msg.MessageID),
		Author:    msg.From.UserName,
		Text:      text,
	}
	t.record(channelID, threadID, ChatMessage{
		ID:     incoming.MessageID,
		Author: incoming.Author,
		Text:   text,
		SentAt: time.Unix(int64(msg.Date), 0),
	})

	// Synchronous dispatch: one update at a time, which keeps prompt
	// executions against one thread serialized.
	t.handler.HandleMessage(ctx, incoming)
}

// CreateThread posts an anchor message carrying the title; its message id
// becomes the thread id for all subsequent replies.
func (t *TelegramChannel) CreateThread(ctx context.Context, channelID, title string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("create thread: bad channel id %q: %w", channelID, err)
	}
	sent, err := t.bot.Send(tgbotapi.NewMessage(chatID, "🧵 "+title))
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	threadID := strconv.Itoa(sent.MessageID)
	t.record(channelID, threadID, ChatMessage{
		ID:      threadID,
		Author:  t.bot.Self.UserName,
		Text:    title,
		FromBot: true,
		SentAt:  time.Now(),
	})
	return threadID, nil
}

// SendMessage posts content into the thread (as a reply to its anchor) or
// into the channel when threadID is empty.
func (t *TelegramChannel) SendMessage(ctx context.Context, channelID, threadID, content string) (string, error) {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("send message: bad channel id %q: %w", channelID, err)
	}
	msg := tgbotapi.NewMessage(chatID, content)
	if threadID != "" {
		anchor, err := strconv.Atoi(threadID)
		if err != nil {
			return "", fmt.Errorf("send message: bad thread id %q: %w", threadID, err)
		}
		msg.ReplyToMessageID = anchor
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	messageID := strconv.Itoa(sent.MessageID)
	t.record(channelID, threadID, ChatMessage{
		ID:      messageID,
		Author:  t.bot.Self.UserName,
		Text:    content,
		FromBot: true,
		SentAt:  time.Now(),
	})
	return messageID, nil
}

// FetchRecentMessages returns up to limit transcript entries, oldest first.
func (t *TelegramChannel) FetchRecentMessages(ctx context.Context, channelID, threadID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	t.transcriptMu.Lock()
	defer t.transcriptMu.Unlock()
	entries := t.transcripts[transcriptKey(channelID, threadID)]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]ChatMessage, len(entries))
	copy(out, entries)
	return out, nil
}

// RenameThread edits the anchor message to carry the new title.
func (t *TelegramChannel) RenameThread(ctx context.Context, channelID, threadID, title string) error {
	chatID, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return fmt.Errorf("rename thread: bad channel id %q: %w", channelID, err)
	}
	anchor, err := strconv.Atoi(threadID)
	if err != nil {
		return fmt.Errorf("rename thread: bad thread id %q: %w", threadID, err)
	}
	edit := tgbotapi.NewEditMessageText(chatID, anchor, "🧵 "+title)
	if _, err := t.bot.Request(edit); err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	return nil
}

func (t *TelegramChannel) record(channelID, threadID string, msg ChatMessage) {
	t.transcriptMu.Lock()
	defer t.transcriptMu.Unlock()
	key := transcriptKey(channelID, threadID)
	entries := append(t.transcripts[key], msg)
	if len(entries) > transcriptCap {
		entries = entries[len(entries)-transcriptCap:]
	}
	t.transcripts[key] = entries
}

func transcriptKey(channelID, threadID string) string {
	return channelID + "/" + threadID
}
