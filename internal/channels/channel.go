// Package channels abstracts the chat platform. The orchestration core
// only sees the Adapter contract; everything Telegram-specific stays in
// this package.
package channels

import (
	"context"
	"time"
)

// ChatMessage is one entry of a thread transcript, oldest first when
// returned in a list.
type ChatMessage struct {
	ID      string
	Author  string
	Text    string
	FromBot bool
	SentAt  time.Time
}

// Adapter is the chat-platform surface the core consumes. Implementations
// must be safe for concurrent use.
type Adapter interface {
	// CreateThread opens a new thread under the channel and returns its id.
	CreateThread(ctx context.Context, channelID, title string) (string, error)

	// SendMessage posts content into a thread (or the channel itself when
	// threadID is empty) and returns the new message's id.
	SendMessage(ctx context.Context, channelID, threadID, content string) (string, error)

	// FetchRecentMessages returns up to limit transcript entries for a
	// thread, oldest first.
	FetchRecentMessages(ctx context.Context, channelID, threadID string, limit int) ([]ChatMessage, error)

	// RenameThread retitles a thread.
	RenameThread(ctx context.Context, channelID, threadID, title string) error
}

// Incoming is a user message delivered by a channel's receive loop.
type Incoming struct {
	ChannelID string
	ThreadID  string // empty for top-level channel messages
	MessageID string
	Author    string
	Text      string
}

// Handler consumes incoming user messages. The channel's receive loop
// invokes it synchronously per chat, which is what gives the core its
// at-most-one in-flight prompt per thread.
type Handler interface {
	HandleMessage(ctx context.Context, msg Incoming)
}

// Channel is a messaging platform integration with its own receive loop.
type Channel interface {
	// Name returns the unique name of the channel (e.g. "telegram").
	Name() string

	// Start begins listening for messages. It blocks until the context is
	// cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}
