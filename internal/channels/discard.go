package channels

import (
	"context"
	"errors"
)

// ErrNoChannel is returned by Discard for operations that need a real
// chat platform behind them.
var ErrNoChannel = errors.New("no chat channel configured")

// Discard is the adapter used when no chat channel is configured.
// Operations that would reach a chat platform fail with ErrNoChannel.
type Discard struct{}

func (Discard) CreateThread(ctx context.Context, channelID, title string) (string, error) {
	return "", ErrNoChannel
}

func (Discard) SendMessage(ctx context.Context, channelID, threadID, content string) (string, error) {
	return "", ErrNoChannel
}

func (Discard) FetchRecentMessages(ctx context.Context, channelID, threadID string, limit int) ([]ChatMessage, error) {
	return nil, nil
}

func (Discard) RenameThread(ctx context.Context, channelID, threadID, title string) error {
	return nil
}
