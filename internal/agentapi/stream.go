package agentapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Event is one entry on the agent server's event stream.
type Event struct {
	Type      string `json:"type"` // e.g. "message.part.updated", "session.updated"
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Part      *Part  `json:"part,omitempty"`
	Title     string `json:"title,omitempty"`
}

// Stream subscribes to the agent server's websocket event feed and
// delivers events on a channel. It reconnects with exponential backoff
// until the context is cancelled.
type Stream struct {
	baseURL string
	logger  *slog.Logger
	events  chan Event
}

// NewStream creates a Stream against the same base URL as the HTTP client.
func NewStream(baseURL string, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		events:  make(chan Event, 64),
	}
}

// Events returns the delivery channel. It is closed when Start's context
// is cancelled.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Start runs the subscriber loop in a goroutine.
func (s *Stream) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Stream) loop(ctx context.Context) {
	defer close(s.events)

	wsURL := s.wsURL()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := s.readConn(ctx, wsURL)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("agent event stream disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// readConn dials and pumps events until the connection breaks.
func (s *Stream) readConn(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Warn("malformed agent event", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		default:
			// Slow consumer: drop rather than stall the read loop.
		}
	}
}

func (s *Stream) wsURL() string {
	u := s.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/event"
}
