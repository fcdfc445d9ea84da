package channels

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestTranscriptRecordAndFetch(t *testing.T) {
	tg := NewTelegramChannel("unused", nil, nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tg.record("chan-1", "thread-1", ChatMessage{
			ID:     fmt.Sprintf("m%d", i),
			Text:   fmt.Sprintf("message %d", i),
			SentAt: time.Now(),
		})
	}
	tg.record("chan-1", "", ChatMessage{ID: "top", Text: "channel-level"})

	got, err := tg.FetchRecentMessages(ctx, "chan-1", "thread-1", 3)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	// Oldest first, trimmed from the front.
	if got[0].ID != "m2" || got[2].ID != "m4" {
		t.Fatalf("unexpected window: %v", got)
	}

	// Thread and channel transcripts are separate.
	got, err = tg.FetchRecentMessages(ctx, "chan-1", "", 10)
	if err != nil {
		t.Fatalf("fetch channel transcript: %v", err)
	}
	if len(got) != 1 || got[0].ID != "top" {
		t.Fatalf("unexpected channel transcript: %v", got)
	}
}

func TestTranscriptCapped(t *testing.T) {
	tg := NewTelegramChannel("unused", nil, nil, nil)

	for i := 0; i < transcriptCap+50; i++ {
		tg.record("chan-1", "thread-1", ChatMessage{ID: fmt.Sprintf("m%d", i)})
	}
	got, err := tg.FetchRecentMessages(context.Background(), "chan-1", "thread-1", transcriptCap*2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != transcriptCap {
		t.Fatalf("got %d messages, want cap %d", len(got), transcriptCap)
	}
	if got[len(got)-1].ID != fmt.Sprintf("m%d", transcriptCap+49) {
		t.Fatalf("newest message missing: %v", got[len(got)-1])
	}
}

func TestDiscardAdapter(t *testing.T) {
	var d Discard
	ctx := context.Background()

	if _, err := d.CreateThread(ctx, "chan-1", "title"); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	if _, err := d.SendMessage(ctx, "chan-1", "", "hello"); !errors.Is(err, ErrNoChannel) {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
	if msgs, err := d.FetchRecentMessages(ctx, "chan-1", "", 10); err != nil || msgs != nil {
		t.Fatalf("fetch: %v %v", msgs, err)
	}
	if err := d.RenameThread(ctx, "chan-1", "t", "title"); err != nil {
		t.Fatalf("rename: %v", err)
	}
}
