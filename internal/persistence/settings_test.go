package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/threadclaw/internal/persistence"
)

func TestChannelSettingsMissingRowIsZero(t *testing.T) {
	store := openTestStore(t)

	settings, err := store.GetChannelSettings(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if settings != (persistence.ChannelSettings{ChannelID: "chan-1"}) {
		t.Fatalf("expected zero settings, got %+v", settings)
	}
}

func TestChannelSettingsUpsert(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := persistence.ChannelSettings{
		ChannelID:        "chan-1",
		RunMode:          "auto",
		Verbosity:        "quiet",
		Model:            "sonnet",
		ProjectDirectory: "/repo",
	}
	if err := store.SetChannelSettings(ctx, first); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.GetChannelSettings(ctx, "chan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != first {
		t.Fatalf("got %+v want %+v", got, first)
	}

	first.Model = "opus"
	if err := store.SetChannelSettings(ctx, first); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = store.GetChannelSettings(ctx, "chan-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.Model != "opus" {
		t.Fatalf("got model %q want opus", got.Model)
	}
}
