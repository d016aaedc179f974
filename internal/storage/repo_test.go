package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "test.sqlite3"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestGuildConfigRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, found, err := store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get missing config: %v", err)
	}
	if found {
		t.Fatal("found a config that was never stored")
	}

	cfg := GuildConfig{
		GuildID:                "g1",
		AskWindowSeconds:       60,
		AskMaxPerWindow:        3,
		GuildAskMaxPerWindow:   30,
		ImageWindowSeconds:     300,
		ImageMaxPerWindow:      2,
		GuildImageMaxPerWindow: 20,
		DuplicateWindowSeconds: 600,
		UserDailyChatTokens:    20000,
		GuildDailyChatTokens:   200000,
		UserDailyImages:        5,
		GuildDailyImages:       25,
		AutoApprove:            false,
		AdminBypass:            true,
		SystemPrompt:           "be helpful, be brief",
		Temperature:            0.7,
		MaxCompletionTokens:    1024,
		MaxPromptChars:         4000,
		MinPromptChars:         5,
	}
	if err := store.UpsertGuildConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("stored config not found")
	}
	if got.AskMaxPerWindow != 3 || got.SystemPrompt != "be helpful, be brief" || got.AutoApprove {
		t.Fatalf("config round trip mismatch: %+v", got)
	}

	// Upsert replaces the existing row.
	cfg.AskMaxPerWindow = 5
	if err := store.UpsertGuildConfig(ctx, cfg); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _, err = store.GetGuildConfig(ctx, "g1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got.AskMaxPerWindow != 5 {
		t.Fatalf("ask_max_per_window = %d, want 5", got.AskMaxPerWindow)
	}
}

func TestGuildAdminRoster(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IsGuildAdmin(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("is admin: %v", err)
	}
	if ok {
		t.Fatal("unknown user reported as admin")
	}

	if err := store.AddGuildAdmin(ctx, "g1", "u1", "admin"); err != nil {
		t.Fatalf("add admin: %v", err)
	}
	// Re-adding the same pair is a no-op, not an error.
	if err := store.AddGuildAdmin(ctx, "g1", "u1", "admin"); err != nil {
		t.Fatalf("re-add admin: %v", err)
	}

	ok, err = store.IsGuildAdmin(ctx, "g1", "u1")
	if err != nil {
		t.Fatalf("is admin: %v", err)
	}
	if !ok {
		t.Fatal("registered admin not recognized")
	}

	admins, err := store.ListGuildAdmins(ctx, "g1")
	if err != nil {
		t.Fatalf("list admins: %v", err)
	}
	if len(admins) != 1 || admins[0].UserID != "u1" {
		t.Fatalf("admins = %+v", admins)
	}

	if err := store.RemoveGuildAdmin(ctx, "g1", "u1"); err != nil {
		t.Fatalf("remove admin: %v", err)
	}
	ok, _ = store.IsGuildAdmin(ctx, "g1", "u1")
	if ok {
		t.Fatal("removed admin still recognized")
	}
}

func TestTransitionApprovalGuards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.TransitionApproval(ctx, "missing", StatusApproved, "admin-1", "", now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("transition missing item: %v, want ErrNotFound", err)
	}

	item := ApprovalItem{
		ID:      "item-1",
		GuildID: "g1",
		UserID:  "u1",
		Kind:    KindChat,
		Prompt:  "what even is a monad?",
		Day:     "2026-03-01",
	}
	if err := store.InsertApprovalItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.TransitionApproval(ctx, "item-1", StatusApproved, "admin-1", "", now); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := store.TransitionApproval(ctx, "item-1", StatusRejected, "admin-2", "nope", now); !errors.Is(err, ErrConflict) {
		t.Fatalf("second transition: %v, want ErrConflict", err)
	}
}

func TestAuditFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seed := []AuditRecord{
		{RequestID: "r1", GuildID: "g1", UserID: "u1", Kind: KindChat, Disposition: DispositionDispatched},
		{RequestID: "r2", GuildID: "g1", UserID: "u1", Kind: KindChat, Disposition: DispositionRejected, Reason: "trivial"},
		{RequestID: "r3", GuildID: "g1", UserID: "u2", Kind: KindImage, Disposition: DispositionDispatched},
		{RequestID: "r4", GuildID: "g2", UserID: "u1", Kind: KindChat, Disposition: DispositionDispatched},
	}
	for _, r := range seed {
		if err := store.InsertAuditRecord(ctx, r); err != nil {
			t.Fatalf("insert %s: %v", r.RequestID, err)
		}
	}

	records, err := store.ListAuditRecords(ctx, "g1", AuditFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("guild records = %d, want 3", len(records))
	}

	records, err = store.ListAuditRecords(ctx, "g1", AuditFilter{Disposition: DispositionRejected})
	if err != nil {
		t.Fatalf("list rejected: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "r2" {
		t.Fatalf("rejected records = %+v", records)
	}

	records, err = store.ListAuditRecords(ctx, "g1", AuditFilter{Kind: KindImage})
	if err != nil {
		t.Fatalf("list image: %v", err)
	}
	if len(records) != 1 || records[0].RequestID != "r3" {
		t.Fatalf("image records = %+v", records)
	}
}
