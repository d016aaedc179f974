package processor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/approval"
	"github.com/ashwnn/chad-discord-bot/internal/audit"
	"github.com/ashwnn/chad-discord-bot/internal/limits"
	"github.com/ashwnn/chad-discord-bot/internal/queue"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

type fakeGenerator struct {
	result GenerateResult
	err    error
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, _, _ string, _ storage.GuildConfig) (GenerateResult, error) {
	g.calls++
	if g.err != nil {
		return GenerateResult{}, g.err
	}
	return g.result, nil
}

type fakeNotifier struct {
	texts []string
}

func (n *fakeNotifier) Notify(_ context.Context, _, _, _, text, _ string) error {
	n.texts = append(n.texts, text)
	return nil
}

type fixture struct {
	proc     *Processor
	store    *storage.Store
	gen      *fakeGenerator
	notifier *fakeNotifier
	mr       *miniredis.Miniredis
	dedupe   *queue.DispatchDeduplicator
}

func testDefaults() storage.GuildConfig {
	return storage.GuildConfig{
		AskWindowSeconds:       60,
		AskMaxPerWindow:        10,
		ImageWindowSeconds:     300,
		ImageMaxPerWindow:      5,
		DuplicateWindowSeconds: 600,
		UserDailyChatTokens:    100000,
		GuildDailyChatTokens:   1000000,
		UserDailyImages:        5,
		GuildDailyImages:       25,
		AutoApprove:            true,
		AdminBypass:            true,
		MaxCompletionTokens:    100,
		MaxPromptChars:         4000,
		MinPromptChars:         5,
	}
}

func newFixture(t *testing.T, defaults storage.GuildConfig) *fixture {
	return newStreamFixture(t, defaults, false)
}

// newStreamFixture wires the redis dispatch stream and dedupe when
// withStream is set; without it approvals dispatch inline.
func newStreamFixture(t *testing.T, defaults storage.GuildConfig, withStream bool) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "test.sqlite3"), true, "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	budget := limits.NewBudgetTracker(store)
	audits := audit.New(store, zerolog.Nop())
	gen := &fakeGenerator{result: GenerateResult{Output: "the answer", ActualCost: 45}}
	notifier := &fakeNotifier{}

	var dispatch *queue.StreamQueue
	var dedupe *queue.DispatchDeduplicator
	if withStream {
		dispatch = queue.NewStreamQueue(rdb, "chadbot:dispatch", "chadbot-workers", "test-consumer", time.Second)
		dedupe = queue.NewDispatchDeduplicator(rdb, time.Hour)
	}

	proc := New(Config{
		Configs: NewConfigSource(store, defaults),
		Store:   store,
		Rates:   limits.NewRateLimiter(rdb),
		Budget:  budget,
		Queue: approval.New(approval.Config{
			Store:  store,
			Budget: budget,
			Audit:  audits,
			Logger: zerolog.Nop(),
		}),
		Audit:    audits,
		Dispatch: dispatch,
		Dedupe:   dedupe,
		Gen:      gen,
		Notifier: notifier,
		Logger:   zerolog.Nop(),
	})
	return &fixture{proc: proc, store: store, gen: gen, notifier: notifier, mr: mr, dedupe: dedupe}
}

func chatRequest(prompt string) Request {
	return NewRequest("g1", "c1", "u1", storage.KindChat, prompt, false)
}

func TestProcessRejectsInvalidPrompt(t *testing.T) {
	f := newFixture(t, testDefaults())
	ctx := context.Background()

	req := chatRequest("hello")
	out, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "trivial" {
		t.Fatalf("outcome = %+v, want rejected/trivial", out)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called for a rejected prompt")
	}

	records, err := f.store.ListAuditByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 || records[0].Disposition != storage.DispositionRejected || records[0].Reason != "trivial" {
		t.Fatalf("audit records = %+v", records)
	}

	// Nothing was admitted, so nothing was debited.
	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 0 {
		t.Fatalf("tokens debited for rejected prompt: %d", user.ChatTokens)
	}
}

func TestProcessAutoDispatch(t *testing.T) {
	f := newFixture(t, testDefaults())
	ctx := context.Background()

	req := chatRequest("what is the capital of France?")
	out, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeDispatched {
		t.Fatalf("disposition = %q, want dispatched", out.Disposition)
	}
	if out.Reply != "the answer" {
		t.Fatalf("reply = %q", out.Reply)
	}

	// Counters settle at the actual cost, not the admission estimate.
	user, guild, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 45 || guild.ChatTokens != 45 {
		t.Fatalf("counters = user %d guild %d, want 45", user.ChatTokens, guild.ChatTokens)
	}

	records, err := f.store.ListAuditByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want exactly one", len(records))
	}
	if records[0].Disposition != storage.DispositionDispatched || records[0].TokensUsed != 45 {
		t.Fatalf("audit record = %+v", records[0])
	}
}

func TestProcessRateLimited(t *testing.T) {
	defaults := testDefaults()
	defaults.AskMaxPerWindow = 1
	f := newFixture(t, defaults)
	ctx := context.Background()

	if out, err := f.proc.Process(ctx, chatRequest("what is the capital of France?")); err != nil || out.Disposition != OutcomeDispatched {
		t.Fatalf("first request: out=%+v err=%v", out, err)
	}

	out, err := f.proc.Process(ctx, chatRequest("what is the capital of Spain?"))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "rate_limited" {
		t.Fatalf("outcome = %+v, want rejected/rate_limited", out)
	}
	if out.RetryAfter <= 0 {
		t.Fatalf("retry_after = %v, want positive", out.RetryAfter)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.gen.calls)
	}
}

func TestProcessDuplicatePrompt(t *testing.T) {
	f := newFixture(t, testDefaults())
	ctx := context.Background()

	prompt := "what is the airspeed of an unladen swallow?"
	if out, err := f.proc.Process(ctx, chatRequest(prompt)); err != nil || out.Disposition != OutcomeDispatched {
		t.Fatalf("first request: out=%+v err=%v", out, err)
	}

	// Same prompt inside the duplicate window, different casing.
	out, err := f.proc.Process(ctx, chatRequest("  WHAT is the airspeed of an unladen swallow? "))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "duplicate" {
		t.Fatalf("outcome = %+v, want rejected/duplicate", out)
	}
}

func TestProcessBudgetDenied(t *testing.T) {
	defaults := testDefaults()
	defaults.UserDailyChatTokens = 50 // below any chat estimate
	f := newFixture(t, defaults)
	ctx := context.Background()

	out, err := f.proc.Process(ctx, chatRequest("what is the capital of France?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != limits.DenialUserBudget {
		t.Fatalf("outcome = %+v, want rejected/%s", out, limits.DenialUserBudget)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called despite budget denial")
	}

	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 0 {
		t.Fatalf("denied request left a debit: %d", user.ChatTokens)
	}
}

func TestProcessQueuedThenApproved(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoApprove = false
	f := newFixture(t, defaults)
	ctx := context.Background()

	req := chatRequest("what is the capital of France?")
	out, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeQueued || out.ItemID != req.ID {
		t.Fatalf("outcome = %+v, want queued with item id %s", out, req.ID)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called before approval")
	}

	// The reservation is held while the item waits.
	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens == 0 {
		t.Fatal("no reservation held for the queued request")
	}

	// With no dispatch stream configured the approval dispatches inline.
	item, err := f.proc.Approve(ctx, req.ID, "admin-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if item.Status != storage.StatusApproved {
		t.Fatalf("status = %q, want approved", item.Status)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls after approval = %d, want 1", f.gen.calls)
	}
	if len(f.notifier.texts) != 1 || f.notifier.texts[0] != "the answer" {
		t.Fatalf("notifications = %#v", f.notifier.texts)
	}

	// Exactly two records: the queued record at admission and the dispatch
	// resolution, both under the original request id.
	records, err := f.store.ListAuditByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("audit records = %d, want 2", len(records))
	}
	if records[0].Disposition != storage.DispositionQueued || records[1].Disposition != storage.DispositionDispatched {
		t.Fatalf("dispositions = %q, %q", records[0].Disposition, records[1].Disposition)
	}

	// Counters settle at the actual cost after dispatch.
	user, _, err = f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 45 {
		t.Fatalf("counter = %d, want 45", user.ChatTokens)
	}
}

func TestProcessQueuedThenRejected(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoApprove = false
	f := newFixture(t, defaults)
	ctx := context.Background()

	req := chatRequest("what is the capital of France?")
	if _, err := f.proc.Process(ctx, req); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := f.proc.Reject(ctx, req.ID, "admin-1", ""); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called for a rejected item")
	}
	if len(f.notifier.texts) != 1 {
		t.Fatalf("notifications = %#v", f.notifier.texts)
	}

	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 0 {
		t.Fatalf("rejected item kept its reservation: %d", user.ChatTokens)
	}
}

func TestProcessDownstreamFailureRollsBack(t *testing.T) {
	f := newFixture(t, testDefaults())
	f.gen.err = errors.New("upstream exploded")
	ctx := context.Background()

	req := chatRequest("what is the capital of France?")
	out, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "downstream_error" {
		t.Fatalf("outcome = %+v, want rejected/downstream_error", out)
	}

	// Failed calls never consume budget.
	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 0 {
		t.Fatalf("failed dispatch kept its reservation: %d", user.ChatTokens)
	}

	records, err := f.store.ListAuditByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].ErrorDetail != "upstream exploded" {
		t.Fatalf("error detail = %q, want the verbatim cause", records[0].ErrorDetail)
	}
}

func TestAdminBypassSkipsLimitsAndQueue(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoApprove = false
	defaults.AskMaxPerWindow = 1
	f := newFixture(t, defaults)
	ctx := context.Background()

	// Two back-to-back admin requests: neither is rate limited nor queued.
	for i := 0; i < 2; i++ {
		req := NewRequest("g1", "c1", "admin-u", storage.KindChat, "what is the capital of France?", true)
		out, err := f.proc.Process(ctx, req)
		if err != nil {
			t.Fatalf("process#%d: %v", i+1, err)
		}
		if out.Disposition != OutcomeDispatched {
			t.Fatalf("request %d disposition = %q, want dispatched", i+1, out.Disposition)
		}
	}
	if f.gen.calls != 2 {
		t.Fatalf("generator calls = %d, want 2", f.gen.calls)
	}
}

func TestGuildAdminRosterGrantsBypass(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoApprove = false
	f := newFixture(t, defaults)
	ctx := context.Background()

	if err := f.store.AddGuildAdmin(ctx, "g1", "u1", "admin"); err != nil {
		t.Fatalf("add admin: %v", err)
	}

	// The transport did not flag the request, but the roster does.
	out, err := f.proc.Process(ctx, chatRequest("what is the capital of France?"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeDispatched {
		t.Fatalf("disposition = %q, want dispatched", out.Disposition)
	}
}

func TestImageRequestUsesImageBudget(t *testing.T) {
	defaults := testDefaults()
	defaults.UserDailyImages = 1
	f := newFixture(t, defaults)
	f.gen.result = GenerateResult{ImageURLs: []string{"https://img.example/1.png"}, ActualCost: 1}
	ctx := context.Background()

	req := NewRequest("g1", "c1", "u1", storage.KindImage, "a cat wearing a tiny hat", false)
	out, err := f.proc.Process(ctx, req)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeDispatched || out.ImageURL != "https://img.example/1.png" {
		t.Fatalf("outcome = %+v", out)
	}

	// The second image request hits the daily image ceiling.
	out, err = f.proc.Process(ctx, NewRequest("g1", "c1", "u1", storage.KindImage, "a dog wearing a tiny hat", false))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != limits.DenialUserBudget {
		t.Fatalf("outcome = %+v, want rejected/%s", out, limits.DenialUserBudget)
	}
}

func TestStoredGuildConfigOverridesDefaults(t *testing.T) {
	f := newFixture(t, testDefaults())
	ctx := context.Background()

	cfg := testDefaults()
	cfg.GuildID = "g1"
	cfg.MinPromptChars = 20
	if err := f.store.UpsertGuildConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	out, err := f.proc.Process(ctx, chatRequest("short question"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "too_short" {
		t.Fatalf("outcome = %+v, want rejected/too_short under the stored minimum", out)
	}
}

func TestDuplicateDetectedWithoutUserWindow(t *testing.T) {
	defaults := testDefaults()
	defaults.AskMaxPerWindow = 0 // user rate window off, duplicate window on
	f := newFixture(t, defaults)
	ctx := context.Background()

	prompt := "what is the airspeed of an unladen swallow?"
	if out, err := f.proc.Process(ctx, chatRequest(prompt)); err != nil || out.Disposition != OutcomeDispatched {
		t.Fatalf("first request: out=%+v err=%v", out, err)
	}

	out, err := f.proc.Process(ctx, chatRequest(prompt))
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if out.Disposition != OutcomeRejected || out.Reason != "duplicate" {
		t.Fatalf("outcome = %+v, want rejected/duplicate", out)
	}
}

func TestApproveDispatchesInlineWhenEnqueueFails(t *testing.T) {
	defaults := testDefaults()
	defaults.AutoApprove = false
	f := newStreamFixture(t, defaults, true)
	ctx := context.Background()

	req := chatRequest("what is the capital of France?")
	if out, err := f.proc.Process(ctx, req); err != nil || out.Disposition != OutcomeQueued {
		t.Fatalf("process: out=%+v err=%v", out, err)
	}

	// Redis dies between the decision and the enqueue. The approval is
	// already committed, so the dispatch must run inline instead of
	// stranding the reservation behind an approved item.
	f.mr.SetError("redis is down")

	item, err := f.proc.Approve(ctx, req.ID, "admin-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if item.Status != storage.StatusApproved {
		t.Fatalf("status = %q, want approved", item.Status)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.gen.calls)
	}
	if len(f.notifier.texts) != 1 || f.notifier.texts[0] != "the answer" {
		t.Fatalf("notifications = %#v", f.notifier.texts)
	}

	// The reservation settled at the actual cost and the queued record got
	// its resolution.
	user, _, err := f.store.GetUsage(ctx, "g1", "u1", limits.Day(time.Now()))
	if err != nil {
		t.Fatalf("get usage: %v", err)
	}
	if user.ChatTokens != 45 {
		t.Fatalf("counter = %d, want 45", user.ChatTokens)
	}
	records, err := f.store.ListAuditByRequest(ctx, req.ID)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(records) != 2 || records[1].Disposition != storage.DispositionDispatched {
		t.Fatalf("audit records = %+v, want queued then dispatched", records)
	}
}

func TestDispatchApprovedKeepsClaimWhenConfigLoadFails(t *testing.T) {
	f := newStreamFixture(t, testDefaults(), true)
	ctx := context.Background()

	// The store goes away before the worker picks the job up.
	if err := f.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	job := queue.DispatchJob{
		ItemID:        "item-1",
		GuildID:       "g1",
		UserID:        "u1",
		ChannelID:     "c1",
		Kind:          storage.KindChat,
		Prompt:        "what is the capital of France?",
		EstimatedCost: 107,
		Day:           limits.Day(time.Now()),
	}
	if err := f.proc.DispatchApproved(ctx, job); err == nil {
		t.Fatal("expected config load error")
	}
	if f.gen.calls != 0 {
		t.Fatal("generator called despite failed config load")
	}

	// The failing delivery did not consume the dedupe claim, so a redelivery
	// can still win it.
	first, err := f.dedupe.MarkFirst(ctx, job.ItemID)
	if err != nil {
		t.Fatalf("mark first: %v", err)
	}
	if !first {
		t.Fatal("dedupe claim was consumed by the failed delivery")
	}
}
