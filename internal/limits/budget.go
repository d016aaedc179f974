package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// Budget denial codes, keyed by which daily ceiling was breached first.
const (
	DenialUserBudget  = "user_budget_exceeded"
	DenialGuildBudget = "guild_budget_exceeded"
)

// Reservation is a provisional debit against the daily counters, made before
// the true downstream cost is known. It must be settled exactly once with
// Reconcile (dispatch succeeded) or Rollback (no dispatch happened).
type Reservation struct {
	GuildID string
	UserID  string
	Day     string
	Counter string
	Amount  int64
}

// BudgetTracker enforces daily ceilings on top of the usage counters. The
// check-and-debit is a single conditional update inside the store, so two
// concurrent reservations at the ceiling boundary cannot both be admitted.
type BudgetTracker struct {
	store *storage.Store
}

func NewBudgetTracker(store *storage.Store) *BudgetTracker {
	return &BudgetTracker{store: store}
}

// Reserve debits estimated cost from the user and guild counters for the
// day. The user ceiling is checked first. On denial the returned code is
// DenialUserBudget or DenialGuildBudget and the reservation is zero.
func (b *BudgetTracker) Reserve(ctx context.Context, guildID, userID, day, counter string, estimated, userLimit, guildLimit int64) (Reservation, string, error) {
	if estimated < 0 {
		return Reservation{}, "", fmt.Errorf("negative estimate %d", estimated)
	}
	ok, scope, err := b.store.ReserveUsage(ctx, guildID, userID, day, counter, estimated, userLimit, guildLimit)
	if err != nil {
		return Reservation{}, "", fmt.Errorf("reserve usage: %w", err)
	}
	if !ok {
		if scope == "guild" {
			return Reservation{}, DenialGuildBudget, nil
		}
		return Reservation{}, DenialUserBudget, nil
	}
	return Reservation{GuildID: guildID, UserID: userID, Day: day, Counter: counter, Amount: estimated}, "", nil
}

// Reconcile replaces the reserved estimate with the actual cost reported by
// the downstream call. The applied delta is actual - estimated and may be
// negative; the counters end at previous + actual.
func (b *BudgetTracker) Reconcile(ctx context.Context, res Reservation, actual int64) error {
	delta := actual - res.Amount
	if delta == 0 {
		return nil
	}
	if err := b.store.AdjustUsage(ctx, res.GuildID, res.UserID, res.Day, res.Counter, delta); err != nil {
		return fmt.Errorf("reconcile reservation: %w", err)
	}
	return nil
}

// Rollback undoes the full reservation so a request that never dispatched
// consumes no budget.
func (b *BudgetTracker) Rollback(ctx context.Context, res Reservation) error {
	if res.Amount == 0 {
		return nil
	}
	if err := b.store.AdjustUsage(ctx, res.GuildID, res.UserID, res.Day, res.Counter, -res.Amount); err != nil {
		return fmt.Errorf("rollback reservation: %w", err)
	}
	return nil
}

// Day renders the daily counter key in the fixed reference timezone (UTC),
// so rollover does not depend on caller-local clocks.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
