package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/audit"
	"github.com/ashwnn/chad-discord-bot/internal/limits"
	"github.com/ashwnn/chad-discord-bot/internal/metrics"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

var (
	// ErrConflict means the item was already decided; the stale decision
	// had no effect.
	ErrConflict = errors.New("approval item already decided")
	ErrNotFound = errors.New("approval item not found")
)

// Queue is the approval state machine: pending -> approved | rejected |
// expired, all terminal. Transitions are guarded by the item's current
// status in the store, so concurrent decisions serialize and the first
// commit wins regardless of which process issued it.
type Queue struct {
	store   *storage.Store
	budget  *limits.BudgetTracker
	audits  *audit.Log
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

type Config struct {
	Store   *storage.Store
	Budget  *limits.BudgetTracker
	Audit   *audit.Log
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func New(cfg Config) *Queue {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Queue{
		store:   cfg.Store,
		budget:  cfg.Budget,
		audits:  cfg.Audit,
		metrics: m,
		logger:  cfg.Logger,
	}
}

func (q *Queue) Submit(ctx context.Context, item storage.ApprovalItem) error {
	item.Status = storage.StatusPending
	if err := q.store.InsertApprovalItem(ctx, item); err != nil {
		return fmt.Errorf("submit approval item: %w", err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (storage.ApprovalItem, error) {
	item, err := q.store.GetApprovalItem(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ApprovalItem{}, ErrNotFound
		}
		return storage.ApprovalItem{}, err
	}
	return item, nil
}

func (q *Queue) Pending(ctx context.Context, guildID string) ([]storage.ApprovalItem, error) {
	return q.store.ListPendingApprovals(ctx, guildID)
}

// Approve commits the pending -> approved transition and returns the item
// snapshot. It performs no dispatch and releases no reservation; the caller
// owns the dispatch path and its cost settlement.
func (q *Queue) Approve(ctx context.Context, id, decidedBy string, now time.Time) (storage.ApprovalItem, error) {
	item, err := q.transition(ctx, id, storage.StatusApproved, decidedBy, "", now)
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	return item, nil
}

// Reject commits pending -> rejected, rolls back the item's reservation, and
// writes the resolution audit record.
func (q *Queue) Reject(ctx context.Context, id, decidedBy, reason string, now time.Time) (storage.ApprovalItem, error) {
	if reason == "" {
		reason = "rejected_by_admin"
	}
	item, err := q.transition(ctx, id, storage.StatusRejected, decidedBy, reason, now)
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	q.release(ctx, item)
	q.audits.MustRecord(ctx, storage.AuditRecord{
		RequestID:   item.ID,
		GuildID:     item.GuildID,
		UserID:      item.UserID,
		Kind:        item.Kind,
		Disposition: storage.DispositionRejected,
		Reason:      reason,
		Detail:      "approval rejected by " + decidedBy,
	})
	return item, nil
}

// ResolveManual commits pending -> approved for a decision the admin answers
// themselves. No downstream call happens, so the reservation is released; the
// admin-supplied reply is preserved in the audit trail.
func (q *Queue) ResolveManual(ctx context.Context, id, decidedBy, replyText string, now time.Time) (storage.ApprovalItem, error) {
	item, err := q.transition(ctx, id, storage.StatusApproved, decidedBy, "manual_reply", now)
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	q.release(ctx, item)
	q.audits.MustRecord(ctx, storage.AuditRecord{
		RequestID:   item.ID,
		GuildID:     item.GuildID,
		UserID:      item.UserID,
		Kind:        item.Kind,
		Disposition: storage.DispositionRejected,
		Reason:      "manual_reply",
		Detail:      replyText,
	})
	return item, nil
}

// Expire commits pending -> expired for one item. Audited like a rejection
// but with its own reason code; no decider is recorded.
func (q *Queue) Expire(ctx context.Context, id string, now time.Time) (storage.ApprovalItem, error) {
	item, err := q.transition(ctx, id, storage.StatusExpired, "", "expired", now)
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	q.release(ctx, item)
	q.metrics.ExpiredTotal.Inc()
	q.audits.MustRecord(ctx, storage.AuditRecord{
		RequestID:   item.ID,
		GuildID:     item.GuildID,
		UserID:      item.UserID,
		Kind:        item.Kind,
		Disposition: storage.DispositionRejected,
		Reason:      "expired",
		Detail:      "pending longer than retention horizon",
	})
	return item, nil
}

// Sweep expires every pending item older than the retention horizon. It is
// the only path that transitions items without an explicit caller decision.
func (q *Queue) Sweep(ctx context.Context, now time.Time, retention time.Duration) (int, error) {
	stale, err := q.store.ListStalePending(ctx, now.Add(-retention), 500)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	expired := 0
	for _, item := range stale {
		if _, err := q.Expire(ctx, item.ID, now); err != nil {
			// Lost the race to a concurrent decision; nothing to undo.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (q *Queue) transition(ctx context.Context, id, toStatus, decidedBy, reason string, now time.Time) (storage.ApprovalItem, error) {
	err := q.store.TransitionApproval(ctx, id, toStatus, decidedBy, reason, now.UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrConflict):
			return storage.ApprovalItem{}, ErrConflict
		case errors.Is(err, storage.ErrNotFound):
			return storage.ApprovalItem{}, ErrNotFound
		default:
			return storage.ApprovalItem{}, fmt.Errorf("transition %s to %s: %w", id, toStatus, err)
		}
	}

	item, err := q.store.GetApprovalItem(ctx, id)
	if err != nil {
		return storage.ApprovalItem{}, fmt.Errorf("reload approval item: %w", err)
	}
	q.logger.Info().
		Str("item_id", id).
		Str("status", toStatus).
		Str("decided_by", decidedBy).
		Msg("approval item resolved")
	return item, nil
}

// release rolls back the reservation held by an item that will never
// dispatch.
func (q *Queue) release(ctx context.Context, item storage.ApprovalItem) {
	res := ReservationFor(item)
	if err := q.budget.Rollback(ctx, res); err != nil {
		q.logger.Error().Err(err).Str("item_id", item.ID).Msg("failed to roll back reservation")
		return
	}
	q.metrics.RollbacksTotal.Inc()
}

// ReservationFor rebuilds the budget reservation captured in an item
// snapshot.
func ReservationFor(item storage.ApprovalItem) limits.Reservation {
	counter := storage.CounterChatTokens
	if item.Kind == storage.KindImage {
		counter = storage.CounterImages
	}
	return limits.Reservation{
		GuildID: item.GuildID,
		UserID:  item.UserID,
		Day:     item.Day,
		Counter: counter,
		Amount:  item.EstimatedCost,
	}
}
