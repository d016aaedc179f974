package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/ashwnn/chad-discord-bot/internal/limits"
	"github.com/ashwnn/chad-discord-bot/internal/queue"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// dispatchNow performs the downstream call for an admitted request. The
// reservation was committed before this point and no admission lock is held
// here; settlement (reconcile or rollback) runs on a detached context so a
// canceled caller cannot strand the counters.
func (p *Processor) dispatchNow(ctx context.Context, req Request, cfg storage.GuildConfig, res limits.Reservation) Outcome {
	result, err := p.gen.Generate(ctx, req.Kind, req.RawText, cfg)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		p.metrics.DispatchFailures.Inc()
		if rbErr := p.budget.Rollback(sctx, res); rbErr != nil {
			p.logger.Error().Err(rbErr).Str("request_id", req.ID).Msg("failed to roll back reservation after dispatch failure")
		} else {
			p.metrics.RollbacksTotal.Inc()
		}

		reply := "Grok had a meltdown. Try again later."
		if req.Kind == storage.KindImage {
			reply = "Image service failed. Try later."
		}
		p.metrics.RejectedTotal.Inc()
		p.audits.MustRecord(sctx, storage.AuditRecord{
			RequestID:   req.ID,
			GuildID:     req.GuildID,
			UserID:      req.UserID,
			Kind:        req.Kind,
			Disposition: storage.DispositionRejected,
			Reason:      "downstream_error",
			Detail:      reply,
			ErrorDetail: err.Error(),
		})
		return Outcome{Disposition: OutcomeRejected, Reply: reply, Reason: "downstream_error"}
	}

	if err := p.budget.Reconcile(sctx, res, result.ActualCost); err != nil {
		p.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to reconcile reservation")
	}

	record := storage.AuditRecord{
		RequestID:   req.ID,
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		Disposition: storage.DispositionDispatched,
	}
	out := Outcome{Disposition: OutcomeDispatched, Reply: result.Output, TokensUsed: result.ActualCost}
	if req.Kind == storage.KindImage {
		record.ImagesUsed = result.ActualCost
		if len(result.ImageURLs) > 0 {
			out.ImageURL = result.ImageURLs[0]
			out.Reply = result.ImageURLs[0]
		} else if out.Reply == "" {
			out.Reply = "Image generated, but no URL returned."
		}
	} else {
		record.TokensUsed = result.ActualCost
	}
	p.audits.MustRecord(sctx, record)
	p.metrics.DispatchedTotal.Inc()
	return out
}

// Approve commits the decision and hands the dispatch to the worker pool via
// the stream. Without a stream (single-process setups) the dispatch runs
// inline. A stale decision returns approval.ErrConflict untouched.
func (p *Processor) Approve(ctx context.Context, itemID, decidedBy string) (storage.ApprovalItem, error) {
	item, err := p.queue.Approve(ctx, itemID, decidedBy, p.now())
	if err != nil {
		return storage.ApprovalItem{}, err
	}

	job := queue.DispatchJob{
		ItemID:        item.ID,
		GuildID:       item.GuildID,
		UserID:        item.UserID,
		ChannelID:     item.ChannelID,
		Kind:          item.Kind,
		Prompt:        item.Prompt,
		EstimatedCost: item.EstimatedCost,
		Day:           item.Day,
		DecidedBy:     decidedBy,
	}
	if p.dispatch == nil {
		return item, p.DispatchApproved(ctx, job)
	}
	if _, err := p.dispatch.Enqueue(ctx, job); err != nil {
		// The decision is already committed; dispatch inline rather than
		// strand the reservation behind a terminal approved item.
		p.logger.Error().Err(err).Str("item_id", item.ID).Msg("enqueue failed, dispatching inline")
		return item, p.DispatchApproved(ctx, job)
	}
	return item, nil
}

// Reject commits the decision; the queue rolls back the reservation and
// writes the resolution record. The requester is told, not retried.
func (p *Processor) Reject(ctx context.Context, itemID, decidedBy, reason string) (storage.ApprovalItem, error) {
	item, err := p.queue.Reject(ctx, itemID, decidedBy, reason, p.now())
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	reply := reason
	if reply == "" || reply == "rejected_by_admin" {
		reply = "Request rejected by an admin."
	}
	p.notify(ctx, item.GuildID, item.ChannelID, item.UserID, reply, "")
	return item, nil
}

// ResolveManual lets an admin answer the request themselves; no paid call is
// made and the reservation is released.
func (p *Processor) ResolveManual(ctx context.Context, itemID, decidedBy, replyText string) (storage.ApprovalItem, error) {
	if replyText == "" {
		replyText = "Admin reply."
	}
	item, err := p.queue.ResolveManual(ctx, itemID, decidedBy, replyText, p.now())
	if err != nil {
		return storage.ApprovalItem{}, err
	}
	p.notify(ctx, item.GuildID, item.ChannelID, item.UserID, replyText, "")
	return item, nil
}

// DispatchApproved runs the dispatch path for an approved item, at most
// once per item id when the job is delivered twice. The dedupe claim is
// taken only after the config load, so a failed load leaves the job
// claimable by a later delivery. When the claim itself cannot be read the
// dispatch still proceeds, so a redis outage never strands the reservation.
func (p *Processor) DispatchApproved(ctx context.Context, job queue.DispatchJob) error {
	cfg, err := p.configs.Get(ctx, job.GuildID)
	if err != nil {
		return fmt.Errorf("load guild config: %w", err)
	}

	if p.dedupe != nil {
		first, err := p.dedupe.MarkFirst(ctx, job.ItemID)
		if err != nil {
			p.logger.Error().Err(err).Str("item_id", job.ItemID).Msg("dispatch dedupe unavailable, dispatching anyway")
		} else if !first {
			p.logger.Warn().Str("item_id", job.ItemID).Msg("duplicate dispatch job dropped")
			return nil
		}
	}

	req := Request{
		ID:        job.ItemID,
		GuildID:   job.GuildID,
		ChannelID: job.ChannelID,
		UserID:    job.UserID,
		Kind:      job.Kind,
		RawText:   job.Prompt,
	}
	counter := storage.CounterChatTokens
	if job.Kind == storage.KindImage {
		counter = storage.CounterImages
	}
	res := limits.Reservation{
		GuildID: job.GuildID,
		UserID:  job.UserID,
		Day:     job.Day,
		Counter: counter,
		Amount:  job.EstimatedCost,
	}

	out := p.dispatchNow(ctx, req, cfg, res)
	p.notify(ctx, job.GuildID, job.ChannelID, job.UserID, out.Reply, out.ImageURL)
	return nil
}

func (p *Processor) notify(ctx context.Context, guildID, channelID, userID, text, imageURL string) {
	if p.notifier == nil || text == "" {
		return
	}
	if err := p.notifier.Notify(ctx, guildID, channelID, userID, text, imageURL); err != nil {
		p.logger.Error().Err(err).
			Str("guild_id", guildID).
			Str("user_id", userID).
			Msg("failed to deliver outcome")
	}
}
