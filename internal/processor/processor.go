package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/approval"
	"github.com/ashwnn/chad-discord-bot/internal/audit"
	"github.com/ashwnn/chad-discord-bot/internal/limits"
	"github.com/ashwnn/chad-discord-bot/internal/metrics"
	"github.com/ashwnn/chad-discord-bot/internal/queue"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
	"github.com/ashwnn/chad-discord-bot/internal/validate"
)

// Request is one inbound command, immutable for the duration of a pipeline
// pass. IsAdmin carries the transport-level permission flag; guild admins
// registered in the store are honored as well.
type Request struct {
	ID          string
	GuildID     string
	ChannelID   string
	UserID      string
	Kind        string
	RawText     string
	SubmittedAt time.Time
	IsAdmin     bool
}

// NewRequest assigns the request id at ingress; resubmissions get fresh ids.
func NewRequest(guildID, channelID, userID, kind, rawText string, isAdmin bool) Request {
	return Request{
		ID:          uuid.NewString(),
		GuildID:     guildID,
		ChannelID:   channelID,
		UserID:      userID,
		Kind:        kind,
		RawText:     rawText,
		SubmittedAt: time.Now().UTC(),
		IsAdmin:     isAdmin,
	}
}

const (
	OutcomeDispatched = "dispatched"
	OutcomeRejected   = "rejected"
	OutcomeQueued     = "queued"
)

type Outcome struct {
	Disposition string
	Reply       string
	ImageURL    string
	Reason      string
	RetryAfter  time.Duration
	ItemID      string
	TokensUsed  int64
}

// GenerateResult is what the downstream collaborator reports back:
// the output plus the actual cost in the unit of the command kind
// (tokens for chat, image count for image).
type GenerateResult struct {
	Output     string
	ImageURLs  []string
	ActualCost int64
}

// Generator is the paid downstream generation collaborator. Any error is
// treated uniformly: the reservation is rolled back and the cause lands
// verbatim in the audit trail.
type Generator interface {
	Generate(ctx context.Context, kind, prompt string, cfg storage.GuildConfig) (GenerateResult, error)
}

// Notifier delivers outcomes decided after Process returned (approval
// resolutions). Delivery transport is not this package's concern.
type Notifier interface {
	Notify(ctx context.Context, guildID, channelID, userID, text, imageURL string) error
}

type Processor struct {
	configs  *ConfigSource
	store    *storage.Store
	rates    *limits.RateLimiter
	budget   *limits.BudgetTracker
	queue    *approval.Queue
	audits   *audit.Log
	dispatch *queue.StreamQueue
	dedupe   *queue.DispatchDeduplicator
	gen      Generator
	notifier Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Config struct {
	Configs  *ConfigSource
	Store    *storage.Store
	Rates    *limits.RateLimiter
	Budget   *limits.BudgetTracker
	Queue    *approval.Queue
	Audit    *audit.Log
	Dispatch *queue.StreamQueue
	Dedupe   *queue.DispatchDeduplicator
	Gen      Generator
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

func New(cfg Config) *Processor {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Processor{
		configs:  cfg.Configs,
		store:    cfg.Store,
		rates:    cfg.Rates,
		budget:   cfg.Budget,
		queue:    cfg.Queue,
		audits:   cfg.Audit,
		dispatch: cfg.Dispatch,
		dedupe:   cfg.Dedupe,
		gen:      cfg.Gen,
		notifier: cfg.Notifier,
		metrics:  m,
		logger:   cfg.Logger,
		now:      now,
	}
}

// Process runs the admission pipeline for one request: validate, rate
// limits (guild then user), budget reservation, then auto-dispatch or the
// approval queue. The first failing check stops the pipeline; every outcome
// is audited before returning.
func (p *Processor) Process(ctx context.Context, req Request) (Outcome, error) {
	p.metrics.RequestsTotal.Inc()
	now := p.now()

	cfg, err := p.configs.Get(ctx, req.GuildID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load guild config: %w", err)
	}

	isAdmin, err := p.isAdmin(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	bypass := isAdmin && cfg.AdminBypass

	dupWindow := time.Duration(cfg.DuplicateWindowSeconds) * time.Second
	var recent []uint64
	if dupWindow > 0 {
		recent, err = p.rates.RecentHashes(ctx, req.GuildID, req.UserID, req.Kind, now, dupWindow)
		if err != nil {
			return Outcome{}, fmt.Errorf("read duplicate history: %w", err)
		}
	}

	v := validate.Prompt(req.RawText, recent, validate.Limits{
		MinChars: int(cfg.MinPromptChars),
		MaxChars: int(cfg.MaxPromptChars),
	})
	if !v.OK {
		return p.reject(ctx, req, string(v.Reason), v.Reply, "", 0)
	}

	if !bypass {
		outcome, denied, err := p.checkRateLimits(ctx, req, cfg, now, dupWindow)
		if err != nil {
			return Outcome{}, err
		}
		if denied {
			return outcome, nil
		}
	}

	day := limits.Day(now)
	counter, estimated, userLimit, guildLimit := p.budgetInputs(req, cfg)
	res, denial, err := p.budget.Reserve(ctx, req.GuildID, req.UserID, day, counter, estimated, userLimit, guildLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("reserve budget: %w", err)
	}
	if denial != "" {
		p.metrics.BudgetDenials.Inc()
		reply := "Your daily chat budget is toast. Ask again tomorrow."
		if denial == limits.DenialGuildBudget {
			reply = "This guild used up its budget for today. Cool your jets."
		}
		if req.Kind == storage.KindImage {
			reply = "You hit the image quota for today."
			if denial == limits.DenialGuildBudget {
				reply = "Your server burned through the image budget today."
			}
		}
		return p.reject(ctx, req, denial, reply, "", 0)
	}

	// Reservation is committed; from here every exit must settle it.
	if err := ctx.Err(); err != nil {
		p.settleAbandoned(req, res, "canceled", err)
		return Outcome{}, err
	}

	if !cfg.AutoApprove && !bypass {
		return p.enqueueForApproval(ctx, req, res, now)
	}

	return p.dispatchNow(ctx, req, cfg, res), nil
}

func (p *Processor) checkRateLimits(ctx context.Context, req Request, cfg storage.GuildConfig, now time.Time, dupWindow time.Duration) (Outcome, bool, error) {
	window := time.Duration(cfg.AskWindowSeconds) * time.Second
	userMax := cfg.AskMaxPerWindow
	guildMax := cfg.GuildAskMaxPerWindow
	if req.Kind == storage.KindImage {
		window = time.Duration(cfg.ImageWindowSeconds) * time.Second
		userMax = cfg.ImageMaxPerWindow
		guildMax = cfg.GuildImageMaxPerWindow
	}
	retention := window
	if dupWindow > retention {
		retention = dupWindow
	}

	if guildMax > 0 {
		gres, err := p.rates.AllowGuild(ctx, req.GuildID, req.Kind, req.ID, now, window, retention, guildMax)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("guild rate check: %w", err)
		}
		if !gres.Allowed {
			p.metrics.RateLimitedTotal.Inc()
			out, err := p.reject(ctx, req, "rate_limited", "Cool it. This guild hit the spam limit. Try again later.", "", gres.RetryAfter)
			return out, true, err
		}
	}

	if userMax > 0 {
		ures, err := p.rates.AllowUser(ctx, req.GuildID, req.UserID, req.Kind, req.ID, validate.NormalizedHash(req.RawText), now, window, retention, userMax)
		if err != nil {
			return Outcome{}, false, fmt.Errorf("user rate check: %w", err)
		}
		if !ures.Allowed {
			p.metrics.RateLimitedTotal.Inc()
			out, err := p.reject(ctx, req, "rate_limited", "Cool it. You hit the spam limit. Try again later.", "", ures.RetryAfter)
			return out, true, err
		}
	} else if dupWindow > 0 {
		// No user window configured, but duplicate detection still reads
		// the user set; record the hash without enforcing a cap.
		if err := p.rates.Record(ctx, req.GuildID, req.UserID, req.Kind, req.ID, validate.NormalizedHash(req.RawText), now, retention); err != nil {
			return Outcome{}, false, fmt.Errorf("record duplicate history: %w", err)
		}
	}

	return Outcome{}, false, nil
}

func (p *Processor) budgetInputs(req Request, cfg storage.GuildConfig) (counter string, estimated, userLimit, guildLimit int64) {
	if req.Kind == storage.KindImage {
		return storage.CounterImages, 1, cfg.UserDailyImages, cfg.GuildDailyImages
	}
	return storage.CounterChatTokens, estimateChatTokens(req.RawText, cfg.MaxCompletionTokens), cfg.UserDailyChatTokens, cfg.GuildDailyChatTokens
}

// estimateChatTokens is the admission-time guess, settled against the
// actual usage after dispatch. Roughly four characters per prompt token
// plus the completion ceiling.
func estimateChatTokens(prompt string, maxCompletion int64) int64 {
	est := int64(len(prompt))/4 + maxCompletion
	if est < 1 {
		est = 1
	}
	return est
}

func (p *Processor) enqueueForApproval(ctx context.Context, req Request, res limits.Reservation, now time.Time) (Outcome, error) {
	item := storage.ApprovalItem{
		ID:            req.ID,
		GuildID:       req.GuildID,
		UserID:        req.UserID,
		ChannelID:     req.ChannelID,
		Kind:          req.Kind,
		Prompt:        req.RawText,
		EstimatedCost: res.Amount,
		Day:           res.Day,
	}
	if err := p.queue.Submit(ctx, item); err != nil {
		p.settleAbandoned(req, res, "queue_error", err)
		return Outcome{}, err
	}

	if err := p.audits.Record(ctx, storage.AuditRecord{
		RequestID:   req.ID,
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		Disposition: storage.DispositionQueued,
		Reason:      "awaiting_approval",
	}); err != nil {
		return Outcome{}, err
	}

	p.metrics.QueuedTotal.Inc()
	p.logger.Info().Str("request_id", req.ID).Str("guild_id", req.GuildID).Msg("request queued for approval")
	return Outcome{
		Disposition: OutcomeQueued,
		Reply:       "Your request is waiting for an admin to approve.",
		ItemID:      item.ID,
	}, nil
}

func (p *Processor) reject(ctx context.Context, req Request, reason, reply, errDetail string, retryAfter time.Duration) (Outcome, error) {
	p.metrics.RejectedTotal.Inc()
	if err := p.audits.Record(ctx, storage.AuditRecord{
		RequestID:   req.ID,
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		Disposition: storage.DispositionRejected,
		Reason:      reason,
		Detail:      reply,
		ErrorDetail: errDetail,
	}); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Disposition: OutcomeRejected,
		Reply:       reply,
		Reason:      reason,
		RetryAfter:  retryAfter,
	}, nil
}

// settleAbandoned resolves a committed reservation when the request will
// neither dispatch nor queue: roll it back and audit the rejection. Runs on
// a detached context so caller cancellation cannot strand the reservation.
func (p *Processor) settleAbandoned(req Request, res limits.Reservation, reason string, cause error) {
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.budget.Rollback(sctx, res); err != nil {
		p.logger.Error().Err(err).Str("request_id", req.ID).Msg("failed to roll back abandoned reservation")
	} else {
		p.metrics.RollbacksTotal.Inc()
	}

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	p.metrics.RejectedTotal.Inc()
	p.audits.MustRecord(sctx, storage.AuditRecord{
		RequestID:   req.ID,
		GuildID:     req.GuildID,
		UserID:      req.UserID,
		Kind:        req.Kind,
		Disposition: storage.DispositionRejected,
		Reason:      reason,
		ErrorDetail: detail,
	})
}

func (p *Processor) isAdmin(ctx context.Context, req Request) (bool, error) {
	if req.IsAdmin {
		return true, nil
	}
	ok, err := p.store.IsGuildAdmin(ctx, req.GuildID, req.UserID)
	if err != nil {
		return false, fmt.Errorf("admin lookup: %w", err)
	}
	return ok, nil
}
