package audit

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ashwnn/chad-discord-bot/internal/storage"
)

// Log is the append-only trail every pipeline outcome passes through. One
// record per terminal disposition; queued requests get a second record when
// the approval item leaves pending.
type Log struct {
	store  *storage.Store
	logger zerolog.Logger
}

func New(store *storage.Store, logger zerolog.Logger) *Log {
	return &Log{store: store, logger: logger}
}

func (l *Log) Record(ctx context.Context, r storage.AuditRecord) error {
	if err := l.store.InsertAuditRecord(ctx, r); err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	l.logger.Info().
		Str("request_id", r.RequestID).
		Str("guild_id", r.GuildID).
		Str("user_id", r.UserID).
		Str("kind", r.Kind).
		Str("disposition", r.Disposition).
		Str("reason", r.Reason).
		Msg("request audited")
	return nil
}

// MustRecord is Record for paths where the outcome has already been decided
// and an audit failure must not change it; the failure is logged instead.
func (l *Log) MustRecord(ctx context.Context, r storage.AuditRecord) {
	if err := l.Record(ctx, r); err != nil {
		l.logger.Error().Err(err).
			Str("request_id", r.RequestID).
			Str("disposition", r.Disposition).
			Msg("failed to write audit record")
	}
}
