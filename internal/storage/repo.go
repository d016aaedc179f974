package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a status-guarded update matched a row
	// that is no longer in the expected state.
	ErrConflict = errors.New("status conflict")
)

// Counter columns accepted by ReserveUsage and AdjustUsage.
const (
	CounterChatTokens = "chat_tokens"
	CounterImages     = "images"
)

func (s *Store) GetGuildConfig(ctx context.Context, guildID string) (GuildConfig, bool, error) {
	q := s.sql.Select(
		"guild_id", "ask_window_seconds", "ask_max_per_window", "guild_ask_max_per_window",
		"image_window_seconds", "image_max_per_window", "guild_image_max_per_window",
		"duplicate_window_seconds", "user_daily_chat_tokens", "guild_daily_chat_tokens", "user_daily_images",
		"guild_daily_images", "auto_approve", "admin_bypass", "system_prompt", "temperature",
		"max_completion_tokens", "max_prompt_chars", "min_prompt_chars", "created_at", "updated_at",
	).From("guild_configs").Where(sq.Eq{"guild_id": guildID})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return GuildConfig{}, false, fmt.Errorf("build guild config query: %w", err)
	}

	var c GuildConfig
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.GuildID,
		&c.AskWindowSeconds,
		&c.AskMaxPerWindow,
		&c.GuildAskMaxPerWindow,
		&c.ImageWindowSeconds,
		&c.ImageMaxPerWindow,
		&c.GuildImageMaxPerWindow,
		&c.DuplicateWindowSeconds,
		&c.UserDailyChatTokens,
		&c.GuildDailyChatTokens,
		&c.UserDailyImages,
		&c.GuildDailyImages,
		&c.AutoApprove,
		&c.AdminBypass,
		&c.SystemPrompt,
		&c.Temperature,
		&c.MaxCompletionTokens,
		&c.MaxPromptChars,
		&c.MinPromptChars,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GuildConfig{}, false, nil
		}
		return GuildConfig{}, false, fmt.Errorf("get guild config: %w", err)
	}
	return c, true, nil
}

func (s *Store) UpsertGuildConfig(ctx context.Context, c GuildConfig) error {
	q := s.sql.Insert("guild_configs").
		Columns(
			"guild_id", "ask_window_seconds", "ask_max_per_window", "guild_ask_max_per_window",
			"image_window_seconds", "image_max_per_window", "guild_image_max_per_window",
			"duplicate_window_seconds", "user_daily_chat_tokens", "guild_daily_chat_tokens", "user_daily_images",
			"guild_daily_images", "auto_approve", "admin_bypass", "system_prompt", "temperature",
			"max_completion_tokens", "max_prompt_chars", "min_prompt_chars",
		).
		Values(
			c.GuildID, c.AskWindowSeconds, c.AskMaxPerWindow, c.GuildAskMaxPerWindow,
			c.ImageWindowSeconds, c.ImageMaxPerWindow, c.GuildImageMaxPerWindow,
			c.DuplicateWindowSeconds, c.UserDailyChatTokens, c.GuildDailyChatTokens, c.UserDailyImages,
			c.GuildDailyImages, c.AutoApprove, c.AdminBypass, c.SystemPrompt, c.Temperature,
			c.MaxCompletionTokens, c.MaxPromptChars, c.MinPromptChars,
		).
		Suffix("ON CONFLICT(guild_id) DO UPDATE SET " +
			"ask_window_seconds=excluded.ask_window_seconds, ask_max_per_window=excluded.ask_max_per_window, " +
			"guild_ask_max_per_window=excluded.guild_ask_max_per_window, " +
			"image_window_seconds=excluded.image_window_seconds, image_max_per_window=excluded.image_max_per_window, " +
			"guild_image_max_per_window=excluded.guild_image_max_per_window, " +
			"duplicate_window_seconds=excluded.duplicate_window_seconds, " +
			"user_daily_chat_tokens=excluded.user_daily_chat_tokens, guild_daily_chat_tokens=excluded.guild_daily_chat_tokens, " +
			"user_daily_images=excluded.user_daily_images, guild_daily_images=excluded.guild_daily_images, " +
			"auto_approve=excluded.auto_approve, admin_bypass=excluded.admin_bypass, " +
			"system_prompt=excluded.system_prompt, temperature=excluded.temperature, " +
			"max_completion_tokens=excluded.max_completion_tokens, max_prompt_chars=excluded.max_prompt_chars, " +
			"min_prompt_chars=excluded.min_prompt_chars, updated_at=CURRENT_TIMESTAMP")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build guild config upsert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert guild config: %w", err)
	}
	return nil
}

func (s *Store) AddGuildAdmin(ctx context.Context, guildID, userID, role string) error {
	if role == "" {
		role = "admin"
	}
	q := s.sql.Insert("guild_admins").
		Columns("guild_id", "user_id", "role").
		Values(guildID, userID, role).
		Suffix("ON CONFLICT(guild_id, user_id) DO UPDATE SET role=excluded.role")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build add admin query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("add guild admin: %w", err)
	}
	return nil
}

func (s *Store) RemoveGuildAdmin(ctx context.Context, guildID, userID string) error {
	q := s.sql.Delete("guild_admins").Where(sq.Eq{"guild_id": guildID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build remove admin query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("remove guild admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListGuildAdmins(ctx context.Context, guildID string) ([]GuildAdmin, error) {
	q := s.sql.Select("guild_id", "user_id", "role", "created_at").
		From("guild_admins").
		Where(sq.Eq{"guild_id": guildID}).
		OrderBy("created_at ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list admins query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list guild admins: %w", err)
	}
	defer rows.Close()

	out := make([]GuildAdmin, 0)
	for rows.Next() {
		var a GuildAdmin
		if err := rows.Scan(&a.GuildID, &a.UserID, &a.Role, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin rows: %w", err)
	}
	return out, nil
}

func (s *Store) IsGuildAdmin(ctx context.Context, guildID, userID string) (bool, error) {
	q := s.sql.Select("1").From("guild_admins").Where(sq.Eq{"guild_id": guildID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build is admin query: %w", err)
	}
	var one int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("is guild admin: %w", err)
	}
	return true, nil
}

// ReserveUsage atomically debits a counter for both the user and guild rows
// of the given day, admitting the amount only if neither ceiling would be
// exceeded. Each check-and-debit is a single conditional UPDATE; the pair is
// wrapped in one transaction so a guild-level denial undoes the user debit.
// On denial it reports which scope ("user" or "guild") was exceeded.
func (s *Store) ReserveUsage(ctx context.Context, guildID, userID, day, counter string, amount, userLimit, guildLimit int64) (bool, string, error) {
	if err := validCounter(counter); err != nil {
		return false, "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin reserve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.ensureUsageRow(ctx, tx, guildID, userID, day); err != nil {
		return false, "", err
	}
	if err := s.ensureUsageRow(ctx, tx, guildID, "", day); err != nil {
		return false, "", err
	}

	ok, err := s.debitCounter(ctx, tx, guildID, userID, day, counter, amount, userLimit)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "user", nil
	}

	ok, err = s.debitCounter(ctx, tx, guildID, "", day, counter, amount, guildLimit)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "guild", nil
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit reserve tx: %w", err)
	}
	return true, "", nil
}

// AdjustUsage applies a delta to a counter on both the user and guild rows
// of the given day. Used for reconciliation (actual - estimated, may be
// negative) and for rollback (-estimated).
func (s *Store) AdjustUsage(ctx context.Context, guildID, userID, day, counter string, delta int64) error {
	if err := validCounter(counter); err != nil {
		return err
	}
	if delta == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjust tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, uid := range []string{userID, ""} {
		if err := s.ensureUsageRow(ctx, tx, guildID, uid, day); err != nil {
			return err
		}
		q := s.sql.Update("usage_counters").
			Set(counter, sq.Expr(counter+" + ?", delta)).
			Where(sq.Eq{"guild_id": guildID, "user_id": uid, "day": day})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build adjust query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("adjust usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit adjust tx: %w", err)
	}
	return nil
}

func (s *Store) GetUsage(ctx context.Context, guildID, userID, day string) (user UsageCounter, guild UsageCounter, err error) {
	user, err = s.getUsageRow(ctx, guildID, userID, day)
	if err != nil {
		return UsageCounter{}, UsageCounter{}, err
	}
	guild, err = s.getUsageRow(ctx, guildID, "", day)
	if err != nil {
		return UsageCounter{}, UsageCounter{}, err
	}
	return user, guild, nil
}

func (s *Store) getUsageRow(ctx context.Context, guildID, userID, day string) (UsageCounter, error) {
	q := s.sql.Select("guild_id", "user_id", "day", "chat_tokens", "images").
		From("usage_counters").
		Where(sq.Eq{"guild_id": guildID, "user_id": userID, "day": day})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UsageCounter{}, fmt.Errorf("build usage query: %w", err)
	}

	var c UsageCounter
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.GuildID, &c.UserID, &c.Day, &c.ChatTokens, &c.Images); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UsageCounter{GuildID: guildID, UserID: userID, Day: day}, nil
		}
		return UsageCounter{}, fmt.Errorf("get usage row: %w", err)
	}
	return c, nil
}

func (s *Store) ensureUsageRow(ctx context.Context, tx *sql.Tx, guildID, userID, day string) error {
	q := s.sql.Insert("usage_counters").
		Columns("guild_id", "user_id", "day").
		Values(guildID, userID, day).
		Suffix("ON CONFLICT(guild_id, user_id, day) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ensure usage query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("ensure usage row: %w", err)
	}
	return nil
}

func (s *Store) debitCounter(ctx context.Context, tx *sql.Tx, guildID, userID, day, counter string, amount, limit int64) (bool, error) {
	q := s.sql.Update("usage_counters").
		Set(counter, sq.Expr(counter+" + ?", amount)).
		Where(sq.Eq{"guild_id": guildID, "user_id": userID, "day": day}).
		Where(sq.Expr(counter+" + ? <= ?", amount, limit))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build debit query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("debit counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("debit rows affected: %w", err)
	}
	return n == 1, nil
}

func validCounter(counter string) error {
	switch counter {
	case CounterChatTokens, CounterImages:
		return nil
	default:
		return fmt.Errorf("unknown counter %q", counter)
	}
}
