package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) InsertApprovalItem(ctx context.Context, item ApprovalItem) error {
	if item.Status == "" {
		item.Status = StatusPending
	}
	q := s.sql.Insert("approval_items").
		Columns("id", "guild_id", "user_id", "channel_id", "kind", "prompt", "estimated_cost", "day", "status").
		Values(item.ID, item.GuildID, item.UserID, item.ChannelID, item.Kind, item.Prompt, item.EstimatedCost, item.Day, item.Status)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build approval insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert approval item: %w", err)
	}
	return nil
}

func (s *Store) GetApprovalItem(ctx context.Context, id string) (ApprovalItem, error) {
	q := s.sql.Select(approvalColumns()...).From("approval_items").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ApprovalItem{}, fmt.Errorf("build approval query: %w", err)
	}
	return s.scanApprovalRow(s.db.QueryRowContext(ctx, sqlStr, args...))
}

func (s *Store) ListPendingApprovals(ctx context.Context, guildID string) ([]ApprovalItem, error) {
	q := s.sql.Select(approvalColumns()...).
		From("approval_items").
		Where(sq.Eq{"guild_id": guildID, "status": StatusPending}).
		OrderBy("created_at ASC")
	return s.listApprovals(ctx, q)
}

// ListStalePending returns pending items created before the cutoff, oldest
// first. The expiry sweep walks these and transitions them one by one so that
// each item's reservation can be rolled back individually.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit uint64) ([]ApprovalItem, error) {
	q := s.sql.Select(approvalColumns()...).
		From("approval_items").
		Where(sq.Eq{"status": StatusPending}).
		Where(sq.Lt{"created_at": cutoff}).
		OrderBy("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.listApprovals(ctx, q)
}

// TransitionApproval moves an item from pending into a terminal status. The
// status guard in the WHERE clause makes the first decision win; a second
// decision on the same item matches zero rows and reports ErrConflict.
func (s *Store) TransitionApproval(ctx context.Context, id, toStatus, decidedBy, reason string, decidedAt time.Time) error {
	q := s.sql.Update("approval_items").
		Set("status", toStatus).
		Set("decided_at", decidedAt).
		Where(sq.Eq{"id": id, "status": StatusPending})
	if decidedBy != "" {
		q = q.Set("decided_by", decidedBy)
	}
	if reason != "" {
		q = q.Set("reason", reason)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build approval transition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("transition approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetApprovalItem(ctx, id); err != nil {
		return err
	}
	return ErrConflict
}

func (s *Store) listApprovals(ctx context.Context, q sq.SelectBuilder) ([]ApprovalItem, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build approvals query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	out := make([]ApprovalItem, 0)
	for rows.Next() {
		item, err := s.scanApprovalRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanApprovalRow(row rowScanner) (ApprovalItem, error) {
	var item ApprovalItem
	var decidedBy, reason sql.NullString
	var decidedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.GuildID,
		&item.UserID,
		&item.ChannelID,
		&item.Kind,
		&item.Prompt,
		&item.EstimatedCost,
		&item.Day,
		&item.Status,
		&decidedBy,
		&decidedAt,
		&reason,
		&item.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalItem{}, ErrNotFound
		}
		return ApprovalItem{}, fmt.Errorf("scan approval row: %w", err)
	}
	if decidedBy.Valid {
		item.DecidedBy = &decidedBy.String
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		item.DecidedAt = &t
	}
	if reason.Valid {
		item.Reason = &reason.String
	}
	return item, nil
}

func approvalColumns() []string {
	return []string{
		"id", "guild_id", "user_id", "channel_id", "kind", "prompt", "estimated_cost",
		"day", "status", "decided_by", "decided_at", "reason", "created_at",
	}
}
