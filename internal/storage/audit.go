package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) InsertAuditRecord(ctx context.Context, r AuditRecord) error {
	q := s.sql.Insert("audit_log").
		Columns("request_id", "guild_id", "user_id", "kind", "disposition", "reason", "detail", "tokens_used", "images_used", "error_detail").
		Values(r.RequestID, r.GuildID, r.UserID, r.Kind, r.Disposition, r.Reason, r.Detail, r.TokensUsed, r.ImagesUsed, r.ErrorDetail)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build audit insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

type AuditFilter struct {
	Disposition string
	Kind        string
	Limit       uint64
}

func (s *Store) ListAuditRecords(ctx context.Context, guildID string, f AuditFilter) ([]AuditRecord, error) {
	q := s.sql.Select("id", "request_id", "guild_id", "user_id", "kind", "disposition", "reason", "detail", "tokens_used", "images_used", "error_detail", "created_at").
		From("audit_log").
		Where(sq.Eq{"guild_id": guildID}).
		OrderBy("created_at DESC, id DESC")
	if f.Disposition != "" {
		q = q.Where(sq.Eq{"disposition": f.Disposition})
	}
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	limit := f.Limit
	if limit == 0 {
		limit = 100
	}
	q = q.Limit(limit)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	out := make([]AuditRecord, 0)
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.GuildID, &r.UserID, &r.Kind, &r.Disposition,
			&r.Reason, &r.Detail, &r.TokensUsed, &r.ImagesUsed, &r.ErrorDetail, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

// ListAuditByRequest returns every record written for one request id, oldest
// first. A queued request has its "queued" record followed by exactly one
// resolution record.
func (s *Store) ListAuditByRequest(ctx context.Context, requestID string) ([]AuditRecord, error) {
	q := s.sql.Select("id", "request_id", "guild_id", "user_id", "kind", "disposition", "reason", "detail", "tokens_used", "images_used", "error_detail", "created_at").
		From("audit_log").
		Where(sq.Eq{"request_id": requestID}).
		OrderBy("id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build audit by request query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit by request: %w", err)
	}
	defer rows.Close()

	out := make([]AuditRecord, 0)
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.GuildID, &r.UserID, &r.Kind, &r.Disposition,
			&r.Reason, &r.Detail, &r.TokensUsed, &r.ImagesUsed, &r.ErrorDetail, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}
