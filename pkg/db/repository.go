package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/hostbridge/pkg/audit"
)

const repoLogPrefix = "db:repository"

// AuditRepository reads and prunes the command_audit table.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository with the given pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Recent returns the newest records, optionally only those for action.
func (r *AuditRepository) Recent(ctx context.Context, action string, limit int) ([]audit.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	slog.Debug(fmt.Sprintf("%s - Recent action=%q limit=%d", repoLogPrefix, action, limit))

	rows, err := r.pool.Query(ctx,
		`SELECT id, source, action, params, status, COALESCE(error_code, ''), COALESCE(message, ''), created_at
		 FROM command_audit
		 WHERE ($1 = '' OR action = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`, action, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to query audit records: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec    audit.Record
			params []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Action, &params, &rec.Status, &rec.ErrorCode, &rec.Message, &rec.Time); err != nil {
			return nil, fmt.Errorf("%s - failed to scan audit record: %w", repoLogPrefix, err)
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rec.Params); err != nil {
				return nil, fmt.Errorf("%s - bad params for audit record %s: %w", repoLogPrefix, rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByCode returns the number of failures per error code since the given time.
func (r *AuditRepository) CountByCode(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT error_code, COUNT(*) FROM command_audit
		 WHERE error_code IS NOT NULL AND created_at >= $1
		 GROUP BY error_code`, since)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to count audit records: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var (
			code string
			n    int64
		)
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("%s - failed to scan count: %w", repoLogPrefix, err)
		}
		out[code] = n
	}
	return out, rows.Err()
}

// Purge deletes records older than before and returns how many were removed.
func (r *AuditRepository) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM command_audit WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%s - purge failed: %w", repoLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Purged %d audit records older than %s", repoLogPrefix, tag.RowsAffected(), before.Format(time.RFC3339)))
	return tag.RowsAffected(), nil
}
