package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const postgresLogPrefix = "audit:postgres"

// Execer is the subset of *pgxpool.Pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

const insertRecordSQL = `INSERT INTO command_audit
	(id, source, action, params, status, error_code, message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

// PostgresSink appends records to the command_audit table.
type PostgresSink struct {
	db Execer
}

// NewPostgresSink creates a PostgresSink.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db}
}

// Write inserts rec.
func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	params := []byte("{}")
	if rec.Params != nil {
		var err error
		if params, err = json.Marshal(rec.Params); err != nil {
			return fmt.Errorf("%s - failed to encode params: %w", postgresLogPrefix, err)
		}
	}
	_, err := s.db.Exec(ctx, insertRecordSQL,
		rec.ID, rec.Source, rec.Action, params, rec.Status,
		nullable(rec.ErrorCode), nullable(rec.Message), rec.Time)
	if err != nil {
		return fmt.Errorf("%s - failed to insert audit record %s: %w", postgresLogPrefix, rec.ID, err)
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
