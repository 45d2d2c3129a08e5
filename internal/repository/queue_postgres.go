package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/mailprobe/mailprobe/internal/domain"
)

// psql is a Squirrel StatementBuilder configured for PostgreSQL
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// QueueRepository implements domain.QueueRepository on PostgreSQL.
type QueueRepository struct {
	db *sql.DB
}

// NewQueueRepository creates a new QueueRepository.
func NewQueueRepository(db *sql.DB) domain.QueueRepository {
	return &QueueRepository{db: db}
}

// Insert appends a request to the queue table. The BIGSERIAL id preserves
// insertion order across restarts.
func (r *QueueRepository) Insert(ctx context.Context, req *domain.Request) error {
	emailsJSON, err := json.Marshal(req.Emails)
	if err != nil {
		return fmt.Errorf("failed to marshal emails: %w", err)
	}

	query, args, err := psql.
		Insert("verification_queue").
		Columns("request_id", "emails", "response_url").
		Values(req.RequestID, emailsJSON, req.ResponseURL).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert queue row: %w", err)
	}
	return nil
}

// Delete removes a request row. Idempotent.
func (r *QueueRepository) Delete(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM verification_queue WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete queue row: %w", err)
	}
	return nil
}

// List returns all queued requests ordered by insertion id.
func (r *QueueRepository) List(ctx context.Context) ([]*domain.Request, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, emails, response_url
		FROM verification_queue
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue rows: %w", err)
	}
	defer rows.Close()

	var requests []*domain.Request
	for rows.Next() {
		var req domain.Request
		var emailsJSON []byte
		if err := rows.Scan(&req.RequestID, &emailsJSON, &req.ResponseURL); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		if err := json.Unmarshal(emailsJSON, &req.Emails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal emails: %w", err)
		}
		requests = append(requests, &req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue rows: %w", err)
	}
	return requests, nil
}

// Has reports whether a row exists for the request id.
func (r *QueueRepository) Has(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM verification_queue WHERE request_id = $1)`, requestID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check queue row: %w", err)
	}
	return exists, nil
}

// DeleteInvalid removes rows with null or empty fields.
func (r *QueueRepository) DeleteInvalid(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM verification_queue
		WHERE request_id IS NULL OR request_id = ''
		   OR emails IS NULL OR emails = 'null'::jsonb OR emails = '[]'::jsonb
		   OR response_url IS NULL
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete invalid queue rows: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return deleted, nil
}
