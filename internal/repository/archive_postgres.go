package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mailprobe/mailprobe/internal/domain"
)

// ArchiveRepository implements domain.ArchiveRepository on PostgreSQL.
type ArchiveRepository struct {
	db *sql.DB
}

// NewArchiveRepository creates a new ArchiveRepository.
func NewArchiveRepository(db *sql.DB) domain.ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Upsert writes the entry, replacing any previous row.
func (r *ArchiveRepository) Upsert(ctx context.Context, entry *domain.ArchiveEntry) error {
	emailsJSON, err := json.Marshal(entry.Emails)
	if err != nil {
		return fmt.Errorf("failed to marshal emails: %w", err)
	}
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result map: %w", err)
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	query := `
		INSERT INTO result_archives (request_id, emails, result, response_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (request_id) DO UPDATE SET
			emails = EXCLUDED.emails,
			result = EXCLUDED.result,
			response_url = EXCLUDED.response_url,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.RequestID, emailsJSON, resultJSON, entry.ResponseURL, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert archive entry: %w", err)
	}
	return nil
}

// Get returns the entry or *domain.ErrNotFound.
func (r *ArchiveRepository) Get(ctx context.Context, requestID string) (*domain.ArchiveEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, emails, result, response_url, created_at, updated_at
		FROM result_archives
		WHERE request_id = $1
	`, requestID)

	var entry domain.ArchiveEntry
	var emailsJSON, resultJSON []byte
	err := row.Scan(&entry.RequestID, &emailsJSON, &resultJSON, &entry.ResponseURL,
		&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "archive entry", ID: requestID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive entry: %w", err)
	}

	if err := json.Unmarshal(emailsJSON, &entry.Emails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal emails: %w", err)
	}
	if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result map: %w", err)
	}
	return &entry, nil
}

// Delete removes the entry. Idempotent.
func (r *ArchiveRepository) Delete(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM result_archives WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete archive entry: %w", err)
	}
	return nil
}

// ListRaw returns every row without decoding the JSON columns. Startup
// recovery validates them before trusting the data.
func (r *ArchiveRepository) ListRaw(ctx context.Context) ([]*domain.ArchiveRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, emails, result, response_url, created_at, updated_at
		FROM result_archives
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive rows: %w", err)
	}
	defer rows.Close()

	var archived []*domain.ArchiveRow
	for rows.Next() {
		var row domain.ArchiveRow
		var emailsJSON, resultJSON []byte
		var responseURL sql.NullString
		if err := rows.Scan(&row.RequestID, &emailsJSON, &resultJSON, &responseURL,
			&row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		row.Emails = json.RawMessage(emailsJSON)
		row.Result = json.RawMessage(resultJSON)
		if responseURL.Valid {
			row.ResponseURL = responseURL.String
		}
		archived = append(archived, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archive rows: %w", err)
	}
	return archived, nil
}
