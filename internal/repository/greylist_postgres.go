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

// GreylistRepository implements domain.GreylistRepository on PostgreSQL.
type GreylistRepository struct {
	db *sql.DB
}

// NewGreylistRepository creates a new GreylistRepository.
func NewGreylistRepository(db *sql.DB) domain.GreylistRepository {
	return &GreylistRepository{db: db}
}

// Upsert writes the entry, replacing any previous row.
func (r *GreylistRepository) Upsert(ctx context.Context, entry *domain.GreylistEntry) error {
	emailsJSON, err := json.Marshal(entry.Emails)
	if err != nil {
		return fmt.Errorf("failed to marshal emails: %w", err)
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	query := `
		INSERT INTO greylist_entries
			(request_id, emails, retry_count, last_tried_at, max_retries_reached, returned, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE SET
			emails = EXCLUDED.emails,
			retry_count = EXCLUDED.retry_count,
			last_tried_at = EXCLUDED.last_tried_at,
			max_retries_reached = EXCLUDED.max_retries_reached,
			returned = EXCLUDED.returned,
			updated_at = EXCLUDED.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		entry.RequestID, emailsJSON, entry.RetryCount, entry.LastTriedAt,
		entry.MaxRetriesReached, entry.Returned, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert greylist entry: %w", err)
	}
	return nil
}

// Get returns the entry or *domain.ErrNotFound.
func (r *GreylistRepository) Get(ctx context.Context, requestID string) (*domain.GreylistEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT request_id, emails, retry_count, last_tried_at, max_retries_reached, returned, created_at, updated_at
		FROM greylist_entries
		WHERE request_id = $1
	`, requestID)

	entry, err := scanGreylistEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "greylist entry", ID: requestID}
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkReturned flips returned=true with the retry bookkeeping. Always called
// before the in-memory flip.
func (r *GreylistRepository) MarkReturned(ctx context.Context, requestID string, retryCount int, lastTriedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE greylist_entries
		SET returned = TRUE, retry_count = $2, last_tried_at = $3, updated_at = $4
		WHERE request_id = $1
	`, requestID, retryCount, lastTriedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark greylist entry returned: %w", err)
	}
	return nil
}

// MarkMaxRetriesReached flips max_retries_reached and returned.
func (r *GreylistRepository) MarkMaxRetriesReached(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE greylist_entries
		SET max_retries_reached = TRUE, returned = TRUE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark greylist entry exhausted: %w", err)
	}
	return nil
}

// Delete removes the entry. Idempotent.
func (r *GreylistRepository) Delete(ctx context.Context, requestID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM greylist_entries WHERE request_id = $1`, requestID)
	if err != nil {
		return fmt.Errorf("failed to delete greylist entry: %w", err)
	}
	return nil
}

// List returns every entry.
func (r *GreylistRepository) List(ctx context.Context) ([]*domain.GreylistEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, emails, retry_count, last_tried_at, max_retries_reached, returned, created_at, updated_at
		FROM greylist_entries
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query greylist entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.GreylistEntry
	for rows.Next() {
		entry, err := scanGreylistEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating greylist entries: %w", err)
	}
	return entries, nil
}

func scanGreylistEntry(s scanner) (*domain.GreylistEntry, error) {
	var entry domain.GreylistEntry
	var emailsJSON []byte
	err := s.Scan(&entry.RequestID, &emailsJSON, &entry.RetryCount, &entry.LastTriedAt,
		&entry.MaxRetriesReached, &entry.Returned, &entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan greylist entry: %w", err)
	}
	if err := json.Unmarshal(emailsJSON, &entry.Emails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal emails: %w", err)
	}
	return &entry, nil
}
