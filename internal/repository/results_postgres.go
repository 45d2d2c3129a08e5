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

// ResultsRepository implements domain.ResultsRepository on PostgreSQL.
type ResultsRepository struct {
	db *sql.DB
}

// NewResultsRepository creates a new ResultsRepository.
func NewResultsRepository(db *sql.DB) domain.ResultsRepository {
	return &ResultsRepository{db: db}
}

// Create inserts a new record with status=queued.
func (r *ResultsRepository) Create(ctx context.Context, rec *domain.ResultsRecord) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = domain.VerificationStatusQueued
	}

	query, args, err := psql.
		Insert("verification_results").
		Columns(
			"request_id", "status", "verifying", "total_emails", "completed_emails",
			"results", "greylist_found", "blacklist_found", "webhook_sent",
			"webhook_attempts", "response_url", "created_at", "updated_at",
		).
		Values(
			rec.RequestID, rec.Status, rec.Verifying, rec.TotalEmails, rec.CompletedEmails,
			nil, rec.GreylistFound, rec.BlacklistFound, rec.WebhookSent,
			rec.WebhookAttempts, rec.ResponseURL, rec.CreatedAt, rec.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert results record: %w", err)
	}
	return nil
}

const resultsColumns = `
	request_id, status, verifying, total_emails, completed_emails,
	results, greylist_found, blacklist_found, webhook_sent,
	webhook_attempts, response_url, created_at, updated_at, completed_at
`

// Get returns the record or *domain.ErrNotFound.
func (r *ResultsRepository) Get(ctx context.Context, requestID string) (*domain.ResultsRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+resultsColumns+` FROM verification_results WHERE request_id = $1`, requestID)

	rec, err := scanResultsRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Entity: "results record", ID: requestID}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// SetProcessing marks status=processing and sets the verifying flag.
func (r *ResultsRepository) SetProcessing(ctx context.Context, requestID string, verifying bool) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET status = 'processing', verifying = $2, updated_at = $3
		WHERE request_id = $1
	`, requestID, verifying, time.Now().UTC())
}

// SetVerifying updates only the verifying flag.
func (r *ResultsRepository) SetVerifying(ctx context.Context, requestID string, verifying bool) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET verifying = $2, updated_at = $3
		WHERE request_id = $1
	`, requestID, verifying, time.Now().UTC())
}

// SetQueued resets a recovered request to status=queued, verifying=false.
func (r *ResultsRepository) SetQueued(ctx context.Context, requestID string) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET status = 'queued', verifying = FALSE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
}

// SetProgress updates the completed email counter.
func (r *ResultsRepository) SetProgress(ctx context.Context, requestID string, completedEmails int) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET completed_emails = $2, updated_at = $3
		WHERE request_id = $1
	`, requestID, completedEmails, time.Now().UTC())
}

// SetGreylistFound flips greylist_found; the request stays processing but no
// worker holds it anymore.
func (r *ResultsRepository) SetGreylistFound(ctx context.Context, requestID string) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET status = 'processing', verifying = FALSE, greylist_found = TRUE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
}

// SetBlacklistFound flips blacklist_found.
func (r *ResultsRepository) SetBlacklistFound(ctx context.Context, requestID string) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET blacklist_found = TRUE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
}

// MarkCompleted persists the final results array and the completion
// timestamps.
func (r *ResultsRepository) MarkCompleted(ctx context.Context, requestID string, results []*domain.VerificationRecord, completedAt time.Time) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	return r.exec(ctx, `
		UPDATE verification_results
		SET status = 'completed', verifying = FALSE, results = $2,
		    completed_emails = $3, completed_at = $4, updated_at = $5
		WHERE request_id = $1
	`, requestID, resultsJSON, len(results), completedAt, time.Now().UTC())
}

// MarkFailed sets status=failed, verifying=false.
func (r *ResultsRepository) MarkFailed(ctx context.Context, requestID string) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET status = 'failed', verifying = FALSE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
}

// SetWebhookAttempts persists the attempt counter.
func (r *ResultsRepository) SetWebhookAttempts(ctx context.Context, requestID string, attempts int) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET webhook_attempts = $2, updated_at = $3
		WHERE request_id = $1
	`, requestID, attempts, time.Now().UTC())
}

// SetWebhookSent flips webhook_sent after a 2xx response.
func (r *ResultsRepository) SetWebhookSent(ctx context.Context, requestID string) error {
	return r.exec(ctx, `
		UPDATE verification_results
		SET webhook_sent = TRUE, updated_at = $2
		WHERE request_id = $1
	`, requestID, time.Now().UTC())
}

// ListUnfinished returns all records with status queued or processing.
func (r *ResultsRepository) ListUnfinished(ctx context.Context) ([]*domain.ResultsRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+resultsColumns+`
		FROM verification_results
		WHERE status IN ('queued', 'processing')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unfinished records: %w", err)
	}
	defer rows.Close()

	var records []*domain.ResultsRecord
	for rows.Next() {
		rec, err := scanResultsRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// ListPendingWebhooks returns completed records whose webhook was never
// accepted and whose attempt budget is not spent.
func (r *ResultsRepository) ListPendingWebhooks(ctx context.Context, maxAttempts int) ([]*domain.ResultsRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+resultsColumns+`
		FROM verification_results
		WHERE status = 'completed'
		  AND webhook_sent = FALSE
		  AND response_url <> ''
		  AND webhook_attempts < $1
		ORDER BY completed_at ASC
	`, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending webhooks: %w", err)
	}
	defer rows.Close()

	var records []*domain.ResultsRecord
	for rows.Next() {
		rec, err := scanResultsRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// CountByStatus returns the number of requests per lifecycle state.
func (r *ResultsRepository) CountByStatus(ctx context.Context) (map[domain.VerificationStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM verification_results GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.VerificationStatus]int)
	for rows.Next() {
		var status domain.VerificationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}
	return counts, nil
}

func (r *ResultsRepository) exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update results record: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanResultsRecord(s scanner) (*domain.ResultsRecord, error) {
	var rec domain.ResultsRecord
	var resultsJSON []byte
	var responseURL sql.NullString
	var completedAt sql.NullTime

	err := s.Scan(
		&rec.RequestID, &rec.Status, &rec.Verifying, &rec.TotalEmails, &rec.CompletedEmails,
		&resultsJSON, &rec.GreylistFound, &rec.BlacklistFound, &rec.WebhookSent,
		&rec.WebhookAttempts, &responseURL, &rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan results record: %w", err)
	}

	if responseURL.Valid {
		rec.ResponseURL = responseURL.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if len(resultsJSON) > 0 {
		if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
			return nil, fmt.Errorf("failed to unmarshal results: %w", err)
		}
	}
	return &rec, nil
}
