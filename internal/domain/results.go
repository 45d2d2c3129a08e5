package domain

import (
	"context"
	"time"
)

// VerificationStatus is the lifecycle state of a request.
type VerificationStatus string

const (
	VerificationStatusQueued     VerificationStatus = "queued"
	VerificationStatusProcessing VerificationStatus = "processing"
	VerificationStatusCompleted  VerificationStatus = "completed"
	VerificationStatusFailed     VerificationStatus = "failed"
)

// ProgressStep is the caller-facing progress indicator derived from the
// Results record.
type ProgressStep string

const (
	ProgressStepReceived        ProgressStep = "received"
	ProgressStepProcessing      ProgressStep = "processing"
	ProgressStepAntiGreylisting ProgressStep = "antiGreyListing"
	ProgressStepComplete        ProgressStep = "complete"
	ProgressStepFailed          ProgressStep = "failed"
)

// ResultsRecord tracks one request from enqueue to completion.
//
// Invariants: CompletedAt is set iff Status is completed; WebhookSent implies
// the final results were surfaced to the caller exactly once; Verifying
// implies a worker slot or an anti-greylist entry holds the request id.
type ResultsRecord struct {
	RequestID       string                `json:"request_id"`
	Status          VerificationStatus    `json:"status"`
	Verifying       bool                  `json:"verifying"`
	TotalEmails     int                   `json:"total_emails"`
	CompletedEmails int                   `json:"completed_emails"`
	Results         []*VerificationRecord `json:"results,omitempty"`
	GreylistFound   bool                  `json:"greylist_found"`
	BlacklistFound  bool                  `json:"blacklist_found"`
	WebhookSent     bool                  `json:"webhook_sent"`
	WebhookAttempts int                   `json:"webhook_attempts"`
	ResponseURL     string                `json:"response_url,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Step derives the caller-facing progress step.
func (r *ResultsRecord) Step() ProgressStep {
	switch r.Status {
	case VerificationStatusCompleted:
		return ProgressStepComplete
	case VerificationStatusFailed:
		return ProgressStepFailed
	case VerificationStatusProcessing:
		if r.GreylistFound {
			return ProgressStepAntiGreylisting
		}
		return ProgressStepProcessing
	default:
		return ProgressStepReceived
	}
}

// ResultsRepository persists the Results table. The controller is the only
// writer on state transitions.
type ResultsRepository interface {
	// Create inserts a new record with status=queued.
	Create(ctx context.Context, rec *ResultsRecord) error

	// Get returns the record or *ErrNotFound.
	Get(ctx context.Context, requestID string) (*ResultsRecord, error)

	// SetProcessing marks status=processing and sets the verifying flag.
	SetProcessing(ctx context.Context, requestID string, verifying bool) error

	// SetVerifying updates only the verifying flag.
	SetVerifying(ctx context.Context, requestID string, verifying bool) error

	// SetQueued resets a recovered request to status=queued, verifying=false.
	SetQueued(ctx context.Context, requestID string) error

	// SetProgress updates the completed email counter.
	SetProgress(ctx context.Context, requestID string, completedEmails int) error

	// SetGreylistFound flips greylist_found and leaves status=processing,
	// verifying=false (the anti-greylist store now owns the request).
	SetGreylistFound(ctx context.Context, requestID string) error

	// SetBlacklistFound flips blacklist_found.
	SetBlacklistFound(ctx context.Context, requestID string) error

	// MarkCompleted persists the final results array, sets status=completed,
	// verifying=false and completed_at.
	MarkCompleted(ctx context.Context, requestID string, results []*VerificationRecord, completedAt time.Time) error

	// MarkFailed sets status=failed, verifying=false.
	MarkFailed(ctx context.Context, requestID string) error

	// SetWebhookAttempts persists the attempt counter. Written before every
	// delivery attempt so restarts never exceed the budget.
	SetWebhookAttempts(ctx context.Context, requestID string, attempts int) error

	// SetWebhookSent flips webhook_sent after a 2xx response.
	SetWebhookSent(ctx context.Context, requestID string) error

	// ListUnfinished returns all records with status queued or processing.
	ListUnfinished(ctx context.Context) ([]*ResultsRecord, error)

	// ListPendingWebhooks returns completed records whose webhook was never
	// accepted and whose attempt budget is not spent.
	ListPendingWebhooks(ctx context.Context, maxAttempts int) ([]*ResultsRecord, error)

	// CountByStatus returns the number of requests per lifecycle state.
	CountByStatus(ctx context.Context) (map[VerificationStatus]int, error)
}
