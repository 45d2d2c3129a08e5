package service

import (
	"context"
	"time"

	"github.com/asaskevich/govalidator"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// StatusResponse is the polling view of a request: the lifecycle status, the
// derived progress step and the record timestamps.
type StatusResponse struct {
	RequestID       string                    `json:"request_id"`
	Status          domain.VerificationStatus `json:"status"`
	ProgressStep    domain.ProgressStep       `json:"progress_step"`
	TotalEmails     int                       `json:"total_emails"`
	CompletedEmails int                       `json:"completed_emails"`
	GreylistFound   bool                      `json:"greylist_found"`
	BlacklistFound  bool                      `json:"blacklist_found"`
	WebhookSent     bool                      `json:"webhook_sent"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
}

// ResultsResponse is one page of final results. Results is nil until the
// request completes.
type ResultsResponse struct {
	RequestID   string                       `json:"request_id"`
	Status      domain.ProgressStep          `json:"status"`
	TotalEmails int                          `json:"total_emails"`
	Page        int                          `json:"page"`
	PerPage     int                          `json:"per_page"`
	Results     []*domain.VerificationRecord `json:"results,omitempty"`
}

// StatsResponse counts requests per lifecycle state.
type StatsResponse struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	QueueDepth int `json:"queue_depth"`
	Greylisted int `json:"greylisted"`
}

// VerificationService is the request-facing facade over the queue and the
// Results table.
type VerificationService struct {
	queue       *Queue
	greylist    *GreylistStore
	resultsRepo domain.ResultsRepository
	logger      logger.Logger
}

// NewVerificationService creates a VerificationService.
func NewVerificationService(queue *Queue, greylist *GreylistStore, resultsRepo domain.ResultsRepository, log logger.Logger) *VerificationService {
	return &VerificationService{
		queue:       queue,
		greylist:    greylist,
		resultsRepo: resultsRepo,
		logger:      log,
	}
}

// Enqueue validates and accepts a batch. The Results record is created before
// the queue row so a request is visible to polling from the moment it is
// accepted. Duplicate request ids are rejected.
func (s *VerificationService) Enqueue(ctx context.Context, requestID string, emails []string, responseURL string) error {
	if requestID == "" {
		return domain.NewValidationError("request_id is required")
	}
	if len(emails) == 0 {
		return domain.NewValidationError("emails must not be empty")
	}
	for _, email := range emails {
		if email == "" {
			return domain.NewValidationError("emails must not contain empty entries")
		}
	}
	if responseURL != "" && !govalidator.IsURL(responseURL) {
		return domain.NewValidationError("response_url must be a valid URL")
	}

	if s.queue.HasRequestID(requestID) {
		return &domain.ErrDuplicateRequest{RequestID: requestID}
	}
	if _, err := s.resultsRepo.Get(ctx, requestID); err == nil {
		return &domain.ErrDuplicateRequest{RequestID: requestID}
	}

	rec := &domain.ResultsRecord{
		RequestID:   requestID,
		Status:      domain.VerificationStatusQueued,
		TotalEmails: len(emails),
		ResponseURL: responseURL,
	}
	if err := s.resultsRepo.Create(ctx, rec); err != nil {
		return err
	}

	req := &domain.Request{
		RequestID:   requestID,
		Emails:      emails,
		ResponseURL: responseURL,
	}
	if err := s.queue.Add(ctx, req); err != nil {
		if _, ok := err.(*domain.ErrDuplicateRequest); !ok {
			// The record exists but the queue row does not; fail it so the
			// caller can resubmit under a new id.
			if ferr := s.resultsRepo.MarkFailed(ctx, requestID); ferr != nil {
				s.logger.WithFields(map[string]interface{}{
					"request_id": requestID,
					"error":      ferr.Error(),
				}).Error("Failed to fail rejected request")
			}
		}
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"emails":     len(emails),
	}).Info("Request enqueued")
	return nil
}

// Status returns the progress snapshot for a request.
func (s *VerificationService) Status(ctx context.Context, requestID string) (*StatusResponse, error) {
	rec, err := s.resultsRepo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{
		RequestID:       rec.RequestID,
		Status:          rec.Status,
		ProgressStep:    rec.Step(),
		TotalEmails:     rec.TotalEmails,
		CompletedEmails: rec.CompletedEmails,
		GreylistFound:   rec.GreylistFound,
		BlacklistFound:  rec.BlacklistFound,
		WebhookSent:     rec.WebhookSent,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
		CompletedAt:     rec.CompletedAt,
	}, nil
}

// Results returns a page of the final results. Before completion only the
// status fields are populated.
func (s *VerificationService) Results(ctx context.Context, requestID string, page, perPage int) (*ResultsResponse, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPageSize
	}
	if perPage > maxPageSize {
		perPage = maxPageSize
	}

	rec, err := s.resultsRepo.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	resp := &ResultsResponse{
		RequestID:   rec.RequestID,
		Status:      rec.Step(),
		TotalEmails: rec.TotalEmails,
		Page:        page,
		PerPage:     perPage,
	}
	if rec.Status != domain.VerificationStatusCompleted {
		return resp, nil
	}

	start := (page - 1) * perPage
	if start < len(rec.Results) {
		end := start + perPage
		if end > len(rec.Results) {
			end = len(rec.Results)
		}
		resp.Results = rec.Results[start:end]
	}
	return resp, nil
}

// Stats returns service-wide counters.
func (s *VerificationService) Stats(ctx context.Context) (*StatsResponse, error) {
	counts, err := s.resultsRepo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		Queued:     counts[domain.VerificationStatusQueued],
		Processing: counts[domain.VerificationStatusProcessing],
		Completed:  counts[domain.VerificationStatusCompleted],
		Failed:     counts[domain.VerificationStatusFailed],
		QueueDepth: s.queue.Len(),
		Greylisted: s.greylist.Size(),
	}, nil
}
