// Package mocks provides hand-written testify mocks for the domain
// interfaces, for use in service and handler tests.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/mailprobe/mailprobe/internal/domain"
)

type MockQueueRepository struct {
	mock.Mock
}

func (m *MockQueueRepository) Insert(ctx context.Context, req *domain.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *MockQueueRepository) Delete(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockQueueRepository) List(ctx context.Context) ([]*domain.Request, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Request), args.Error(1)
}

func (m *MockQueueRepository) Has(ctx context.Context, requestID string) (bool, error) {
	args := m.Called(ctx, requestID)
	return args.Bool(0), args.Error(1)
}

func (m *MockQueueRepository) DeleteInvalid(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type MockResultsRepository struct {
	mock.Mock
}

func (m *MockResultsRepository) Create(ctx context.Context, rec *domain.ResultsRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockResultsRepository) Get(ctx context.Context, requestID string) (*domain.ResultsRecord, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ResultsRecord), args.Error(1)
}

func (m *MockResultsRepository) SetProcessing(ctx context.Context, requestID string, verifying bool) error {
	args := m.Called(ctx, requestID, verifying)
	return args.Error(0)
}

func (m *MockResultsRepository) SetVerifying(ctx context.Context, requestID string, verifying bool) error {
	args := m.Called(ctx, requestID, verifying)
	return args.Error(0)
}

func (m *MockResultsRepository) SetQueued(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockResultsRepository) SetProgress(ctx context.Context, requestID string, completedEmails int) error {
	args := m.Called(ctx, requestID, completedEmails)
	return args.Error(0)
}

func (m *MockResultsRepository) SetGreylistFound(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockResultsRepository) SetBlacklistFound(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockResultsRepository) MarkCompleted(ctx context.Context, requestID string, results []*domain.VerificationRecord, completedAt time.Time) error {
	args := m.Called(ctx, requestID, results, completedAt)
	return args.Error(0)
}

func (m *MockResultsRepository) MarkFailed(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockResultsRepository) SetWebhookAttempts(ctx context.Context, requestID string, attempts int) error {
	args := m.Called(ctx, requestID, attempts)
	return args.Error(0)
}

func (m *MockResultsRepository) SetWebhookSent(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockResultsRepository) ListUnfinished(ctx context.Context) ([]*domain.ResultsRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ResultsRecord), args.Error(1)
}

func (m *MockResultsRepository) ListPendingWebhooks(ctx context.Context, maxAttempts int) ([]*domain.ResultsRecord, error) {
	args := m.Called(ctx, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ResultsRecord), args.Error(1)
}

func (m *MockResultsRepository) CountByStatus(ctx context.Context) (map[domain.VerificationStatus]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[domain.VerificationStatus]int), args.Error(1)
}

type MockArchiveRepository struct {
	mock.Mock
}

func (m *MockArchiveRepository) Upsert(ctx context.Context, entry *domain.ArchiveEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockArchiveRepository) Get(ctx context.Context, requestID string) (*domain.ArchiveEntry, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ArchiveEntry), args.Error(1)
}

func (m *MockArchiveRepository) Delete(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockArchiveRepository) ListRaw(ctx context.Context) ([]*domain.ArchiveRow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ArchiveRow), args.Error(1)
}

type MockGreylistRepository struct {
	mock.Mock
}

func (m *MockGreylistRepository) Upsert(ctx context.Context, entry *domain.GreylistEntry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *MockGreylistRepository) Get(ctx context.Context, requestID string) (*domain.GreylistEntry, error) {
	args := m.Called(ctx, requestID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GreylistEntry), args.Error(1)
}

func (m *MockGreylistRepository) MarkReturned(ctx context.Context, requestID string, retryCount int, lastTriedAt time.Time) error {
	args := m.Called(ctx, requestID, retryCount, lastTriedAt)
	return args.Error(0)
}

func (m *MockGreylistRepository) MarkMaxRetriesReached(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockGreylistRepository) Delete(ctx context.Context, requestID string) error {
	args := m.Called(ctx, requestID)
	return args.Error(0)
}

func (m *MockGreylistRepository) List(ctx context.Context) ([]*domain.GreylistEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.GreylistEntry), args.Error(1)
}

type MockWorkerSlotRepository struct {
	mock.Mock
}

func (m *MockWorkerSlotRepository) Save(ctx context.Context, slotIndex int, req *domain.Request) error {
	args := m.Called(ctx, slotIndex, req)
	return args.Error(0)
}

func (m *MockWorkerSlotRepository) Clear(ctx context.Context, slotIndex int) error {
	args := m.Called(ctx, slotIndex)
	return args.Error(0)
}

func (m *MockWorkerSlotRepository) List(ctx context.Context) ([]*domain.SlotAssignment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SlotAssignment), args.Error(1)
}

type MockWebhookSender struct {
	mock.Mock
}

func (m *MockWebhookSender) Send(ctx context.Context, url string, payload *domain.WebhookPayload) error {
	args := m.Called(ctx, url, payload)
	return args.Error(0)
}

type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context, email string) (*domain.VerificationRecord, bool) {
	args := m.Called(ctx, email)
	var rec *domain.VerificationRecord
	if args.Get(0) != nil {
		rec = args.Get(0).(*domain.VerificationRecord)
	}
	return rec, args.Bool(1)
}
