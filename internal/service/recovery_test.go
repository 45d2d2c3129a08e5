package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/internal/domain/mocks"
	"github.com/mailprobe/mailprobe/pkg/logger"
	"github.com/mailprobe/mailprobe/pkg/smtperror"
)

type recoveryFixture struct {
	recovery *RecoveryService
	greylist *GreylistStore

	queueRepo    *mocks.MockQueueRepository
	resultsRepo  *mocks.MockResultsRepository
	archiveRepo  *mocks.MockArchiveRepository
	greylistRepo *mocks.MockGreylistRepository
	slotRepo     *mocks.MockWorkerSlotRepository
	webhook      *mocks.MockWebhookSender
}

func newRecoveryFixture(t *testing.T) *recoveryFixture {
	t.Helper()
	f := &recoveryFixture{
		queueRepo:    new(mocks.MockQueueRepository),
		resultsRepo:  new(mocks.MockResultsRepository),
		archiveRepo:  new(mocks.MockArchiveRepository),
		greylistRepo: new(mocks.MockGreylistRepository),
		slotRepo:     new(mocks.MockWorkerSlotRepository),
		webhook:      new(mocks.MockWebhookSender),
	}
	log := logger.NewMockLogger(t)
	f.greylist = NewGreylistStore(f.greylistRepo, &config.GreylistConfig{Backoff: 2 * time.Minute, MaxRetries: 3}, log)
	cfg := &config.Config{
		Recovery: config.RecoveryConfig{ZombieTTL: 168 * time.Hour},
		Webhook:  config.WebhookConfig{MaxAttempts: 5},
	}
	f.recovery = NewRecoveryService(cfg, f.queueRepo, f.resultsRepo, f.archiveRepo, f.greylistRepo, f.slotRepo, f.greylist, f.webhook, log)
	return f
}

// expectEmptyTables wires the baseline expectations; individual tests override
// the ones they care about by registering them first.
func (f *recoveryFixture) expectEmptyTables() {
	f.slotRepo.On("List", mock.Anything).Return([]*domain.SlotAssignment(nil), nil).Maybe()
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow(nil), nil).Maybe()
	f.greylistRepo.On("List", mock.Anything).Return([]*domain.GreylistEntry(nil), nil).Maybe()
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord(nil), nil).Maybe()
	f.resultsRepo.On("ListPendingWebhooks", mock.Anything, 5).Return([]*domain.ResultsRecord(nil), nil).Maybe()
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func archiveRowFor(t *testing.T, id string, emails []string, verified ...*domain.VerificationRecord) *domain.ArchiveRow {
	t.Helper()
	result := make(map[string]*domain.VerificationRecord, len(verified))
	for _, rec := range verified {
		result[rec.Email] = rec
	}
	return &domain.ArchiveRow{
		RequestID: id,
		Emails:    mustJSON(t, emails),
		Result:    mustJSON(t, result),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func unfinished(id string, total int, age time.Duration) *domain.ResultsRecord {
	return &domain.ResultsRecord{
		RequestID:   id,
		Status:      domain.VerificationStatusProcessing,
		TotalEmails: total,
		CreatedAt:   time.Now().UTC().Add(-age),
	}
}

func TestRecovery_EmptyState(t *testing.T) {
	f := newRecoveryFixture(t)
	f.expectEmptyTables()

	archives, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, archives)
	assert.Equal(t, &RecoveryStats{}, stats)
}

func TestRecovery_ClearsStaleSlots(t *testing.T) {
	f := newRecoveryFixture(t)
	req := &domain.Request{RequestID: "api-1", Emails: []string{"a@example.com"}}
	f.slotRepo.On("List", mock.Anything).Return([]*domain.SlotAssignment{
		{SlotIndex: 2, Request: req, AssignedAt: time.Now().UTC()},
	}, nil).Once()
	f.slotRepo.On("Clear", mock.Anything, 2).Return(nil).Once()

	// The slot request was never archived or greylisted: it is requeued whole.
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 1, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.queueRepo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.Request) bool {
		return r.RequestID == "api-1" && len(r.Emails) == 1
	})).Return(nil).Once()
	f.resultsRepo.On("SetQueued", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StaleSlots)
	assert.Equal(t, 1, stats.Requeued)
	f.slotRepo.AssertExpectations(t)
	f.queueRepo.AssertExpectations(t)
}

func TestRecovery_CorruptArchiveFailsRequest(t *testing.T) {
	f := newRecoveryFixture(t)
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		{
			RequestID: "api-1",
			Emails:    json.RawMessage(`["a@example.com"`), // truncated
			Result:    json.RawMessage(`{}`),
		},
	}, nil).Once()
	f.resultsRepo.On("MarkFailed", mock.Anything, "api-1").Return(nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	archives, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, archives)
	assert.Equal(t, 1, stats.CorruptArchives)
	f.resultsRepo.AssertExpectations(t)
	f.archiveRepo.AssertExpectations(t)
}

func TestRecovery_CompletesFullyArchivedRequest(t *testing.T) {
	f := newRecoveryFixture(t)
	now := time.Now().UTC()
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		archiveRowFor(t, "api-1", []string{"a@example.com", "b@example.com"},
			verifiedRecord("a@example.com", now),
			verifiedRecord("b@example.com", now)),
	}, nil).Once()
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 2, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.resultsRepo.On("MarkCompleted", mock.Anything, "api-1", mock.MatchedBy(func(results []*domain.VerificationRecord) bool {
		return len(results) == 2 &&
			results[0].Email == "a@example.com" &&
			results[1].Email == "b@example.com"
	}), mock.Anything).Return(nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	archives, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, archives)
	assert.Equal(t, 1, stats.Completed)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_RequeuesRemainder(t *testing.T) {
	f := newRecoveryFixture(t)
	now := time.Now().UTC()
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		archiveRowFor(t, "api-1", []string{"a@example.com", "b@example.com", "c@example.com"},
			verifiedRecord("a@example.com", now)),
	}, nil).Once()
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 3, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.queueRepo.On("Insert", mock.Anything, mock.MatchedBy(func(r *domain.Request) bool {
		return r.RequestID == "api-1" &&
			len(r.Emails) == 2 &&
			r.Emails[0] == "b@example.com" &&
			r.Emails[1] == "c@example.com"
	})).Return(nil).Once()
	f.resultsRepo.On("SetQueued", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	archives, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	// The archived record stays put and merges at completion.
	require.Contains(t, archives, "api-1")
	assert.Len(t, archives["api-1"].Result, 1)
	assert.Equal(t, 1, stats.Requeued)
	f.queueRepo.AssertExpectations(t)
}

func TestRecovery_LeavesGreylistedRequestToTheTick(t *testing.T) {
	f := newRecoveryFixture(t)
	now := time.Now().UTC()
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		archiveRowFor(t, "api-1", []string{"a@example.com", "b@example.com"},
			verifiedRecord("a@example.com", now)),
	}, nil).Once()
	f.greylistRepo.On("List", mock.Anything).Return([]*domain.GreylistEntry{
		{RequestID: "api-1", Emails: []string{"b@example.com"}, RetryCount: 1, LastTriedAt: now},
	}, nil).Once()
	// The flag outlived the worker that set it; recovery drops it.
	rec := unfinished("api-1", 2, time.Hour)
	rec.Verifying = true
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{rec}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.resultsRepo.On("SetVerifying", mock.Anything, "api-1", false).Return(nil).Once()
	f.expectEmptyTables()

	archives, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, archives, "api-1")
	assert.Equal(t, 1, stats.WaitingGreylist)
	assert.Equal(t, 1, f.greylist.Size())
	f.resultsRepo.AssertNotCalled(t, "MarkCompleted", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.queueRepo.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_FinalizesExhaustedGreylist(t *testing.T) {
	f := newRecoveryFixture(t)
	now := time.Now().UTC()
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		archiveRowFor(t, "api-1", []string{"a@example.com", "b@example.com"},
			verifiedRecord("a@example.com", now)),
	}, nil).Once()
	f.greylistRepo.On("List", mock.Anything).Return([]*domain.GreylistEntry{
		{
			RequestID:         "api-1",
			Emails:            []string{"b@example.com"},
			RetryCount:        3,
			MaxRetriesReached: true,
			Returned:          true,
			LastTriedAt:       now,
		},
	}, nil).Once()
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 2, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.resultsRepo.On("MarkCompleted", mock.Anything, "api-1", mock.MatchedBy(func(results []*domain.VerificationRecord) bool {
		return len(results) == 2 &&
			results[1].Email == "b@example.com" &&
			results[1].Reachable == domain.ReachableUnknown &&
			results[1].ErrorMsg == string(smtperror.KindTryAgainLater)
	}), mock.Anything).Return(nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.greylistRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_LeavesQueuedRequestAlone(t *testing.T) {
	f := newRecoveryFixture(t)
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 1, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(true, nil).Once()
	// Status was processing: reset so it matches the queue row.
	f.resultsRepo.On("SetQueued", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.LeftQueued)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_DropsZombie(t *testing.T) {
	f := newRecoveryFixture(t)
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 1, 200*time.Hour),
	}, nil).Once()
	f.resultsRepo.On("MarkFailed", mock.Anything, "api-1").Return(nil).Once()
	f.queueRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Zombies)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_FailsUnreconstructableRequest(t *testing.T) {
	f := newRecoveryFixture(t)
	f.resultsRepo.On("ListUnfinished", mock.Anything).Return([]*domain.ResultsRecord{
		unfinished("api-1", 2, time.Hour),
	}, nil).Once()
	f.queueRepo.On("Has", mock.Anything, "api-1").Return(false, nil).Once()
	f.resultsRepo.On("MarkFailed", mock.Anything, "api-1").Return(nil).Once()
	f.queueRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-1").Return(nil).Once()
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	f.resultsRepo.AssertExpectations(t)
}

func TestRecovery_SweepsLeftoverArchive(t *testing.T) {
	f := newRecoveryFixture(t)
	now := time.Now().UTC()
	// Archive row for a request that is already finished: crash mid-teardown.
	f.archiveRepo.On("ListRaw", mock.Anything).Return([]*domain.ArchiveRow{
		archiveRowFor(t, "api-done", []string{"a@example.com"}, verifiedRecord("a@example.com", now)),
	}, nil).Once()
	f.archiveRepo.On("Delete", mock.Anything, "api-done").Return(nil).Once()
	f.expectEmptyTables()

	archives, _, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, archives)
	f.archiveRepo.AssertExpectations(t)
}

func TestRecovery_ResumesPendingWebhooks(t *testing.T) {
	f := newRecoveryFixture(t)
	rec := &domain.ResultsRecord{
		RequestID:       "api-1",
		Status:          domain.VerificationStatusCompleted,
		ResponseURL:     "https://hooks.example.com/cb",
		WebhookAttempts: 2,
	}
	f.resultsRepo.On("ListPendingWebhooks", mock.Anything, 5).Return([]*domain.ResultsRecord{rec}, nil).Once()

	sent := make(chan struct{})
	f.resultsRepo.On("SetWebhookAttempts", mock.Anything, "api-1", 3).Return(nil).Once()
	f.webhook.On("Send", mock.Anything, rec.ResponseURL, mock.Anything).Return(nil).Once()
	f.resultsRepo.On("SetWebhookSent", mock.Anything, "api-1").Return(nil).Once().
		Run(func(mock.Arguments) { close(sent) })
	f.expectEmptyTables()

	_, stats, err := f.recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WebhooksResumed)

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook delivery never resumed")
	}
	f.webhook.AssertExpectations(t)
}

func TestValidArchiveRow(t *testing.T) {
	now := time.Now().UTC()
	good := archiveRowFor(t, "api-1", []string{"a@example.com"}, verifiedRecord("a@example.com", now))

	tests := []struct {
		name string
		row  *domain.ArchiveRow
		want bool
	}{
		{"valid row", good, true},
		{"missing request id", &domain.ArchiveRow{Emails: good.Emails, Result: good.Result}, false},
		{"emails not an array", &domain.ArchiveRow{RequestID: "x", Emails: json.RawMessage(`"a@example.com"`), Result: good.Result}, false},
		{"empty email list", &domain.ArchiveRow{RequestID: "x", Emails: json.RawMessage(`[]`), Result: good.Result}, false},
		{"non-string email", &domain.ArchiveRow{RequestID: "x", Emails: json.RawMessage(`[42]`), Result: good.Result}, false},
		{"result not an object", &domain.ArchiveRow{RequestID: "x", Emails: good.Emails, Result: json.RawMessage(`[]`)}, false},
		{"result value without email", &domain.ArchiveRow{RequestID: "x", Emails: good.Emails, Result: json.RawMessage(`{"a@example.com":{"reachable":"yes"}}`)}, false},
		{"truncated result json", &domain.ArchiveRow{RequestID: "x", Emails: good.Emails, Result: json.RawMessage(`{"a@example.com"`)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validArchiveRow(tt.row))
		})
	}
}
