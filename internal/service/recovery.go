package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
	"github.com/mailprobe/mailprobe/pkg/smtperror"
)

// RecoveryStats summarizes one startup recovery pass.
type RecoveryStats struct {
	ArchivesRestored int
	CorruptArchives  int
	GreylistEntries  int
	StaleSlots       int
	Zombies          int
	LeftQueued       int
	Requeued         int
	Completed        int
	WaitingGreylist  int
	Failed           int
	WebhooksResumed  int
}

// RecoveryService reconciles the durable tables after a restart: it restores
// archives, clears stale slot rows, classifies every unfinished request and
// either requeues, completes or fails it, and resumes unfinished webhook
// deliveries. It runs to completion before the queue opens and the
// controller starts.
type RecoveryService struct {
	queueRepo    domain.QueueRepository
	resultsRepo  domain.ResultsRepository
	archiveRepo  domain.ArchiveRepository
	greylistRepo domain.GreylistRepository
	slotRepo     domain.WorkerSlotRepository
	greylist     *GreylistStore
	webhook      domain.WebhookSender
	logger       logger.Logger

	zombieTTL          time.Duration
	webhookMaxAttempts int
}

// NewRecoveryService creates a RecoveryService.
func NewRecoveryService(
	cfg *config.Config,
	queueRepo domain.QueueRepository,
	resultsRepo domain.ResultsRepository,
	archiveRepo domain.ArchiveRepository,
	greylistRepo domain.GreylistRepository,
	slotRepo domain.WorkerSlotRepository,
	greylist *GreylistStore,
	webhook domain.WebhookSender,
	log logger.Logger,
) *RecoveryService {
	return &RecoveryService{
		queueRepo:          queueRepo,
		resultsRepo:        resultsRepo,
		archiveRepo:        archiveRepo,
		greylistRepo:       greylistRepo,
		slotRepo:           slotRepo,
		greylist:           greylist,
		webhook:            webhook,
		logger:             log,
		zombieTTL:          cfg.Recovery.ZombieTTL,
		webhookMaxAttempts: cfg.Webhook.MaxAttempts,
	}
}

// Run executes the recovery pass and returns the restored archive entries
// for the controller.
func (s *RecoveryService) Run(ctx context.Context) (map[string]*domain.ArchiveEntry, *RecoveryStats, error) {
	stats := &RecoveryStats{}
	now := time.Now().UTC()

	// Slot rows outlived their process; capture them for classification,
	// then clear them. No worker holds anything at this point.
	slotMap := make(map[string]*domain.Request)
	slots, err := s.slotRepo.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, slot := range slots {
		slotMap[slot.Request.RequestID] = slot.Request
		if err := s.slotRepo.Clear(ctx, slot.SlotIndex); err != nil {
			return nil, nil, err
		}
		stats.StaleSlots++
	}

	archives, err := s.restoreArchives(ctx, stats)
	if err != nil {
		return nil, nil, err
	}

	greyEntries, err := s.greylist.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	greyMap := make(map[string]*domain.GreylistEntry, len(greyEntries))
	for _, entry := range greyEntries {
		greyMap[entry.RequestID] = entry
	}
	stats.GreylistEntries = len(greyEntries)

	unfinished, err := s.resultsRepo.ListUnfinished(ctx)
	if err != nil {
		return nil, nil, err
	}
	unfinishedIDs := make(map[string]struct{}, len(unfinished))
	for _, rec := range unfinished {
		unfinishedIDs[rec.RequestID] = struct{}{}
	}

	for _, rec := range unfinished {
		s.classify(ctx, rec, archives, greyMap, slotMap, now, stats)
	}

	// Archives and greylist entries whose request is already finished (or
	// gone) are leftovers from a crash mid-teardown.
	for id := range archives {
		if _, ok := unfinishedIDs[id]; ok {
			continue
		}
		if err := s.archiveRepo.Delete(ctx, id); err == nil {
			delete(archives, id)
		}
	}
	for id := range greyMap {
		if _, ok := unfinishedIDs[id]; ok {
			continue
		}
		if err := s.greylist.Clear(ctx, id); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"request_id": id,
				"error":      err.Error(),
			}).Error("Failed to drop leftover greylist entry")
		}
	}

	s.resumeWebhooks(ctx, stats)

	s.logger.WithFields(map[string]interface{}{
		"archives_restored": stats.ArchivesRestored,
		"corrupt_archives":  stats.CorruptArchives,
		"greylist_entries":  stats.GreylistEntries,
		"stale_slots":       stats.StaleSlots,
		"zombies":           stats.Zombies,
		"left_queued":       stats.LeftQueued,
		"requeued":          stats.Requeued,
		"completed":         stats.Completed,
		"waiting_greylist":  stats.WaitingGreylist,
		"failed":            stats.Failed,
		"webhooks_resumed":  stats.WebhooksResumed,
	}).Info("Startup recovery finished")

	return archives, stats, nil
}

// restoreArchives loads the archive table, validating the JSON columns before
// decoding them. A corrupt row fails its owning request rather than the boot.
func (s *RecoveryService) restoreArchives(ctx context.Context, stats *RecoveryStats) (map[string]*domain.ArchiveEntry, error) {
	rows, err := s.archiveRepo.ListRaw(ctx)
	if err != nil {
		return nil, err
	}

	archives := make(map[string]*domain.ArchiveEntry, len(rows))
	for _, row := range rows {
		if !validArchiveRow(row) {
			s.logger.WithField("request_id", row.RequestID).
				Error("Corrupt archive row, failing its request")
			if err := s.resultsRepo.MarkFailed(ctx, row.RequestID); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"request_id": row.RequestID,
					"error":      err.Error(),
				}).Error("Failed to fail request with corrupt archive")
			}
			if err := s.archiveRepo.Delete(ctx, row.RequestID); err != nil {
				return nil, err
			}
			stats.CorruptArchives++
			continue
		}

		entry := &domain.ArchiveEntry{
			RequestID:   row.RequestID,
			ResponseURL: row.ResponseURL,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
		if err := json.Unmarshal(row.Emails, &entry.Emails); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(row.Result, &entry.Result); err != nil {
			return nil, err
		}
		archives[row.RequestID] = entry
		stats.ArchivesRestored++
	}
	return archives, nil
}

// validArchiveRow checks the raw JSON columns: emails must be a non-empty
// string array and result an object keyed by email.
func validArchiveRow(row *domain.ArchiveRow) bool {
	if row.RequestID == "" {
		return false
	}
	if !gjson.ValidBytes(row.Emails) || !gjson.ValidBytes(row.Result) {
		return false
	}
	emails := gjson.ParseBytes(row.Emails)
	if !emails.IsArray() {
		return false
	}
	list := emails.Array()
	if len(list) == 0 {
		return false
	}
	for _, email := range list {
		if email.Type != gjson.String || email.String() == "" {
			return false
		}
	}
	result := gjson.ParseBytes(row.Result)
	if !result.IsObject() {
		return false
	}
	valid := true
	result.ForEach(func(key, value gjson.Result) bool {
		if !value.IsObject() || !value.Get("email").Exists() {
			valid = false
			return false
		}
		return true
	})
	return valid
}

// classify decides what happens to one unfinished request: drop it as a
// zombie, leave it queued, leave it to the greylist tick, requeue the
// unaccounted remainder, complete it from the archive, or fail it.
func (s *RecoveryService) classify(
	ctx context.Context,
	rec *domain.ResultsRecord,
	archives map[string]*domain.ArchiveEntry,
	greyMap map[string]*domain.GreylistEntry,
	slotMap map[string]*domain.Request,
	now time.Time,
	stats *RecoveryStats,
) {
	id := rec.RequestID

	if now.Sub(rec.CreatedAt) > s.zombieTTL {
		s.logger.WithFields(map[string]interface{}{
			"request_id": id,
			"age":        now.Sub(rec.CreatedAt).String(),
		}).Warn("Dropping zombie request")
		s.fail(ctx, id, archives, greyMap)
		stats.Zombies++
		return
	}

	queued, err := s.queueRepo.Has(ctx, id)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": id,
			"error":      err.Error(),
		}).Error("Failed to check queue membership")
		return
	}
	if queued {
		// The queue sync pull will pick it up.
		if rec.Status != domain.VerificationStatusQueued {
			if err := s.resultsRepo.SetQueued(ctx, id); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"request_id": id,
					"error":      err.Error(),
				}).Error("Failed to reset request to queued")
			}
		}
		stats.LeftQueued++
		return
	}

	grey := greyMap[id]
	if grey != nil && !grey.Returned && !grey.MaxRetriesReached {
		// The greylist entry is authoritative; the tick re-drives it. No
		// worker holds the request anymore, so drop a stale verifying flag.
		s.clearVerifying(ctx, rec)
		stats.WaitingGreylist++
		return
	}

	archive := archives[id]
	if archive == nil {
		if req, ok := slotMap[id]; ok {
			archive = domain.NewArchiveEntry(req)
		}
	}
	if archive == nil && grey == nil {
		// Nothing left to reconstruct the batch from.
		s.fail(ctx, id, archives, greyMap)
		stats.Failed++
		return
	}
	if archive == nil {
		archive = domain.NewArchiveEntry(&domain.Request{
			RequestID:   id,
			Emails:      grey.Emails,
			ResponseURL: rec.ResponseURL,
		})
	}

	var greyEmails []string
	if grey != nil {
		if grey.MaxRetriesReached {
			// Budget spent before the crash: finalize these as unknown.
			archive.Merge(exhaustedRecords(grey.Emails, now))
		} else {
			greyEmails = grey.Emails
		}
	}

	remaining := archive.Remaining(greyEmails)
	switch {
	case len(remaining) > 0:
		if err := s.requeue(ctx, id, remaining, archive, rec); err != nil {
			s.logger.WithFields(map[string]interface{}{
				"request_id": id,
				"error":      err.Error(),
			}).Error("Failed to requeue orphaned request")
			return
		}
		stats.Requeued++
	case len(greyEmails) > 0:
		// Fully accounted for but still waiting on greylisted emails. The
		// lost hand-back is re-driven by the greylist tick.
		if !rec.GreylistFound {
			// SetGreylistFound clears the verifying flag as well.
			if err := s.resultsRepo.SetGreylistFound(ctx, id); err != nil {
				s.logger.WithFields(map[string]interface{}{
					"request_id": id,
					"error":      err.Error(),
				}).Error("Failed to flag greylist_found")
			}
		} else {
			s.clearVerifying(ctx, rec)
		}
		stats.WaitingGreylist++
	default:
		s.complete(ctx, id, archive, archives, greyMap, stats)
	}
}

// clearVerifying drops a verifying flag that outlived its worker. The request
// is owned by the greylist store from here on.
func (s *RecoveryService) clearVerifying(ctx context.Context, rec *domain.ResultsRecord) {
	if !rec.Verifying {
		return
	}
	if err := s.resultsRepo.SetVerifying(ctx, rec.RequestID, false); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": rec.RequestID,
			"error":      err.Error(),
		}).Error("Failed to clear verifying flag")
	}
}

// requeue puts the unaccounted remainder back on the queue; the archived
// records stay put and merge at completion.
func (s *RecoveryService) requeue(ctx context.Context, id string, remaining []string, archive *domain.ArchiveEntry, rec *domain.ResultsRecord) error {
	req := &domain.Request{
		RequestID:   id,
		Emails:      remaining,
		ResponseURL: archive.ResponseURL,
	}
	if req.ResponseURL == "" {
		req.ResponseURL = rec.ResponseURL
	}
	if err := s.queueRepo.Insert(ctx, req); err != nil {
		return err
	}
	if err := s.resultsRepo.SetQueued(ctx, id); err != nil {
		return err
	}
	s.logger.WithFields(map[string]interface{}{
		"request_id": id,
		"remaining":  len(remaining),
	}).Info("Requeued orphaned request")
	return nil
}

// complete publishes a request whose archive already covers every email.
func (s *RecoveryService) complete(ctx context.Context, id string, archive *domain.ArchiveEntry, archives map[string]*domain.ArchiveEntry, greyMap map[string]*domain.GreylistEntry, stats *RecoveryStats) {
	results := archive.OrderedResults()
	if err := s.resultsRepo.MarkCompleted(ctx, id, results, time.Now().UTC()); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": id,
			"error":      err.Error(),
		}).Error("Failed to complete recovered request")
		return
	}
	if err := s.archiveRepo.Delete(ctx, id); err == nil {
		delete(archives, id)
	}
	if _, ok := greyMap[id]; ok {
		if err := s.greylist.Clear(ctx, id); err == nil {
			delete(greyMap, id)
		}
	}
	s.logger.WithFields(map[string]interface{}{
		"request_id": id,
		"emails":     len(results),
	}).Info("Completed recovered request")
	stats.Completed++
}

func (s *RecoveryService) fail(ctx context.Context, id string, archives map[string]*domain.ArchiveEntry, greyMap map[string]*domain.GreylistEntry) {
	if err := s.resultsRepo.MarkFailed(ctx, id); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": id,
			"error":      err.Error(),
		}).Error("Failed to mark request failed")
		return
	}
	if err := s.queueRepo.Delete(ctx, id); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": id,
			"error":      err.Error(),
		}).Error("Failed to drop queue row of failed request")
	}
	if err := s.archiveRepo.Delete(ctx, id); err == nil {
		delete(archives, id)
	}
	if _, ok := greyMap[id]; ok {
		if err := s.greylist.Clear(ctx, id); err == nil {
			delete(greyMap, id)
		}
	}
}

// resumeWebhooks restarts deliveries for completed requests whose callback
// never got a 2xx. The persisted attempt counter keeps the budget intact
// across restarts.
func (s *RecoveryService) resumeWebhooks(ctx context.Context, stats *RecoveryStats) {
	pending, err := s.resultsRepo.ListPendingWebhooks(ctx, s.webhookMaxAttempts)
	if err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to list pending webhooks")
		return
	}
	for _, rec := range pending {
		stats.WebhooksResumed++
		go deliverWebhook(ctx, s.resultsRepo, s.webhook, s.logger, rec, s.webhookMaxAttempts)
	}
}

func exhaustedRecords(emails []string, now time.Time) []*domain.VerificationRecord {
	records := make([]*domain.VerificationRecord, 0, len(emails))
	for _, email := range emails {
		records = append(records, &domain.VerificationRecord{
			Email:     email,
			Reachable: domain.ReachableUnknown,
			Error:     true,
			ErrorMsg:  string(smtperror.KindTryAgainLater),
			CheckedAt: now,
		})
	}
	return records
}
