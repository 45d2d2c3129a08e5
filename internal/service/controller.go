package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
	"github.com/mailprobe/mailprobe/pkg/smtperror"
)

const pollInterval = 250 * time.Millisecond

// Controller owns the fixed worker slots. It pulls from the queue head in
// FIFO order, hands requests to workers over a two-phase ack protocol,
// consumes worker events, merges archives, parks greylisted subsets and
// publishes completions. Every slot transition writes the slot table before
// memory.
//
// Returned greylist batches take priority over the queue head, and never
// consume a new queue position.
type Controller struct {
	queue       *Queue
	greylist    *GreylistStore
	resultsRepo domain.ResultsRepository
	archiveRepo domain.ArchiveRepository
	slotRepo    domain.WorkerSlotRepository
	webhook     domain.WebhookSender
	logger      logger.Logger

	workerCount        int
	ackTimeout         time.Duration
	webhookMaxAttempts int

	workers   []*Worker
	events    chan workerEvent
	resubmits chan *domain.GreylistEntry

	mu           sync.Mutex
	slots        []*domain.Request
	requestSlots map[string]int
	archives     map[string]*domain.ArchiveEntry
	pendingAcks  map[int]chan struct{}
	parked       []*domain.GreylistEntry
}

// NewController creates the controller and its workers. RestoreArchives must
// be called with the recovered archive map before Run.
func NewController(
	cfg *config.Config,
	queue *Queue,
	greylist *GreylistStore,
	prober domain.Prober,
	resultsRepo domain.ResultsRepository,
	archiveRepo domain.ArchiveRepository,
	slotRepo domain.WorkerSlotRepository,
	webhook domain.WebhookSender,
	log logger.Logger,
) *Controller {
	c := &Controller{
		queue:              queue,
		greylist:           greylist,
		resultsRepo:        resultsRepo,
		archiveRepo:        archiveRepo,
		slotRepo:           slotRepo,
		webhook:            webhook,
		logger:             log,
		workerCount:        cfg.Verifier.WorkerCount,
		ackTimeout:         cfg.Verifier.AckTimeout,
		webhookMaxAttempts: cfg.Webhook.MaxAttempts,
		events:             make(chan workerEvent, cfg.Verifier.WorkerCount*4),
		resubmits:          make(chan *domain.GreylistEntry, 64),
		slots:              make([]*domain.Request, cfg.Verifier.WorkerCount),
		requestSlots:       make(map[string]int),
		archives:           make(map[string]*domain.ArchiveEntry),
		pendingAcks:        make(map[int]chan struct{}),
	}
	for i := 0; i < c.workerCount; i++ {
		c.workers = append(c.workers, NewWorker(i, prober, cfg.Verifier.PingInterval, c.events, log))
	}
	greylist.SetHandback(c.HandleGreylistReturn)
	return c
}

// RestoreArchives installs the archive entries rebuilt by startup recovery.
func (c *Controller) RestoreArchives(archives map[string]*domain.ArchiveEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range archives {
		c.archives[id] = entry
	}
}

// Run drives the workers, the event loop and the assignment loop until the
// context is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		worker := w
		g.Go(func() error { return worker.Run(ctx) })
	}
	g.Go(func() error { return c.eventLoop(ctx) })
	g.Go(func() error { return c.assignLoop(ctx) })
	return g.Wait()
}

// HandleGreylistReturn receives a returned batch from the greylist store. A
// full channel drops the hand-back; the store's stale-returned sweep will
// retry it.
func (c *Controller) HandleGreylistReturn(entry *domain.GreylistEntry) {
	select {
	case c.resubmits <- entry:
	default:
		c.logger.WithField("request_id", entry.RequestID).
			Warn("Resubmit channel full, deferring greylist return")
	}
}

func (c *Controller) assignLoop(ctx context.Context) error {
	if err := c.queue.WaitReady(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-c.resubmits:
			c.park(entry)
		case <-c.queue.Notify():
		case <-ticker.C:
		}
		c.dispatch(ctx)
	}
}

func (c *Controller) park(entry *domain.GreylistEntry) {
	c.mu.Lock()
	c.parked = append(c.parked, entry)
	c.mu.Unlock()
}

// dispatch fills free slots: parked greylist returns first, then the queue
// head. Free slots are taken lowest index first.
func (c *Controller) dispatch(ctx context.Context) {
	c.drainResubmits()

	for {
		entry := c.nextParked()
		if entry == nil {
			break
		}
		if entry.MaxRetriesReached {
			c.finalizeExhausted(ctx, entry)
			c.popParked()
			continue
		}
		if c.slotOf(entry.RequestID) >= 0 {
			// Duplicate hand-back; the slot already runs this request.
			c.popParked()
			continue
		}
		slot := c.freeSlot()
		if slot < 0 {
			return
		}
		req := c.resubmitRequest(ctx, entry)
		c.popParked()
		if err := c.assign(ctx, slot, req); err != nil {
			c.logger.WithFields(map[string]interface{}{
				"request_id": req.RequestID,
				"error":      err.Error(),
			}).Error("Failed to assign greylist retry")
		}
	}

	for {
		slot := c.freeSlot()
		if slot < 0 {
			return
		}
		req := c.queue.Current()
		if req.IsEmpty() {
			return
		}
		if c.slotOf(req.RequestID) >= 0 {
			return
		}
		if err := c.assign(ctx, slot, req); err != nil {
			c.logger.WithFields(map[string]interface{}{
				"request_id": req.RequestID,
				"error":      err.Error(),
			}).Error("Failed to assign request")
			return
		}
		if err := c.queue.Done(ctx, req.RequestID); err != nil {
			c.logger.WithFields(map[string]interface{}{
				"request_id": req.RequestID,
				"error":      err.Error(),
			}).Error("Failed to dequeue request")
			return
		}
	}
}

func (c *Controller) drainResubmits() {
	for {
		select {
		case entry := <-c.resubmits:
			c.park(entry)
		default:
			return
		}
	}
}

func (c *Controller) nextParked() *domain.GreylistEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.parked) == 0 {
		return nil
	}
	return c.parked[0]
}

func (c *Controller) popParked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.parked) > 0 {
		c.parked = c.parked[1:]
	}
}

func (c *Controller) freeSlot() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, req := range c.slots {
		if req == nil {
			return i
		}
	}
	return -1
}

func (c *Controller) slotOf(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot, ok := c.requestSlots[requestID]; ok {
		return slot
	}
	return -1
}

// resubmitRequest rebuilds the Request for a returned greylist batch: only
// the still-greylisted emails, with the response URL taken from the archive.
func (c *Controller) resubmitRequest(ctx context.Context, entry *domain.GreylistEntry) domain.Request {
	req := domain.Request{
		RequestID: entry.RequestID,
		Emails:    append([]string(nil), entry.Emails...),
	}
	c.mu.Lock()
	archive := c.archives[entry.RequestID]
	c.mu.Unlock()
	if archive != nil {
		req.ResponseURL = archive.ResponseURL
		return req
	}
	if rec, err := c.resultsRepo.Get(ctx, entry.RequestID); err == nil {
		req.ResponseURL = rec.ResponseURL
	}
	return req
}

// assign runs the two-phase hand-off for one slot: persist the slot row, mark
// the request processing, send the assignment, then wait for the worker's ack.
// A timed-out ack is retried once against the same slot; a second timeout
// releases the slot and puts the request back to queued.
func (c *Controller) assign(ctx context.Context, slot int, req domain.Request) error {
	if err := c.slotRepo.Save(ctx, slot, &req); err != nil {
		return fmt.Errorf("failed to persist slot assignment: %w", err)
	}

	ackCh := make(chan struct{}, 1)
	c.mu.Lock()
	c.slots[slot] = &req
	c.requestSlots[req.RequestID] = slot
	c.pendingAcks[slot] = ackCh
	c.mu.Unlock()

	if err := c.resultsRepo.SetProcessing(ctx, req.RequestID, true); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		}).Error("Failed to mark request processing")
	}

	assignment := workerAssignment{SlotIndex: slot, Request: req}
	for attempt := 0; attempt < 2; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
		err := c.workers[slot].Assign(sendCtx, assignment)
		cancel()
		if err == nil {
			select {
			case <-ackCh:
				c.logger.WithFields(map[string]interface{}{
					"request_id": req.RequestID,
					"slot":       slot,
				}).Info("Request assigned")
				return nil
			case <-time.After(c.ackTimeout):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.logger.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"slot":       slot,
			"attempt":    attempt + 1,
		}).Warn("Worker did not acknowledge assignment")
	}

	c.releaseSlot(ctx, slot)
	if err := c.resultsRepo.SetQueued(ctx, req.RequestID); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		}).Error("Failed to reset request to queued")
	}
	return fmt.Errorf("worker %d never acknowledged request %s", slot, req.RequestID)
}

func (c *Controller) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-c.events:
			c.handleEvent(ctx, event)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, event workerEvent) {
	switch event.Kind {
	case eventAck:
		c.mu.Lock()
		if ch, ok := c.pendingAcks[event.SlotIndex]; ok {
			delete(c.pendingAcks, event.SlotIndex)
			ch <- struct{}{}
		}
		c.mu.Unlock()
	case eventPing:
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"slot":       event.SlotIndex,
			"completed":  event.Completed,
		}).Debug("Worker heartbeat")
	case eventPartial:
		c.handlePartial(ctx, event)
	case eventComplete:
		c.handleComplete(ctx, event)
	case eventGreylistSplit:
		c.handleGreylistSplit(ctx, event)
	}
}

// handlePartial folds a worker progress counter into the Results row. For a
// split request the already-archived records count toward progress too.
func (c *Controller) handlePartial(ctx context.Context, event workerEvent) {
	completed := event.Completed
	c.mu.Lock()
	if archive, ok := c.archives[event.RequestID]; ok {
		completed += len(archive.Result)
	}
	c.mu.Unlock()

	if err := c.resultsRepo.SetProgress(ctx, event.RequestID, completed); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"error":      err.Error(),
		}).Error("Failed to update progress")
	}
}

func (c *Controller) handleComplete(ctx context.Context, event workerEvent) {
	c.mu.Lock()
	req := c.slots[event.SlotIndex]
	entry := c.archives[event.RequestID]
	c.mu.Unlock()
	if req == nil || req.RequestID != event.RequestID {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"slot":       event.SlotIndex,
		}).Warn("Completion for a request not held by the slot")
		return
	}

	if entry == nil {
		entry = domain.NewArchiveEntry(req)
	}
	entry.Merge(event.Records)

	c.publish(ctx, entry)
	c.releaseSlot(ctx, event.SlotIndex)
}

// handleGreylistSplit archives the verified part of a split batch and parks
// the greylisted part. The archive row is written before the in-memory map so
// a crash cannot lose verified records.
func (c *Controller) handleGreylistSplit(ctx context.Context, event workerEvent) {
	c.mu.Lock()
	req := c.slots[event.SlotIndex]
	entry := c.archives[event.RequestID]
	c.mu.Unlock()
	if req == nil || req.RequestID != event.RequestID {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"slot":       event.SlotIndex,
		}).Warn("Greylist split for a request not held by the slot")
		return
	}

	if entry == nil {
		entry = domain.NewArchiveEntry(req)
	}
	entry.Merge(event.Records)
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if err := c.archiveRepo.Upsert(ctx, entry); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"error":      err.Error(),
		}).Error("Failed to persist archive entry")
		return
	}
	c.mu.Lock()
	c.archives[event.RequestID] = entry
	c.mu.Unlock()

	if err := c.greylist.Push(ctx, event.RequestID, event.Greylisted); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"error":      err.Error(),
		}).Error("Failed to park greylisted emails")
	}

	if err := c.resultsRepo.SetGreylistFound(ctx, event.RequestID); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"error":      err.Error(),
		}).Error("Failed to flag greylist_found")
	}
	if err := c.resultsRepo.SetProgress(ctx, event.RequestID, len(entry.Result)); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": event.RequestID,
			"error":      err.Error(),
		}).Error("Failed to update progress")
	}
	c.flagBlacklist(ctx, event.RequestID, event.Records)

	c.logger.WithFields(map[string]interface{}{
		"request_id": event.RequestID,
		"verified":   len(entry.Result),
		"greylisted": len(event.Greylisted),
	}).Info("Request split on greylisting")

	c.releaseSlot(ctx, event.SlotIndex)
}

// finalizeExhausted completes a request whose greylist retry budget is spent:
// the still-greylisted emails are published as reachable=unknown.
func (c *Controller) finalizeExhausted(ctx context.Context, entry *domain.GreylistEntry) {
	c.mu.Lock()
	archive := c.archives[entry.RequestID]
	c.mu.Unlock()
	if archive == nil {
		archive = domain.NewArchiveEntry(&domain.Request{
			RequestID: entry.RequestID,
			Emails:    entry.Emails,
		})
		if rec, err := c.resultsRepo.Get(ctx, entry.RequestID); err == nil {
			archive.ResponseURL = rec.ResponseURL
		}
	}

	now := time.Now().UTC()
	records := make([]*domain.VerificationRecord, 0, len(entry.Emails))
	for _, email := range entry.Emails {
		records = append(records, &domain.VerificationRecord{
			Email:     email,
			Reachable: domain.ReachableUnknown,
			Error:     true,
			ErrorMsg:  string(smtperror.KindTryAgainLater),
			CheckedAt: now,
		})
	}
	archive.Merge(records)

	c.logger.WithFields(map[string]interface{}{
		"request_id": entry.RequestID,
		"emails":     len(entry.Emails),
		"retries":    entry.RetryCount,
	}).Warn("Finalizing request after greylist retry budget")

	c.publish(ctx, archive)
}

// publish runs the completion protocol: persist the final merged results in
// original email order, then tear down the archive, greylist and queue state
// for the request, then fire the webhook.
func (c *Controller) publish(ctx context.Context, entry *domain.ArchiveEntry) {
	requestID := entry.RequestID
	results := entry.OrderedResults()
	now := time.Now().UTC()

	c.flagBlacklist(ctx, requestID, results)

	if err := c.resultsRepo.MarkCompleted(ctx, requestID, results, now); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to persist completed results")
		return
	}

	if err := c.archiveRepo.Delete(ctx, requestID); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to delete archive row")
	}
	c.mu.Lock()
	delete(c.archives, requestID)
	c.mu.Unlock()

	if err := c.greylist.Clear(ctx, requestID); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to clear greylist entry")
	}

	c.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"emails":     len(results),
	}).Info("Request completed")

	rec, err := c.resultsRepo.Get(ctx, requestID)
	if err != nil {
		c.logger.WithFields(map[string]interface{}{
			"request_id": requestID,
			"error":      err.Error(),
		}).Error("Failed to load completed record for webhook")
		return
	}
	go deliverWebhook(ctx, c.resultsRepo, c.webhook, c.logger, rec, c.webhookMaxAttempts)
}

func (c *Controller) flagBlacklist(ctx context.Context, requestID string, records []*domain.VerificationRecord) {
	for _, rec := range records {
		if rec.ErrorMsg != string(smtperror.KindBlocked) {
			continue
		}
		if err := c.resultsRepo.SetBlacklistFound(ctx, requestID); err != nil {
			c.logger.WithFields(map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			}).Error("Failed to flag blacklist_found")
		}
		return
	}
}

func (c *Controller) releaseSlot(ctx context.Context, slot int) {
	if err := c.slotRepo.Clear(ctx, slot); err != nil {
		c.logger.WithFields(map[string]interface{}{
			"slot":  slot,
			"error": err.Error(),
		}).Error("Failed to clear slot row")
		return
	}
	c.mu.Lock()
	if req := c.slots[slot]; req != nil {
		delete(c.requestSlots, req.RequestID)
	}
	c.slots[slot] = nil
	delete(c.pendingAcks, slot)
	c.mu.Unlock()
}
