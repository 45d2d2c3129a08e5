package service

import (
	"context"
	"sync"
	"time"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// GreylistHandback receives a ripe entry after its database state has been
// flipped to returned. The receiver owns re-driving the batch.
type GreylistHandback func(entry *domain.GreylistEntry)

// GreylistStore holds the greylisted subsets of split requests and re-drives
// them after the backoff has elapsed. Every transition hits the database
// before memory, so a crash between the two leaves the durable state ahead,
// never behind.
type GreylistStore struct {
	repo       domain.GreylistRepository
	logger     logger.Logger
	backoff    time.Duration
	maxRetries int

	mu      sync.Mutex
	entries map[string]*domain.GreylistEntry

	handback GreylistHandback
}

// NewGreylistStore creates a GreylistStore. SetHandback must be called before
// Run.
func NewGreylistStore(repo domain.GreylistRepository, cfg *config.GreylistConfig, log logger.Logger) *GreylistStore {
	return &GreylistStore{
		repo:       repo,
		logger:     log,
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxRetries,
		entries:    make(map[string]*domain.GreylistEntry),
	}
}

// SetHandback registers the receiver for ripe entries.
func (s *GreylistStore) SetHandback(fn GreylistHandback) {
	s.handback = fn
}

// Load rebuilds the in-memory map from the greylist table and returns the
// loaded entries. Entries with returned=true are kept as-is; the tick
// re-drives them if their hand-back never completed.
func (s *GreylistStore) Load(ctx context.Context) ([]*domain.GreylistEntry, error) {
	entries, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, entry := range entries {
		s.entries[entry.RequestID] = entry
	}
	size := len(s.entries)
	s.mu.Unlock()
	s.logger.WithField("entries", size).Info("Greylist store loaded")
	return entries, nil
}

// Push records the greylisted emails of a request. When an entry already
// exists the email sets are unioned, returned is reset and the retry counter
// is preserved, so repeated splits of the same request share one budget.
func (s *GreylistStore) Push(ctx context.Context, requestID string, emails []string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	entry, ok := s.entries[requestID]
	s.mu.Unlock()

	var next *domain.GreylistEntry
	if ok {
		next = cloneGreylistEntry(entry)
		next.Emails = unionEmails(entry.Emails, emails)
		next.Returned = false
		next.LastTriedAt = now
		next.UpdatedAt = now
	} else {
		next = &domain.GreylistEntry{
			RequestID:   requestID,
			Emails:      append([]string(nil), emails...),
			LastTriedAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	if err := s.repo.Upsert(ctx, next); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[requestID] = next
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"emails":     len(next.Emails),
		"retries":    next.RetryCount,
	}).Info("Greylisted emails parked for retry")
	return nil
}

// Get returns a copy of the entry for the request, if any.
func (s *GreylistStore) Get(requestID string) (*domain.GreylistEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[requestID]
	if !ok {
		return nil, false
	}
	return cloneGreylistEntry(entry), true
}

// Clear removes the entry for a finished request. Idempotent.
func (s *GreylistStore) Clear(ctx context.Context, requestID string) error {
	if err := s.repo.Delete(ctx, requestID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, requestID)
	s.mu.Unlock()
	return nil
}

// Size returns the number of parked entries.
func (s *GreylistStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run drives the periodic tick until the context is cancelled.
func (s *GreylistStore) Run(ctx context.Context) error {
	interval := s.backoff / 4
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick hands every due entry back for re-driving. An entry whose retry budget
// is already spent is flagged max_retries_reached instead, and the hand-back
// lets the controller finalize its emails as unknown.
//
// Entries stuck at returned=true for more than twice the backoff are treated
// as lost hand-backs (the process died, or the controller dropped or failed to
// finalize the batch) and handed back again. Exhausted entries are swept too,
// so a lost finalization is retried instead of waiting for a restart.
func (s *GreylistStore) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*domain.GreylistEntry
	for _, entry := range s.entries {
		if entry.Ripe(s.backoff, now) {
			due = append(due, cloneGreylistEntry(entry))
			continue
		}
		if entry.Returned && now.Sub(entry.LastTriedAt) > 2*s.backoff {
			due = append(due, cloneGreylistEntry(entry))
		}
	}
	s.mu.Unlock()

	for _, entry := range due {
		if entry.MaxRetriesReached || entry.RetryCount >= s.maxRetries {
			s.exhaust(ctx, entry, now)
			continue
		}
		s.ret(ctx, entry, now)
	}
}

func (s *GreylistStore) ret(ctx context.Context, entry *domain.GreylistEntry, now time.Time) {
	retryCount := entry.RetryCount
	if !entry.Returned {
		retryCount++
	}
	if err := s.repo.MarkReturned(ctx, entry.RequestID, retryCount, now); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": entry.RequestID,
			"error":      err.Error(),
		}).Error("Failed to mark greylist entry returned")
		return
	}

	s.mu.Lock()
	if live, ok := s.entries[entry.RequestID]; ok {
		live.Returned = true
		live.RetryCount = retryCount
		live.LastTriedAt = now
		live.UpdatedAt = now
	}
	s.mu.Unlock()

	entry.Returned = true
	entry.RetryCount = retryCount
	entry.LastTriedAt = now

	s.logger.WithFields(map[string]interface{}{
		"request_id": entry.RequestID,
		"emails":     len(entry.Emails),
		"retry":      retryCount,
	}).Info("Returning greylisted emails for retry")

	if s.handback != nil {
		s.handback(entry)
	}
}

func (s *GreylistStore) exhaust(ctx context.Context, entry *domain.GreylistEntry, now time.Time) {
	if err := s.repo.MarkMaxRetriesReached(ctx, entry.RequestID); err != nil {
		s.logger.WithFields(map[string]interface{}{
			"request_id": entry.RequestID,
			"error":      err.Error(),
		}).Error("Failed to mark greylist entry exhausted")
		return
	}

	// LastTriedAt paces the stale-returned sweep: the hand-back is repeated
	// every 2*backoff until the controller finalizes and clears the entry.
	s.mu.Lock()
	if live, ok := s.entries[entry.RequestID]; ok {
		live.MaxRetriesReached = true
		live.Returned = true
		live.LastTriedAt = now
	}
	s.mu.Unlock()

	entry.MaxRetriesReached = true
	entry.Returned = true

	s.logger.WithFields(map[string]interface{}{
		"request_id": entry.RequestID,
		"emails":     len(entry.Emails),
		"retries":    entry.RetryCount,
	}).Warn("Greylist retry budget exhausted")

	if s.handback != nil {
		s.handback(entry)
	}
}

func cloneGreylistEntry(entry *domain.GreylistEntry) *domain.GreylistEntry {
	clone := *entry
	clone.Emails = append([]string(nil), entry.Emails...)
	return &clone
}

func unionEmails(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, email := range list {
			if _, ok := seen[email]; ok {
				continue
			}
			seen[email] = struct{}{}
			out = append(out, email)
		}
	}
	return out
}
