package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// Queue is the ordered, durable FIFO of pending requests. The queue table is
// the source of truth; the in-memory structures are rebuilt from it during
// Open, after startup recovery has finished. Add and Done block until the
// queue has signalled ready.
type Queue struct {
	repo   domain.QueueRepository
	logger logger.Logger

	mu           sync.Mutex
	order        []string
	ids          map[string]struct{}
	emails       map[string][]string
	responseURLs map[string]string

	ready     chan struct{}
	readyOnce sync.Once

	// notify wakes the controller poll loop after an Add.
	notify chan struct{}
}

// NewQueue creates a Queue. It is not usable until Open has run.
func NewQueue(repo domain.QueueRepository, log logger.Logger) *Queue {
	return &Queue{
		repo:         repo,
		logger:       log,
		ids:          make(map[string]struct{}),
		emails:       make(map[string][]string),
		responseURLs: make(map[string]string),
		ready:        make(chan struct{}),
		notify:       make(chan struct{}, 1),
	}
}

// Open performs the startup sync pull: drop invalid rows, rebuild the
// in-memory structures ordered by insertion id, then signal ready. Must be
// called exactly once, after startup recovery.
func (q *Queue) Open(ctx context.Context) error {
	dropped, err := q.repo.DeleteInvalid(ctx)
	if err != nil {
		return fmt.Errorf("failed to drop invalid queue rows: %w", err)
	}
	if dropped > 0 {
		q.logger.WithField("dropped", dropped).Warn("Dropped invalid queue rows during sync pull")
	}

	requests, err := q.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue table: %w", err)
	}

	q.mu.Lock()
	for _, req := range requests {
		if _, ok := q.ids[req.RequestID]; ok {
			continue
		}
		q.order = append(q.order, req.RequestID)
		q.ids[req.RequestID] = struct{}{}
		q.emails[req.RequestID] = req.Emails
		q.responseURLs[req.RequestID] = req.ResponseURL
	}
	size := len(q.order)
	q.mu.Unlock()

	q.readyOnce.Do(func() { close(q.ready) })
	q.logger.WithField("pending", size).Info("Queue ready")
	q.wake()
	return nil
}

// WaitReady blocks until the queue is open or the context is done.
func (q *Queue) WaitReady(ctx context.Context) error {
	select {
	case <-q.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add appends a request. It fails with *domain.ErrDuplicateRequest when the
// id is already queued. The row is written before memory is touched.
func (q *Queue) Add(ctx context.Context, req *domain.Request) error {
	if err := q.WaitReady(ctx); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	if _, ok := q.ids[req.RequestID]; ok {
		q.mu.Unlock()
		return &domain.ErrDuplicateRequest{RequestID: req.RequestID}
	}
	q.mu.Unlock()

	if err := q.repo.Insert(ctx, req); err != nil {
		return err
	}

	q.mu.Lock()
	q.order = append(q.order, req.RequestID)
	q.ids[req.RequestID] = struct{}{}
	q.emails[req.RequestID] = req.Emails
	q.responseURLs[req.RequestID] = req.ResponseURL
	q.mu.Unlock()

	q.wake()
	return nil
}

// Done removes a request from the queue and its table. Idempotent.
func (q *Queue) Done(ctx context.Context, requestID string) error {
	if err := q.WaitReady(ctx); err != nil {
		return err
	}
	if err := q.repo.Delete(ctx, requestID); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[requestID]; !ok {
		return nil
	}
	delete(q.ids, requestID)
	delete(q.emails, requestID)
	delete(q.responseURLs, requestID)
	for i, id := range q.order {
		if id == requestID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Current returns the request at the head of the queue, or the empty
// sentinel.
func (q *Queue) Current() domain.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return domain.EmptyRequest
	}
	id := q.order[0]
	return domain.Request{
		RequestID:   id,
		Emails:      q.emails[id],
		ResponseURL: q.responseURLs[id],
	}
}

// HasNext reports whether the queue holds at least one request.
func (q *Queue) HasNext() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order) > 0
}

// IsEmpty reports whether the queue is empty.
func (q *Queue) IsEmpty() bool {
	return !q.HasNext()
}

// HasRequestID reports whether the id is queued.
func (q *Queue) HasRequestID(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[requestID]
	return ok
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Notify returns a channel that receives a signal after every Add.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
