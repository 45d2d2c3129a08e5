package service

import (
	"context"
	"time"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// workerEventKind discriminates the messages a worker sends the controller.
type workerEventKind int

const (
	eventAck workerEventKind = iota
	eventPing
	eventPartial
	eventComplete
	eventGreylistSplit
)

func (k workerEventKind) String() string {
	switch k {
	case eventAck:
		return "ack"
	case eventPing:
		return "ping"
	case eventPartial:
		return "partial"
	case eventComplete:
		return "complete"
	case eventGreylistSplit:
		return "greylist_split"
	default:
		return "unknown"
	}
}

// workerEvent is one message on the worker→controller channel. Records and
// Greylisted are set on complete and greylist_split only; Completed carries
// the progress counter on partial events.
type workerEvent struct {
	Kind       workerEventKind
	SlotIndex  int
	RequestID  string
	Completed  int
	Records    []*domain.VerificationRecord
	Greylisted []string
}

// workerAssignment is the two-phase hand-off: the controller sends it and
// waits for the matching ack event before marking the request dequeued.
type workerAssignment struct {
	SlotIndex int
	Request   domain.Request
}

// Worker owns one slot. It probes the emails of its assignment sequentially,
// in request order, emitting ping and partial events while it runs and a
// single complete or greylist_split event at the end.
type Worker struct {
	index        int
	prober       domain.Prober
	pingInterval time.Duration
	events       chan<- workerEvent
	assignments  chan workerAssignment
	logger       logger.Logger
}

// NewWorker creates a worker for the given slot index.
func NewWorker(index int, prober domain.Prober, pingInterval time.Duration, events chan<- workerEvent, log logger.Logger) *Worker {
	return &Worker{
		index:        index,
		prober:       prober,
		pingInterval: pingInterval,
		events:       events,
		assignments:  make(chan workerAssignment, 1),
		logger:       log.WithField("slot", index),
	}
}

// Assign hands a request to the worker. The buffer holds exactly one pending
// assignment; the controller never assigns to an occupied slot.
func (w *Worker) Assign(ctx context.Context, assignment workerAssignment) error {
	select {
	case w.assignments <- assignment:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes assignments until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case assignment := <-w.assignments:
			w.process(ctx, assignment)
		}
	}
}

func (w *Worker) process(ctx context.Context, assignment workerAssignment) {
	req := assignment.Request
	w.emit(ctx, workerEvent{Kind: eventAck, SlotIndex: w.index, RequestID: req.RequestID})

	w.logger.WithFields(map[string]interface{}{
		"request_id": req.RequestID,
		"emails":     len(req.Emails),
	}).Info("Worker started on request")

	ticker := time.NewTicker(w.pingInterval)
	defer ticker.Stop()

	var (
		records    []*domain.VerificationRecord
		greylisted []string
	)
	for _, email := range req.Emails {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, grey := w.prober.Probe(ctx, email)
		if grey {
			greylisted = append(greylisted, email)
		} else {
			records = append(records, record)
		}

		done := len(records) + len(greylisted)
		w.emit(ctx, workerEvent{
			Kind:      eventPartial,
			SlotIndex: w.index,
			RequestID: req.RequestID,
			Completed: done,
		})

		select {
		case <-ticker.C:
			w.emit(ctx, workerEvent{
				Kind:      eventPing,
				SlotIndex: w.index,
				RequestID: req.RequestID,
				Completed: done,
			})
		default:
		}
	}

	if len(greylisted) > 0 {
		w.emit(ctx, workerEvent{
			Kind:       eventGreylistSplit,
			SlotIndex:  w.index,
			RequestID:  req.RequestID,
			Records:    records,
			Greylisted: greylisted,
		})
		return
	}
	w.emit(ctx, workerEvent{
		Kind:      eventComplete,
		SlotIndex: w.index,
		RequestID: req.RequestID,
		Records:   records,
	})
}

func (w *Worker) emit(ctx context.Context, event workerEvent) {
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}
