package domain

import (
	"context"
)

// Request is a batch of emails to verify, identified by a caller-supplied
// request id. The caller-side type prefix on the id ("single-", "csv-",
// "api-") has no effect on queue or controller behavior.
type Request struct {
	RequestID   string   `json:"request_id"`
	Emails      []string `json:"emails"`
	ResponseURL string   `json:"response_url"`
}

// EmptyRequest is the sentinel returned by Queue.Current when the queue is empty.
var EmptyRequest = Request{}

// IsEmpty reports whether r is the empty sentinel.
func (r Request) IsEmpty() bool {
	return r.RequestID == "" && len(r.Emails) == 0
}

// Validate checks the queue invariants: a non-empty id and a non-empty batch.
func (r Request) Validate() error {
	if r.RequestID == "" {
		return NewValidationError("request_id is required")
	}
	if len(r.Emails) == 0 {
		return NewValidationError("emails must not be empty")
	}
	return nil
}

// QueueRepository persists the queue table. The table is the source of truth:
// the in-memory FIFO is rebuilt from it at startup, ordered by insertion id.
type QueueRepository interface {
	// Insert appends a request to the queue table.
	Insert(ctx context.Context, req *Request) error

	// Delete removes a request row. Idempotent.
	Delete(ctx context.Context, requestID string) error

	// List returns all queued requests ordered by insertion id.
	List(ctx context.Context) ([]*Request, error)

	// Has reports whether a row exists for the request id.
	Has(ctx context.Context, requestID string) (bool, error)

	// DeleteInvalid removes rows with null or empty fields and returns
	// how many were dropped. Called during the startup sync pull.
	DeleteInvalid(ctx context.Context) (int64, error)
}
