package domain

import (
	"context"
	"time"
)

// SlotAssignment mirrors one worker slot. Request is nil when the slot is
// free. The database row is written before the in-memory slot changes on
// every transition, so recovery can trust the table over memory.
type SlotAssignment struct {
	SlotIndex  int       `json:"slot_index"`
	Request    *Request  `json:"request,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// WorkerSlotRepository persists the worker-slot table.
type WorkerSlotRepository interface {
	// Save writes the assignment for a slot.
	Save(ctx context.Context, slotIndex int, req *Request) error

	// Clear nulls the slot row. Idempotent.
	Clear(ctx context.Context, slotIndex int) error

	// List returns every occupied slot row.
	List(ctx context.Context) ([]*SlotAssignment, error)
}
