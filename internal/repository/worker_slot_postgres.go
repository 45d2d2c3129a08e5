package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mailprobe/mailprobe/internal/domain"
)

// WorkerSlotRepository implements domain.WorkerSlotRepository on PostgreSQL.
// One row per occupied slot; a freed slot has no row.
type WorkerSlotRepository struct {
	db *sql.DB
}

// NewWorkerSlotRepository creates a new WorkerSlotRepository.
func NewWorkerSlotRepository(db *sql.DB) domain.WorkerSlotRepository {
	return &WorkerSlotRepository{db: db}
}

// Save writes the assignment for a slot.
func (r *WorkerSlotRepository) Save(ctx context.Context, slotIndex int, req *domain.Request) error {
	emailsJSON, err := json.Marshal(req.Emails)
	if err != nil {
		return fmt.Errorf("failed to marshal emails: %w", err)
	}

	query := `
		INSERT INTO worker_slots (slot_index, request_id, emails, response_url, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (slot_index) DO UPDATE SET
			request_id = EXCLUDED.request_id,
			emails = EXCLUDED.emails,
			response_url = EXCLUDED.response_url,
			assigned_at = EXCLUDED.assigned_at
	`
	_, err = r.db.ExecContext(ctx, query,
		slotIndex, req.RequestID, emailsJSON, req.ResponseURL, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save slot assignment: %w", err)
	}
	return nil
}

// Clear nulls the slot row. Idempotent.
func (r *WorkerSlotRepository) Clear(ctx context.Context, slotIndex int) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM worker_slots WHERE slot_index = $1`, slotIndex)
	if err != nil {
		return fmt.Errorf("failed to clear slot: %w", err)
	}
	return nil
}

// List returns every occupied slot row.
func (r *WorkerSlotRepository) List(ctx context.Context) ([]*domain.SlotAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT slot_index, request_id, emails, response_url, assigned_at
		FROM worker_slots
		ORDER BY slot_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer rows.Close()

	var slots []*domain.SlotAssignment
	for rows.Next() {
		var slot domain.SlotAssignment
		var req domain.Request
		var emailsJSON []byte
		var responseURL sql.NullString
		if err := rows.Scan(&slot.SlotIndex, &req.RequestID, &emailsJSON, &responseURL, &slot.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan slot row: %w", err)
		}
		if err := json.Unmarshal(emailsJSON, &req.Emails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal emails: %w", err)
		}
		if responseURL.Valid {
			req.ResponseURL = responseURL.String
		}
		slot.Request = &req
		slots = append(slots, &slot)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating slot rows: %w", err)
	}
	return slots, nil
}
