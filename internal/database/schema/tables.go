// Package schema defines the database schema.
//
// Don't put REFERENCES or CHECK constraints in the CREATE TABLE statements:
// the foreign-key relations between the verification tables are logical and
// enforced by startup recovery, not by the store.
package schema

// TableDefinitions contains all the SQL statements to create the database tables
var TableDefinitions = []string{
	`CREATE TABLE IF NOT EXISTS verification_queue (
		id BIGSERIAL PRIMARY KEY,
		request_id VARCHAR(255) UNIQUE NOT NULL,
		emails JSONB NOT NULL,
		response_url TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS verification_results (
		request_id VARCHAR(255) PRIMARY KEY,
		status VARCHAR(20) NOT NULL,
		verifying BOOLEAN NOT NULL DEFAULT FALSE,
		total_emails INTEGER NOT NULL DEFAULT 0,
		completed_emails INTEGER NOT NULL DEFAULT 0,
		results JSONB,
		greylist_found BOOLEAN NOT NULL DEFAULT FALSE,
		blacklist_found BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_sent BOOLEAN NOT NULL DEFAULT FALSE,
		webhook_attempts INTEGER NOT NULL DEFAULT 0,
		response_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS worker_slots (
		slot_index INTEGER PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		emails JSONB NOT NULL,
		response_url TEXT NOT NULL DEFAULT '',
		assigned_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS greylist_entries (
		request_id VARCHAR(255) PRIMARY KEY,
		emails JSONB NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_tried_at TIMESTAMP NOT NULL,
		max_retries_reached BOOLEAN NOT NULL DEFAULT FALSE,
		returned BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS result_archives (
		request_id VARCHAR(255) PRIMARY KEY,
		emails JSONB NOT NULL,
		result JSONB NOT NULL,
		response_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verification_results_status
		ON verification_results (status)`,
	`CREATE INDEX IF NOT EXISTS idx_worker_slots_request_id
		ON worker_slots (request_id)`,
}

// TableNames returns a list of all table names in creation order
var TableNames = []string{
	"verification_queue",
	"verification_results",
	"worker_slots",
	"greylist_entries",
	"result_archives",
}
