package domain

import (
	"context"
)

// WebhookPayload is the JSON body POSTed to the caller's response URL on
// completion.
type WebhookPayload struct {
	RequestID string                `json:"request_id"`
	Total     int                   `json:"total"`
	Results   []*VerificationRecord `json:"results"`
}

// WebhookSender delivers one completion callback. Any 2xx response counts as
// accepted; everything else is an error and consumes an attempt.
type WebhookSender interface {
	Send(ctx context.Context, url string, payload *WebhookPayload) error
}
