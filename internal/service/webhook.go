package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// WebhookSender posts completed verification results to the response_url of a
// request. Payloads are signed in the standard-webhooks format (webhook-id,
// webhook-timestamp and webhook-signature headers) when a secret is
// configured.
type WebhookSender struct {
	httpClient *http.Client
	signer     *standardwebhooks.Webhook
	logger     logger.Logger
}

// NewWebhookSender creates a WebhookSender. A bad signing secret is a
// configuration error and is reported immediately.
func NewWebhookSender(cfg *config.WebhookConfig, log logger.Logger) (*WebhookSender, error) {
	var signer *standardwebhooks.Webhook
	if cfg.Secret != "" {
		var err error
		signer, err = standardwebhooks.NewWebhook(cfg.Secret)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook secret: %w", err)
		}
	}
	return &WebhookSender{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		logger:     log,
	}, nil
}

// Send performs a single delivery attempt. Any 2xx response counts as
// accepted; everything else is an error and the caller decides whether to
// retry.
func (s *WebhookSender) Send(ctx context.Context, url string, payload *domain.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	msgID := "msg_" + uuid.New().String()
	timestamp := time.Now().UTC()
	req.Header.Set("webhook-id", msgID)
	req.Header.Set("webhook-timestamp", strconv.FormatInt(timestamp.Unix(), 10))
	if s.signer != nil {
		signature, err := s.signer.Sign(msgID, timestamp, body)
		if err != nil {
			return fmt.Errorf("failed to sign webhook payload: %w", err)
		}
		req.Header.Set("webhook-signature", signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	s.logger.WithFields(map[string]interface{}{
		"request_id": payload.RequestID,
		"status":     resp.StatusCode,
	}).Debug("Webhook delivered")
	return nil
}

// deliverWebhook drives the retry budget for one completed request. The
// attempt counter is persisted before every attempt, so after a crash the
// budget is never exceeded; a duplicate delivery of an unrecorded success is
// the accepted trade-off. Attempts are spaced out linearly.
func deliverWebhook(ctx context.Context, repo domain.ResultsRepository, sender domain.WebhookSender, log logger.Logger, rec *domain.ResultsRecord, maxAttempts int) {
	if rec.ResponseURL == "" || rec.WebhookSent {
		return
	}

	payload := &domain.WebhookPayload{
		RequestID: rec.RequestID,
		Total:     rec.TotalEmails,
		Results:   rec.Results,
	}

	attempts := rec.WebhookAttempts
	for attempts < maxAttempts {
		attempts++
		if err := repo.SetWebhookAttempts(ctx, rec.RequestID, attempts); err != nil {
			log.WithFields(map[string]interface{}{
				"request_id": rec.RequestID,
				"error":      err.Error(),
			}).Error("Failed to persist webhook attempt counter")
			return
		}

		err := sender.Send(ctx, rec.ResponseURL, payload)
		if err == nil {
			if err := repo.SetWebhookSent(ctx, rec.RequestID); err != nil {
				log.WithFields(map[string]interface{}{
					"request_id": rec.RequestID,
					"error":      err.Error(),
				}).Error("Failed to persist webhook sent flag")
			}
			return
		}

		log.WithFields(map[string]interface{}{
			"request_id": rec.RequestID,
			"attempt":    attempts,
			"error":      err.Error(),
		}).Warn("Webhook delivery attempt failed")

		if attempts >= maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempts) * time.Second):
		}
	}

	log.WithFields(map[string]interface{}{
		"request_id": rec.RequestID,
		"attempts":   attempts,
	}).Error("Webhook delivery abandoned; results remain available for polling")
}
