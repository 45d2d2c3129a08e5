package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/internal/service"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// VerificationServiceInterface is what the handler needs from the facade.
type VerificationServiceInterface interface {
	Enqueue(ctx context.Context, requestID string, emails []string, responseURL string) error
	Status(ctx context.Context, requestID string) (*service.StatusResponse, error)
	Results(ctx context.Context, requestID string, page, perPage int) (*service.ResultsResponse, error)
	Stats(ctx context.Context) (*service.StatsResponse, error)
}

type VerificationHandler struct {
	service VerificationServiceInterface
	logger  logger.Logger
}

func NewVerificationHandler(service VerificationServiceInterface, logger logger.Logger) *VerificationHandler {
	return &VerificationHandler{
		service: service,
		logger:  logger,
	}
}

func (h *VerificationHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/verification.enqueue", h.handleEnqueue)
	mux.HandleFunc("/api/verification.status", h.handleStatus)
	mux.HandleFunc("/api/verification.results", h.handleResults)
	mux.HandleFunc("/api/verification.stats", h.handleStats)
}

type enqueueRequest struct {
	RequestID   string   `json:"request_id"`
	Emails      []string `json:"emails"`
	ResponseURL string   `json:"response_url"`
}

func (h *VerificationHandler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.service.Enqueue(r.Context(), req.RequestID, req.Emails, req.ResponseURL); err != nil {
		var validationErr domain.ValidationError
		if errors.As(err, &validationErr) {
			WriteJSONError(w, validationErr.Error(), http.StatusBadRequest)
			return
		}
		var duplicateErr *domain.ErrDuplicateRequest
		if errors.As(err, &duplicateErr) {
			WriteJSONError(w, duplicateErr.Error(), http.StatusConflict)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to enqueue request")
		WriteJSONError(w, "Failed to enqueue request", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": req.RequestID,
		"status":     "queued",
	})
}

func (h *VerificationHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		WriteJSONError(w, "request_id is required", http.StatusBadRequest)
		return
	}

	status, err := h.service.Status(r.Context(), requestID)
	if err != nil {
		var notFoundErr *domain.ErrNotFound
		if errors.As(err, &notFoundErr) {
			WriteJSONError(w, "Request not found", http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to get request status")
		WriteJSONError(w, "Failed to get request status", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *VerificationHandler) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		WriteJSONError(w, "request_id is required", http.StatusBadRequest)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))

	results, err := h.service.Results(r.Context(), requestID, page, perPage)
	if err != nil {
		var notFoundErr *domain.ErrNotFound
		if errors.As(err, &notFoundErr) {
			WriteJSONError(w, "Request not found", http.StatusNotFound)
			return
		}
		h.logger.WithField("error", err.Error()).Error("Failed to get request results")
		WriteJSONError(w, "Failed to get request results", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, results)
}

func (h *VerificationHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.WithField("error", err.Error()).Error("Failed to get stats")
		WriteJSONError(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
