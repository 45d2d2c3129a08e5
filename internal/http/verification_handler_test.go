package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/mailprobe/mailprobe/internal/domain"
	"github.com/mailprobe/mailprobe/internal/service"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// stubVerificationService lets each test script the facade without mocks.
type stubVerificationService struct {
	enqueueErr error
	enqueued   []string

	status    *service.StatusResponse
	statusErr error

	results    *service.ResultsResponse
	resultsErr error

	stats    *service.StatsResponse
	statsErr error
}

func (s *stubVerificationService) Enqueue(_ context.Context, requestID string, emails []string, responseURL string) error {
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.enqueued = append(s.enqueued, requestID)
	return nil
}

func (s *stubVerificationService) Status(context.Context, string) (*service.StatusResponse, error) {
	return s.status, s.statusErr
}

func (s *stubVerificationService) Results(context.Context, string, int, int) (*service.ResultsResponse, error) {
	return s.results, s.resultsErr
}

func (s *stubVerificationService) Stats(context.Context) (*service.StatsResponse, error) {
	return s.stats, s.statsErr
}

func newHandlerMux(t *testing.T, stub *stubVerificationService) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	NewVerificationHandler(stub, logger.NewMockLogger(t)).RegisterRoutes(mux)
	return mux
}

func TestHandleEnqueue(t *testing.T) {
	body := func(v interface{}) *bytes.Reader {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		return bytes.NewReader(raw)
	}

	t.Run("accepted", func(t *testing.T) {
		stub := &stubVerificationService{}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodPost, "/api/verification.enqueue", body(map[string]interface{}{
			"request_id":   "api-1",
			"emails":       []string{"a@example.com"},
			"response_url": "https://hooks.example.com/cb",
		}))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusAccepted, rr.Code)
		assert.Equal(t, "queued", gjson.Get(rr.Body.String(), "status").String())
		assert.Equal(t, []string{"api-1"}, stub.enqueued)
	})

	t.Run("validation error maps to 400", func(t *testing.T) {
		stub := &stubVerificationService{enqueueErr: domain.NewValidationError("emails must not be empty")}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodPost, "/api/verification.enqueue", body(map[string]interface{}{
			"request_id": "api-1",
		}))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, gjson.Get(rr.Body.String(), "error").String(), "emails must not be empty")
	})

	t.Run("duplicate maps to 409", func(t *testing.T) {
		stub := &stubVerificationService{enqueueErr: &domain.ErrDuplicateRequest{RequestID: "api-1"}}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodPost, "/api/verification.enqueue", body(map[string]interface{}{
			"request_id": "api-1",
			"emails":     []string{"a@example.com"},
		}))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		mux := newHandlerMux(t, &stubVerificationService{})

		req := httptest.NewRequest(http.MethodPost, "/api/verification.enqueue", bytes.NewReader([]byte("{")))
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("method not allowed", func(t *testing.T) {
		mux := newHandlerMux(t, &stubVerificationService{})

		req := httptest.NewRequest(http.MethodGet, "/api/verification.enqueue", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		created := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
		stub := &stubVerificationService{status: &service.StatusResponse{
			RequestID:       "api-1",
			Status:          domain.VerificationStatusProcessing,
			ProgressStep:    domain.ProgressStepAntiGreylisting,
			TotalEmails:     4,
			CompletedEmails: 2,
			GreylistFound:   true,
			CreatedAt:       created,
			UpdatedAt:       created.Add(time.Minute),
		}}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodGet, "/api/verification.status?request_id=api-1", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "processing", gjson.Get(rr.Body.String(), "status").String())
		assert.Equal(t, "antiGreyListing", gjson.Get(rr.Body.String(), "progress_step").String())
		assert.Equal(t, int64(2), gjson.Get(rr.Body.String(), "completed_emails").Int())
		assert.Equal(t, created.Format(time.RFC3339), gjson.Get(rr.Body.String(), "created_at").String())
		assert.True(t, gjson.Get(rr.Body.String(), "updated_at").Exists())
		assert.False(t, gjson.Get(rr.Body.String(), "completed_at").Exists())
	})

	t.Run("missing request_id", func(t *testing.T) {
		mux := newHandlerMux(t, &stubVerificationService{})

		req := httptest.NewRequest(http.MethodGet, "/api/verification.status", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("not found", func(t *testing.T) {
		stub := &stubVerificationService{statusErr: &domain.ErrNotFound{Entity: "results record", ID: "nope"}}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodGet, "/api/verification.status?request_id=nope", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestHandleResults(t *testing.T) {
	t.Run("completed page", func(t *testing.T) {
		stub := &stubVerificationService{results: &service.ResultsResponse{
			RequestID:   "api-1",
			Status:      domain.ProgressStepComplete,
			TotalEmails: 1,
			Page:        1,
			PerPage:     100,
			Results: []*domain.VerificationRecord{
				{Email: "a@example.com", Reachable: domain.ReachableYes},
			},
		}}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodGet, "/api/verification.results?request_id=api-1&page=1&per_page=100", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "a@example.com", gjson.Get(rr.Body.String(), "results.0.email").String())
		assert.Equal(t, "yes", gjson.Get(rr.Body.String(), "results.0.reachable").String())
	})

	t.Run("not found", func(t *testing.T) {
		stub := &stubVerificationService{resultsErr: &domain.ErrNotFound{Entity: "results record", ID: "nope"}}
		mux := newHandlerMux(t, stub)

		req := httptest.NewRequest(http.MethodGet, "/api/verification.results?request_id=nope", nil)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestHandleStats(t *testing.T) {
	stub := &stubVerificationService{stats: &service.StatsResponse{
		Queued:     1,
		Processing: 2,
		Completed:  3,
		QueueDepth: 1,
		Greylisted: 1,
	}}
	mux := newHandlerMux(t, stub)

	req := httptest.NewRequest(http.MethodGet, "/api/verification.stats", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(2), gjson.Get(rr.Body.String(), "processing").Int())
	assert.Equal(t, int64(1), gjson.Get(rr.Body.String(), "greylisted").Int())
}
