package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

func TestRootHandler(t *testing.T) {
	cfg := &config.Config{
		Version:     "1.2",
		Environment: "test",
		Verifier:    config.VerifierConfig{WorkerCount: 4},
	}
	mux := http.NewServeMux()
	NewRootHandler(cfg, logger.NewMockLogger(t)).RegisterRoutes(mux)

	t.Run("health", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "ok", gjson.Get(rr.Body.String(), "status").String())
	})

	t.Run("info", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/info", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "1.2", gjson.Get(rr.Body.String(), "version").String())
		assert.Equal(t, int64(4), gjson.Get(rr.Body.String(), "workers").Int())
	})

	t.Run("info rejects POST", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/info", nil))

		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}
