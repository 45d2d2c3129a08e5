package http

import (
	"net/http"

	"github.com/mailprobe/mailprobe/config"
	"github.com/mailprobe/mailprobe/pkg/logger"
)

// RootHandler serves the health probe and the public service info.
type RootHandler struct {
	config *config.Config
	logger logger.Logger
}

func NewRootHandler(cfg *config.Config, logger logger.Logger) *RootHandler {
	return &RootHandler{
		config: cfg,
		logger: logger,
	}
}

func (h *RootHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/info", h.handleInfo)
}

func (h *RootHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *RootHandler) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":     h.config.Version,
		"environment": h.config.Environment,
		"workers":     h.config.Verifier.WorkerCount,
	})
}
