package handlers

import (
	"net/http"

	"github.com/voxprep/voxprep/pkg/relay/session"
)

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	Registry *session.Registry
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Sessions: h.Registry.Count()})
}
