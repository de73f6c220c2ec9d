package handlers

import (
	"net/http"
	"time"
)

// ServerInfoHandler reports name, version and uptime.
type ServerInfoHandler struct {
	name    string
	version string
	started time.Time
}

func NewServerInfoHandler(name, version string) *ServerInfoHandler {
	return &ServerInfoHandler{name: name, version: version, started: time.Now().UTC()}
}

// GetServerInfo implements GET /api/server/info.
func (h *ServerInfoHandler) GetServerInfo(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"name":           h.name,
		"version":        h.version,
		"started_at":     h.started.Format(time.RFC3339),
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	}, http.StatusOK)
}
