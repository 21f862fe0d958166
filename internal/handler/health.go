// Package handler holds the HTTP handlers and route wiring.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"oapi-gateway/internal/access"
	"oapi-gateway/internal/config"
	"oapi-gateway/internal/credential"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	pool    *credential.Pool
	gate    *access.Gate
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, pool *credential.Pool, gate *access.Gate, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, pool: pool, gate: gate, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	Prefix      string `json:"prefix"`
	PoolSize    int    `json:"pool_size"`
	OpenAccess  bool   `json:"open_access"`
}

// Status returns gateway status information. Keys are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Prefix:      h.cfg.Server.Prefix,
		PoolSize:    h.pool.Size(),
		OpenAccess:  h.gate.Open(),
	})
}
