package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

const readyTimeout = 5 * time.Second

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	service *service.GenerateService
	logger  *slog.Logger
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.GenerateService, logger *slog.Logger, v Version) *HealthHandler {
	return &HealthHandler{
		cfg:     cfg,
		service: svc,
		logger:  logger.With("component", "health_handler"),
		version: v,
	}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readyz reports whether generate calls can succeed: a credential is
// configured and the configured model resolves upstream.
func (h *HealthHandler) Readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readyTimeout)
	defer cancel()

	name, err := h.service.CheckReady(ctx)
	if err != nil {
		reason := "upstream model lookup failed"
		if errors.Is(err, service.ErrMissingAPIKey) {
			reason = "api key is missing"
		}
		h.logger.Warn("readiness check failed", "reason", reason, "err", sanitizeError(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": reason,
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
		"model":  name,
	})
}

// Status returns proxy status information. The credential is reported only as present or absent.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "ok",
		"version":            string(h.version),
		"upstream_url":       h.cfg.Upstream.BaseURL,
		"model":              h.cfg.Gemini.Model,
		"api_version":        h.cfg.Gemini.APIVersion,
		"api_key_configured": h.cfg.Gemini.APIKey != "",
	})
}
