package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Generate routes accept every method so non-POST calls get the proxy's own 405.
func RegisterRoutes(e *echo.Echo, gen *GenerateHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/readyz", health.Readyz)
	e.GET("/proxy/status", health.Status)

	e.Any("/api/generate", gen.Handle)
	e.Any("/.netlify/functions/generate", gen.Handle)
}

// RegisterMetrics installs the metrics middleware and exposition route when enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.Use(middleware.MetricsMiddleware(m))
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
