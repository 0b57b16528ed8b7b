package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
	"gemini-proxy-go/internal/model"
	"gemini-proxy-go/internal/service"
)

// Caller-facing messages. None of them carries upstream or credential detail.
const (
	msgMethodNotAllowed = "Method Not Allowed"
	msgMissingAPIKey    = "Server configuration error: API key is missing."
	msgInvalidPayload   = "Request body must be valid JSON."
	msgPayloadTooLarge  = "Request body is too large."
	msgUpstreamFailed   = "Gemini API request failed. Please check the server logs."
	msgInternal         = "An internal server error occurred."
)

// apiKeyPattern matches key query parameter values in URLs embedded in error messages.
var apiKeyPattern = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)

// Reply is a fully rendered outbound response, independent of the transport.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// GenerateHandler relays caller payloads to the Gemini generateContent endpoint.
type GenerateHandler struct {
	service *service.GenerateService
	logger  *slog.Logger
	metrics *metrics.Metrics
	maxBody int64 // 0 disables the limit
}

// NewGenerateHandler creates a GenerateHandler. The metrics parameter is optional.
func NewGenerateHandler(svc *service.GenerateService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GenerateHandler {
	return &GenerateHandler{
		service: svc,
		logger:  logger.With("component", "generate_handler"),
		metrics: m,
		maxBody: cfg.Server.BodyMaxBytes,
	}
}

// Serve runs one generate invocation and renders its reply.
func (h *GenerateHandler) Serve(ctx context.Context, method string, body []byte) Reply {
	if method != http.MethodPost {
		h.metrics.ObserveOutcome(model.OutcomeMethodNotAllowed)
		return Reply{
			Status:      http.StatusMethodNotAllowed,
			ContentType: echo.MIMETextPlainCharsetUTF8,
			Body:        []byte(msgMethodNotAllowed),
		}
	}

	resp, err := h.service.Generate(&model.GenerateRequest{
		Ctx:  ctx,
		Body: body,
	})
	outcome := service.OutcomeOf(err)
	h.metrics.ObserveOutcome(outcome)

	if err != nil {
		return h.mapError(outcome, err)
	}

	h.logger.Debug("generate succeeded",
		"upstream_status", resp.StatusCode,
		"bytes_out", len(resp.Body),
	)
	return Reply{
		Status:      http.StatusOK,
		ContentType: echo.MIMEApplicationJSON,
		Body:        resp.Body,
	}
}

// Handle adapts Serve to Echo. The body is read only for a POST with a
// configured credential, so method and credential failures are reported
// whatever the body size.
func (h *GenerateHandler) Handle(c echo.Context) error {
	req := c.Request()

	var body []byte
	if req.Method == http.MethodPost && h.service.HasAPIKey() {
		var r io.Reader = req.Body
		if h.maxBody > 0 {
			r = http.MaxBytesReader(c.Response(), req.Body, h.maxBody)
		}
		b, err := io.ReadAll(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.metrics.ObserveOutcome(model.OutcomePayloadTooLarge)
				h.logger.Warn("request body too large", "limit", tooLarge.Limit)
				return write(c, jsonError(http.StatusRequestEntityTooLarge, msgPayloadTooLarge))
			}
			h.logger.Error("reading request body", "err", err, "path", req.URL.Path)
			return write(c, jsonError(http.StatusInternalServerError, msgInternal))
		}
		body = b
	}

	return write(c, h.Serve(req.Context(), req.Method, body))
}

func write(c echo.Context, r Reply) error {
	if r.Status == http.StatusMethodNotAllowed {
		c.Response().Header().Set(echo.HeaderAllow, http.MethodPost)
	}
	return c.Blob(r.Status, r.ContentType, r.Body)
}

func (h *GenerateHandler) mapError(outcome model.Outcome, err error) Reply {
	switch outcome {
	case model.OutcomeMissingAPIKey:
		h.logger.Error("GEMINI_API_KEY is not set; configure gemini.api_key or the GEMINI_API_KEY environment variable")
		return jsonError(http.StatusInternalServerError, msgMissingAPIKey)

	case model.OutcomeInvalidPayload:
		h.logger.Warn("rejected request body", "err", err)
		return jsonError(http.StatusBadRequest, msgInvalidPayload)

	case model.OutcomeUpstreamStatus:
		// Logged with the upstream body by the service.
		var statusErr *service.UpstreamStatusError
		if errors.As(err, &statusErr) {
			return jsonError(statusErr.StatusCode, msgUpstreamFailed)
		}
	}

	h.logger.Error("generate failed",
		"outcome", string(outcome),
		"err", sanitizeError(err),
	)
	return jsonError(http.StatusInternalServerError, msgInternal)
}

func jsonError(status int, msg string) Reply {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return Reply{
		Status:      status,
		ContentType: echo.MIMEApplicationJSON,
		Body:        body,
	}
}

// sanitizeError redacts API keys from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return apiKeyPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
