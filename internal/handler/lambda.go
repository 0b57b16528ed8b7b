package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/labstack/echo/v4"
)

// LambdaHandler adapts GenerateHandler to API Gateway proxy events, which is
// also the event shape Netlify Functions deliver.
type LambdaHandler struct {
	generate *GenerateHandler
	logger   *slog.Logger
}

// NewLambdaHandler creates a LambdaHandler.
func NewLambdaHandler(g *GenerateHandler, logger *slog.Logger) *LambdaHandler {
	return &LambdaHandler{
		generate: g,
		logger:   logger.With("component", "lambda_handler"),
	}
}

// Handle serves one invocation. It never returns an error: every failure is
// rendered as an HTTP response so the platform does not substitute its own.
func (h *LambdaHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := time.Now()

	var body []byte
	if req.HTTPMethod == http.MethodPost {
		body = []byte(req.Body)
		if req.IsBase64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(req.Body)
			if err != nil {
				h.logger.Warn("decoding base64 request body", "err", err)
				decoded = nil // rendered as an invalid payload
			}
			body = decoded
		}
	}

	r := h.generate.Serve(ctx, req.HTTPMethod, body)

	headers := map[string]string{
		echo.HeaderContentType:   r.ContentType,
		"X-Content-Type-Options": "nosniff",
	}
	if r.Status == http.StatusMethodNotAllowed {
		headers[echo.HeaderAllow] = http.MethodPost
	}

	h.logger.Info("request",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", r.Status,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", req.RequestContext.RequestID,
		"remote_ip", req.RequestContext.Identity.SourceIP,
		"bytes_out", len(r.Body),
	)

	return events.APIGatewayProxyResponse{
		StatusCode: r.Status,
		Headers:    headers,
		Body:       string(r.Body),
	}, nil
}
