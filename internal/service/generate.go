// Package service implements the core forwarding logic for generateContent calls.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

var (
	// ErrMissingAPIKey is returned when no Gemini API key is configured.
	ErrMissingAPIKey = errors.New("gemini api key is not configured")
	// ErrInvalidPayload is returned when the caller's body is not valid JSON.
	ErrInvalidPayload = errors.New("request body is not valid JSON")
	// ErrInvalidUpstreamBody is returned when the upstream answers 2xx with a non-JSON body.
	ErrInvalidUpstreamBody = errors.New("upstream success body is not valid JSON")
)

// UpstreamStatusError reports a non-2xx upstream response. Body holds a
// bounded prefix of the upstream body for server-side logs only.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// maxErrorBodyBytes bounds how much of a failed upstream body is kept for logging.
const maxErrorBodyBytes = 64 << 10

// allowedUpstreamHosts restricts which hosts the proxy will send the credential to.
var allowedUpstreamHosts = map[string]bool{
	"generativelanguage.googleapis.com": true,
}

// GenerateService relays generateContent calls to Gemini.
type GenerateService struct {
	client   *client.GeminiClient
	cfg      *config.Config
	logger   *slog.Logger
	endpoint *url.URL
}

// NewGenerateService creates a GenerateService. The upstream host must be allow-listed.
func NewGenerateService(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*GenerateService, error) {
	s, err := NewGenerateServiceForTest(c, cfg, logger)
	if err != nil {
		return nil, err
	}
	if !allowedUpstreamHosts[s.endpoint.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", s.endpoint.Hostname())
	}
	return s, nil
}

// NewGenerateServiceForTest creates a GenerateService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewGenerateServiceForTest(c *client.GeminiClient, cfg *config.Config, logger *slog.Logger) (*GenerateService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	name := cfg.Gemini.Model
	if name == "" {
		name = config.DefaultModel
	}
	version := cfg.Gemini.APIVersion
	if version == "" {
		version = config.DefaultAPIVersion
	}

	endpoint := *u
	endpoint.Path = strings.TrimRight(u.Path, "/") + "/" + version + "/models/" + name + ":generateContent"
	endpoint.RawQuery = ""

	return &GenerateService{
		client:   c,
		cfg:      cfg,
		logger:   logger.With("component", "generate_service"),
		endpoint: &endpoint,
	}, nil
}

// Generate validates the caller payload, forwards it unchanged to the
// generateContent endpoint, and returns the upstream JSON body.
//
// Checks run in a fixed order: credential, then payload. A missing credential
// is reported for any body, and neither failure reaches the network.
func (s *GenerateService) Generate(req *model.GenerateRequest) (*model.GenerateResponse, error) {
	if !s.HasAPIKey() {
		return nil, ErrMissingAPIKey
	}
	if !json.Valid(req.Body) {
		return nil, ErrInvalidPayload
	}

	s.logger.Debug("forwarding generate request",
		"model", s.modelName(),
		"bytes_in", len(req.Body),
	)

	resp, err := s.client.PostJSON(req.Ctx, s.buildUpstreamURL(s.cfg.Gemini.APIKey), req.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		s.logger.Error("gemini api error",
			"status", resp.StatusCode,
			"body", string(text),
		)
		return nil, &UpstreamStatusError{StatusCode: resp.StatusCode, Body: string(text)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if !json.Valid(body) {
		return nil, ErrInvalidUpstreamBody
	}

	return &model.GenerateResponse{
		StatusCode: resp.StatusCode,
		Body:       body,
	}, nil
}

// HasAPIKey reports whether a Gemini credential is configured.
func (s *GenerateService) HasAPIKey() bool {
	return s.cfg.Gemini.APIKey != ""
}

// CheckReady confirms a credential is configured and the configured model
// resolves upstream. It returns the canonical model name.
func (s *GenerateService) CheckReady(ctx context.Context) (string, error) {
	if s.cfg.Gemini.APIKey == "" {
		return "", ErrMissingAPIKey
	}
	m, err := s.client.GetModel(ctx, s.modelName())
	if err != nil {
		return "", err
	}
	return m.Name, nil
}

func (s *GenerateService) modelName() string {
	if s.cfg.Gemini.Model == "" {
		return config.DefaultModel
	}
	return s.cfg.Gemini.Model
}

func (s *GenerateService) buildUpstreamURL(apiKey string) string {
	u := *s.endpoint
	u.RawQuery = url.Values{client.APIKeyParam: {apiKey}}.Encode()
	return u.String()
}

// OutcomeOf classifies an error returned by Generate. A nil error is a success.
func OutcomeOf(err error) model.Outcome {
	var statusErr *UpstreamStatusError
	switch {
	case err == nil:
		return model.OutcomeSuccess
	case errors.Is(err, ErrMissingAPIKey):
		return model.OutcomeMissingAPIKey
	case errors.Is(err, ErrInvalidPayload):
		return model.OutcomeInvalidPayload
	case errors.As(err, &statusErr):
		return model.OutcomeUpstreamStatus
	case errors.Is(err, ErrInvalidUpstreamBody):
		return model.OutcomeInvalidUpstreamBody
	default:
		return model.OutcomeUpstreamError
	}
}
