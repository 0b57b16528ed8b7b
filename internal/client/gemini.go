// Package client provides the upstream HTTP client for the Gemini API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/metrics"
)

const userAgent = "gemini-proxy-go/1.0"

// APIKeyParam is the query parameter that carries the Gemini credential.
const APIKeyParam = "key"

// ErrNoModelClient is returned by GetModel when no credential was configured
// at construction.
var ErrNoModelClient = errors.New("model client is not configured")

// GeminiClient sends requests to the upstream Gemini API. It is safe for
// concurrent use; all invocations share one pooled transport.
type GeminiClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	models     *genai.Client // nil without a credential
}

// NewGeminiClient creates a GeminiClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewGeminiClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GeminiClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	c := &GeminiClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/"),
		logger:  logger.With("component", "gemini_client"),
		metrics: m,
	}

	if cfg.Gemini.APIKey != "" {
		gc, err := genai.NewClient(context.Background(), &genai.ClientConfig{
			APIKey:     cfg.Gemini.APIKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: c.httpClient,
			HTTPOptions: genai.HTTPOptions{
				BaseURL:    c.baseURL + "/",
				APIVersion: apiVersion(cfg),
			},
		})
		if err != nil {
			c.logger.Warn("model lookups disabled", "err", err)
		} else {
			c.models = gc
		}
	}

	return c
}

func apiVersion(cfg *config.Config) string {
	if cfg.Gemini.APIVersion == "" {
		return config.DefaultAPIVersion
	}
	return cfg.Gemini.APIVersion
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. Transport errors
// never carry the credential: the URL inside a *url.Error is redacted.
func (c *GeminiClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = RedactURL(urlErr.URL)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// PostJSON sends body unchanged as an application/json POST to rawURL.
// The provided context controls the lifetime of the upstream request.
func (c *GeminiClient) PostJSON(ctx context.Context, rawURL string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %s", RedactURL(rawURL))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	return c.Do(req)
}

// GetModel resolves a model by name. It is used by readiness checks to
// confirm the credential and model are usable.
func (c *GeminiClient) GetModel(ctx context.Context, model string) (*genai.Model, error) {
	if c.models == nil {
		return nil, ErrNoModelClient
	}

	m, err := c.models.Models.Get(ctx, model, nil)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = RedactURL(urlErr.URL)
		}
		return nil, fmt.Errorf("get model %s: %w", model, err)
	}
	return m, nil
}

// RedactURL replaces the credential query value in rawURL. Unparseable input
// is returned fully redacted.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[REDACTED]"
	}
	q := u.Query()
	if q.Has(APIKeyParam) {
		q.Set(APIKeyParam, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
