package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"gemini-proxy-go/internal/client"
	"gemini-proxy-go/internal/config"
	"gemini-proxy-go/internal/model"
)

func newTestService(t *testing.T, baseURL, apiKey string) *GenerateService {
	t.Helper()
	cfg := &config.Config{
		Gemini: config.GeminiConfig{APIKey: apiKey, Model: "gemini-test", APIVersion: "v1beta"},
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gc := client.NewGeminiClient(cfg, logger, nil)
	svc, err := NewGenerateServiceForTest(gc, cfg, logger)
	if err != nil {
		t.Fatalf("NewGenerateServiceForTest: %v", err)
	}
	return svc
}

func generate(svc *GenerateService, body string) (*model.GenerateResponse, error) {
	return svc.Generate(&model.GenerateRequest{
		Ctx:  context.Background(),
		Body: []byte(body),
	})
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name     string
		baseURL  string
		wantPath string
	}{
		{"bare host", "https://generativelanguage.googleapis.com", "/v1beta/models/gemini-test:generateContent"},
		{"trailing slash", "https://generativelanguage.googleapis.com/", "/v1beta/models/gemini-test:generateContent"},
		{"path prefix", "https://gateway.example.com/google", "/google/v1beta/models/gemini-test:generateContent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, tt.baseURL, "k")
			got := svc.buildUpstreamURL("abc&def=1")

			u, err := url.Parse(got)
			if err != nil {
				t.Fatalf("parse URL: %v", err)
			}
			if u.Path != tt.wantPath {
				t.Errorf("path = %q, want %q", u.Path, tt.wantPath)
			}
			if k := u.Query().Get("key"); k != "abc&def=1" {
				t.Errorf("key = %q, want %q (escaped round trip)", k, "abc&def=1")
			}
			if len(u.Query()) != 1 {
				t.Errorf("query = %q, want only key", u.RawQuery)
			}
		})
	}
}

func TestGenerate_HappyPath(t *testing.T) {
	payload := `{"contents":[{"parts":[{"text":"describe"},{"inline_data":{"mime_type":"image/png","data":"iVBORw0KGgo="}}]}]}`

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/v1beta/models/gemini-test:generateContent" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("key = %q, want %q", got, "test-key")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != payload {
			t.Errorf("forwarded body = %q, want %q", body, payload)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "test-key")
	resp, err := generate(svc, payload)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != `{"candidates":[]}` {
		t.Errorf("body = %q, want %q", resp.Body, `{"candidates":[]}`)
	}
}

func TestGenerate_ForwardsBodyVerbatim(t *testing.T) {
	payloads := []string{
		`{"b":1,"a":2}`,
		"{\n  \"contents\" : [ ]\n}",
		`{"n":1.0000000000000001,"big":12345678901234567890}`,
		`{"s":"café <tag>"}`,
		`[1,2,3]`,
		`"just a string"`,
	}

	for _, payload := range payloads {
		t.Run(payload, func(t *testing.T) {
			received := make(chan []byte, 1)
			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				received <- b
				_, _ = w.Write([]byte(`{}`))
			}))
			defer upstream.Close()

			svc := newTestService(t, upstream.URL, "k")
			if _, err := generate(svc, payload); err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			if got := <-received; string(got) != payload {
				t.Errorf("upstream received %q, want %q", got, payload)
			}
		})
	}
}

func TestGenerate_MissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "")

	for _, body := range []string{`{"contents":[]}`, `not json`, ``} {
		_, err := generate(svc, body)
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Errorf("Generate(%q) error = %v, want ErrMissingAPIKey", body, err)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestGenerate_InvalidPayload(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "k")

	for _, body := range []string{``, `{`, `{"a":}`, `hello`} {
		_, err := generate(svc, body)
		if !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("Generate(%q) error = %v, want ErrInvalidPayload", body, err)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestGenerate_UpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"code":503,"message":"The model is overloaded."}}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "k")
	_, err := generate(svc, `{}`)

	var statusErr *UpstreamStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Generate() error = %v, want *UpstreamStatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want %d", statusErr.StatusCode, http.StatusServiceUnavailable)
	}
	if !strings.Contains(statusErr.Body, "overloaded") {
		t.Errorf("Body = %q, want upstream text", statusErr.Body)
	}
	if strings.Contains(statusErr.Error(), "overloaded") {
		t.Errorf("Error() = %q; must not carry upstream body", statusErr.Error())
	}
}

func TestGenerate_UpstreamErrorBodyBounded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(strings.Repeat("x", maxErrorBodyBytes*2)))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "k")
	_, err := generate(svc, `{}`)

	var statusErr *UpstreamStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Generate() error = %v, want *UpstreamStatusError", err)
	}
	if len(statusErr.Body) != maxErrorBodyBytes {
		t.Errorf("len(Body) = %d, want %d", len(statusErr.Body), maxErrorBodyBytes)
	}
}

func TestGenerate_InvalidUpstreamBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html>captive portal</html>`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "k")
	_, err := generate(svc, `{}`)
	if !errors.Is(err, ErrInvalidUpstreamBody) {
		t.Errorf("Generate() error = %v, want ErrInvalidUpstreamBody", err)
	}
}

func TestGenerate_NetworkError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := upstream.URL
	upstream.Close()

	svc := newTestService(t, baseURL, "secret-network-key")
	_, err := generate(svc, `{}`)
	if err == nil {
		t.Fatal("Generate() expected error for closed upstream, got nil")
	}
	if got := OutcomeOf(err); got != model.OutcomeUpstreamError {
		t.Errorf("OutcomeOf() = %q, want %q", got, model.OutcomeUpstreamError)
	}
	if strings.Contains(err.Error(), "secret-network-key") {
		t.Errorf("error leaks credential: %v", err)
	}
}

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want model.Outcome
	}{
		{"nil", nil, model.OutcomeSuccess},
		{"missing key", ErrMissingAPIKey, model.OutcomeMissingAPIKey},
		{"invalid payload", ErrInvalidPayload, model.OutcomeInvalidPayload},
		{"upstream status", &UpstreamStatusError{StatusCode: 429}, model.OutcomeUpstreamStatus},
		{"wrapped upstream status", fmt.Errorf("x: %w", &UpstreamStatusError{StatusCode: 500}), model.OutcomeUpstreamStatus},
		{"invalid upstream body", ErrInvalidUpstreamBody, model.OutcomeInvalidUpstreamBody},
		{"transport", errors.New("connection refused"), model.OutcomeUpstreamError},
		{"canceled", context.Canceled, model.OutcomeUpstreamError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutcomeOf(tt.err); got != tt.want {
				t.Errorf("OutcomeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasAPIKey(t *testing.T) {
	if newTestService(t, "https://generativelanguage.googleapis.com", "").HasAPIKey() {
		t.Error("HasAPIKey() = true with empty key")
	}
	if !newTestService(t, "https://generativelanguage.googleapis.com", "k").HasAPIKey() {
		t.Error("HasAPIKey() = false with configured key")
	}
}

func TestCheckReady_MissingAPIKey(t *testing.T) {
	svc := newTestService(t, "https://generativelanguage.googleapis.com", "")
	if _, err := svc.CheckReady(context.Background()); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("CheckReady() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestCheckReady_ResolvesModel(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/models/gemini-test") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"models/gemini-test"}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL, "k")
	name, err := svc.CheckReady(context.Background())
	if err != nil {
		t.Fatalf("CheckReady() error = %v", err)
	}
	if name != "models/gemini-test" {
		t.Errorf("CheckReady() = %q, want %q", name, "models/gemini-test")
	}
}

func TestNewGenerateService_AllowlistRejectsUnknownHost(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Gemini:   config.GeminiConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: "https://evil.example.com"},
	}
	_, err := NewGenerateService(nil, cfg, logger)
	if err == nil {
		t.Fatal("NewGenerateService() expected error for disallowed host, got nil")
	}
}

func TestNewGenerateService_AllowlistAcceptsGemini(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Gemini:   config.GeminiConfig{APIKey: "test-key"},
		Upstream: config.UpstreamConfig{BaseURL: config.DefaultBaseURL},
	}
	svc, err := NewGenerateService(nil, cfg, logger)
	if err != nil {
		t.Fatalf("NewGenerateService() error = %v", err)
	}
	if svc.endpoint.Path != "/"+config.DefaultAPIVersion+"/models/"+config.DefaultModel+":generateContent" {
		t.Errorf("endpoint path = %q", svc.endpoint.Path)
	}
}
