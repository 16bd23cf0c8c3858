package interceptor

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meshrun/meshd/internal/config"
)

func testConfig(upstream string) *config.Config {
	return &config.Config{
		Server:    config.ServerConfig{Host: "127.0.0.1", Port: 3100},
		Providers: map[string]config.ProviderConfig{"anthropic": {Upstream: upstream}},
		Interceptor: config.InterceptorConfig{
			APIKeys: map[string]string{"anthropic": "sk-test-key"},
		},
	}
}

func TestServeHTTP_ForwardsWithLocalKey(t *testing.T) {
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	ic := New(testConfig(upstream.URL), upstream.Client())

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if gotAuth != "sk-test-key" {
		t.Errorf("expected x-api-key header to reach upstream, got %q", gotAuth)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("expected upstream path /v1/messages, got %q", gotPath)
	}
}

func TestServeHTTP_MissingKeyReturns401(t *testing.T) {
	cfg := testConfig("https://api.anthropic.com")
	delete(cfg.Interceptor.APIKeys, "anthropic")
	ic := New(cfg, http.DefaultClient)

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with no configured key, got %d", rec.Code)
	}
}

func TestServeHTTP_UnknownProviderReturns404(t *testing.T) {
	ic := New(testConfig("https://api.anthropic.com"), http.DefaultClient)

	req := httptest.NewRequest(http.MethodPost, "/api/unknownvendor/v1/whatever", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unconfigured provider, got %d", rec.Code)
	}
}

func TestServeHTTP_UpstreamFailureReturns502(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1") // nothing listens here
	ic := New(cfg, http.DefaultClient)

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 on upstream connection failure, got %d", rec.Code)
	}
}

func TestServeHTTP_PassesThroughProviderHTTPError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer upstream.Close()

	ic := New(testConfig(upstream.URL), upstream.Client())

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected provider's 429 to pass through untouched, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "rate_limited") {
		t.Errorf("expected provider error body to pass through, got %q", body)
	}
}

func TestConfigureKeys_UpdatesRouting(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL)
	delete(cfg.Interceptor.APIKeys, "anthropic")
	ic := New(cfg, upstream.Client())

	dir := t.TempDir()
	path := dir + "/config.yaml"
	if err := ic.ConfigureKeys(path, map[string]string{"anthropic": "sk-rotated"}); err != nil {
		t.Fatalf("ConfigureKeys: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	ic.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after configuring key, got %d", rec.Code)
	}
	if gotAuth != "sk-rotated" {
		t.Errorf("expected rotated key to reach upstream, got %q", gotAuth)
	}
}

func TestVerifyPrimaryOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/configure_keys", nil)
	req.Header.Set("Origin", "http://127.0.0.1:3100")
	if !VerifyPrimaryOrigin(req, "127.0.0.1:3100") {
		t.Error("expected matching origin to verify")
	}

	req2 := httptest.NewRequest(http.MethodPost, "/configure_keys", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	if VerifyPrimaryOrigin(req2, "127.0.0.1:3100") {
		t.Error("expected cross-origin request to be rejected")
	}
}
