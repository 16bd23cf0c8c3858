package fabric

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/meshrun/meshd/internal/config"
	"github.com/meshrun/meshd/internal/interceptor"
)

// TestReloadSurvivesCredentials checks that a configure_keys change
// persists across a process restart: it writes a key through one
// Interceptor instance, then constructs a brand new Interceptor (and a
// freshly loaded Config) against the same file, as a restart would,
// and confirms the new instance forwards with the persisted key
// without needing configure_keys called again.
func TestReloadSurvivesCredentials(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-persisted" {
			http.Error(w, "missing or wrong key", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	configPath := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Providers["anthropic"] = config.ProviderConfig{Upstream: upstream.URL}

	ic := interceptor.New(cfg, upstream.Client())
	if err := ic.ConfigureKeys(configPath, map[string]string{"anthropic": "sk-persisted"}); err != nil {
		t.Fatalf("configure keys: %v", err)
	}

	// Simulate a restart: load a fresh Config from disk and build a
	// brand new Interceptor around it, never touching the first one.
	reloaded, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	reloaded.Providers["anthropic"] = config.ProviderConfig{Upstream: upstream.URL}
	restarted := interceptor.New(reloaded, upstream.Client())

	req := httptest.NewRequest(http.MethodPost, "/api/anthropic/v1/messages", nil)
	rec := httptest.NewRecorder()
	restarted.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		body, _ := io.ReadAll(rec.Body)
		t.Fatalf("expected 200 from restarted interceptor, got %d: %s", rec.Code, body)
	}
}
