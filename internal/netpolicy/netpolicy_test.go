package netpolicy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meshrun/meshd/internal/hub"
	"github.com/meshrun/meshd/internal/model"
)

func TestCheck_Allowlist(t *testing.T) {
	policy := model.NetworkPolicy{Mode: model.NetworkAllowlist, Domains: []string{"example.com"}}
	if err := Check(policy, "https://example.com/x"); err != nil {
		t.Fatalf("expected allowlisted domain to pass, got %v", err)
	}
	if err := Check(policy, "https://evil.com/x"); err == nil {
		t.Fatal("expected non-allowlisted domain to be rejected")
	}
}

func TestCheck_Blocklist(t *testing.T) {
	policy := model.NetworkPolicy{Mode: model.NetworkBlocklist, Domains: []string{"evil.com"}}
	if err := Check(policy, "https://evil.com/x"); err == nil {
		t.Fatal("expected blocklisted domain to be rejected")
	}
	if err := Check(policy, "https://example.com/x"); err != nil {
		t.Fatalf("expected non-blocklisted domain to pass, got %v", err)
	}
}

func TestFetch_DirectWhenPolicyAllowsAndNoHubRouting(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	f := NewFetcher(upstream.Client(), nil)
	policy := model.NetworkPolicy{Mode: model.NetworkAllowAll}

	body, isError, err := f.Fetch(context.Background(), "a1", policy, http.MethodGet, upstream.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isError {
		t.Fatalf("unexpected tool-level error: %s", body)
	}
	if body != "Status: 200\nBody:\nhello" {
		t.Fatalf("unexpected body: %q", body)
	}
}

// TestFetch_HubProxyWithoutHubReportsCORS checks that when a matching
// hubProxyGlobs entry calls for hub routing and no hub is connected,
// the fetch reports a CORS-shaped failure instead of silently bypassing
// the policy via a direct request.
func TestFetch_HubProxyWithoutHubReportsCORS(t *testing.T) {
	policy := model.NetworkPolicy{
		Mode:          model.NetworkAllowAll,
		UseHubProxy:   true,
		HubProxyGlobs: []string{"https://api.example.com/*"},
	}

	var link *hub.Link
	f := NewFetcher(http.DefaultClient, func() *hub.Link { return link })

	// No hub connected yet: must report the CORS-style failure, not a
	// direct-fetch attempt.
	body, isError, err := f.Fetch(context.Background(), "a1", policy, http.MethodGet, "https://api.example.com/x")
	if err != nil {
		t.Fatalf("unexpected fabric error: %v", err)
	}
	if !isError || !strings.Contains(body, "CORS") {
		t.Fatalf("expected a CORS-shaped tool error with no hub connected, got isError=%v body=%q", isError, body)
	}
}

func TestShouldUseHub(t *testing.T) {
	policy := model.NetworkPolicy{UseHubProxy: true, HubProxyGlobs: []string{"https://api.example.com/*"}}
	if !ShouldUseHub(policy, "https://api.example.com/v1/x") {
		t.Fatal("expected glob match to route through hub")
	}
	if ShouldUseHub(policy, "https://other.com/v1/x") {
		t.Fatal("expected non-matching URL to skip hub routing")
	}
	if ShouldUseHub(model.NetworkPolicy{HubProxyGlobs: []string{"https://api.example.com/*"}}, "https://api.example.com/v1/x") {
		t.Fatal("expected UseHubProxy=false to always skip hub routing")
	}
}
