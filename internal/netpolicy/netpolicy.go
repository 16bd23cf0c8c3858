// Package netpolicy mediates network egress for the "network.fetch"
// tool: per-agent domain allow/blocklisting and hub-proxy routing.
//
// AgentConfig.NetworkPolicy (mode, domain list, hub-proxy glob
// patterns) is part of the canonical data model but nothing else in
// the fabric consumes it — this package is where it is actually
// enforced, grounded on toolregistry's gobwas/glob pattern-matching
// idiom (internal/toolregistry/registry.go's hubGlobs) generalized
// from tool-name matching to URL matching.
package netpolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"github.com/meshrun/meshd/internal/hub"
	"github.com/meshrun/meshd/internal/model"
)

// Check enforces the domain allow/blocklist half of policy against
// rawURL, independent of whether the request ends up routed through a
// hub or fetched directly.
func Check(policy model.NetworkPolicy, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return model.NewErrorf(model.ErrConfig, "network.fetch: invalid URL %q", rawURL).WithWrapped(err)
	}
	switch policy.Mode {
	case model.NetworkAllowAll, "":
		return nil
	case model.NetworkAllowlist:
		if matchesAnyDomain(u.Hostname(), policy.Domains) {
			return nil
		}
		return model.NewErrorf(model.ErrPolicy, "network.fetch: %s is not on the agent's domain allowlist", u.Hostname()).
			WithHint("add the domain to networkPolicy.domains or set mode to allow-all")
	case model.NetworkBlocklist:
		if matchesAnyDomain(u.Hostname(), policy.Domains) {
			return model.NewErrorf(model.ErrPolicy, "network.fetch: %s is on the agent's domain blocklist", u.Hostname())
		}
		return nil
	default:
		return model.NewErrorf(model.ErrConfig, "network.fetch: unknown network policy mode %q", policy.Mode)
	}
}

func matchesAnyDomain(host string, domains []string) bool {
	for _, d := range domains {
		if strings.EqualFold(host, d) || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// ShouldUseHub reports whether rawURL matches one of policy's
// hub-proxy glob patterns. A false result means the request should go
// out directly from the caller's own network context.
func ShouldUseHub(policy model.NetworkPolicy, rawURL string) bool {
	if !policy.UseHubProxy {
		return false
	}
	for _, pattern := range policy.HubProxyGlobs {
		g, err := glob.Compile(pattern)
		if err != nil {
			continue // an invalid pattern never matches, never panics
		}
		if g.Match(rawURL) {
			return true
		}
	}
	return false
}

// Fetcher implements the "network.fetch" tool: it enforces Check,
// then routes through HubLink when the policy calls for the hub, or
// fetches directly otherwise, formatting both paths into the same
// "Status: <n>\nBody:\n<body>" content shape. When the policy calls
// for the hub and none is connected, it returns a CORS-shaped tool
// error instead of fetching directly.
type Fetcher struct {
	Client  *http.Client
	HubLink func() *hub.Link // returns the live hub connection, or nil when disconnected
}

// NewFetcher constructs a Fetcher. client defaults to http.DefaultClient.
func NewFetcher(client *http.Client, hubLink func() *hub.Link) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if hubLink == nil {
		hubLink = func() *hub.Link { return nil }
	}
	return &Fetcher{Client: client, HubLink: hubLink}
}

// Fetch executes one network.fetch tool call. isError distinguishes a
// recoverable (agent-visible) failure from err, a fabric-level fault.
func (f *Fetcher) Fetch(ctx context.Context, agentID string, policy model.NetworkPolicy, method, rawURL string) (body string, isError bool, err error) {
	if method == "" {
		method = http.MethodGet
	}
	if perr := Check(policy, rawURL); perr != nil {
		return perr.Error(), true, nil
	}

	if ShouldUseHub(policy, rawURL) {
		link := f.HubLink()
		if link == nil {
			// The sandbox document's own origin differs from the
			// target's; without a hub to proxy the request, a real
			// browser's CORS policy would block a direct cross-origin
			// fetch here. No hub is connected, so report the same
			// user-visible failure a browser would produce rather than
			// silently bypassing the isolation the policy asked for.
			return fmt.Sprintf("network error: CORS blocked direct request to %s (no hub connected to proxy it)", rawURL), true, nil
		}
		return f.fetchViaHub(ctx, link, agentID, method, rawURL)
	}

	return f.fetchDirect(ctx, method, rawURL)
}

func (f *Fetcher) fetchViaHub(ctx context.Context, link *hub.Link, agentID, method, rawURL string) (string, bool, error) {
	payload, _ := json.Marshal(map[string]string{"url": rawURL, "method": method})
	frame, err := link.Request(ctx, hub.Frame{Type: hub.FrameFetchRequest, AgentID: agentID, Payload: payload}, model.CorrelationDOM.DefaultTimeout())
	if err != nil {
		return "", true, err
	}
	var res struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	if err := json.Unmarshal(frame.Payload, &res); err != nil {
		return "", true, model.NewErrorf(model.ErrParse, "network.fetch: malformed fetch_result").WithWrapped(err)
	}
	return formatResult(res.Status, res.Body), false, nil
}

func (f *Fetcher) fetchDirect(ctx context.Context, method, rawURL string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", true, model.NewErrorf(model.ErrConfig, "network.fetch: building request for %s", rawURL).WithWrapped(err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return "", true, model.NewErrorf(model.ErrNetwork, "network.fetch: %s", rawURL).WithWrapped(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, model.NewErrorf(model.ErrNetwork, "network.fetch: reading response from %s", rawURL).WithWrapped(err)
	}
	return formatResult(resp.StatusCode, string(data)), false, nil
}

func formatResult(status int, body string) string {
	return fmt.Sprintf("Status: %d\nBody:\n%s", status, body)
}
