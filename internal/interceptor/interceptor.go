// Package interceptor implements the Request Interceptor: the
// process-wide HTTP layer every agent's provider adapter streams
// through at /api/<provider>/..., deciding on each request whether to
// route it to a connected hub, forward it upstream with a locally
// configured API key, or reject it.
//
// Routes are /api/<provider>/... with no agent identity in the wire
// path, because each agent's own adapter already owns its conversation
// state — unlike a reverse proxy that has to bake a client id into the
// URL to keep requests apart.
package interceptor

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/meshrun/meshd/internal/config"
	"github.com/meshrun/meshd/internal/hub"
	"github.com/meshrun/meshd/internal/model"
)

// hopByHopHeaders must never be forwarded across a proxy hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Interceptor serves every /api/<provider>/... request. Its routing
// priority is fixed: a connected hub always wins over a local key
// (the hub may proxy providers the operator never configured a local
// key for); a local key is tried next; with neither, the request is
// rejected with a typed auth error before ever reaching the network.
type Interceptor struct {
	mu     sync.RWMutex
	cfg    *config.Config
	client *http.Client
	hubLnk *hub.Link // nil when not connected
}

// New constructs an Interceptor bound to cfg (read fresh on every
// request, not copied, so configure_keys/configure_hub changes apply
// without a restart).
func New(cfg *config.Config, client *http.Client) *Interceptor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Interceptor{cfg: cfg, client: client}
}

// SetHubLink installs (or, with nil, removes) the active hub
// connection, changing routing priority for every subsequent request.
func (ic *Interceptor) SetHubLink(l *hub.Link) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.hubLnk = l
}

// UpdateConfig swaps in a freshly loaded config, called by the config
// watcher's OnConfigChange callback.
func (ic *Interceptor) UpdateConfig(cfg *config.Config) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.cfg = cfg
}

func (ic *Interceptor) snapshot() (*config.Config, *hub.Link) {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.cfg, ic.hubLnk
}

// ServeHTTP implements the interceptor's core dispatch: parse
// /api/<provider>/..., then hub -> local-key -> 401.
func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, err := ParseRoute(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	cfg, hubLink := ic.snapshot()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	if cfg.Interceptor.HubMode && hubLink != nil {
		ic.forwardViaHub(w, r, route, body, hubLink)
		return
	}

	providerCfg, ok := cfg.Providers[route.Provider]
	if !ok {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}

	key := cfg.Interceptor.APIKeys[route.Provider]
	if key == "" {
		httpError(w, model.MissingProviderKeyError(route.Provider))
		return
	}
	base := providerCfg.Upstream
	if cfg.Interceptor.APIBaseURL != "" {
		base = cfg.Interceptor.APIBaseURL
	}
	upstreamURL := strings.TrimSuffix(base, "/") + route.APIPath

	ic.forwardUpstream(w, r, upstreamURL, key, body)
}

func (ic *Interceptor) forwardUpstream(w http.ResponseWriter, r *http.Request, upstreamURL, apiKey string, body []byte) {
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, strings.NewReader(string(body)))
	if err != nil {
		http.Error(w, "building upstream request", http.StatusInternalServerError)
		return
	}
	copyHeaders(upstreamReq.Header, r.Header)
	applyProviderAuth(upstreamReq.Header, upstreamURL, apiKey)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := ic.client.Do(upstreamReq)
	if err != nil {
		slog.Warn("interceptor: upstream request failed", "url", upstreamURL, "error", err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Provider HTTP errors pass through verbatim — the interceptor
	// never inspects or rewrites response bodies; that is the agentic
	// loop's job, operating on the parsed AgentEvent stream.
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

func (ic *Interceptor) forwardViaHub(w http.ResponseWriter, r *http.Request, route Route, body []byte, link *hub.Link) {
	// The hub brokers the actual upstream call; the interceptor's job
	// here is only to round-trip the raw request/response bytes over
	// the hub's fetch_request/fetch_result frame pair.
	frame, err := link.Request(r.Context(), hub.Frame{
		Type:    hub.FrameFetchRequest,
		Payload: buildFetchPayload(route, r.Method, r.Header, body),
	}, model.CorrelationDOM.DefaultTimeout())
	if err != nil {
		http.Error(w, "hub fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	w.Write(frame.Payload)
}

func applyProviderAuth(h http.Header, upstreamURL, apiKey string) {
	switch {
	case strings.Contains(upstreamURL, "anthropic.com"):
		h.Set("x-api-key", apiKey)
		h.Set("anthropic-version", "2023-06-01")
	default:
		h.Set("Authorization", "Bearer "+apiKey)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] || strings.EqualFold(key, "Host") || strings.EqualFold(key, "Authorization") || strings.EqualFold(key, "x-api-key") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func httpError(w http.ResponseWriter, err *model.FabricError) {
	status := http.StatusUnauthorized
	if err.Kind == model.ErrConfig {
		status = http.StatusNotFound
	}
	http.Error(w, err.Error(), status)
}

// ConfigureKeys applies configure_keys: sets one or more provider API
// keys and persists the config. Callers must have already verified
// the request originated from the primary document's own origin
// before calling this — cross-origin configuration changes are never
// accepted.
func (ic *Interceptor) ConfigureKeys(path string, keys map[string]string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	if ic.cfg.Interceptor.APIKeys == nil {
		ic.cfg.Interceptor.APIKeys = make(map[string]string)
	}
	for k, v := range keys {
		ic.cfg.Interceptor.APIKeys[k] = v
	}
	return config.Save(path, ic.cfg)
}

// ConfigureHub applies configure_hub: toggles hub mode and sets the
// hub endpoint/token, persisting the result.
func (ic *Interceptor) ConfigureHub(path string, enabled bool, url, token string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.cfg.Interceptor.HubMode = enabled
	ic.cfg.Interceptor.HubHTTPURL = url
	ic.cfg.Interceptor.HubToken = token
	return config.Save(path, ic.cfg)
}

// ConfigureAPIBase applies configure_api_base: overrides the upstream
// base URL for a self-hosted or compatible endpoint.
func (ic *Interceptor) ConfigureAPIBase(path string, baseURL string) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.cfg.Interceptor.APIBaseURL = baseURL
	return config.Save(path, ic.cfg)
}

// VerifyPrimaryOrigin implements the primary-document-origin check
// configure_* messages require: the request's Origin header must match
// the configured server's own bind address, rejecting any
// cross-origin attempt to rewrite interceptor routing.
func VerifyPrimaryOrigin(r *http.Request, expectedHost string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == expectedHost
}

func buildFetchPayload(route Route, method string, header http.Header, body []byte) []byte {
	h := make(map[string]string, len(header))
	for k := range header {
		h[k] = header.Get(k)
	}
	payload, _ := json.Marshal(map[string]any{
		"url": route.Provider + route.APIPath, "method": method, "headers": h, "body": string(body),
	})
	return payload
}
