package fabric

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrun/meshd/internal/hub"
	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/netpolicy"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// fetchHubServer answers one fetch_request frame with a canned 200,
// standing in for a hub that proxies a cross-origin fetch a sandbox
// document's own origin could never reach directly.
func fetchHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth hub.Frame
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		for {
			var frame hub.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type == hub.FrameFetchRequest {
				payload, _ := json.Marshal(map[string]any{"status": 200, "body": "proxied"})
				conn.WriteJSON(hub.Frame{Type: hub.FrameFetchResult, ID: frame.ID, Payload: payload})
			}
		}
	}))
}

// TestHubFailover checks network.fetch's full routing story: while a
// hub is connected, a hubProxyGlobs match routes the fetch through it;
// once the hub connection drops, the same fetch reports the
// CORS-shaped failure instead of silently falling back to a direct
// request that would bypass the isolation the policy asked for.
func TestHubFailover(t *testing.T) {
	srv := fetchHubServer(t)

	tools := toolregistry.New()
	link := hub.New("ws"+strings.TrimPrefix(srv.URL, "http"), "test-token", tools)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	live := link
	fetcher := netpolicy.NewFetcher(http.DefaultClient, func() *hub.Link { return live })

	policy := model.NetworkPolicy{
		Mode:          model.NetworkAllowAll,
		UseHubProxy:   true,
		HubProxyGlobs: []string{"https://api.example.com/*"},
	}

	body, isError, err := fetcher.Fetch(ctx, "agent-hub", policy, http.MethodGet, "https://api.example.com/widgets")
	if err != nil {
		t.Fatalf("unexpected fabric error while hub connected: %v", err)
	}
	if isError {
		t.Fatalf("unexpected tool-level error while hub connected: %s", body)
	}
	if !strings.Contains(body, "proxied") {
		t.Fatalf("expected the proxied body, got %q", body)
	}

	srv.Close()
	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub link to observe disconnect")
	}
	live = nil

	body, isError, err = fetcher.Fetch(context.Background(), "agent-hub", policy, http.MethodGet, "https://api.example.com/widgets")
	if err != nil {
		t.Fatalf("unexpected fabric error after hub disconnect: %v", err)
	}
	if !isError || !strings.Contains(body, "CORS") {
		t.Fatalf("expected a CORS-shaped failure after hub disconnect, got isError=%v body=%q", isError, body)
	}
}
