package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrun/meshd/internal/toolregistry"
)

// fakeHubServer speaks just enough of the wire protocol for these
// tests: it accepts the auth frame unconditionally, announces one
// tool pattern, and answers any tool_call/fetch_request frame with a
// canned *_result frame carrying the same id.
func fakeHubServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var auth Frame
		if err := conn.ReadJSON(&auth); err != nil {
			return
		}
		announcePayload, _ := json.Marshal(map[string][]string{"patterns": []string{"hub.*"}})
		if err := conn.WriteJSON(Frame{Type: FrameAnnounceTools, Payload: announcePayload}); err != nil {
			return
		}

		for {
			var frame Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			switch frame.Type {
			case FrameToolCall:
				payload, _ := json.Marshal(map[string]any{"body": "Status: 200\nBody:\nok", "isError": false})
				conn.WriteJSON(Frame{Type: FrameToolCallResult, ID: frame.ID, Payload: payload})
			case FrameFetchRequest:
				payload, _ := json.Marshal(map[string]any{"status": 200, "body": "ok"})
				conn.WriteJSON(Frame{Type: FrameFetchResult, ID: frame.ID, Payload: payload})
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestLink_ConnectAnnounceToolCall(t *testing.T) {
	srv := fakeHubServer(t)
	defer srv.Close()

	tools := toolregistry.New()
	link := New(wsURL(srv.URL), "test-token", tools)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Give the read loop a moment to process the announce_tools frame.
	deadline := time.Now().Add(time.Second)
	for {
		if ctxRes, _ := tools.Resolve("hub.doThing"); ctxRes == toolregistry.ContextHub {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for announced hub tool to become routable")
		}
		time.Sleep(5 * time.Millisecond)
	}

	body, isError, err := link.ToolCall(ctx, "a1", "hub.doThing", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isError {
		t.Fatalf("unexpected tool-level error: %s", body)
	}
	if body != "Status: 200\nBody:\nok" {
		t.Fatalf("unexpected body: %q", body)
	}

	link.Close()
}

func TestLink_DisconnectRevertsToLocal(t *testing.T) {
	srv := fakeHubServer(t)

	tools := toolregistry.New()
	link := New(wsURL(srv.URL), "test-token", tools)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if ctxRes, _ := tools.Resolve("hub.doThing"); ctxRes == toolregistry.ContextHub {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for announced hub tool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	srv.Close() // server-side close triggers a ReadJSON error in the read loop

	select {
	case <-link.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read loop to observe disconnect")
	}

	if _, err := tools.Resolve("hub.doThing"); err == nil {
		t.Fatal("expected hub-only tool to be unroutable after disconnect reverts to local-only")
	}
}
