// Package hub implements the Hub Link: the supervisor-tier client
// that connects outward to a shared hub over a framed JSON WebSocket
// connection, announces tool capabilities, and forwards tool_call /
// fetch_request / persist_agent traffic that a local sandbox cannot
// serve on its own.
//
// Built on gorilla/websocket for the framed-message client shape this
// outbound duplex connection needs.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meshrun/meshd/internal/model"
	"github.com/meshrun/meshd/internal/toolregistry"
)

// FrameType enumerates the hub wire protocol's frame "type" field.
type FrameType string

const (
	// Emitted by this client.
	FrameAuth               FrameType = "auth"
	FrameSubscribeAgent     FrameType = "subscribe_agent"
	FrameUnsubscribeAgent   FrameType = "unsubscribe_agent"
	FrameToolCall           FrameType = "tool_call"
	FrameFetchRequest       FrameType = "fetch_request"
	FramePersistAgent       FrameType = "persist_agent"
	FrameAgentAction        FrameType = "agent_action"
	FrameSendMessageToAgent FrameType = "send_message_to_agent"
	FrameRestoreAgent       FrameType = "restore_agent"
	FramePushSubscribe      FrameType = "push_subscribe"
	FrameVisibilityState    FrameType = "visibility_state"

	// Consumed from the hub.
	FrameAuthResult      FrameType = "auth_result"
	FrameAnnounceTools   FrameType = "announce_tools"
	FrameToolCallResult  FrameType = "tool_call_result"
	FrameFetchResult     FrameType = "fetch_result"
	FramePersistResult   FrameType = "persist_result"
	FrameAgentEvent      FrameType = "agent_event"
	FrameAgentState      FrameType = "agent_state"
	FrameVAPIDPublicKey  FrameType = "vapid_public_key"
	FrameContextChange   FrameType = "context_change"
)

// Frame is the single wire shape for every hub message.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"` // correlation id for request/result pairs
	AgentID string          `json:"agentId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Link is one connection to a hub. Link never redials; it surfaces
// Err() and closes its done channel on disconnect so a supervising
// goroutine can decide whether to retry.
type Link struct {
	url   string
	token string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan Frame

	tools *toolregistry.Registry

	done chan struct{}
	err  error
}

// New constructs a Link; call Connect to actually dial.
func New(url, token string, tools *toolregistry.Registry) *Link {
	return &Link{url: url, token: token, pending: make(map[string]chan Frame), tools: tools, done: make(chan struct{})}
}

// Connect dials the hub, authenticates, and starts the read loop. On
// disconnection the read loop calls RevertToLocal() on the tool
// registry, fails every pending Request, records the error for Err and
// closes Done. No context_change event is emitted.
func (l *Link) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return model.NewErrorf(model.ErrNetwork, "hub: dialing %s", l.url).WithWrapped(err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	authPayload, _ := json.Marshal(map[string]string{"token": l.token})
	if err := l.send(Frame{Type: FrameAuth, Payload: authPayload}); err != nil {
		conn.Close()
		return err
	}

	go l.readLoop(ctx)
	return nil
}

// readLoop reads frames until the connection fails or ctx is done:
// announce_tools updates the tool registry, *_result frames resolve
// the matching pending Request, and every other frame is read and
// dropped.
func (l *Link) readLoop(ctx context.Context) {
	defer close(l.done)
	for {
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}

		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			l.mu.Lock()
			l.err = err
			for id, ch := range l.pending {
				close(ch)
				delete(l.pending, id)
			}
			l.mu.Unlock()
			l.tools.RevertToLocal()
			slog.Warn("hub: connection lost", "error", err)
			return
		}

		switch frame.Type {
		case FrameAuthResult:
			// No further action: a failed auth surfaces as a closed
			// connection from the hub side, observed as a ReadJSON error.
		case FrameAnnounceTools:
			var p struct {
				Patterns []string `json:"patterns"`
			}
			if err := json.Unmarshal(frame.Payload, &p); err == nil {
				if err := l.tools.AnnounceHubTools(p.Patterns); err != nil {
					slog.Warn("hub: invalid announced tool patterns", "error", err)
				}
			}
		case FrameToolCallResult, FrameFetchResult, FramePersistResult:
			l.resolve(frame)
		case FrameAgentEvent, FrameAgentState, FrameVAPIDPublicKey, FrameContextChange:
			// Not consumed: Link exposes no channel or handler for
			// these frames, so they are read and dropped.
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (l *Link) resolve(frame Frame) {
	l.mu.Lock()
	ch, ok := l.pending[frame.ID]
	if ok {
		delete(l.pending, frame.ID)
	}
	l.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (l *Link) send(frame Frame) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return model.NewError(model.ErrNetwork, "hub: not connected")
	}
	return conn.WriteJSON(frame)
}

// Request sends a correlated frame and blocks until its matching
// *_result frame arrives, ctx is cancelled, or timeout elapses.
func (l *Link) Request(ctx context.Context, frame Frame, timeout time.Duration) (Frame, error) {
	if frame.ID == "" {
		frame.ID = "hub-" + time.Now().UTC().Format("150405.000000000")
	}
	ch := make(chan Frame, 1)
	l.mu.Lock()
	l.pending[frame.ID] = ch
	l.mu.Unlock()

	if err := l.send(frame); err != nil {
		l.mu.Lock()
		delete(l.pending, frame.ID)
		l.mu.Unlock()
		return Frame{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return Frame{}, model.NewError(model.ErrNetwork, "hub: connection closed")
		}
		return res, nil
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.pending, frame.ID)
		l.mu.Unlock()
		return Frame{}, ctx.Err()
	case <-timer.C:
		l.mu.Lock()
		delete(l.pending, frame.ID)
		l.mu.Unlock()
		return Frame{}, model.NewErrorf(model.ErrTimeout, "hub: request %s timed out", frame.Type)
	}
}

// ToolCall forwards a tool_call to the hub and waits for its result.
// The supervisor's executor does not call it.
func (l *Link) ToolCall(ctx context.Context, agentID, name string, input map[string]any) (string, bool, error) {
	payload, _ := json.Marshal(map[string]any{"name": name, "input": input})
	frame, err := l.Request(ctx, Frame{Type: FrameToolCall, AgentID: agentID, Payload: payload}, model.CorrelationTool.DefaultTimeout())
	if err != nil {
		return "", true, err
	}
	var result struct {
		Body    string `json:"body"`
		IsError bool   `json:"isError"`
	}
	if err := json.Unmarshal(frame.Payload, &result); err != nil {
		return string(frame.Payload), false, nil
	}
	return result.Body, result.IsError, nil
}

// SubscribeAgent / UnsubscribeAgent toggle whether this link receives
// agent_event/agent_state frames for a given agent id.
func (l *Link) SubscribeAgent(agentID string) error {
	return l.send(Frame{Type: FrameSubscribeAgent, AgentID: agentID})
}

func (l *Link) UnsubscribeAgent(agentID string) error {
	return l.send(Frame{Type: FrameUnsubscribeAgent, AgentID: agentID})
}

// VisibilityState reports whether the hub-connected page is currently
// visible, used by the hub to decide whether to keep streaming.
func (l *Link) VisibilityState(visible bool) error {
	payload, _ := json.Marshal(map[string]bool{"visible": visible})
	return l.send(Frame{Type: FrameVisibilityState, Payload: payload})
}

// Close tears down the connection and rejects every pending request.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	for id, ch := range l.pending {
		close(ch)
		delete(l.pending, id)
	}
	l.conn = nil
	return err
}

// Done returns a channel closed when the read loop exits (disconnect
// or Close), for a supervising goroutine to select on for reconnect.
func (l *Link) Done() <-chan struct{} { return l.done }

// Err returns the error that ended the read loop, if any.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
