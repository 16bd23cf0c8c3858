package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/meshrun/meshd/internal/model"
)

func TestRequestRespondExactlyOnce(t *testing.T) {
	r := New()
	workerInbox := r.Register("worker:A1")
	sandboxInbox := r.Register("sandbox:A1")
	_ = workerInbox

	go func() {
		env := <-sandboxInbox
		if env.Type != MsgToolCall {
			t.Errorf("expected tool_call, got %s", env.Type)
		}
		payload, _ := json.Marshal(map[string]string{"content": "Result: 4"})
		r.Respond(Envelope{ID: env.ID, Type: MsgToolResult, Payload: payload})
	}()

	env := Envelope{Type: MsgToolCall, From: "worker:A1", To: "sandbox:A1"}
	res, err := r.Request(context.Background(), env, model.CorrelationTool, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]string
	if err := json.Unmarshal(res.Payload, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["content"] != "Result: 4" {
		t.Fatalf("unexpected result payload: %+v", body)
	}

	// A second Respond for the same (already-settled) id must be a
	// silent no-op, not a second delivery.
	if r.Respond(Envelope{ID: res.ID}) {
		t.Fatal("expected second Respond on a settled correlation to return false")
	}
}

func TestRequestTimesOut(t *testing.T) {
	r := New()
	r.Register("sandbox:A1")

	env := Envelope{Type: MsgToolCall, From: "worker:A1", To: "sandbox:A1"}
	_, err := r.Request(context.Background(), env, model.CorrelationState, 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	ferr, ok := err.(*model.FabricError)
	if !ok || ferr.Kind != model.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCancelOriginRejectsOnlyThatWorkersCorrelations(t *testing.T) {
	r := New()
	r.Register("sandbox:A1")

	resultCh := make(chan error, 2)

	go func() {
		env := Envelope{Type: MsgToolCall, From: "worker:A1", To: "sandbox:A1"}
		_, err := r.Request(context.Background(), env, model.CorrelationTool, time.Second)
		resultCh <- err
	}()
	go func() {
		env := Envelope{Type: MsgToolCall, From: "worker:A2", To: "sandbox:A1"}
		_, err := r.Request(context.Background(), env, model.CorrelationTool, time.Second)
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond) // let both requests register
	r.CancelOrigin("worker:A1")

	first := <-resultCh
	if first == nil {
		t.Fatal("expected worker:A1's correlation to be cancelled")
	}

	// worker:A2's request must still be pending; resolve it manually to
	// unblock its goroutine and confirm it was not cancelled.
	r.Respond(Envelope{ID: pendingIDFor(r, "worker:A2")})
	second := <-resultCh
	if second != nil {
		t.Fatalf("worker:A2's correlation should not have been cancelled, got %v", second)
	}
}

// pendingIDFor is a test-only helper that reaches into the correlation
// table to find the single pending id for a given origin, since the
// test above does not have another way to learn the generated id.
func pendingIDFor(r *Relay, origin string) string {
	r.correlations.mu.Lock()
	defer r.correlations.mu.Unlock()
	for id := range r.correlations.byOrg[origin] {
		return id
	}
	return ""
}

func TestBroadcastSkipsSender(t *testing.T) {
	r := New()
	a := r.Register("worker:A1")
	b := r.Register("worker:A2")

	delivered := r.Broadcast(Envelope{Type: MsgConfigUpdate, From: "worker:A1"}, "worker:A1")
	if delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	select {
	case <-a:
		t.Fatal("sender should not receive its own broadcast")
	default:
	}

	select {
	case <-b:
	default:
		t.Fatal("expected worker:A2 to receive the broadcast")
	}
}

func TestVerifyOwnerRejectsImposter(t *testing.T) {
	r := New()
	r.SetOwner("A1", "sandbox:A1")

	if err := r.VerifyOwner(Envelope{AgentID: "A1", From: "sandbox:A1"}); err != nil {
		t.Fatalf("expected legitimate owner to pass, got %v", err)
	}
	if err := r.VerifyOwner(Envelope{AgentID: "A1", From: "sandbox:evil"}); err == nil {
		t.Fatal("expected imposter sandbox to be rejected")
	}
}
