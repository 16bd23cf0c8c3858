package relay

import (
	"context"
	"sync"
	"time"

	"github.com/meshrun/meshd/internal/model"
)

// inboxCapacity bounds every peer's inbox channel. The producer side
// is expected to buffer with a bound and drop with an error event if
// exceeded: a full inbox is never grown — Send returns an error the
// caller turns into a typed error AgentEvent.
const inboxCapacity = 256

// ownerMismatchError is returned when an inbound envelope's From peer
// is not the one the relay expects for that AgentID — the Go
// rendition of the window-reference verification: messages not from
// an agent's owned sandbox document are rejected.
type ownerMismatchError struct {
	agentID  string
	expected string
	got      string
}

func (e *ownerMismatchError) Error() string {
	return "relay: envelope for agent " + e.agentID + " claims origin " + e.got + ", expected " + e.expected
}

// peer is one registered endpoint: a worker, a sandbox document, the
// supervisor, or the hub link adapter. Each peer owns exactly one
// inbox channel and drains it on its own goroutine — the Go rendition
// of "single-threaded cooperative per peer, parallel across peers."
type peer struct {
	id    string
	inbox chan Envelope
}

// Relay is the four-tier message bus. One Relay instance is owned by
// one Supervisor and wires together its sandbox document and that
// document's workers; external parties (interceptor, hub) attach
// through the same Register/Send surface.
type Relay struct {
	mu           sync.RWMutex
	peers        map[string]*peer
	owners       map[string]string // agentId -> the one peer id allowed to send on its behalf (sandbox document)
	correlations *correlationTable
	sources      *sourceTable
}

// New creates an empty Relay.
func New() *Relay {
	return &Relay{
		peers:        make(map[string]*peer),
		owners:       make(map[string]string),
		correlations: newCorrelationTable(),
		sources:      newSourceTable(),
	}
}

// Register attaches a peer and returns its inbox channel for the
// caller's event-loop goroutine to range over.
func (r *Relay) Register(peerID string) <-chan Envelope {
	p := &peer{id: peerID, inbox: make(chan Envelope, inboxCapacity)}
	r.mu.Lock()
	r.peers[peerID] = p
	r.mu.Unlock()
	return p.inbox
}

// Unregister removes a peer. Any correlations it originated are left
// for the caller to cancel explicitly via CancelOrigin before calling
// Unregister, matching the supervisor's stop/kill ordering.
func (r *Relay) Unregister(peerID string) {
	r.mu.Lock()
	delete(r.peers, peerID)
	r.mu.Unlock()
}

// SetOwner records which peer (the sandbox document) is authoritative
// for a given agent id. Inbound envelopes claiming that AgentID from
// any other From peer are rejected by VerifyOwner.
func (r *Relay) SetOwner(agentID, ownerPeerID string) {
	r.mu.Lock()
	r.owners[agentID] = ownerPeerID
	r.mu.Unlock()
}

// VerifyOwner implements the window-reference check: the supervisor
// verifies the sender's identity on every inbound event, and messages
// not from an agent's owned sandbox document are rejected.
func (r *Relay) VerifyOwner(env Envelope) error {
	r.mu.RLock()
	expected, ok := r.owners[env.AgentID]
	r.mu.RUnlock()
	if !ok {
		return nil // no owner registered yet (e.g. during spawn) — nothing to verify against
	}
	if env.From != expected {
		return &ownerMismatchError{agentID: env.AgentID, expected: expected, got: env.From}
	}
	return nil
}

// Send delivers env to the peer named by env.To, non-blocking. If the
// destination's inbox is full, Send returns a typed error rather than
// blocking the caller or growing the buffer unboundedly.
func (r *Relay) Send(env Envelope) error {
	r.mu.RLock()
	p, ok := r.peers[env.To]
	r.mu.RUnlock()
	if !ok {
		return model.NewErrorf(model.ErrInternal, "relay: no such peer %q", env.To)
	}
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	select {
	case p.inbox <- env:
		return nil
	default:
		return model.NewErrorf(model.ErrInternal, "relay: inbox full for peer %q", env.To)
	}
}

// Broadcast delivers env to every registered peer except skip (usually
// the sender). Uncorrelated events — hooks_config, visibility_change,
// config_update, pause/resume — are broadcast to all workers this way.
// Delivery failures to individual peers are swallowed per peer (a slow
// peer never blocks delivery to the others) and the number of peers
// actually reached is returned.
func (r *Relay) Broadcast(env Envelope, skip string) int {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}
	r.mu.RLock()
	peers := make([]*peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == skip {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, p := range peers {
		select {
		case p.inbox <- env:
			delivered++
		default:
			// Dropped: full inbox. The dropped peer will observe gaps
			// only if it also expects strict ordering, which broadcast
			// events do not require.
		}
	}
	return delivered
}

// Request sends env to the peer named env.To, assigns it a fresh
// correlation id of the given kind, records env.From as the
// originating worker in the request-source table, and blocks until a
// matching Respond call, a timeout, or ctx cancellation. It is the
// realization of the canonical Promise-per-correlation pattern.
func (r *Relay) Request(ctx context.Context, env Envelope, kind model.CorrelationKind, timeout time.Duration) (Envelope, error) {
	if timeout <= 0 {
		timeout = kind.DefaultTimeout()
	}

	c := r.correlations.register(kind, env.From, timeout, func(string) {})
	env.ID = c.id
	r.sources.set(c.id, env.From)

	if err := r.Send(env); err != nil {
		r.correlations.reject(c.id, err)
		r.sources.delete(c.id)
		return Envelope{}, err
	}

	select {
	case res := <-c.result:
		r.sources.delete(c.id)
		if res.err != nil {
			return Envelope{}, res.err
		}
		return res.envelope, nil
	case <-ctx.Done():
		r.correlations.reject(c.id, model.NewError(model.ErrCancelled, "context cancelled"))
		r.sources.delete(c.id)
		return Envelope{}, ctx.Err()
	}
}

// Respond fulfils the correlation named by env.ID, routing the result
// back to exactly the worker that originated the request: responses
// fan back to the right worker. Returns false if no such correlation
// is pending (already resolved, timed out, or unknown id); this is not
// an error, matching at-most-once delivery.
func (r *Relay) Respond(env Envelope) bool {
	return r.correlations.resolve(env.ID, env)
}

// RespondError fulfils the correlation named by id with a failure.
func (r *Relay) RespondError(id string, err error) bool {
	return r.correlations.reject(id, err)
}

// SourceOf returns the worker id that originated the correlation id,
// or "" if unknown — used by the sandbox document to route a
// late-arriving response without re-deriving it from the envelope.
func (r *Relay) SourceOf(id string) string {
	return r.sources.get(id)
}

// CancelOrigin rejects every pending correlation owned by workerID
// with ErrCancelled: stop_agent atomically cancels every correlation
// owned by the target worker.
func (r *Relay) CancelOrigin(workerID string) {
	r.correlations.cancelOrigin(workerID)
}

// Shutdown rejects every pending correlation fabric-wide: on
// supervisor shutdown, every pending correlation rejects as cancelled.
func (r *Relay) Shutdown() {
	r.correlations.cancelAll()
}
