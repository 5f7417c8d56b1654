package observe

import (
	"context"
	"strings"
	"sync"

	"github.com/jaredwolff/coapum/codec"
	"github.com/jaredwolff/coapum/internal/log"
)

// Sender delivers one notification datagram to identity carrying the
// subscriber's original token, returning any transport-level failure.
// The engine never encodes or frames packets itself; that remains the
// session manager's job (spec §4.2, §4.5 step 3, "token for
// server-initiated notifications reuses the client's original observe
// token").
type Sender func(identity []byte, token []byte, resp codec.Packet, confirmable bool) error

// Mutation is posted to the engine whenever a state-mutating request
// completes against an observed resource (spec §4.5 "Notification",
// §9 "Subscription fan-out without a callback graph" — mutation events
// travel as messages on an internal channel rather than direct calls).
type Mutation struct {
	Path          string
	Payload       []byte
	ContentFormat codec.MediaType
	Confirmable   bool
}

// Engine owns subscription lifecycle and notification fan-out for
// observed resources (spec §4.5).
type Engine struct {
	store  Store
	send   Sender
	log    log.Logger
	events chan Mutation
	done   chan struct{}

	skipUnchanged   bool
	changeFields    []string
	lastPayloadMu   sync.Mutex
	lastPayloadByPath map[string][]byte

	tokenIndexMu sync.Mutex
	tokenIndex   map[string]string // identity+"\x00"+token -> path
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSkipUnchanged makes the engine compare a mutation's payload
// against the last one delivered for that path (via HasChanged,
// restricted to fields if given) and skip the fan-out entirely when
// nothing changed, avoiding a notification burst to constrained peers
// on a no-op write.
func WithSkipUnchanged(fields ...string) EngineOption {
	return func(e *Engine) {
		e.skipUnchanged = true
		e.changeFields = fields
	}
}

// NewEngine constructs an Engine backed by store, delivering
// notifications through send. Call Run to start its fan-out loop.
func NewEngine(store Store, send Sender, logger log.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:             store,
		send:              send,
		log:               logger,
		events:            make(chan Mutation, 256),
		done:              make(chan struct{}),
		lastPayloadByPath: make(map[string][]byte),
		tokenIndex:        make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) logf(format string, v ...interface{}) {
	if e.log == nil {
		return
	}
	e.log.Printf(format, v...)
}

// Run drains mutation events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.events:
			e.fanOut(ctx, m)
		}
	}
}

// Notify enqueues a mutation for fan-out. It never blocks the caller's
// request-handling goroutine longer than filling the queue; a full
// queue drops the oldest-priority guarantee in favor of not stalling
// the request path, and logs the drop.
func (e *Engine) Notify(m Mutation) {
	select {
	case e.events <- m:
	default:
		e.logf("observe: mutation queue full, dropping notification for %s", m.Path)
	}
}

func (e *Engine) fanOut(ctx context.Context, m Mutation) {
	if e.skipUnchanged && !e.payloadChanged(m.Path, m.Payload) {
		e.logf("observe: skipping notification for %s, payload unchanged", m.Path)
		return
	}

	subs, err := e.store.Iter(ctx, m.Path)
	if err != nil {
		e.logf("observe: iterating subscribers of %s failed: %s", m.Path, err)
		return
	}
	for _, sub := range subs {
		seq, err := e.store.BumpSeq(ctx, m.Path, sub.Identity)
		if err != nil {
			e.logf("observe: bump seq for %s/%s failed: %s", m.Path, sub.Identity, err)
			continue
		}
		opts, err := codec.SetContentFormat(nil, m.ContentFormat)
		if err == nil {
			opts, err = codec.SetObserve(opts, seq)
		}
		if err != nil {
			e.logf("observe: building notification options failed: %s", err)
			continue
		}
		resp := codec.Packet{
			Code:    codec.CodeContent,
			Options: opts,
			Payload: m.Payload,
		}
		if err := e.send([]byte(sub.Identity), sub.Record.Token, resp, m.Confirmable); err != nil {
			e.logf("observe: delivering notification to %s failed: %s", sub.Identity, err)
		}
	}
}

// payloadChanged reports whether payload differs from the last payload
// seen for path under the WithSkipUnchanged comparison, recording
// payload as the new baseline regardless of the outcome. A path with no
// recorded baseline is always considered changed.
func (e *Engine) payloadChanged(path string, payload []byte) bool {
	e.lastPayloadMu.Lock()
	defer e.lastPayloadMu.Unlock()

	prev, seen := e.lastPayloadByPath[path]
	e.lastPayloadByPath[path] = payload
	if !seen {
		return true
	}
	return HasChanged(prev, payload, e.changeFields...)
}

// Register creates or refreshes a subscription at seq=0 (spec §4.5
// "Subscription creation" step 2); the caller has already confirmed
// the GET response was a 2.xx success.
func (e *Engine) Register(ctx context.Context, path, identity string, token []byte) error {
	if err := e.store.Put(ctx, path, identity, Record{Token: token, Seq: 0}); err != nil {
		return err
	}
	e.tokenIndexMu.Lock()
	e.tokenIndex[tokenKey(identity, token)] = path
	e.tokenIndexMu.Unlock()
	return nil
}

// Deregister removes a subscription (spec §4.5 "Deregistration").
// Implicit deregistration on RST or retransmission exhaustion goes
// through DeregisterByToken instead.
func (e *Engine) Deregister(ctx context.Context, path, identity string) error {
	return e.store.Delete(ctx, path, identity)
}

// DeregisterByToken removes the subscription identity registered with
// token, if any is known, resolving path from the index populated at
// Register time. Used for implicit deregistration on RST or
// retransmission exhaustion (spec §4.5 "Implicit deregistration"),
// where the transport only hands back identity and token, never a path.
func (e *Engine) DeregisterByToken(ctx context.Context, identity string, token []byte) error {
	key := tokenKey(identity, token)
	e.tokenIndexMu.Lock()
	path, ok := e.tokenIndex[key]
	delete(e.tokenIndex, key)
	e.tokenIndexMu.Unlock()
	if !ok {
		return nil
	}
	return e.store.Delete(ctx, path, identity)
}

// Evict removes every subscription belonging to identity, the single
// reap point on session teardown (spec §9 "Ownership of subscription records").
func (e *Engine) Evict(ctx context.Context, identity string) error {
	prefix := identity + "\x00"
	e.tokenIndexMu.Lock()
	for k := range e.tokenIndex {
		if strings.HasPrefix(k, prefix) {
			delete(e.tokenIndex, k)
		}
	}
	e.tokenIndexMu.Unlock()
	return e.store.DeleteAll(ctx, identity)
}

func tokenKey(identity string, token []byte) string {
	return identity + "\x00" + string(token)
}
