// Package session implements the per-peer session manager: message-id
// and token bookkeeping, CON/NON deduplication, the piggyback/separate
// ACK policy, and confirmable retransmission (spec §4.2).
package session

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/jaredwolff/coapum/codec"
	"github.com/jaredwolff/coapum/internal/log"
	"github.com/jaredwolff/coapum/transport"
)

// RequestHandler processes one decoded request and produces a response.
// It must be safe to run in its own goroutine; the session manager
// awaits it without blocking other sessions or other datagrams on this
// one (NSTART permitting).
type RequestHandler func(ctx context.Context, identity []byte, req codec.Packet) codec.Packet

// ResetHandler is invoked when a RST is received in reply to a
// server-initiated notification, letting the observe engine deregister
// the subscription (spec §4.5 "Implicit deregistration").
type ResetHandler func(identity, token []byte)

// ExhaustedHandler is invoked when a server-initiated CON exhausts its
// retransmission budget without an ACK or RST (spec §4.2, §4.5).
type ExhaustedHandler func(identity, token []byte)

type rxEntry struct {
	response  []byte
	insertedAt time.Time
}

// Session is the per-peer state bundle described in DATA MODEL §3.
type Session struct {
	peer    *transport.Peer
	cfg     Config
	handler RequestHandler
	onReset ResetHandler
	onExhausted ExhaustedHandler
	log     log.Logger

	outboundMID atomic.Uint32
	sem         chan struct{}

	mu       sync.Mutex
	pending  map[uint16]*pendingCON
	byToken  map[string]*pendingCON // server-initiated CONs keyed by token, for RST matching
	timers   conHeap
	recentRx map[uint16]*rxEntry

	lastActivity atomic.Int64 // unix nano
	closed       atomic.Bool
	wake         chan struct{}
}

// New constructs a Session bound to peer. Call Run to start its loop.
func New(peer *transport.Peer, cfg Config, handler RequestHandler, onReset ResetHandler, onExhausted ExhaustedHandler, logger log.Logger) *Session {
	if cfg.NStart < 1 {
		cfg.NStart = 1
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = DefaultConfig().ExchangeLifetime
	}
	s := &Session{
		peer:        peer,
		cfg:         cfg,
		handler:     handler,
		onReset:     onReset,
		onExhausted: onExhausted,
		log:         logger,
		sem:         make(chan struct{}, cfg.NStart),
		pending:     make(map[uint16]*pendingCON),
		byToken:     make(map[string]*pendingCON),
		recentRx:    make(map[uint16]*rxEntry),
		wake:        make(chan struct{}, 1),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	heap.Init(&s.timers)
	return s
}

// Identity returns the peer identity this session belongs to.
func (s *Session) Identity() []byte { return s.peer.Identity }

func (s *Session) logf(format string, v ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Printf(format, v...)
}

func (s *Session) touch() { s.lastActivity.Store(time.Now().UnixNano()) }

// IdleSince reports how long ago this session last saw traffic.
func (s *Session) IdleSince() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// Run drives the read/retransmission loop until ctx is cancelled, the
// peer is torn down, or the session has seen no inbound traffic for
// ExchangeLifetime (spec §3 Lifecycles, §5 "idle sessions ... are
// evicted"). It returns when the session is finished.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown()
	for {
		delay := s.nextTimerDelay()
		if d := s.idleDeadline(); d < delay {
			delay = d
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.peer.Done():
			timer.Stop()
			return
		case data, ok := <-s.peer.Inbox():
			timer.Stop()
			if !ok {
				return
			}
			s.touch()
			s.handleDatagram(ctx, data)
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			if s.idleDeadline() <= 0 {
				s.logf("session: idle timeout for %x, tearing down", s.peer.Identity)
				return
			}
			s.fireExpiredTimers()
		}
	}
}

// idleDeadline returns how long until this session hits
// ExchangeLifetime of inactivity, zero or negative if it already has.
func (s *Session) idleDeadline() time.Duration {
	return s.cfg.ExchangeLifetime - s.IdleSince()
}

func (s *Session) nextTimerDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Hour
	}
	d := time.Until(s.timers[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) fireExpiredTimers() {
	now := time.Now()
	var toRetransmit []*pendingCON
	var toExhaust []*pendingCON
	s.mu.Lock()
	for len(s.timers) > 0 && !s.timers[0].deadline.After(now) {
		p := heap.Pop(&s.timers).(*pendingCON)
		p.attempts++
		if p.attempts > s.cfg.MaxRetransmit {
			delete(s.pending, p.messageID)
			delete(s.byToken, string(p.token))
			toExhaust = append(toExhaust, p)
			continue
		}
		p.deadline = now.Add(backoff(s.cfg, p.attempts))
		heap.Push(&s.timers, p)
		toRetransmit = append(toRetransmit, p)
	}
	s.mu.Unlock()

	for _, p := range toRetransmit {
		if err := s.peer.Send(p.payload); err != nil {
			s.logf("session: retransmit to %x failed: %s", s.peer.Identity, err)
		}
	}
	for _, p := range toExhaust {
		s.logf("session: retransmission budget exhausted for mid=%d token=%x", p.messageID, p.token)
		if s.onExhausted != nil {
			s.onExhausted(s.peer.Identity, p.token)
		}
	}
}

func backoff(cfg Config, attempt int) time.Duration {
	base := float64(cfg.AckTimeout) * float64(uint(1)<<uint(attempt))
	jitter := 1 + rand.Float64()*(cfg.AckRandomFactor-1)
	return time.Duration(base * jitter)
}

func (s *Session) handleDatagram(ctx context.Context, data []byte) {
	pkt, err := codec.Decode(data)
	if err != nil {
		// Protocol-decode failure: silently drop (spec §7 kind 1).
		s.logf("session: dropping malformed datagram from %x: %s", s.peer.Identity, err)
		return
	}

	switch pkt.Type {
	case codec.Acknowledgement:
		s.handleAck(pkt)
		return
	case codec.Reset:
		s.handleReset(pkt)
		return
	}

	// CON or NON carrying a request. The message id is recorded as
	// in-flight here, before the datagram is handed off to process(), so
	// a retransmission arriving while the first copy is still being
	// handled is recognized as a duplicate instead of racing into a
	// second handler invocation (spec §8 "two identical CON GETs with
	// same mid back-to-back").
	s.mu.Lock()
	cached, dup := s.recentRx[pkt.MessageID]
	if !dup {
		s.recentRx[pkt.MessageID] = &rxEntry{insertedAt: time.Now()}
	}
	s.pruneRecentLocked()
	s.mu.Unlock()

	if dup {
		if pkt.Type == codec.Confirmable && cached.response != nil {
			if err := s.peer.Send(cached.response); err != nil {
				s.logf("session: resend of cached response failed: %s", err)
			}
		}
		// NON duplicates, and CON duplicates still in flight or whose
		// response hasn't been cached yet, are simply dropped.
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go s.process(ctx, pkt)
}

func (s *Session) process(ctx context.Context, req codec.Packet) {
	defer func() { <-s.sem }()

	type result struct {
		resp codec.Packet
	}
	done := make(chan result, 1)
	go func() {
		resp := s.handler(ctx, s.peer.Identity, req)
		done <- result{resp: resp}
	}()

	piggyback := req.Type == codec.Confirmable
	var resp codec.Packet
	select {
	case r := <-done:
		resp = r.resp
	case <-time.After(s.cfg.AckTimeout / 2):
		if req.Type == codec.Confirmable {
			// Separate response: ACK now (empty), CON with the body later.
			ack := codec.Packet{Type: codec.Acknowledgement, MessageID: req.MessageID}
			s.sendRaw(ack)
		}
		piggyback = false
		r := <-done
		resp = r.resp
	}

	if resp.Code == 0 {
		return
	}

	var out codec.Packet
	if piggyback {
		out = resp
		out.Type = codec.Acknowledgement
		out.MessageID = req.MessageID
		out.Token = req.Token
	} else {
		out = resp
		out.Type = codec.Confirmable
		out.MessageID = s.nextMessageID()
		out.Token = req.Token
	}

	encoded, err := out.Encode()
	if err != nil {
		s.logf("session: failed to encode response: %s", err)
		return
	}

	if req.Type == codec.Confirmable {
		s.mu.Lock()
		s.recentRx[req.MessageID] = &rxEntry{response: encoded, insertedAt: time.Now()}
		s.mu.Unlock()
	}

	if err := s.peer.Send(encoded); err != nil {
		s.logf("session: send response failed: %s", err)
		return
	}

	if !piggyback {
		s.trackPending(out.MessageID, out.Token, encoded, nil)
	}
}

func (s *Session) pruneRecentLocked() {
	cutoff := time.Now().Add(-s.cfg.ExchangeLifetime)
	for mid, e := range s.recentRx {
		if e.insertedAt.Before(cutoff) {
			delete(s.recentRx, mid)
		}
	}
}

func (s *Session) sendRaw(pkt codec.Packet) {
	encoded, err := pkt.Encode()
	if err != nil {
		s.logf("session: failed to encode: %s", err)
		return
	}
	if err := s.peer.Send(encoded); err != nil {
		s.logf("session: send failed: %s", err)
	}
}

// nextMessageID allocates the next outbound message id, skipping any
// value still present in pending (spec §8 wraparound boundary behavior).
func (s *Session) nextMessageID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := uint16(s.outboundMID.Inc())
		if _, exists := s.pending[id]; !exists {
			return id
		}
	}
}

func (s *Session) trackPending(mid uint16, token []byte, payload []byte, onExhausted func()) {
	p := &pendingCON{
		messageID: mid,
		token:     token,
		payload:   payload,
		attempts:  0,
		deadline:  time.Now().Add(backoff(s.cfg, 0)),
	}
	s.mu.Lock()
	s.pending[mid] = p
	s.byToken[string(token)] = p
	heap.Push(&s.timers, p)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) handleAck(pkt codec.Packet) {
	s.mu.Lock()
	p, ok := s.pending[pkt.MessageID]
	if ok {
		delete(s.pending, pkt.MessageID)
		delete(s.byToken, string(p.token))
		removeFromHeap(&s.timers, p)
	}
	s.mu.Unlock()
}

func (s *Session) handleReset(pkt codec.Packet) {
	s.mu.Lock()
	p, ok := s.pending[pkt.MessageID]
	if ok {
		delete(s.pending, pkt.MessageID)
		delete(s.byToken, string(p.token))
		removeFromHeap(&s.timers, p)
	}
	s.mu.Unlock()
	if ok && s.onReset != nil {
		s.onReset(s.peer.Identity, p.token)
	}
}

func removeFromHeap(h *conHeap, p *pendingCON) {
	if p.heapIndex < 0 || p.heapIndex >= h.Len() {
		return
	}
	heap.Remove(h, p.heapIndex)
}

// SendNotification emits a server-initiated message carrying resp to
// token, confirmable or not per the caller's choice (spec §4.5 step 3).
// The message id is assigned here; it is never client-supplied.
func (s *Session) SendNotification(resp codec.Packet, token []byte, confirmable bool) error {
	out := resp
	out.Token = token
	out.MessageID = s.nextMessageID()
	if confirmable {
		out.Type = codec.Confirmable
	} else {
		out.Type = codec.NonConfirmable
	}
	encoded, err := out.Encode()
	if err != nil {
		return fmt.Errorf("session: encode notification: %w", err)
	}
	if err := s.peer.Send(encoded); err != nil {
		return fmt.Errorf("session: send notification: %w", err)
	}
	if confirmable {
		s.trackPending(out.MessageID, token, encoded, nil)
	}
	return nil
}

func (s *Session) teardown() {
	if s.closed.Swap(true) {
		return
	}
	s.logf("session: tearing down %x", s.peer.Identity)
}

// Closed reports whether the session's loop has exited.
func (s *Session) Closed() bool { return s.closed.Load() }
