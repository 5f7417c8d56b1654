// Package coapum is a CoAP (RFC 7252) server framework with RFC 7641
// Observe support and an optional DTLS 1.2 PSK transport. It wires the
// transport, session, router, extract and observe packages into a
// single build/listen surface (spec §2 "Control flow").
package coapum

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/jaredwolff/coapum/codec"
	"github.com/jaredwolff/coapum/extract"
	"github.com/jaredwolff/coapum/internal/log"
	"github.com/jaredwolff/coapum/observe"
	"github.com/jaredwolff/coapum/router"
	"github.com/jaredwolff/coapum/session"
	"github.com/jaredwolff/coapum/transport"
)

// Re-export the router's method vocabulary and PSK configuration type
// so callers building a server only need to import this one package
// for the common path.
type Method = router.Method

const (
	GET    = router.GET
	POST   = router.POST
	PUT    = router.PUT
	DELETE = router.DELETE
)

type PSKConfig = transport.PSKConfig

// NotifyMode selects how an observed resource's notifications are delivered.
type NotifyMode = router.NotifyMode

// NotifyConfirmable and NotifyNonConfirmable select how an observed
// resource's notifications are delivered (spec §4.5 step 3).
const (
	NotifyConfirmable    = router.NotifyConfirmable
	NotifyNonConfirmable = router.NotifyNonConfirmable
)

// Builder accumulates route registrations and shared state before
// Build compiles them into a Server (spec §6 "Route registration surface").
type Builder struct {
	plain    []plainRegistration
	observes []observeRegistration
	state    map[reflect.Type]interface{}
	log      log.Logger

	skipUnchanged       bool
	skipUnchangedFields []string
}

type plainRegistration struct {
	methods  []router.Method
	template string
	handler  interface{}
}

type observeRegistration struct {
	template string
	get      interface{}
	notify   interface{}
	mode     router.NotifyMode
}

// NewBuilder creates an empty Builder.
func NewBuilder() *Builder {
	return &Builder{state: make(map[reflect.Type]interface{})}
}

// WithState registers a value reachable from any handler via
// extract.State[S] (spec §4.4 State<S>, §9 "Shared state without globals").
func WithState[S any](b *Builder, value S) *Builder {
	b.state[reflect.TypeOf(value)] = value
	return b
}

// WithLogger sets the diagnostic logger used by the transport, session
// and observe subsystems. Defaults to a no-op logger if unset.
func (b *Builder) WithLogger(l log.Logger) *Builder {
	b.log = l
	return b
}

// Add registers handler for methods at template (spec §6 "add(method-set, template, handler)").
func (b *Builder) Add(methods []router.Method, template string, handler interface{}) *Builder {
	b.plain = append(b.plain, plainRegistration{methods: methods, template: template, handler: handler})
	return b
}

// AddObserve registers an observable resource (spec §6 "add_observe(template, get_handler, notify_handler)").
func (b *Builder) AddObserve(template string, getHandler, notifyHandler interface{}, mode router.NotifyMode) *Builder {
	b.observes = append(b.observes, observeRegistration{template: template, get: getHandler, notify: notifyHandler, mode: mode})
	return b
}

// WithSkipUnchanged makes every observed resource skip a notification
// fan-out when its notify-handler body hasn't changed since the last
// one delivered, compared field-by-field if fields is given or
// byte-for-byte otherwise (observe.WithSkipUnchanged).
func (b *Builder) WithSkipUnchanged(fields ...string) *Builder {
	b.skipUnchanged = true
	b.skipUnchangedFields = fields
	return b
}

// Build compiles every registration into an immutable Server bound to
// store for observer persistence. Any Path[T] whose capture name is
// absent from its template, or any template conflict, fails here
// rather than at request time (spec §4.3 "Conflicts ... fail the build").
func (b *Builder) Build(store observe.Store) (*Server, error) {
	if b.log == nil {
		b.log = log.Nop{}
	}

	rb := router.NewBuilder()

	for _, reg := range b.plain {
		ep, err := extract.Bind(reg.handler, b.state)
		if err != nil {
			return nil, fmt.Errorf("coapum: route %q: %w", reg.template, err)
		}
		if err := validatePathNames(reg.template, ep); err != nil {
			return nil, err
		}
		rb.Add(reg.methods, reg.template, ep)
	}
	for _, reg := range b.observes {
		getEp, err := extract.Bind(reg.get, b.state)
		if err != nil {
			return nil, fmt.Errorf("coapum: observe route %q get handler: %w", reg.template, err)
		}
		notifyEp, err := extract.Bind(reg.notify, b.state)
		if err != nil {
			return nil, fmt.Errorf("coapum: observe route %q notify handler: %w", reg.template, err)
		}
		if err := validatePathNames(reg.template, getEp); err != nil {
			return nil, err
		}
		rb.AddObserve(reg.template, getEp, notifyEp, reg.mode)
	}

	compiled, err := rb.Build()
	if err != nil {
		return nil, err
	}

	srv := &Server{
		router:   compiled,
		store:    store,
		log:      b.log,
		sessCfg:  session.DefaultConfig(),
		sessions: make(map[string]*session.Session),
	}
	var engineOpts []observe.EngineOption
	if b.skipUnchanged {
		engineOpts = append(engineOpts, observe.WithSkipUnchanged(b.skipUnchangedFields...))
	}
	srv.engine = observe.NewEngine(store, srv.sendNotification, b.log, engineOpts...)
	return srv, nil
}

func validatePathNames(template string, ep *extract.Endpoint) error {
	names, err := router.CaptureNames(template)
	if err != nil {
		return fmt.Errorf("coapum: route %q: %w", template, err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	for _, want := range ep.PathNames() {
		if !have[want] {
			return fmt.Errorf("coapum: route %q: handler expects path parameter %q, not present in template", template, want)
		}
	}
	return nil
}

// Server is a compiled, immutable route table plus the transport,
// session and observe wiring needed to serve it (spec §2).
type Server struct {
	router *router.Router
	store  observe.Store
	engine *observe.Engine
	log    log.Logger

	sessCfg session.Config

	mu       sync.Mutex
	sessions map[string]*session.Session

	listener *transport.Listener
}

// WithSessionConfig overrides the RFC 7252 §4.8 transmission
// parameters used by every session this server creates. Call before ListenAndServe.
func (s *Server) WithSessionConfig(cfg session.Config) *Server {
	s.sessCfg = cfg
	return s
}

// ListenAndServe binds addr in plaintext mode and serves until ctx is
// cancelled (spec §4.1 plaintext transport).
func (s *Server) ListenAndServe(ctx context.Context, addr string, maxMessageSize int) error {
	ls, err := transport.ListenPlaintext(ctx, addr, maxMessageSize, s.onPeer, transport.WithLogger(s.log))
	if err != nil {
		return err
	}
	s.listener = ls
	go s.engine.Run(ctx)
	<-ctx.Done()
	return ls.Close()
}

// ListenAndServeDTLS binds addr with a DTLS 1.2 PSK transport and
// serves until ctx is cancelled (spec §4.1 DTLS mode).
func (s *Server) ListenAndServeDTLS(ctx context.Context, addr string, psk PSKConfig) error {
	ls, err := transport.ListenDTLS(ctx, addr, psk, s.onPeer, transport.WithLogger(s.log))
	if err != nil {
		return err
	}
	s.listener = ls
	go s.engine.Run(ctx)
	<-ctx.Done()
	return ls.Close()
}

// Shutdown closes the listening socket and every bound session.
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) onPeer(peer *transport.Peer) {
	identity := string(peer.Identity)
	sess := session.New(peer, s.sessCfg, s.handleRequest, s.handleReset, s.handleExhausted, s.log)

	s.mu.Lock()
	s.sessions[identity] = sess
	s.mu.Unlock()

	go func() {
		sess.Run(context.Background())
		s.mu.Lock()
		delete(s.sessions, identity)
		s.mu.Unlock()
		if err := s.engine.Evict(context.Background(), identity); err != nil {
			s.logf("coapum: evicting subscriptions for %x failed: %s", peer.Identity, err)
		}
	}()
}

func (s *Server) logf(format string, v ...interface{}) {
	if s.log == nil {
		return
	}
	s.log.Printf(format, v...)
}

// sendNotification implements observe.Sender by looking up the
// subscriber's live session and sending through it.
func (s *Server) sendNotification(identity, token []byte, resp codec.Packet, confirmable bool) error {
	s.mu.Lock()
	sess, ok := s.sessions[string(identity)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("coapum: no live session for identity %x", identity)
	}
	return sess.SendNotification(resp, token, confirmable)
}

// handleReset implicitly deregisters the subscription a RST responds
// to (spec §4.5 "Implicit deregistration"): a RST always replies to a
// specific notification token, which the engine resolves back to the
// path it was registered against.
func (s *Server) handleReset(identity, token []byte) {
	s.logf("coapum: reset received from %x for token %x", identity, token)
	if err := s.engine.DeregisterByToken(context.Background(), string(identity), token); err != nil {
		s.logf("coapum: deregister on reset failed for %x: %s", identity, err)
	}
}

// handleExhausted implicitly deregisters the subscription behind a
// notification whose retransmissions were exhausted without an ACK
// (spec §4.5 "Implicit deregistration").
func (s *Server) handleExhausted(identity, token []byte) {
	s.logf("coapum: retransmission exhausted for %x token %x", identity, token)
	if err := s.engine.DeregisterByToken(context.Background(), string(identity), token); err != nil {
		s.logf("coapum: deregister on exhaustion failed for %x: %s", identity, err)
	}
}

// handleRequest resolves req against the compiled router and runs the
// matched endpoint, implementing session.RequestHandler (spec §2
// "the runtime emits a response packet").
func (s *Server) handleRequest(ctx context.Context, identity []byte, req codec.Packet) codec.Packet {
	path, err := req.Path()
	if err != nil {
		return codec.Packet{Code: codec.CodeBadRequest}
	}
	method, _ := router.MethodFromCode(req.Code)

	match, err := s.router.Match(method, path)
	if err != nil {
		switch err {
		case router.ErrMethodNotAllowed:
			return codec.Packet{Code: codec.CodeMethodNotAllowed}
		default:
			return codec.Packet{Code: codec.CodeNotFound}
		}
	}

	rc := s.requestContext(ctx, identity, req)
	rc.Params = match.Params

	if match.Observe != nil {
		observeVal, hasObserve := req.Observe()
		return s.dispatchObserve(ctx, match, rc, path, identity, req, observeVal, hasObserve)
	}

	ep := match.Route.Handler.(*extract.Endpoint)
	resp := ep.Call(rc)
	pkt := respToPacket(resp)

	// A successful state-mutating request fans a notification out to any
	// subscribers of the same path's observable resource (spec §4.5
	// "Notification": "on any state-mutating request (POST/PUT/DELETE)
	// that targets a path for which subscriptions exist").
	if isMutatingMethod(method) && isSuccessCode(pkt.Code) {
		if obsMatch, err := s.router.Match(router.GET, path); err == nil && obsMatch.Observe != nil {
			s.notifyObserved(ctx, path, obsMatch.Observe)
		}
	}
	return pkt
}

func isMutatingMethod(m router.Method) bool {
	return m == router.POST || m == router.PUT || m == router.DELETE
}

func isSuccessCode(code codec.Code) bool {
	return code >= codec.CodeCreated && code < codec.Code(0x60)
}

func (s *Server) requestContext(ctx context.Context, identity []byte, req codec.Packet) *extract.RequestContext {
	observeVal, hasObserve := req.Observe()
	flag := extract.ObserveNone
	if hasObserve {
		if observeVal == 0 {
			flag = extract.ObserveRegister
		} else {
			flag = extract.ObserveDeregister
		}
	}
	format, ferr := req.ContentFormat()
	rc := &extract.RequestContext{
		Context:  ctx,
		Identity: identity,
		Payload:  req.Payload,
		Observe:  flag,
	}
	if ferr == nil {
		rc.ContentFormat = format
		rc.HasContentFormat = true
	}
	return rc
}

func (s *Server) dispatchObserve(ctx context.Context, match router.Match, rc *extract.RequestContext, path string, identity []byte, req codec.Packet, observeVal uint32, hasObserve bool) codec.Packet {
	ep := match.Observe.GetHandler.(*extract.Endpoint)
	resp := ep.Call(rc)
	pkt := respToPacket(resp)

	if !hasObserve {
		return pkt
	}

	isSuccess := isSuccessCode(pkt.Code)
	switch observeVal {
	case 0:
		if isSuccess {
			if err := s.engine.Register(ctx, path, string(identity), req.Token); err != nil {
				return codec.Packet{Code: codec.CodeServiceUnavailable}
			}
			opts, err := codec.SetObserve(pkt.Options, 0)
			if err == nil {
				pkt.Options = opts
			}
		}
	case 1:
		_ = s.engine.Deregister(ctx, path, string(identity))
	}
	return pkt
}

// Notify triggers the observe engine to fan notifications for path out
// to every subscriber, computing the body via the route's registered
// notify-handler (spec §4.5 "Notification", explicit-trigger scenario).
func (s *Server) Notify(ctx context.Context, path string) error {
	match, err := s.router.Match(router.GET, path)
	if err != nil || match.Observe == nil {
		return fmt.Errorf("coapum: %q is not an observable resource", path)
	}
	s.notifyObserved(ctx, path, match.Observe)
	return nil
}

// notifyObserved computes obs's notify-handler body and fans it out via
// the observe engine, shared by the explicit Notify call and the
// automatic mutation-triggered path in handleRequest.
func (s *Server) notifyObserved(ctx context.Context, path string, obs *router.ObservePair) {
	ep := obs.NotifyHandler.(*extract.Endpoint)
	rc := &extract.RequestContext{Context: ctx}
	resp := ep.Call(rc)

	s.engine.Notify(observe.Mutation{
		Path:          path,
		Payload:       resp.Payload,
		ContentFormat: resp.ContentFormat,
		Confirmable:   obs.NotifyMode == router.NotifyConfirmable,
	})
}

func respToPacket(r extract.Response) codec.Packet {
	pkt := codec.Packet{Code: r.Code, Payload: r.Payload}
	if r.HasContentFormat {
		opts, err := codec.SetContentFormat(nil, r.ContentFormat)
		if err == nil {
			pkt.Options = opts
		}
	}
	return pkt
}
