// Package transport binds a UDP socket, optionally performing a DTLS
// 1.2 PSK handshake per remote address, and yields per-peer byte
// channels plus the authenticated identity (spec §4.1).
package transport

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	piondtls "github.com/pion/dtls/v2"

	"github.com/jaredwolff/coapum/internal/log"
)

// ExtendedMasterSecretPolicy mirrors the DTLS configuration surface in spec §6.
type ExtendedMasterSecretPolicy int

const (
	EMSRequest ExtendedMasterSecretPolicy = iota
	EMSRequire
	EMSDisable
)

// PSKConfig is the DTLS-PSK configuration surface (spec §6).
type PSKConfig struct {
	// IdentityHint is presented to connecting clients during the handshake.
	IdentityHint []byte
	// LookupKey resolves a peer's PSK identity to its pre-shared key.
	// Returning a nil key with no error fails the handshake (NotFound).
	LookupKey func(identityHint []byte) (key []byte, err error)
	// CipherSuites restricts negotiation; defaults to TLS_PSK_WITH_AES_128_GCM_SHA256.
	CipherSuites []piondtls.CipherSuiteID
	// ExtendedMasterSecret sets the policy for RFC 7627 extended master secret.
	ExtendedMasterSecret ExtendedMasterSecretPolicy
}

// ErrPSKIdentityNotFound is returned by a PSKConfig.LookupKey that cannot
// resolve the presented identity hint; the handshake is then dropped silently.
var ErrPSKIdentityNotFound = errors.New("transport: psk identity not found")

// Peer is a single remote endpoint's byte-level channel plus its
// authenticated identity. Within one Peer, delivery is order-preserving.
type Peer struct {
	// Identity uniquely names this peer: the DTLS PSK identity hint in
	// secure mode, or the canonical remote address in plaintext mode.
	Identity []byte

	conn     net.Conn
	remote   net.Addr
	inbox    chan []byte
	closeErr error
	closed   chan struct{}
	closeMu  sync.Once
}

// NewPeer constructs a Peer directly from a net.Conn, bypassing the
// accept loop. Exposed for tests that drive the session manager against
// an in-process net.Pipe() connection instead of a real UDP socket.
func NewPeer(identity []byte, conn net.Conn, remote net.Addr) *Peer {
	return &Peer{
		Identity: identity,
		conn:     conn,
		remote:   remote,
		inbox:    make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

// Deliver pushes data onto the peer's inbox as if it had just arrived
// off the wire, for tests driving Session.Run directly.
func (p *Peer) Deliver(data []byte) {
	p.inbox <- data
}

// RemoteAddr returns the peer's network address.
func (p *Peer) RemoteAddr() net.Addr { return p.remote }

// Inbox yields decoded inbound datagrams for this peer, in arrival order.
func (p *Peer) Inbox() <-chan []byte { return p.inbox }

// Done is closed when the peer's connection is torn down.
func (p *Peer) Done() <-chan struct{} { return p.closed }

// Send writes one outbound datagram to the peer. A transient error is
// retried once; a persistent error tears the peer down (spec §4.1).
func (p *Peer) Send(b []byte) error {
	_, err := p.conn.Write(b)
	if err == nil {
		return nil
	}
	_, err2 := p.conn.Write(b)
	if err2 != nil {
		p.teardown(err2)
		return err2
	}
	return nil
}

func (p *Peer) teardown(err error) {
	p.closeMu.Do(func() {
		p.closeErr = err
		close(p.closed)
		p.conn.Close()
	})
}

// CanonicalIdentity renders a net.Addr as the canonical plaintext identity.
func CanonicalIdentity(addr net.Addr) []byte {
	return []byte(addr.String())
}

// Listener demultiplexes inbound datagrams to per-peer Peer values and
// accepts new Peers as they connect. It owns the accept/read loop; the
// session manager owns everything above the byte level.
type Listener struct {
	log     log.Logger
	peers   func(*Peer)
	onError func(error)

	mu      sync.Mutex
	bound   map[string]*Peer
	closeFn func() error
	addr    net.Addr
}

// Addr returns the listener's bound local address.
func (ls *Listener) Addr() net.Addr {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.addr
}

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the diagnostic logger; nil is silent.
func WithLogger(l log.Logger) Option {
	return func(ls *Listener) { ls.log = l }
}

// WithErrorHandler is invoked on a fatal listener-level error (spec §7 kind 6).
func WithErrorHandler(fn func(error)) Option {
	return func(ls *Listener) { ls.onError = fn }
}

func newListener(onPeer func(*Peer), opts ...Option) *Listener {
	ls := &Listener{
		peers:   onPeer,
		onError: func(error) {},
		bound:   make(map[string]*Peer),
	}
	for _, o := range opts {
		o(ls)
	}
	return ls
}

func (ls *Listener) logf(format string, v ...interface{}) {
	if ls.log == nil {
		return
	}
	ls.log.Printf(format, v...)
}

// Close tears down the listening socket and all bound peers.
func (ls *Listener) Close() error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, p := range ls.bound {
		p.teardown(net.ErrClosed)
	}
	if ls.closeFn != nil {
		return ls.closeFn()
	}
	return nil
}

// ListenPlaintext binds addr and demultiplexes datagrams to Peer values
// keyed by their canonical remote address (spec §4.1 plaintext mode).
func ListenPlaintext(ctx context.Context, addr string, maxMessageSize int, onPeer func(*Peer), opts ...Option) (*Listener, error) {
	ls := newListener(onPeer, opts...)
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	ls.closeFn = conn.Close
	ls.addr = conn.LocalAddr()

	go ls.plaintextReadLoop(ctx, conn, maxMessageSize)
	return ls, nil
}

func (ls *Listener) plaintextReadLoop(ctx context.Context, conn *net.UDPConn, maxMessageSize int) {
	buf := make([]byte, maxMessageSize)
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		default:
		}
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ls.onError(fmt.Errorf("transport: fatal receive error: %w", err))
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		key := remote.String()
		ls.mu.Lock()
		peer, ok := ls.bound[key]
		if !ok {
			peer = &Peer{
				Identity: CanonicalIdentity(remote),
				conn:     &udpPeerConn{udp: conn, remote: remote},
				remote:   remote,
				inbox:    make(chan []byte, 64),
				closed:   make(chan struct{}),
			}
			ls.bound[key] = peer
			ls.mu.Unlock()
			ls.logf("transport: new plaintext peer %s", key)
			ls.peers(peer)
		} else {
			ls.mu.Unlock()
		}

		select {
		case peer.inbox <- data:
		default:
			ls.logf("transport: dropping datagram from %s, inbox full", key)
		}
	}
}

// udpPeerConn adapts a shared *net.UDPConn plus a fixed remote address to
// the net.Conn shape Peer.Send expects.
type udpPeerConn struct {
	udp    *net.UDPConn
	remote net.Addr
}

func (c *udpPeerConn) Read(b []byte) (int, error)  { return 0, errors.New("transport: read unsupported on shared socket") }
func (c *udpPeerConn) Write(b []byte) (int, error) { return c.udp.WriteTo(b, c.remote) }
func (c *udpPeerConn) Close() error                { return nil }
func (c *udpPeerConn) LocalAddr() net.Addr          { return c.udp.LocalAddr() }
func (c *udpPeerConn) RemoteAddr() net.Addr         { return c.remote }
func (c *udpPeerConn) SetDeadline(t time.Time) error      { return nil }
func (c *udpPeerConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *udpPeerConn) SetWriteDeadline(t time.Time) error { return nil }

// ListenDTLS binds addr and performs a DTLS 1.2 PSK handshake per new
// remote address (spec §4.1 DTLS mode). A peer is identified by the PSK
// identity hint it presented. A peer whose handshake succeeds but later
// sends undecryptable records is torn down.
func ListenDTLS(ctx context.Context, addr string, cfg PSKConfig, onPeer func(*Peer), opts ...Option) (*Listener, error) {
	ls := newListener(onPeer, opts...)

	suites := cfg.CipherSuites
	if len(suites) == 0 {
		suites = []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
	}
	dtlsCfg := &piondtls.Config{
		PSK: func(hint []byte) ([]byte, error) {
			key, err := cfg.LookupKey(hint)
			if err != nil {
				return nil, err
			}
			if key == nil {
				return nil, ErrPSKIdentityNotFound
			}
			return key, nil
		},
		PSKIdentityHint:      cfg.IdentityHint,
		CipherSuites:         suites,
		ExtendedMasterSecret: extendedMasterSecretType(cfg.ExtendedMasterSecret),
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	listener, err := piondtls.Listen("udp", udpAddr, dtlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dtls listen %s: %w", addr, err)
	}
	ls.closeFn = listener.Close
	ls.addr = listener.Addr()

	go ls.dtlsAcceptLoop(ctx, listener, cfg)
	return ls, nil
}

func extendedMasterSecretType(p ExtendedMasterSecretPolicy) piondtls.ExtendedMasterSecretType {
	switch p {
	case EMSRequire:
		return piondtls.RequireExtendedMasterSecret
	case EMSDisable:
		return piondtls.DisableExtendedMasterSecret
	default:
		return piondtls.RequestExtendedMasterSecret
	}
}

func (ls *Listener) dtlsAcceptLoop(ctx context.Context, listener net.Listener, cfg PSKConfig) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ls.logf("transport: dtls handshake/accept failed, dropping: %s", err)
			continue
		}
		dtlsConn, ok := conn.(*piondtls.Conn)
		identity := cfg.IdentityHint
		if ok {
			if state, ok := dtlsConn.ConnectionState(); ok && len(state.IdentityHint) > 0 {
				identity = state.IdentityHint
			}
		}
		peer := &Peer{
			Identity: identity,
			conn:     conn,
			remote:   conn.RemoteAddr(),
			inbox:    make(chan []byte, 64),
			closed:   make(chan struct{}),
		}
		ls.mu.Lock()
		ls.bound[peerKey(identity, conn.RemoteAddr())] = peer
		ls.mu.Unlock()
		ls.logf("transport: new dtls peer %x", identity)
		ls.peers(peer)
		go ls.dtlsReadLoop(peer)
	}
}

func (ls *Listener) dtlsReadLoop(peer *Peer) {
	buf := make([]byte, 1152)
	for {
		n, err := peer.conn.Read(buf)
		if err != nil {
			peer.teardown(err)
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case peer.inbox <- data:
		default:
			ls.logf("transport: dropping datagram from dtls peer %x, inbox full", peer.Identity)
		}
	}
}

func peerKey(identity []byte, addr net.Addr) string {
	sum := sha256.Sum256(append(identity, []byte(addr.String())...))
	return string(sum[:])
}
