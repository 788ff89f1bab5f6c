// Package tunnel implements the Secure Tunneler of spec §4.D: an
// on-demand, mutually-authenticated, encrypted datagram-reliable channel
// between two contacts, multiplexed over overlay TUNNEL messages and
// carried as real DTLS 1.2 records via pion/dtls/v2.
package tunnel

import (
	stdtls "crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/overlay"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// State is a Tunnel's lifecycle stage (§4.D).
type State int

const (
	StatePending State = iota
	StateHandshaking
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// DefaultIdleTimeout is how long an OPEN tunnel may sit with no traffic
// before it is torn down (§4.D: "Idle timeout (default 60 s)").
const DefaultIdleTimeout = 60 * time.Second

// handshakeTimeout bounds how long the DTLS handshake itself may take.
const handshakeTimeout = 15 * time.Second

// blacklistTTL is how long a peer that failed an auth check is refused a
// fresh handshake attempt without retrying the network round trip (§7
// AuthError).
const blacklistTTL = 5 * time.Minute

// AuthError reports a handshake that completed cryptographically but
// whose peer's certificate digest did not match the expected ContactId
// (§4.D, §7, §8 scenario 4).
type AuthError struct {
	Peer     ids.NodeID
	Expected ids.ContactID
	Actual   ids.ContactID
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tunnel: auth: peer %s presented key digest %s, expected %s", e.Peer, e.Actual, e.Expected)
}

// Tunnel is one established datagram-reliable channel to a peer node.
type Tunnel struct {
	ID   uint64
	Peer ids.NodeID

	mu           sync.Mutex
	state        State
	dtlsConn     *dtls.Conn
	lastActivity time.Time

	tc *tunnelConn
}

// State returns the tunnel's current lifecycle stage.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tunnel) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Tunnel) touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

func (t *Tunnel) idleSince() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActivity)
}

// Write sends an application record through the tunnel's DTLS record
// layer (§4.D; the Fountain Link is the only intended caller).
func (t *Tunnel) Write(p []byte) (int, error) {
	t.touch()
	return t.dtlsConn.Write(p)
}

// Read blocks until the next DTLS application record arrives.
func (t *Tunnel) Read(p []byte) (int, error) {
	n, err := t.dtlsConn.Read(p)
	if err == nil {
		t.touch()
	}
	return n, err
}

// Close tears the tunnel down: CLOSING then CLOSED (§4.D).
func (t *Tunnel) Close() error {
	t.setState(StateClosing)
	err := t.dtlsConn.Close()
	t.tc.Close()
	t.setState(StateClosed)
	return err
}

// Manager owns every Tunnel for one Node, dispatching inbound TUNNEL
// overlay messages to the right DTLS connection and running the idle
// sweep and auth blacklist (§4.D).
type Manager struct {
	self  *crypto.KeyPair
	node  *overlay.Node
	pool  *scheduler.Pool
	sched *scheduler.Scheduler
	log   *logrus.Entry

	idleTimeout time.Duration

	mu        sync.Mutex
	tunnels   map[uint64]*Tunnel
	pending   map[uint64]*tunnelConn // handshake in progress, not yet promoted
	blacklist map[ids.NodeID]time.Time

	onOpen func(*Tunnel)
}

// New creates a Manager bound to node, registering itself as node's TUNNEL
// message handler.
func New(self *crypto.KeyPair, node *overlay.Node, pool *scheduler.Pool, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	m := &Manager{
		self:        self,
		node:        node,
		pool:        pool,
		sched:       scheduler.NewScheduler(pool),
		log:         log.WithField("component", "tunnel"),
		idleTimeout: DefaultIdleTimeout,
		tunnels:     make(map[uint64]*Tunnel),
		pending:     make(map[uint64]*tunnelConn),
		blacklist:   make(map[ids.NodeID]time.Time),
	}
	node.Handle(overlay.TypeTunnel, m.onMessage)
	return m
}

// Close stops the idle-check scheduler and every open tunnel.
func (m *Manager) Close() {
	m.sched.Close()
	m.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		tunnels = append(tunnels, t)
	}
	m.mu.Unlock()
	for _, t := range tunnels {
		_ = t.Close()
	}
}

// OnOpen registers a callback invoked whenever an inbound tunnel completes
// its handshake and becomes OPEN (the Fountain Link layer wraps it here).
func (m *Manager) OnOpen(fn func(*Tunnel)) { m.onOpen = fn }

func (m *Manager) isBlacklisted(peer ids.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.blacklist[peer]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(m.blacklist, peer)
		return false
	}
	return true
}

func (m *Manager) blacklistPeer(peer ids.NodeID) {
	m.mu.Lock()
	m.blacklist[peer] = time.Now().Add(blacklistTTL)
	m.mu.Unlock()
}

// Open establishes a new tunnel to peer, verifying that the peer's
// certificate key digests to expectedRemote before returning (§4.D).
// Duplicate locally-chosen ids are retried transparently.
func (m *Manager) Open(peer ids.NodeID, expectedRemote ids.ContactID) (*Tunnel, error) {
	if m.isBlacklisted(peer) {
		return nil, &AuthError{Peer: peer, Expected: expectedRemote}
	}

	var id uint64
	var tc *tunnelConn
	for {
		candidate, err := crypto.RandomUint64()
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		_, taken1 := m.tunnels[candidate]
		_, taken2 := m.pending[candidate]
		if taken1 || taken2 {
			m.mu.Unlock()
			continue // duplicate id, retry (§4.D)
		}
		id = candidate
		tc = newTunnelConn(m, id, peer)
		m.pending[id] = tc
		m.mu.Unlock()
		break
	}

	cert, err := m.self.SelfSignedCert()
	if err != nil {
		return nil, err
	}
	cfg := &dtls.Config{
		Certificates:          []stdtls.Certificate{cert},
		InsecureSkipVerify:    true,
		ClientAuth:            dtls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeerDigest(peer, expectedRemote),
	}

	dconn, err := dtls.Client(tc, cfg)
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	if err != nil {
		tc.Close()
		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.blacklistPeer(peer)
		}
		return nil, fmt.Errorf("tunnel: handshake to %s: %w", peer, err)
	}

	t := &Tunnel{ID: id, Peer: peer, state: StateOpen, dtlsConn: dconn, lastActivity: time.Now(), tc: tc}
	m.mu.Lock()
	m.tunnels[id] = t
	m.mu.Unlock()
	m.scheduleIdleCheck(t)
	return t, nil
}

func (m *Manager) onMessage(from ids.NodeID, msg overlay.Message) {
	if len(msg.Payload) < 8 {
		return
	}
	id := binary.BigEndian.Uint64(msg.Payload[:8])
	record := msg.Payload[8:]

	m.mu.Lock()
	if t, ok := m.tunnels[id]; ok {
		m.mu.Unlock()
		t.tc.deliver(record)
		return
	}
	if tc, ok := m.pending[id]; ok {
		m.mu.Unlock()
		tc.deliver(record)
		return
	}
	m.mu.Unlock()

	if m.isBlacklisted(from) {
		return
	}
	m.acceptInbound(from, id, record)
}

// acceptInbound handles an overlay TUNNEL frame for an id this Manager
// never initiated: §4.D "Incoming frames for unknown IDs on a node that
// did not initiate the tunnel are treated as new inbound tunnel requests."
func (m *Manager) acceptInbound(peer ids.NodeID, id uint64, firstRecord []byte) {
	tc := newTunnelConn(m, id, peer)
	m.mu.Lock()
	m.pending[id] = tc
	m.mu.Unlock()
	tc.deliver(firstRecord)

	m.pool.Submit(func() {
		cert, err := m.self.SelfSignedCert()
		if err != nil {
			m.log.WithError(err).Error("tunnel: cannot issue self-signed cert")
			m.failPending(id, tc)
			return
		}
		cfg := &dtls.Config{
			Certificates:       []stdtls.Certificate{cert},
			InsecureSkipVerify: true,
			ClientAuth:         dtls.RequireAnyClientCert,
			// The responder has no expected ContactId to check against —
			// any presented key is accepted at handshake time, and no
			// layer above the tunnel in this module rejects an unknown
			// caller afterwards: the tunnel opens and OnOpen is called.
			VerifyPeerCertificate: verifyPeerDigest(peer, ids.ContactID{}),
		}
		dconn, err := dtls.Server(tc, cfg)
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		if err != nil {
			m.log.WithError(err).WithField("peer", crypto.Fingerprint(peer.Bytes())[:8]).Debug("tunnel: inbound handshake failed")
			tc.Close()
			return
		}

		t := &Tunnel{ID: id, Peer: peer, state: StateOpen, dtlsConn: dconn, lastActivity: time.Now(), tc: tc}
		m.mu.Lock()
		m.tunnels[id] = t
		m.mu.Unlock()
		m.scheduleIdleCheck(t)
		if m.onOpen != nil {
			m.onOpen(t)
		}
	})
}

func (m *Manager) failPending(id uint64, tc *tunnelConn) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
	tc.Close()
}

// scheduleIdleCheck arranges for t to be re-examined on the Scheduler
// every idleTimeout/4 until it is no longer OPEN, closing it once it has
// been idle past idleTimeout (§4.D).
func (m *Manager) scheduleIdleCheck(t *Tunnel) {
	var check func()
	check = func() {
		if t.State() != StateOpen {
			return
		}
		if t.idleSince() >= m.idleTimeout {
			m.closeTunnel(t)
			return
		}
		m.sched.After(m.idleTimeout/4, check)
	}
	m.sched.After(m.idleTimeout/4, check)
}

func (m *Manager) closeTunnel(t *Tunnel) {
	m.mu.Lock()
	delete(m.tunnels, t.ID)
	m.mu.Unlock()
	_ = t.Close()
}

// Tunnels returns the count of currently OPEN tunnels, for diagnostics.
func (m *Manager) Tunnels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tunnels {
		if t.State() == StateOpen {
			n++
		}
	}
	return n
}
