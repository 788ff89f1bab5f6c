package overlay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// pingInterval is how often a connected peer is probed for liveness.
const pingInterval = 30 * time.Second

// callTimeout bounds how long a CALL waits for its CALL-RESPONSE before the
// caller gives up (§4.C; distinct from the pub/sub layer's own
// CallFallbackTimeout, which this package does not know about).
const callTimeout = 10 * time.Second

// seenCacheTTL bounds how long a forwarded message's fingerprint is
// remembered for loop suppression (§4.C: "a node must not forward a message
// it has already forwarded").
const seenCacheTTL = 2 * time.Minute

// Handler processes an inbound message addressed to this node (Destination
// == self) whose Type the owner has registered for, e.g. the Tunneler
// consuming TypeTunnel frames.
type Handler func(from ids.NodeID, m Message)

// Node is one running overlay instance: it owns the routing table, the
// local DHT half, a listening socket, and the outbound connection pool, and
// drives the source-routed message pipeline described in §4.C.
type Node struct {
	self *crypto.KeyPair
	log  *logrus.Entry

	routing *RoutingTable
	dht     *dht
	pool    *scheduler.Pool
	sched   *scheduler.Scheduler

	listenAddr string
	listener   net.Listener

	mu      sync.Mutex
	conns   map[ids.NodeID]*conn
	seen    map[ids.Digest]time.Time
	pending map[ids.Digest]chan Message // keyed by Message.fingerprint() of the CALL, awaiting CALL-RESPONSE
	handlers map[Type]Handler

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Node bound to self's identity. It does not yet listen;
// call Listen to accept inbound connections.
func New(self *crypto.KeyPair, pool *scheduler.Pool, log *logrus.Logger) *Node {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := &Node{
		self:     self,
		log:      log.WithField("component", "overlay").WithField("node", crypto.Fingerprint(self.ID.Bytes())[:8]),
		routing:  NewRoutingTable(self.ID),
		dht:      newDHT(),
		pool:     pool,
		conns:    make(map[ids.NodeID]*conn),
		seen:     make(map[ids.Digest]time.Time),
		pending:  make(map[ids.Digest]chan Message),
		handlers: make(map[Type]Handler),
		done:     make(chan struct{}),
	}
	n.sched = scheduler.NewScheduler(pool)
	return n
}

// Handle registers h to receive every inbound message of type t addressed
// to this node. Registering twice for the same type replaces the handler.
func (n *Node) Handle(t Type, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[t] = h
}

// Self returns this node's identifier.
func (n *Node) Self() ids.NodeID { return n.self.ID }

// Routing exposes the routing table for diagnostics and for callers (e.g.
// the pub/sub layer's gossip mirror) that need Nearest directly.
func (n *Node) Routing() *RoutingTable { return n.routing }

// Addr returns the address this node is actually listening on, including
// the OS-assigned port when Listen was called with port 0.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Listen starts accepting inbound connections on addr (host:port).
func (n *Node) Listen(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("overlay: listen %s: %w", addr, err)
	}
	n.listenAddr = addr
	n.listener = l
	n.pool.Submit(n.acceptLoop)
	n.sched.After(pingInterval, n.pingAll)
	n.sched.After(ValueTTL/4, n.sweepLocal)
	return nil
}

func (n *Node) acceptLoop() {
	for {
		nc, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.done:
				return
			default:
				n.log.WithError(err).Warn("overlay: accept failed")
				return
			}
		}
		n.pool.Submit(func() { n.acceptOne(nc) })
	}
}

func (n *Node) acceptOne(nc net.Conn) {
	c, err := authenticate(nc, n.self, false, ids.NodeID{})
	if err != nil {
		n.log.WithError(err).Debug("overlay: inbound handshake failed")
		nc.Close()
		return
	}
	n.adopt(c)
}

// Bootstrap dials each of addrs and, on success, folds the remote into the
// routing table. Failures are logged and otherwise ignored: bootstrap peers
// are best-effort (§4.C).
func (n *Node) Bootstrap(addrs []string) {
	for _, addr := range addrs {
		addr := addr
		n.pool.Submit(func() {
			c, err := dialAuthenticated("tcp", addr, n.self, ids.NodeID{})
			if err != nil {
				n.log.WithError(err).WithField("addr", addr).Debug("overlay: bootstrap dial failed")
				return
			}
			n.routing.Touch(c.peer, addr)
			n.adopt(c)
		})
	}
}

// adopt registers an authenticated connection and starts its read loop.
func (n *Node) adopt(c *conn) {
	n.mu.Lock()
	if existing, ok := n.conns[c.peer]; ok {
		n.mu.Unlock()
		existing.Close()
		n.mu.Lock()
	}
	n.conns[c.peer] = c
	n.mu.Unlock()

	n.routing.Touch(c.peer, c.RemoteAddr().String())
	n.pool.Submit(func() { n.readLoop(c) })
}

func (n *Node) readLoop(c *conn) {
	defer func() {
		n.mu.Lock()
		if n.conns[c.peer] == c {
			delete(n.conns, c.peer)
		}
		n.mu.Unlock()
		c.Close()
	}()
	for {
		m, err := c.readMessage()
		if err != nil {
			return
		}
		n.routing.Touch(c.peer, c.RemoteAddr().String())
		n.handle(c.peer, m)
	}
}

// dialPeer returns an existing authenticated connection to id or
// establishes one using the addresses known from the routing table.
func (n *Node) dialPeer(id ids.NodeID) (*conn, error) {
	n.mu.Lock()
	if c, ok := n.conns[id]; ok {
		n.mu.Unlock()
		return c, nil
	}
	n.mu.Unlock()

	entries := n.routing.Nearest(id, 1)
	if len(entries) == 0 || entries[0].ID != id || len(entries[0].Addresses) == 0 {
		return nil, fmt.Errorf("overlay: no known address for %s", id)
	}
	var lastErr error
	for _, addr := range entries[0].Addresses {
		c, err := dialAuthenticated("tcp", addr, n.self, id)
		if err != nil {
			lastErr = err
			continue
		}
		n.adopt(c)
		return c, nil
	}
	return nil, fmt.Errorf("overlay: dial %s: %w", id, lastErr)
}

// Close shuts down the listener, every connection, the scheduler and stops
// accepting further work.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		if n.listener != nil {
			n.listener.Close()
		}
		n.sched.Close()
		n.mu.Lock()
		for _, c := range n.conns {
			c.Close()
		}
		n.conns = make(map[ids.NodeID]*conn)
		n.mu.Unlock()
	})
	return nil
}

func (n *Node) pingAll() {
	n.mu.Lock()
	peers := make([]ids.NodeID, 0, len(n.conns))
	for id := range n.conns {
		peers = append(peers, id)
	}
	n.mu.Unlock()

	for _, id := range peers {
		if err := n.Send(id, TypePing, nil); err != nil {
			n.routing.MarkMissedPing(id)
		}
	}
	n.sched.After(pingInterval, n.pingAll)
}

func (n *Node) sweepLocal() {
	n.dht.sweepExpired()
	n.sched.After(ValueTTL/4, n.sweepLocal)
}

func (n *Node) markSeen(fp ids.Digest) bool {
	now := time.Now()
	n.mu.Lock()
	defer n.mu.Unlock()
	if exp, ok := n.seen[fp]; ok && exp.After(now) {
		return false
	}
	n.seen[fp] = now.Add(seenCacheTTL)
	if len(n.seen) > 4096 {
		for k, exp := range n.seen {
			if exp.Before(now) {
				delete(n.seen, k)
			}
		}
	}
	return true
}
