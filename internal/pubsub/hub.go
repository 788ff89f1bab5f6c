package pubsub

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// LinkSender is the minimal interface the Hub needs from one Fountain Link
// (§4.E) to carry records and block pushes; *fountain.Link satisfies it
// without either package importing the other.
type LinkSender interface {
	PushRecord(recordType string, payload []byte) error
	PushBlock(digest ids.Digest, payload []byte, urgentRho float64) error
	OnRecord(fn func(recordType string, payload []byte))
	OnBlock(fn func(digest ids.Digest, payload []byte))
}

// DHTRetriever is the Overlay DHT's retrieve operation (§4.C), used as the
// Caller's fallback once CallFallbackTimeout elapses without a direct push
// (§4.F). A Hub with none configured still satisfies every correctness
// invariant via the direct-push path alone.
type DHTRetriever func(key ids.Digest, timeout time.Duration) [][]byte

// Hub is the Pub/Sub + Caller plane of spec §4.F: it owns the Subscription
// and Publication tables, the Caller table, and the set of Fountain Links
// it currently rides on, one per Link (§3: "Link").
type Hub struct {
	subs  *subscriberTable
	pubs  *publisherTable
	calls *callerTable

	store *blockstore.Store
	sched *scheduler.Scheduler
	pool  *scheduler.Pool
	log   *logrus.Entry
	dht    DHTRetriever
	self   ids.NodeID
	gossip *GossipMirror

	linksMu sync.RWMutex
	links   map[ids.Link]LinkSender
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithDHTRetriever wires the DHT fallback used once a Caller's
// CallFallbackTimeout elapses.
func WithDHTRetriever(d DHTRetriever) Option { return func(h *Hub) { h.dht = d } }

// WithLogger overrides the default logger.
func WithLogger(l *logrus.Logger) Option {
	return func(h *Hub) { h.log = l.WithField("component", "pubsub") }
}

// NewHub creates a Hub backed by store for block verification and pool for
// the scheduler driving fallback retries (§4.H: "Blocking operations ...
// always run on the pool, never inline").
func NewHub(self ids.NodeID, store *blockstore.Store, pool *scheduler.Pool, opts ...Option) *Hub {
	h := &Hub{
		subs:  newSubscriberTable(),
		pubs:  newPublisherTable(),
		calls: newCallerTable(),
		store: store,
		pool:  pool,
		sched: scheduler.NewScheduler(pool),
		log:   logrus.StandardLogger().WithField("component", "pubsub"),
		self:  self,
		links: make(map[ids.Link]LinkSender),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Close releases the Hub's scheduler resources.
func (h *Hub) Close() { h.sched.Close() }

// RegisterLink attaches sender as the Fountain Link carrying traffic for
// link, wiring its record/block callbacks into the Hub's dispatch. Callers
// (overlay/tunnel/fountain wiring code) call this once per established
// Link (§3).
func (h *Hub) RegisterLink(link ids.Link, sender LinkSender) {
	h.linksMu.Lock()
	h.links[link] = sender
	h.linksMu.Unlock()

	sender.OnRecord(func(recordType string, payload []byte) {
		h.handleRecord(link, recordType, payload)
	})
	sender.OnBlock(func(digest ids.Digest, payload []byte) {
		h.handleBlockArrival(digest, payload)
	})
}

// UnregisterLink drops the Link's sender, e.g. once its Tunnel closes.
func (h *Hub) UnregisterLink(link ids.Link) {
	h.linksMu.Lock()
	delete(h.links, link)
	h.linksMu.Unlock()
}

// sendersMatching returns every registered Link whose filter accepts peer,
// paired with the Link key itself so handlers can address replies back.
func (h *Hub) sendersMatching(filter ids.Link) map[ids.Link]LinkSender {
	h.linksMu.RLock()
	defer h.linksMu.RUnlock()
	out := make(map[ids.Link]LinkSender)
	for link, sender := range h.links {
		if linkFilter(filter, link) {
			out[link] = sender
		}
	}
	return out
}

// Subscribe registers sub and propagates the subscription: any locally
// matching Publisher is consulted immediately without network traffic
// (§4.F: "Local short-circuit"), and a "publish" record is sent to every
// Link matching sub.Link (§4.F flow step 2).
func (h *Hub) Subscribe(sub *Subscriber) {
	h.subs.add(sub.Prefix(), sub)

	if h.gossip != nil {
		h.gossip.subscribeSegment(topLevelSegment(sub.Prefix()))
	}

	for _, pub := range h.pubs.matching(sub.Prefix()) {
		digests := pub.Announce(sub.Prefix())
		for _, d := range digests {
			h.deliverTarget(Locator{Link: pub.Link, Prefix: sub.Prefix(), Suffix: suffix(sub.Prefix(), sub.Prefix())}, sub, d)
		}
	}

	payload := encodePublish(sub.Prefix())
	for link, sender := range h.sendersMatching(sub.Link) {
		if err := sender.PushRecord(recordPublish, payload); err != nil {
			h.log.WithError(err).WithField("link", link).Debug("pubsub: publish send failed")
		}
	}
}

// Unsubscribe removes sub from the Subscription Table. Any outstanding
// Callers it registered are left to resolve or time out on their own.
func (h *Hub) Unsubscribe(sub *Subscriber) { h.subs.remove(sub) }

// Publish registers pub in the Publication Table.
func (h *Hub) Publish(pub *Publisher) { h.pubs.add(pub) }

// Unpublish removes pub from the Publication Table.
func (h *Hub) Unpublish(pub *Publisher) { h.pubs.remove(pub) }

// Issue broadcasts an unsolicited push from pub along every Link matching
// its filter (§4.F Publisher flow: "emits an issue record ... along the
// appropriate links"), and notifies any local Subscriber whose prefix
// matches without round-tripping the network.
func (h *Hub) Issue(pub *Publisher, path string, payload []byte) {
	for _, sub := range h.subs.matching(path) {
		if linkFilter(sub.Link, pub.Link) && sub.OnIssue != nil {
			sub.OnIssue(Locator{Link: pub.Link, Prefix: sub.Prefix(), Suffix: suffix(path, sub.Prefix())}, payload)
		}
	}
	wire := encodeIssue(pub.Prefix, path, payload)
	for link, sender := range h.sendersMatching(pub.Link) {
		if err := sender.PushRecord(recordIssue, wire); err != nil {
			h.log.WithError(err).WithField("link", link).Debug("pubsub: issue send failed")
		}
	}
	if h.gossip != nil {
		h.gossip.MirrorIssue(path, wire)
	}
}

func (h *Hub) handleRecord(link ids.Link, recordType string, payload []byte) {
	switch recordType {
	case recordPublish:
		h.handlePublish(link, payload)
	case recordTarget:
		h.handleTarget(link, payload)
	case recordIssue:
		h.handleIssue(link, payload)
	case recordPull:
		h.handlePull(link, payload)
	default:
		h.log.WithField("type", recordType).Debug("pubsub: unknown record type")
	}
}

func (h *Hub) handlePublish(link ids.Link, payload []byte) {
	prefix, err := decodePublish(payload)
	if err != nil {
		h.log.WithError(err).Debug("pubsub: malformed publish record")
		return
	}
	sender, ok := h.senderFor(link)
	if !ok {
		return
	}
	for _, pub := range h.pubs.matching(prefix) {
		if !linkFilter(pub.Link, link) {
			continue
		}
		digests := pub.Announce(prefix)
		if err := sender.PushRecord(recordTarget, encodeTarget(prefix, digests)); err != nil {
			h.log.WithError(err).Debug("pubsub: target send failed")
		}
	}
}

func (h *Hub) handleTarget(link ids.Link, payload []byte) {
	path, digests, err := decodeTarget(payload)
	if err != nil {
		h.log.WithError(err).Debug("pubsub: malformed target record")
		return
	}
	for _, sub := range h.subs.matching(path) {
		if !linkFilter(sub.Link, link) {
			continue
		}
		for _, d := range digests {
			h.deliverTarget(Locator{Link: link, Prefix: sub.Prefix(), Suffix: suffix(path, sub.Prefix())}, sub, d)
		}
	}
}

// deliverTarget registers a Caller for d (coalesced across every matching
// Subscriber, §4.F) and wires its arrival back to sub.Incoming.
func (h *Hub) deliverTarget(loc Locator, sub *Subscriber, d ids.Digest) {
	h.RequestBlock(d, loc.Link.Node, func(digest ids.Digest, _ []byte) {
		if sub.Incoming != nil {
			sub.Incoming(loc, digest)
		}
	})
}

func (h *Hub) handleIssue(link ids.Link, payload []byte) {
	prefix, path, body, err := decodeIssue(payload)
	if err != nil {
		h.log.WithError(err).Debug("pubsub: malformed issue record")
		return
	}
	_ = prefix
	for _, sub := range h.subs.matching(path) {
		if linkFilter(sub.Link, link) && sub.OnIssue != nil {
			sub.OnIssue(Locator{Link: link, Prefix: sub.Prefix(), Suffix: suffix(path, sub.Prefix())}, body)
		}
	}
}

// handleGossipIssue decodes a mirrored issue arriving over the gossipsub
// receive path (SPEC_FULL §F: GossipMirror.subscribeSegment) and notifies
// any local Subscriber whose prefix matches, the same as handleIssue's
// local-delivery half but with no Link filter — a gossip-mirrored issue
// arrives with no Link of its own to filter against, so every local
// Subscriber on a matching prefix is notified regardless of Link.
func (h *Hub) handleGossipIssue(payload []byte) {
	_, path, body, err := decodeIssue(payload)
	if err != nil {
		h.log.WithError(err).Debug("pubsub: malformed gossip issue record")
		return
	}
	for _, sub := range h.subs.matching(path) {
		if sub.OnIssue != nil {
			sub.OnIssue(Locator{Prefix: sub.Prefix(), Suffix: suffix(path, sub.Prefix())}, body)
		}
	}
}

func (h *Hub) handlePull(link ids.Link, payload []byte) {
	digest, err := decodePull(payload)
	if err != nil {
		h.log.WithError(err).Debug("pubsub: malformed pull record")
		return
	}
	data, err := h.store.Get(digest)
	if err != nil {
		return // NotPresent: nothing to push (§7)
	}
	sender, ok := h.senderFor(link)
	if !ok {
		return
	}
	if err := sender.PushBlock(digest, data, 0); err != nil {
		h.log.WithError(err).Debug("pubsub: pull response push failed")
	}
}

func (h *Hub) senderFor(link ids.Link) (LinkSender, bool) {
	h.linksMu.RLock()
	defer h.linksMu.RUnlock()
	s, ok := h.links[link]
	return s, ok
}

func (h *Hub) handleBlockArrival(digest ids.Digest, payload []byte) {
	stored, err := h.store.Put(payload)
	if err != nil || len(stored) != 1 || stored[0] != digest {
		h.log.WithField("digest", digest).Debug("pubsub: dropping block that failed verification")
		return
	}
	h.calls.fire(digest, payload)
}

// RequestBlock registers cb against digest (coalescing with any other
// pending request for the same digest) and drives the fetch: a synchronous
// fire if the block is already local (§4.F: "When the block store already
// has the digest, the caller fires synchronously"), otherwise a direct
// pull request to hint over any Link that reaches it, escalating to DHT
// retrieval after CallFallbackTimeout.
func (h *Hub) RequestBlock(digest ids.Digest, hint ids.NodeID, cb func(ids.Digest, []byte)) {
	if data, err := h.store.Get(digest); err == nil {
		cb(digest, data)
		return
	}

	_, isNew := h.calls.register(digest, hint, cb)
	if !isNew {
		return
	}

	h.requestPull(digest, hint)
	h.sched.After(CallFallbackTimeout, func() { h.escalate(digest) })
}

func (h *Hub) requestPull(digest ids.Digest, hint ids.NodeID) {
	payload := encodePull(digest)
	h.linksMu.RLock()
	defer h.linksMu.RUnlock()
	for link, sender := range h.links {
		if hint.IsZero() || link.Node == hint {
			if err := sender.PushRecord(recordPull, payload); err != nil {
				h.log.WithError(err).Debug("pubsub: pull request failed")
			}
		}
	}
}

// escalate is invoked on the Scheduler once CallFallbackTimeout elapses
// for a still-pending Caller; it switches to DHT retrieval and, if that
// too comes up empty, reschedules itself every CallPeriod until the Caller
// fires or is abandoned.
func (h *Hub) escalate(digest ids.Digest) {
	if _, pending := h.calls.pending(digest); !pending {
		return
	}
	if h.dht != nil {
		for _, v := range h.dht(digest, CallFallbackTimeout) {
			stored, err := h.store.Put(v)
			if err == nil && len(stored) == 1 && stored[0] == digest {
				h.calls.fire(digest, v)
				return
			}
		}
	}
	h.sched.After(CallPeriod, func() { h.escalate(digest) })
}
