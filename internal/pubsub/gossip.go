package pubsub

import (
	"context"
	"sync"

	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/sirupsen/logrus"
)

// gossipTopicPrefix namespaces every mirrored topic so this module's
// traffic never collides with another gossipsub application sharing the
// same libp2p host.
const gossipTopicPrefix = "teapotnet/pubsub/"

// GossipMirror mirrors Issue records onto a gossipsub topic per top-level
// prefix segment (SPEC_FULL §F): it both publishes local issues and, once
// a local Subscriber registers interest in a segment, subscribes to that
// segment's topic and feeds inbound mirrored issues back into the Hub
// (hub.handleGossipIssue), so a node sharing no direct Link but connected
// through the same libp2p mesh still observes them. This is purely
// additive: every correctness invariant in spec §8 is already satisfied
// by the direct per-Link record path, and a Hub with no GossipMirror
// attached behaves identically.
type GossipMirror struct {
	ctx context.Context
	ps  *libp2ppubsub.PubSub
	log *logrus.Entry
	hub *Hub

	mu     sync.Mutex
	topics map[string]*libp2ppubsub.Topic
	subs   map[string]*libp2ppubsub.Subscription
}

// NewGossipMirror wraps an already-constructed gossipsub instance (the
// caller owns the libp2p host's lifecycle, following the teacher's
// `core.Node.pubsub` ownership split between host and pubsub).
func NewGossipMirror(ctx context.Context, ps *libp2ppubsub.PubSub, log *logrus.Logger) *GossipMirror {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &GossipMirror{
		ctx:    ctx,
		ps:     ps,
		log:    log.WithField("component", "pubsub-gossip"),
		topics: make(map[string]*libp2ppubsub.Topic),
		subs:   make(map[string]*libp2ppubsub.Subscription),
	}
}

// topic returns (joining if necessary) the gossipsub topic for segment.
// Callers hold g.mu.
func (g *GossipMirror) topic(segment string) (*libp2ppubsub.Topic, error) {
	name := gossipTopicPrefix + segment
	if t, ok := g.topics[name]; ok {
		return t, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, err
	}
	g.topics[name] = t
	return t, nil
}

// subscribeSegment joins segment's topic (if not already joined) and
// starts a receive loop feeding every inbound mirrored issue into the
// attached Hub. Called once per top-level segment the first time a local
// Subscriber registers under it (see Hub.Subscribe).
func (g *GossipMirror) subscribeSegment(segment string) {
	if segment == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[segment]; ok {
		return
	}
	t, err := g.topic(segment)
	if err != nil {
		g.log.WithError(err).Debug("pubsub: gossip topic join failed")
		return
	}
	sub, err := t.Subscribe()
	if err != nil {
		g.log.WithError(err).Debug("pubsub: gossip subscribe failed")
		return
	}
	g.subs[segment] = sub

	go g.receiveLoop(sub)
}

// receiveLoop drains one gossipsub subscription until its context is
// cancelled, decoding each message as a mirrored issue (§4.F record
// framing) and handing it to the Hub exactly as a direct-Link issue
// record would be, minus the Link filter a gossip-mirrored message has
// no Link to carry.
func (g *GossipMirror) receiveLoop(sub *libp2ppubsub.Subscription) {
	for {
		msg, err := sub.Next(g.ctx)
		if err != nil {
			return // context cancelled or subscription closed
		}
		if g.hub != nil {
			g.hub.handleGossipIssue(msg.Data)
		}
	}
}

// MirrorIssue broadcasts an issue record's wire bytes onto the topic
// derived from path's top-level segment.
func (g *GossipMirror) MirrorIssue(path string, wire []byte) {
	segment := topLevelSegment(path)
	if segment == "" {
		return
	}
	g.mu.Lock()
	t, err := g.topic(segment)
	g.mu.Unlock()
	if err != nil {
		g.log.WithError(err).Debug("pubsub: gossip topic join failed")
		return
	}
	if err := t.Publish(g.ctx, wire); err != nil {
		g.log.WithError(err).Debug("pubsub: gossip publish failed")
	}
}

// AttachGossip wires g into hub.Issue calls (every Issue broadcast also
// mirrors onto gossipsub, additive to the direct-Link delivery already
// performed by Hub.Issue itself) and wires hub back into g so inbound
// mirrored issues (subscribeSegment's receive loop) can reach
// hub.handleGossipIssue.
func (h *Hub) AttachGossip(g *GossipMirror) {
	h.gossip = g
	g.hub = h
}
