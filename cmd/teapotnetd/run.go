package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	libp2ppubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/sirupsen/logrus"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/contact"
	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/fountain"
	"github.com/teapotnet/teapotnet-go/internal/identity"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/overlay"
	"github.com/teapotnet/teapotnet-go/internal/pubsub"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
	"github.com/teapotnet/teapotnet-go/internal/tunnel"
	"github.com/teapotnet/teapotnet-go/pkg/config"
)

// poolWorkers and poolQueueDepth size the process-wide scheduler.Pool every
// overlay/tunnel/fountain/pubsub/block-store component submits work onto
// (§4.H: eviction and idle checks are never run inline).
const (
	poolWorkers    = 16
	poolQueueDepth = 1024
)

// run wires every layer in §4 together for one node lifetime and blocks
// until an interrupt or terminate signal requests a graceful shutdown.
func run(cfg *config.Config, log *logrus.Logger) error {
	ident, mnemonic, err := identity.Load(cfg.Identity.File, cfg.Identity.Name, []byte(cfg.Identity.Secret))
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	if mnemonic != "" {
		fmt.Fprintln(os.Stderr, "teapotnetd: new node identity created; recovery mnemonic (write this down, shown once):")
		fmt.Fprintln(os.Stderr, mnemonic)
	}

	book, err := contact.Open(cfg.Identity.File + ".contacts")
	if err != nil {
		return fmt.Errorf("open contact book: %w", err)
	}

	pool := scheduler.NewPool(poolWorkers, poolQueueDepth)
	defer pool.Close()

	store, err := blockstore.New(cfg.Storage.BlockRoot, pool,
		blockstore.WithQuota(cfg.Storage.QuotaBytes),
		blockstore.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	node := overlay.New(ident.Keys, pool, log)
	listenAddr := cfg.Overlay.ListenAddr
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("0.0.0.0:%d", cfg.Overlay.Port)
	}
	if err := node.Listen(listenAddr); err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	log.WithField("addr", node.Addr()).Info("overlay listening")

	if !cfg.Overlay.NoBootstrap {
		node.Bootstrap(cfg.Overlay.BootstrapPeers)
	}

	tunnels := tunnel.New(ident.Keys, node, pool, log)
	defer tunnels.Close()

	hub := pubsub.NewHub(node.Self(), store, pool, pubsub.WithLogger(log))
	defer hub.Close()

	gossipHost, gossipCancel := attachGossipMirror(hub, log)
	if gossipHost != nil {
		defer gossipCancel()
		defer gossipHost.Close()
	}

	fountainCfg := fountain.Config{
		PacketRate: cfg.Fountain.PacketRate,
		Redundancy: cfg.Fountain.Redundancy,
		Keepalive:  time.Duration(cfg.Fountain.KeepaliveSeconds) * time.Second,
		Timeout:    time.Duration(cfg.Fountain.TimeoutSeconds) * time.Second,
	}

	// Each open tunnel is registered as a concrete Link (Node = the
	// tunnel's peer); a Subscriber/Publisher registered with a zero Node
	// for the same Local/Remote pair still matches it, per ids.Link's
	// wildcard-matching semantics (internal/ids/ids.go).
	selfContact := ident.Keys.ID
	if _, ok := book.Get(cfg.Identity.Name); !ok {
		book.Add(&contact.Contact{UName: cfg.Identity.Name, Name: cfg.Identity.Name, Identifier: selfContact})
	}
	book.SetSelf(cfg.Identity.Name)

	tunnels.OnOpen(func(t *tunnel.Tunnel) {
		link := fountain.New(t, pool, fountainCfg, log)
		remote := remoteContactFor(book, t.Peer)
		l := ids.Link{Local: selfContact, Remote: remote, Node: t.Peer}
		hub.RegisterLink(l, link)
		log.WithField("peer", crypto.Fingerprint(t.Peer.Bytes())[:8]).Info("fountain link established")
	})

	log.Info("teapotnetd ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("teapotnetd: shutting down")
	_ = node.Close()
	if err := book.Save(); err != nil {
		log.WithError(err).Warn("teapotnetd: failed to save contact book on shutdown")
	}
	return nil
}

// remoteContactFor resolves peer's ContactID from the address book, falling
// back to the zero ContactID for a peer not yet in the book. ids.Link treats
// only a zero Node as a wildcard, so a Link with a zero Remote matches only
// Subscribers/Publishers whose Link Remote is also zero.
func remoteContactFor(book *contact.Book, peer ids.NodeID) ids.ContactID {
	for _, c := range book.All() {
		if c.Identifier == peer {
			return c.Identifier
		}
	}
	return ids.ContactID{}
}

// attachGossipMirror starts a best-effort libp2p host and gossipsub
// instance and attaches it to hub, mirroring Issue broadcasts (SPEC_FULL
// §F). Gossip is purely additive — every invariant in spec §8 is already
// satisfied without it — so a failure here is logged and ignored rather
// than treated as a startup error. The returned host (nil on failure) must
// be closed, and its context cancelled, by the caller on shutdown.
func attachGossipMirror(hub *pubsub.Hub, log *logrus.Logger) (host libp2phost.Host, cancel context.CancelFunc) {
	h, err := libp2p.New()
	if err != nil {
		log.WithError(err).Warn("teapotnetd: gossip mirror disabled, libp2p host failed to start")
		return nil, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps, err := libp2ppubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		log.WithError(err).Warn("teapotnetd: gossip mirror disabled, gossipsub failed to start")
		return nil, nil
	}
	hub.AttachGossip(pubsub.NewGossipMirror(ctx, ps, log))
	log.WithField("peerID", h.ID().String()).Info("gossip mirror attached")
	return h, cancel
}
