package overlay

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Send builds a message from this node and routes it toward dst, either
// delivering it locally, handing it to an already-open connection, or
// relaying it through the closest connected peer (§4.C: "messages are
// source-routed across the mesh, hop by hop, until TTL is exhausted or the
// destination is reached").
func (n *Node) Send(dst ids.NodeID, t Type, payload []byte) error {
	return n.transmit(NewMessage(t, n.self.ID, dst, payload))
}

func (n *Node) transmit(m Message) error {
	if m.Destination == n.self.ID {
		n.dispatchLocal(m.Source, m)
		return nil
	}
	c, err := n.nextHop(m.Destination)
	if err != nil {
		return err
	}
	return c.writeMessage(m)
}

// nextHop picks the connection a message bound for dst should go out on:
// an existing session, a freshly dialled one if the routing table knows an
// address, or otherwise the closest currently-connected peer by XOR
// distance (§4.C).
func (n *Node) nextHop(dst ids.NodeID) (*conn, error) {
	n.mu.Lock()
	if c, ok := n.conns[dst]; ok {
		n.mu.Unlock()
		return c, nil
	}
	n.mu.Unlock()

	if c, err := n.dialPeer(dst); err == nil {
		return c, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	var best *conn
	var bestDist ids.ID
	for id, c := range n.conns {
		d := ids.Distance(id, dst)
		if best == nil || ids.Less(d, bestDist) {
			best, bestDist = c, d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("overlay: no route to %s", dst)
	}
	return best, nil
}

// handle processes one inbound message from peer: deliver if addressed to
// this node, else forward it on toward its destination, subject to TTL and
// the seen-cache loop guard (§4.C).
func (n *Node) handle(peer ids.NodeID, m Message) {
	if m.Destination == n.self.ID {
		n.dispatchLocal(peer, m)
		return
	}
	if !n.markSeen(m.fingerprint()) {
		return
	}
	if m.TTL == 0 {
		n.log.WithField("type", m.Type.String()).Debug("overlay: dropping message, TTL exhausted")
		return
	}
	m.TTL--
	c, err := n.nextHop(m.Destination)
	if err != nil {
		n.log.WithError(err).WithField("dst", crypto.Fingerprint(m.Destination.Bytes())[:8]).Debug("overlay: no next hop, dropping")
		return
	}
	if err := c.writeMessage(m); err != nil {
		n.log.WithError(err).Debug("overlay: forward write failed")
	}
}

func (n *Node) dispatchLocal(from ids.NodeID, m Message) {
	switch m.Type {
	case TypePing:
		_ = n.Send(from, TypePong, nil)
	case TypePong:
		// Liveness already recorded via RoutingTable.Touch in the read loop.
	case TypeCall:
		n.handleCall(from, m)
	case TypeCallResponse:
		n.deliverPending(m)
	case TypeStore:
		n.handleStore(m)
	case TypeRetrieve:
		n.handleRetrieve(from, m)
	case TypeRetrieveResponse:
		n.deliverPending(m)
	default:
		n.mu.Lock()
		h, ok := n.handlers[m.Type]
		n.mu.Unlock()
		if ok {
			h(from, m)
			return
		}
		n.log.WithField("type", m.Type.String()).Debug("overlay: no handler for inbound message")
	}
}

// --- RPC correlation -------------------------------------------------

// rpcToken generates the 8-byte correlation id carried at the front of
// every CALL/RETRIEVE payload and echoed back in its response, since the
// wire frame itself carries no request/response id (§6).
func rpcToken() (uint64, error) { return crypto.RandomUint64() }

func putToken(buf []byte, token uint64) {
	binary.BigEndian.PutUint64(buf, token)
}

func takeToken(payload []byte) (token uint64, rest []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("overlay: rpc payload too short")
	}
	return binary.BigEndian.Uint64(payload[:8]), payload[8:], nil
}

func (n *Node) awaitResponse(token uint64) (chan Message, func()) {
	ch := make(chan Message, 1)
	n.mu.Lock()
	n.pending[tokenKey(token)] = ch
	n.mu.Unlock()
	cancel := func() {
		n.mu.Lock()
		delete(n.pending, tokenKey(token))
		n.mu.Unlock()
	}
	return ch, cancel
}

// tokenKey adapts a uint64 RPC token to the ids.Digest-keyed pending map so
// CALL and RETRIEVE correlation share one table.
func tokenKey(token uint64) ids.Digest {
	var k ids.Digest
	binary.BigEndian.PutUint64(k[24:], token)
	return k
}

func (n *Node) deliverPending(m Message) {
	token, _, err := takeToken(m.Payload)
	if err != nil {
		return
	}
	n.mu.Lock()
	ch, ok := n.pending[tokenKey(token)]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- m:
	default:
	}
}

// --- CALL / FIND_NODE --------------------------------------------------

// handleCall answers a FIND_NODE-style CALL with the sender's own
// knowledge of the nodes closest to the requested target (§4.C).
func (n *Node) handleCall(from ids.NodeID, m Message) {
	token, rest, err := takeToken(m.Payload)
	if err != nil || len(rest) < ids.Size {
		return
	}
	var target ids.NodeID
	copy(target[:], rest[:ids.Size])

	entries := n.routing.Nearest(target, KClosest)
	resp := make([]byte, 8, 8+len(entries)*(ids.Size+2+64))
	putToken(resp, token)
	for _, e := range entries {
		addr := ""
		if len(e.Addresses) > 0 {
			addr = e.Addresses[0]
		}
		resp = append(resp, e.ID[:]...)
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(addr)))
		resp = append(resp, l[:]...)
		resp = append(resp, addr...)
	}
	_ = n.Send(from, TypeCallResponse, resp)
}

func decodeCallResponse(payload []byte) ([]struct {
	ID   ids.NodeID
	Addr string
}, error) {
	_, rest, err := takeToken(payload)
	if err != nil {
		return nil, err
	}
	var out []struct {
		ID   ids.NodeID
		Addr string
	}
	for len(rest) > 0 {
		if len(rest) < ids.Size+2 {
			return nil, fmt.Errorf("overlay: truncated call response")
		}
		var id ids.NodeID
		copy(id[:], rest[:ids.Size])
		rest = rest[ids.Size:]
		l := int(binary.BigEndian.Uint16(rest[:2]))
		rest = rest[2:]
		if len(rest) < l {
			return nil, fmt.Errorf("overlay: truncated call response address")
		}
		addr := string(rest[:l])
		rest = rest[l:]
		out = append(out, struct {
			ID   ids.NodeID
			Addr string
		}{id, addr})
	}
	return out, nil
}

// queryNode sends a single CALL to peer asking about target and waits for
// its CALL-RESPONSE, the single-hop RPC the iterative lookup builds on.
func (n *Node) queryNode(peer, target ids.NodeID) ([]struct {
	ID   ids.NodeID
	Addr string
}, error) {
	token, err := rpcToken()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 8, 8+ids.Size)
	putToken(payload, token)
	payload = append(payload, target[:]...)

	ch, cancel := n.awaitResponse(token)
	defer cancel()
	if err := n.Send(peer, TypeCall, payload); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return decodeCallResponse(resp.Payload)
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("overlay: call to %s timed out", peer)
	}
}

// ResolveNode runs an iterative Kademlia lookup for target, querying up to
// Alpha peers concurrently per round and converging on the KClosest known
// nodes (§4.C: "query α closest known nodes ... repeat until no closer
// node is found").
func (n *Node) ResolveNode(target ids.NodeID) []*RoutingEntry {
	type candidate struct {
		id   ids.NodeID
		addr string
	}
	seen := map[ids.NodeID]bool{n.self.ID: true}
	shortlist := n.routing.Nearest(target, KClosest)
	for _, e := range shortlist {
		seen[e.ID] = true
	}

	for round := 0; round < 8; round++ {
		queried := 0
		improved := false
		for _, e := range shortlist {
			if queried >= Alpha {
				break
			}
			queried++
			n.routing.Touch(e.ID, "")
			results, err := n.queryNode(e.ID, target)
			if err != nil {
				continue
			}
			for _, r := range results {
				if seen[r.ID] {
					continue
				}
				seen[r.ID] = true
				n.routing.Touch(r.ID, r.Addr)
				improved = true
			}
		}
		shortlist = n.routing.Nearest(target, KClosest)
		if !improved {
			break
		}
	}
	return shortlist
}

// --- STORE / RETRIEVE ---------------------------------------------------

// StoreValue replicates (key, value) to the KClosest nodes known to be
// near key, storing locally too when fewer than KClosest targets are known
// or no STORE could be sent (§4.C).
func (n *Node) StoreValue(key ids.Digest, value []byte) {
	targets := n.ResolveNode(key)
	payload := make([]byte, 0, ids.Size+len(value))
	payload = append(payload, key[:]...)
	payload = append(payload, value...)

	stored := false
	selfIsTarget := len(targets) < KClosest
	for _, t := range targets {
		if t.ID == n.self.ID {
			selfIsTarget = true
			continue
		}
		if err := n.Send(t.ID, TypeStore, payload); err == nil {
			stored = true
		}
	}
	if !stored || selfIsTarget {
		n.dht.storeLocal(key, value)
	}
}

func (n *Node) handleStore(m Message) {
	if len(m.Payload) < ids.Size {
		return
	}
	var key ids.Digest
	copy(key[:], m.Payload[:ids.Size])
	n.dht.storeLocal(key, m.Payload[ids.Size:])
}

func (n *Node) handleRetrieve(from ids.NodeID, m Message) {
	token, rest, err := takeToken(m.Payload)
	if err != nil || len(rest) < ids.Size {
		return
	}
	var key ids.Digest
	copy(key[:], rest[:ids.Size])

	values := n.dht.retrieveLocal(key)
	resp := make([]byte, 8)
	putToken(resp, token)
	for _, v := range values {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v)))
		resp = append(resp, l[:]...)
		resp = append(resp, v...)
	}
	_ = n.Send(from, TypeRetrieveResponse, resp)
}

// RetrieveValue queries the nodes closest to key and returns the union of
// values any of them hold locally (§4.C Tie-breaks: "the caller sees the
// union, ordered by arrival").
func (n *Node) RetrieveValue(key ids.Digest) [][]byte {
	var out [][]byte
	out = append(out, n.dht.retrieveLocal(key)...)

	for _, t := range n.ResolveNode(key) {
		if t.ID == n.self.ID {
			continue
		}
		vs, err := n.queryRetrieve(t.ID, key)
		if err != nil {
			continue
		}
		out = append(out, vs...)
	}
	return out
}

func (n *Node) queryRetrieve(peer ids.NodeID, key ids.Digest) ([][]byte, error) {
	token, err := rpcToken()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, 8, 8+ids.Size)
	putToken(payload, token)
	payload = append(payload, key[:]...)

	ch, cancel := n.awaitResponse(token)
	defer cancel()
	if err := n.Send(peer, TypeRetrieve, payload); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		_, rest, err := takeToken(resp.Payload)
		if err != nil {
			return nil, err
		}
		var values [][]byte
		for len(rest) >= 4 {
			l := int(binary.BigEndian.Uint32(rest[:4]))
			rest = rest[4:]
			if len(rest) < l {
				break
			}
			values = append(values, append([]byte(nil), rest[:l]...))
			rest = rest[l:]
		}
		return values, nil
	case <-time.After(callTimeout):
		return nil, fmt.Errorf("overlay: retrieve from %s timed out", peer)
	}
}
