package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/overlay"
)

// tunnelConn adapts one (tunnel-id, peer) pair to a datagram-oriented
// net.Conn so pion/dtls/v2 can run its DTLS association directly over
// overlay messages: each Write becomes one TUNNEL overlay message carrying
// `tunnel-id(8) || record` (§6: "Tunnel frame ... standard DTLS 1.2 record
// layout with tunnel-id(8) prefix"), and each inbound record delivered by
// the Manager is queued for Read to return whole, preserving the one-
// record-per-packet semantics DTLS expects.
type tunnelConn struct {
	mgr  *Manager
	id   uint64
	peer ids.NodeID

	inbound   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newTunnelConn(mgr *Manager, id uint64, peer ids.NodeID) *tunnelConn {
	return &tunnelConn{
		mgr:     mgr,
		id:      id,
		peer:    peer,
		inbound: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// deliver enqueues an inbound DTLS record. It drops the record rather than
// blocking the overlay Node's read loop if the consumer has fallen far
// behind; DTLS's own retransmission handles the resulting loss exactly as
// it would handle a dropped UDP datagram.
func (c *tunnelConn) deliver(record []byte) {
	cp := append([]byte(nil), record...)
	select {
	case c.inbound <- cp:
	default:
	}
}

func (c *tunnelConn) Read(p []byte) (int, error) {
	select {
	case b, ok := <-c.inbound:
		if !ok {
			return 0, io.EOF
		}
		return copy(p, b), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *tunnelConn) Write(p []byte) (int, error) {
	payload := make([]byte, 8+len(p))
	binary.BigEndian.PutUint64(payload, c.id)
	copy(payload[8:], p)
	if err := c.mgr.node.Send(c.peer, overlay.TypeTunnel, payload); err != nil {
		return 0, fmt.Errorf("tunnel: send record: %w", err)
	}
	return len(p), nil
}

func (c *tunnelConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *tunnelConn) LocalAddr() net.Addr  { return tunnelAddr(c.mgr.node.Self()) }
func (c *tunnelConn) RemoteAddr() net.Addr { return tunnelAddr(c.peer) }

// Deadlines are not meaningful for this adapter: the overlay connection
// underneath is already a reliable stream, and DTLS's own flight timers
// govern handshake retransmission.
func (c *tunnelConn) SetDeadline(time.Time) error      { return nil }
func (c *tunnelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tunnelConn) SetWriteDeadline(time.Time) error { return nil }

// tunnelAddr implements net.Addr over a NodeId, satisfying dtls's
// LocalAddr/RemoteAddr plumbing without implying any real socket address.
type tunnelAddr ids.NodeID

func (a tunnelAddr) Network() string { return "overlay-tunnel" }
func (a tunnelAddr) String() string  { return ids.ID(a).String() }
