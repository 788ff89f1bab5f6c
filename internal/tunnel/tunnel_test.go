package tunnel

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/overlay"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

type testPeer struct {
	kp   *crypto.KeyPair
	node *overlay.Node
	mgr  *Manager
}

func newTestPeer(t *testing.T, pool *scheduler.Pool) *testPeer {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	node := overlay.New(kp, pool, log)
	require.NoError(t, node.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = node.Close() })

	mgr := New(kp, node, pool, log)
	t.Cleanup(mgr.Close)

	return &testPeer{kp: kp, node: node, mgr: mgr}
}

func connectPeers(t *testing.T, a, b *testPeer) {
	t.Helper()
	b.node.Bootstrap([]string{a.node.Addr()})
	require.Eventually(t, func() bool {
		return a.node.Routing().Len() >= 1 && b.node.Routing().Len() >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelOpenAndExchangeRecords(t *testing.T) {
	pool := scheduler.NewPool(8, 32)
	t.Cleanup(pool.Close)

	a := newTestPeer(t, pool)
	b := newTestPeer(t, pool)
	connectPeers(t, a, b)

	var opened *Tunnel
	b.mgr.OnOpen(func(tun *Tunnel) { opened = tun })

	client, err := a.mgr.Open(b.node.Self(), b.kp.ID)
	require.NoError(t, err)
	require.Equal(t, StateOpen, client.State())

	require.Eventually(t, func() bool { return opened != nil }, 2*time.Second, 10*time.Millisecond)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	opened.dtlsConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := opened.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestTunnelOpenRejectsWrongExpectedContact(t *testing.T) {
	pool := scheduler.NewPool(8, 32)
	t.Cleanup(pool.Close)

	a := newTestPeer(t, pool)
	b := newTestPeer(t, pool)
	connectPeers(t, a, b)

	wrongContact, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = a.mgr.Open(b.node.Self(), wrongContact.ID)
	require.Error(t, err)
}

func TestManagerBlacklistsAfterAuthFailure(t *testing.T) {
	pool := scheduler.NewPool(8, 32)
	t.Cleanup(pool.Close)

	a := newTestPeer(t, pool)
	b := newTestPeer(t, pool)
	connectPeers(t, a, b)

	wrongContact, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = a.mgr.Open(b.node.Self(), wrongContact.ID)
	require.Error(t, err)
	require.True(t, a.mgr.isBlacklisted(b.node.Self()))

	_, err = a.mgr.Open(b.node.Self(), wrongContact.ID)
	require.Error(t, err)
}
