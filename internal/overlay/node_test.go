package overlay

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

func newTestNode(t *testing.T) (*Node, *scheduler.Pool) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	pool := scheduler.NewPool(4, 16)
	t.Cleanup(pool.Close)

	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	n := New(kp, pool, log)
	t.Cleanup(func() { _ = n.Close() })
	return n, pool
}

func connectPair(t *testing.T) (a, b *Node) {
	t.Helper()
	a, _ = newTestNode(t)
	b, _ = newTestNode(t)

	require.NoError(t, a.Listen("127.0.0.1:0"))
	require.NoError(t, b.Listen("127.0.0.1:0"))

	b.Bootstrap([]string{a.Addr()})
	require.Eventually(t, func() bool {
		return a.Routing().Len() >= 1 && b.Routing().Len() >= 1
	}, 2*time.Second, 10*time.Millisecond)
	return a, b
}

func TestNodeBootstrapEstablishesMutualRoute(t *testing.T) {
	a, b := connectPair(t)
	require.Equal(t, b.Self(), a.Routing().Nearest(b.Self(), 1)[0].ID)
	require.Equal(t, a.Self(), b.Routing().Nearest(a.Self(), 1)[0].ID)
}

func TestNodePingPong(t *testing.T) {
	a, b := connectPair(t)
	require.NoError(t, a.Send(b.Self(), TypePing, nil))
	// No direct observable effect beyond not erroring and not tripping a
	// missed-ping eviction; give the responder's read loop a moment.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, a.Routing().Len())
}

func TestNodeStoreRetrieveAcrossPeers(t *testing.T) {
	a, b := connectPair(t)
	key := crypto.Hash([]byte("shared-key"))

	a.StoreValue(key, []byte("hello"))

	require.Eventually(t, func() bool {
		values := b.RetrieveValue(key)
		for _, v := range values {
			if string(v) == "hello" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNodeResolveNodeFindsPeer(t *testing.T) {
	a, b := connectPair(t)
	found := a.ResolveNode(b.Self())
	require.NotEmpty(t, found)
	require.Equal(t, b.Self(), found[0].ID)
}

func TestNodeAuthenticationRejectsUnexpectedRemoteIdentity(t *testing.T) {
	a, _ := newTestNode(t)
	require.NoError(t, a.Listen("127.0.0.1:0"))

	dialerKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	wrongExpectation, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// a's real identity will never match wrongExpectation's, so the dial
	// must fail closed rather than silently trust whoever answered
	// (§4.C / §8 auth-rejection property).
	_, err = dialAuthenticated("tcp", a.Addr(), dialerKey, wrongExpectation.ID)
	require.Error(t, err)
}

func TestVerifyClaimedIdentityRejectsMismatchedKey(t *testing.T) {
	claimed, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	actual, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = verifyClaimedIdentity(claimed.ID, &actual.Private.PublicKey)
	require.Error(t, err)
}
