package pubsub

import (
	"sync"
	"testing"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// fakeLink is an in-memory LinkSender that hands pushed records/blocks
// straight to whatever peer fakeLink it is wired to, bypassing the real
// Fountain encoding entirely — enough to exercise the Hub's dispatch logic
// in isolation.
type fakeLink struct {
	mu       sync.Mutex
	peer     *fakeLink
	onRecord func(string, []byte)
	onBlock  func(ids.Digest, []byte)
}

func (f *fakeLink) PushRecord(recordType string, payload []byte) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	if peer != nil && peer.onRecord != nil {
		peer.onRecord(recordType, payload)
	}
	return nil
}

func (f *fakeLink) PushBlock(digest ids.Digest, payload []byte, _ float64) error {
	f.mu.Lock()
	peer := f.peer
	f.mu.Unlock()
	if peer != nil && peer.onBlock != nil {
		peer.onBlock(digest, payload)
	}
	return nil
}

func (f *fakeLink) OnRecord(fn func(string, []byte))          { f.onRecord = fn }
func (f *fakeLink) OnBlock(fn func(ids.Digest, []byte))        { f.onBlock = fn }

func newTestHub(t *testing.T) (*Hub, *scheduler.Pool) {
	t.Helper()
	pool := scheduler.NewPool(4, 16)
	store, err := blockstore.New(t.TempDir(), pool)
	if err != nil {
		t.Fatalf("blockstore.New: %v", err)
	}
	var self ids.NodeID
	self[0] = 1
	return NewHub(self, store, pool), pool
}

func linkedPair() (a, b *fakeLink) {
	a, b = &fakeLink{}, &fakeLink{}
	a.peer, b.peer = b, a
	return
}

func TestSubscribePropagatesPublishRecord(t *testing.T) {
	hubA, poolA := newTestHub(t)
	defer poolA.Close()
	hubB, poolB := newTestHub(t)
	defer poolB.Close()

	linkA, linkB := linkedPair()
	var nodeB ids.NodeID
	nodeB[0] = 2
	key := ids.Link{Node: nodeB}
	hubA.RegisterLink(key, linkA)
	hubB.RegisterLink(ids.Link{}, linkB)

	got := make(chan string, 1)
	hubB.Publish(&Publisher{
		Prefix:   "/foo",
		Announce: func(path string) []ids.Digest { got <- path; return nil },
	})

	hubA.Subscribe(NewSubscriber("/foo", key))

	select {
	case path := <-got:
		if path != "/foo" {
			t.Fatalf("announced path = %q, want /foo", path)
		}
	case <-time.After(time.Second):
		t.Fatal("publisher never saw announce")
	}
}

func TestRequestBlockFiresSynchronouslyWhenLocal(t *testing.T) {
	hub, pool := newTestHub(t)
	defer pool.Close()

	digests, err := hub.store.Put([]byte("hello"))
	if err != nil || len(digests) != 1 {
		t.Fatalf("Put: %v", err)
	}

	fired := false
	hub.RequestBlock(digests[0], ids.NodeID{}, func(d ids.Digest, payload []byte) {
		fired = true
		if string(payload) != "hello" {
			t.Fatalf("payload = %q", payload)
		}
	})
	if !fired {
		t.Fatal("RequestBlock did not fire synchronously for a local block")
	}
}

func TestRequestBlockIgnoresMismatchedArrival(t *testing.T) {
	hub, pool := newTestHub(t)
	defer pool.Close()

	var digest ids.Digest
	digest[0] = 9

	var mu sync.Mutex
	fires := 0
	for i := 0; i < 3; i++ {
		hub.RequestBlock(digest, ids.NodeID{}, func(ids.Digest, []byte) {
			mu.Lock()
			fires++
			mu.Unlock()
		})
	}
	hub.handleBlockArrival(digest, []byte{1})
	// a digest mismatch (content doesn't hash to `digest`) must not fire
	mu.Lock()
	if fires != 0 {
		t.Fatalf("fired on mismatched content: %d", fires)
	}
	mu.Unlock()
}

func TestHandlePullRespondsWithStoredBlock(t *testing.T) {
	hub, pool := newTestHub(t)
	defer pool.Close()

	digests, err := hub.store.Put([]byte("pulldata"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	linkA, linkB := linkedPair()
	key := ids.Link{Node: ids.NodeID{1}}
	hub.RegisterLink(key, linkA)

	received := make(chan []byte, 1)
	linkB.OnBlock(func(d ids.Digest, payload []byte) { received <- payload })

	if err := linkB.PushRecord(recordPull, encodePull(digests[0])); err != nil {
		t.Fatalf("PushRecord: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "pulldata" {
			t.Fatalf("payload = %q", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("pull response never arrived")
	}
}

func TestPrefixMatching(t *testing.T) {
	if !hasPrefix("/foo/bar", "/foo") {
		t.Fatal("expected /foo to match /foo/bar")
	}
	if hasPrefix("/foobar", "/foo") {
		t.Fatal("expected /foo to not match /foobar")
	}
	if !hasPrefix("/foo", "/") {
		t.Fatal("expected root to match everything")
	}
	if suffix("/foo/bar", "/foo") != "/bar" {
		t.Fatalf("suffix = %q", suffix("/foo/bar", "/foo"))
	}
}
