package pubsub

import (
	"sync"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// subscriberTable and publisherTable are the Subscription Table and
// Publication Table of spec §3: prefix -> set of registered endpoints,
// each guarded by its own mutex per the lock-order policy in §5
// ("Subscribers/Publishers" sits between Handlers and RemoteSubscribers).
type subscriberTable struct {
	mu   sync.Mutex
	byID map[*Subscriber]string // subscriber -> its registered prefix, for Unsubscribe
	all  map[string][]*Subscriber
}

func newSubscriberTable() *subscriberTable {
	return &subscriberTable{byID: make(map[*Subscriber]string), all: make(map[string][]*Subscriber)}
}

func (t *subscriberTable) add(prefix string, s *Subscriber) {
	prefix = normalize(prefix)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s] = prefix
	t.all[prefix] = append(t.all[prefix], s)
}

func (t *subscriberTable) remove(s *Subscriber) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix, ok := t.byID[s]
	if !ok {
		return
	}
	delete(t.byID, s)
	set := t.all[prefix]
	for i, sub := range set {
		if sub == s {
			t.all[prefix] = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(t.all[prefix]) == 0 {
		delete(t.all, prefix)
	}
}

// matching returns every Subscriber whose registered prefix is a prefix of
// path, i.e. path falls within what they asked for.
func (t *subscriberTable) matching(path string) []*Subscriber {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Subscriber
	for prefix, set := range t.all {
		if hasPrefix(path, prefix) {
			out = append(out, set...)
		}
	}
	return out
}

type publisherTable struct {
	mu   sync.Mutex
	byID map[*Publisher]struct{}
	all  map[string][]*Publisher
}

func newPublisherTable() *publisherTable {
	return &publisherTable{byID: make(map[*Publisher]struct{}), all: make(map[string][]*Publisher)}
}

func (t *publisherTable) add(p *Publisher) {
	prefix := normalize(p.Prefix)
	p.Prefix = prefix
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p] = struct{}{}
	t.all[prefix] = append(t.all[prefix], p)
}

func (t *publisherTable) remove(p *Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[p]; !ok {
		return
	}
	delete(t.byID, p)
	set := t.all[p.Prefix]
	for i, pub := range set {
		if pub == p {
			t.all[p.Prefix] = append(set[:i], set[i+1:]...)
			break
		}
	}
	if len(t.all[p.Prefix]) == 0 {
		delete(t.all, p.Prefix)
	}
}

// matching returns every Publisher whose own prefix is a prefix of path,
// i.e. publishers whose namespace could answer an announce(path) call.
func (t *publisherTable) matching(path string) []*Publisher {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Publisher
	for prefix, set := range t.all {
		if hasPrefix(path, prefix) {
			out = append(out, set...)
		}
	}
	return out
}

// linkFilter reports whether a registration's Link filter accepts sending
// to/receiving from peer. A wildcard Link (empty Node, per §3) matches any
// instance of the remote contact.
func linkFilter(registered, peer ids.Link) bool {
	if registered.Local.IsZero() && registered.Remote.IsZero() && registered.Node.IsZero() {
		return true // no filter registered: matches every link
	}
	return registered.Matches(peer)
}
