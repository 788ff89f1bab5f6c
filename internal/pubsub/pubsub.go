// Package pubsub implements the prefix-based publish/subscribe plane of
// spec §4.F: Subscribers register slash-delimited prefixes, Publishers
// answer "what do you have under this path" pull requests with
// BlockDigests, and a Caller table coalesces pending block fetches so a
// digest that several subscribers want is only fetched once.
package pubsub

import (
	"strings"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Locator names where a notification came from: the Link it rode in on,
// and (for remote deliveries) the two path components spec §8 scenario 5
// distinguishes — the subscribed prefix and the suffix beneath it.
type Locator struct {
	Link   ids.Link
	Prefix string
	Suffix string
}

// normalize collapses a path to its canonical form: a single leading
// slash, no trailing slash (except the root "/"), no repeated slashes.
// Strict prefix matching (§4.F) is defined over this normalised form.
func normalize(path string) string {
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "/"
	}
	return "/" + strings.Join(kept, "/")
}

// hasPrefix reports whether path falls under prefix, matching whole path
// segments only ("/foo" matches "/foo/bar" but not "/foobar").
func hasPrefix(path, prefix string) bool {
	path, prefix = normalize(path), normalize(prefix)
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// suffix returns the part of path beneath prefix, e.g. suffix("/foo/bar",
// "/foo") == "/bar".
func suffix(path, prefix string) string {
	path, prefix = normalize(path), normalize(prefix)
	if prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// topLevelSegment returns the first path component of a normalised prefix,
// used to name the optional gossipsub mirror topic (SPEC_FULL §F): a
// subscription on "/foo/bar" mirrors onto topic segment "foo".
func topLevelSegment(prefix string) string {
	p := normalize(prefix)
	if p == "/" {
		return ""
	}
	parts := strings.SplitN(p[1:], "/", 2)
	return parts[0]
}

// Subscriber reacts to targets and issues announced under a registered
// prefix. Incoming is invoked once per delivered digest (§4.F: "a block
// arrival fires all callbacks once"); OnIssue is invoked for unsolicited
// Publisher pushes (§4.F Publisher flow). Both are optional; a Subscriber
// with neither set still participates in fetch coalescing via its own
// prefix registration.
type Subscriber struct {
	prefix string
	Link   ids.Link

	Incoming func(loc Locator, digest ids.Digest)
	OnIssue  func(loc Locator, payload []byte)
}

// NewSubscriber creates a Subscriber for prefix, filtered to link (the
// zero Link matches traffic on every registered Link).
func NewSubscriber(prefix string, link ids.Link) *Subscriber {
	return &Subscriber{prefix: normalize(prefix), Link: link}
}

// Prefix returns the subscriber's normalised registered prefix.
func (s *Subscriber) Prefix() string { return s.prefix }

// Publisher answers announce(path) with the digests currently valid at
// that path (§4.F: "Publications are pull-style"). Announce may be called
// from the Hub's own goroutine and must not block on network I/O.
type Publisher struct {
	Prefix string
	Link   ids.Link

	Announce func(path string) []ids.Digest
}
