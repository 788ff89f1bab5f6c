// Package blockstore implements the content-addressed, chunked, verified
// block storage of spec §4.B: blocks are immutable byte arrays of at most
// 256 KiB identified by the SHA-256 digest of their content, kept one file
// per digest under a sharded directory, with a refcount-based pin/unpin API
// and incremental LRU eviction over unpinned blocks.
package blockstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

// MaxBlockSize is the largest content chunk addressable by a single digest
// (§3: "an immutable byte array of at most 256 KiB").
const MaxBlockSize = 256 * 1024

// ErrNotPresent is returned when a digest is absent locally, matching the
// taxonomy in §7.
var ErrNotPresent = errors.New("blockstore: not present")

// entry is the index database's schema: `digest -> {size, refcount,
// last-access, type}` (§6). "type" is an opaque tag that the store does not
// interpret; no Store method sets it, so it is always empty.
type entry struct {
	Size       int64     `json:"size"`
	Refcount   int       `json:"refcount"`
	LastAccess time.Time `json:"last_access"`
	Type       string    `json:"type"`
}

// Store is a multi-reader, single-writer-per-digest content-addressed
// block store (§5: "writes are idempotent and race-safe by digest-first
// wins").
type Store struct {
	root   string
	quota  int64
	pool   *scheduler.Pool
	logger *log.Logger

	mu      sync.RWMutex
	index   map[ids.Digest]*entry
	total   int64
	evictMu sync.Mutex // serialises eviction passes; held only during sweep
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithQuota sets the eviction threshold in bytes. Zero means unbounded.
func WithQuota(bytes int64) Option { return func(s *Store) { s.quota = bytes } }

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option { return func(s *Store) { s.logger = l } }

// New opens (creating if absent) a Store rooted at dir, draining eviction
// work onto pool (§4.B: "Eviction is incremental and never blocks
// readers").
func New(dir string, pool *scheduler.Pool, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: mkdir root: %w", err)
	}
	s := &Store{
		root:   dir,
		pool:   pool,
		logger: log.StandardLogger(),
		index:  make(map[ids.Digest]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) pathFor(d ids.Digest) string {
	hex := d.String()
	return filepath.Join(s.root, hex[:2], hex)
}

// Put chunks data into MaxBlockSize pieces, writes each to the content-
// addressed store and returns the digest of every piece in order (§4.B:
// "the caller composes index blocks"). A zero-length input yields a single
// empty block, matching the multi-block directory seed test's inclusion of
// a 0-byte file (§8 scenario 2).
func (s *Store) Put(data []byte) ([]ids.Digest, error) {
	if len(data) == 0 {
		d, err := s.putChunk(nil)
		if err != nil {
			return nil, err
		}
		return []ids.Digest{d}, nil
	}
	var digests []ids.Digest
	for off := 0; off < len(data); off += MaxBlockSize {
		end := off + MaxBlockSize
		if end > len(data) {
			end = len(data)
		}
		d, err := s.putChunk(data[off:end])
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// putChunk writes a single ≤256KiB chunk and returns its digest.
func (s *Store) putChunk(chunk []byte) (ids.Digest, error) {
	d := crypto.Hash(chunk)

	s.mu.Lock()
	if e, ok := s.index[d]; ok {
		e.LastAccess = time.Now().UTC()
		s.mu.Unlock()
		return d, nil // digest-first-wins: already present, nothing to write
	}
	s.mu.Unlock()

	path := s.pathFor(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return d, fmt.Errorf("blockstore: mkdir shard: %w", err)
	}
	if err := os.WriteFile(path, chunk, 0o644); err != nil {
		return d, fmt.Errorf("blockstore: write block: %w", err)
	}

	s.mu.Lock()
	s.index[d] = &entry{Size: int64(len(chunk)), LastAccess: time.Now().UTC()}
	s.total += int64(len(chunk))
	over := s.quota > 0 && s.total > s.quota
	s.mu.Unlock()

	zap.L().Sugar().Debugf("blockstore: wrote new block %s (%d bytes)", d, len(chunk))

	if over {
		s.pool.Submit(s.evictOverQuota)
	}
	return d, nil
}

// Get returns the verified content for digest, or ErrNotPresent if absent
// or if verification fails (§7 InvalidData: "a failed verification deletes
// the offending file and reports NotPresent").
func (s *Store) Get(d ids.Digest) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.index[d]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotPresent
	}

	data, err := os.ReadFile(s.pathFor(d))
	if err != nil {
		s.forget(d)
		return nil, ErrNotPresent
	}
	if crypto.Hash(data) != d {
		s.logger.Warnf("blockstore: digest mismatch for %s, evicting", d)
		_ = os.Remove(s.pathFor(d))
		s.forget(d)
		return nil, ErrNotPresent
	}

	s.mu.Lock()
	e.LastAccess = time.Now().UTC()
	s.mu.Unlock()
	return data, nil
}

// Has reports whether digest is present without touching last-access.
func (s *Store) Has(d ids.Digest) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[d]
	return ok
}

// Pin increments the refcount of d, exempting it from eviction while
// referenced (§4.B).
func (s *Store) Pin(d ids.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[d]; ok {
		e.Refcount++
	}
}

// Unpin decrements the refcount of d. It never goes below zero.
func (s *Store) Unpin(d ids.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.index[d]; ok && e.Refcount > 0 {
		e.Refcount--
	}
}

// Stats reports the number of blocks held and their total size.
func (s *Store) Stats() (count int, total int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index), s.total
}

func (s *Store) forget(d ids.Digest) {
	s.mu.Lock()
	if e, ok := s.index[d]; ok {
		s.total -= e.Size
		delete(s.index, d)
	}
	s.mu.Unlock()
}
