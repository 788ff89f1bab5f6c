package blockstore

import (
	"os"
	"sort"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// evictOverQuota runs an LRU sweep over unpinned blocks until the store is
// back under quota, or there is nothing left to evict (§4.B: "Eviction is
// incremental and never blocks readers" — it is submitted to the Pool and
// only ever holds the index lock for the duration of a single snapshot/
// delete, never while doing file I/O under the main mutex).
func (s *Store) evictOverQuota() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	for {
		s.mu.RLock()
		over := s.quota > 0 && s.total > s.quota
		s.mu.RUnlock()
		if !over {
			return
		}

		victim, ok := s.oldestUnpinned()
		if !ok {
			return // nothing left that can be evicted
		}
		_ = os.Remove(s.pathFor(victim))
		s.forget(victim)
	}
}

func (s *Store) oldestUnpinned() (ids.Digest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type candidate struct {
		digest     ids.Digest
		lastAccess time.Time
	}
	var candidates []candidate
	for d, e := range s.index {
		if e.Refcount == 0 {
			candidates = append(candidates, candidate{d, e.LastAccess})
		}
	}
	if len(candidates) == 0 {
		return ids.Digest{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})
	return candidates[0].digest, true
}
