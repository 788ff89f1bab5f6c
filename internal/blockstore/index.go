package blockstore

import (
	"os"
	"path/filepath"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// loadIndex rebuilds the in-memory index by walking the sharded directory
// tree at startup. Refcounts are intentionally not persisted: a pin
// represents a live in-process reference (§3: "retained in the block
// store"/"Pin ... refcount-based retention for in-use resources") and is
// re-established by whatever resource re-opens the block, not by the store
// itself.
func (s *Store) loadIndex() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil // fresh store directory; nothing to load
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			d, err := ids.Parse(f.Name())
			if err != nil {
				continue // not a block file we recognise
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			s.index[d] = &entry{Size: info.Size(), LastAccess: info.ModTime()}
			s.total += info.Size()
		}
	}
	return nil
}
