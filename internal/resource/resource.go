// Package resource implements the Resource Layer of spec §4.G: files and
// directories are content-addressed by the digest of an index block
// listing their ordered content blocks, with optional per-resource
// encryption and publisher signatures.
package resource

import (
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Resource is a handle on an index block: the digest addressing it, and an
// optional secret used to derive the per-resource decryption key (§3:
// "Resource ... { index BlockDigest, optional secret key }").
type Resource struct {
	Index  ids.Digest
	Secret []byte
}

// CID mints a CIDv1 alias of the resource's index-block digest for the
// HTTP collaborator interface (SPEC_FULL §G), the same way the teacher's
// Storage.Pin mints one for its gateway-facing identifier: the canonical
// identifier used internally and on the wire remains Index, the raw
// 32-byte digest.
func (r Resource) CID() string {
	// Wrap the digest we already hold rather than re-hashing (the teacher's
	// Pin hashes raw content because it only has content; we only have the
	// pre-computed SHA-256 digest itself).
	encoded, err := mh.Encode(r.Index[:], mh.SHA2_256)
	if err != nil {
		return ""
	}
	return cid.NewCidV1(cid.Raw, encoded).String()
}
