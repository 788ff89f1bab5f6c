package resource

import (
	"errors"
	"io"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// ErrNotPresent mirrors blockstore.ErrNotPresent at the Resource boundary
// (§7: "NotPresent ... Surfaced to the Resource Reader, which may retry
// later").
var ErrNotPresent = blockstore.ErrNotPresent

// Fetcher pulls a block that is not locally present, via the pub/sub plane
// (§4.G: "pulling it via the pub/sub plane if needed"). A zero hint lets
// the implementation pick any source (DHT broadcast); pubsub.Hub.RequestBlock
// wrapped in a blocking helper satisfies this without resource importing
// pubsub.
type Fetcher func(digest ids.Digest, hint ids.NodeID) ([]byte, error)

// fetchBlock returns digest's content, from the store if present, else via
// fetch unless localOnly is set (§4.G: "fetch(digest, localOnly=false)").
func fetchBlock(store *blockstore.Store, digest ids.Digest, fetch Fetcher, hint ids.NodeID, localOnly bool) ([]byte, error) {
	if data, err := store.Get(digest); err == nil {
		return data, nil
	}
	if localOnly || fetch == nil {
		return nil, ErrNotPresent
	}
	data, err := fetch(digest, hint)
	if err != nil {
		return nil, ErrNotPresent
	}
	return data, nil
}

// Open reads the index block addressed by digest (from the store or, when
// absent and permitted, via fetch) and returns the parsed Resource and its
// IndexBlock (§4.G: "fetch(digest, localOnly=false): reads the index block
// from the store").
func Open(store *blockstore.Store, digest ids.Digest, secret []byte, fetch Fetcher, localOnly bool) (*Resource, IndexBlock, error) {
	raw, err := fetchBlock(store, digest, fetch, ids.NodeID{}, localOnly)
	if err != nil {
		return nil, IndexBlock{}, err
	}
	ib, err := DecodeIndexBlock(raw)
	if err != nil {
		return nil, IndexBlock{}, err
	}
	return &Resource{Index: digest, Secret: secret}, ib, nil
}

// Check verifies ib's signature over SigningBytes() with verify (§4.G:
// "check(publicKey) verifies"); an unsigned index block is an error.
func (ib IndexBlock) Check(verify func(data, sig []byte) error) error {
	if len(ib.Signature) == 0 {
		return errors.New("resource: index block is unsigned")
	}
	return verify(ib.SigningBytes(), ib.Signature)
}

// Reader exposes seek/read over a Resource, mapping file position to
// (block index, offset) and fetching blocks lazily (§4.G).
type Reader struct {
	store *blockstore.Store
	index IndexBlock
	fetch Fetcher
	hint  ids.NodeID
	key   []byte

	pos int64

	cachedIndex int
	cachedData  []byte // decrypted plaintext of block cachedIndex

	dirBuf []byte // buffered bytes not yet parsed into a DirectoryRecord
	dirEOF bool
}

// NewReader builds a Reader over resource, given its already-fetched
// IndexBlock. fetch (optional) is used to pull blocks this node does not
// yet have locally.
func NewReader(store *blockstore.Store, res *Resource, ib IndexBlock, fetch Fetcher) (*Reader, error) {
	var key []byte
	if res.Secret != nil {
		k, err := deriveResourceKey(res.Secret, ib.Salt)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &Reader{store: store, index: ib, fetch: fetch, key: key, cachedIndex: -1}, nil
}

// Size returns the resource's total plaintext size.
func (r *Reader) Size() int64 { return r.index.TotalSize }

// blockIndex maps a file position to its containing block index and the
// byte offset within that block's plaintext, per §4.G's mapping rule.
func (r *Reader) blockIndex(pos int64) (index int, offset int) {
	return int(pos / blockstore.MaxBlockSize), int(pos % blockstore.MaxBlockSize)
}

func (r *Reader) loadBlock(index int) ([]byte, error) {
	if r.cachedIndex == index {
		return r.cachedData, nil
	}
	if index < 0 || index >= len(r.index.Blocks) {
		return nil, io.EOF
	}
	raw, err := fetchBlock(r.store, r.index.Blocks[index], r.fetch, r.hint, false)
	if err != nil {
		return nil, err
	}
	plain := raw
	if r.key != nil {
		plain, err = openBlock(r.key, uint32(index), raw)
		if err != nil {
			return nil, err
		}
	}
	r.cachedIndex = index
	r.cachedData = plain
	return plain, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.index.TotalSize {
		return 0, io.EOF
	}
	idx, off := r.blockIndex(r.pos)
	block, err := r.loadBlock(idx)
	if err != nil {
		return 0, err
	}
	if off >= len(block) {
		return 0, io.EOF
	}
	n := copy(p, block[off:])
	r.pos += int64(n)
	return n, nil
}

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.index.TotalSize + offset
	default:
		return 0, errors.New("resource: invalid whence")
	}
	if target < 0 {
		return 0, errors.New("resource: negative seek position")
	}
	r.pos = target
	return r.pos, nil
}

// ReadDirectory yields the next DirectoryRecord from a directory resource,
// one at a time (§4.G: "the Reader yields one DirectoryRecord at a time").
// It returns io.EOF once every record has been consumed.
func (r *Reader) ReadDirectory() (DirectoryRecord, error) {
	for {
		if rec, n, err := decodeOneDirectoryRecord(r.dirBuf); err == nil {
			r.dirBuf = r.dirBuf[n:]
			return rec, nil
		}
		if r.dirEOF {
			if len(r.dirBuf) == 0 {
				return DirectoryRecord{}, io.EOF
			}
			return DirectoryRecord{}, errors.New("resource: truncated directory record at end of stream")
		}
		chunk := make([]byte, 4096)
		n, err := r.Read(chunk)
		r.dirBuf = append(r.dirBuf, chunk[:n]...)
		if err == io.EOF {
			r.dirEOF = true
		} else if err != nil {
			return DirectoryRecord{}, err
		}
	}
}
