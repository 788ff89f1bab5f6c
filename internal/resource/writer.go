package resource

import (
	"bytes"
	"io"
	"sort"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Options configures one Writer.Process call.
type Options struct {
	Name   string
	Type   string
	Secret []byte          // optional; non-nil enables per-block encryption
	Signer *crypto.KeyPair // optional; non-nil signs the index block
}

// Writer is the process()-time counterpart to Reader: it chunks content
// into ≤256KiB blocks, writes each to the store, composes and optionally
// signs the index block, and returns the Resource handle addressing it
// (§4.G: "process(filename, {name, type, secret}) -> Resource"). Splitting
// this out of Resource makes Reader and Writer independently testable
// (SPEC_FULL §G).
type Writer struct {
	Store *blockstore.Store
}

// NewWriter returns a Writer backed by store.
func NewWriter(store *blockstore.Store) *Writer { return &Writer{Store: store} }

// readChunks splits r into ≤256KiB pieces, buffering them so the salt
// (derived from the plaintext block digests) can be computed before any
// encryption happens.
func readChunks(r io.Reader) ([][]byte, int64, error) {
	var chunks [][]byte
	var total int64
	buf := make([]byte, blockstore.MaxBlockSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
			total += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return nil, 0, readErr
		}
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}} // zero-size content still addresses one empty block (§8 scenario 2)
	}
	return chunks, total, nil
}

// deterministicSalt derives the index block's HKDF salt from the content
// itself so identical content always produces an identical salt, and in
// turn an identical index digest (§8's determinism law), instead of the
// random salt a one-shot publish would otherwise use.
func deterministicSalt(plainDigests []ids.Digest) []byte {
	var buf []byte
	for _, d := range plainDigests {
		buf = append(buf, d[:]...)
	}
	sum := crypto.Hash(buf)
	return sum[:]
}

// Process chunks r into ≤256KiB blocks, writes each (optionally encrypted)
// to the store, and returns the resulting Resource. Chunking and hashing
// are deterministic: identical content always yields an identical
// index-block digest (§8).
func (w *Writer) Process(r io.Reader, opts Options) (*Resource, error) {
	chunks, total, err := readChunks(r)
	if err != nil {
		return nil, err
	}

	plainDigests := make([]ids.Digest, len(chunks))
	for i, c := range chunks {
		plainDigests[i] = crypto.Hash(c)
	}
	salt := deterministicSalt(plainDigests)

	var key []byte
	if opts.Secret != nil {
		key, err = deriveResourceKey(opts.Secret, salt)
		if err != nil {
			return nil, err
		}
	}

	blocks := make([]ids.Digest, len(chunks))
	for i, c := range chunks {
		stored := c
		if key != nil {
			stored, err = sealBlock(key, uint32(i), c)
			if err != nil {
				return nil, err
			}
		}
		digests, err := w.Store.Put(stored)
		if err != nil {
			return nil, err
		}
		blocks[i] = digests[0]
	}

	ib := IndexBlock{Name: opts.Name, Type: opts.Type, TotalSize: total, Blocks: blocks, Salt: salt}
	if opts.Signer != nil {
		sig, err := opts.Signer.Sign(ib.SigningBytes())
		if err != nil {
			return nil, err
		}
		ib.Signature = sig
	}

	idxDigests, err := w.Store.Put(ib.Encode())
	if err != nil {
		return nil, err
	}
	return &Resource{Index: idxDigests[0], Secret: opts.Secret}, nil
}

// ProcessDirectory builds a directory resource from entries: entries are
// sorted into lexical order by name (SPEC_FULL's Supplemented Features, original_source's
// DirectoryRecord behaviour) before being concatenated into the
// directory's body and written like any other resource.
func (w *Writer) ProcessDirectory(entries []DirectoryRecord, opts Options) (*Resource, error) {
	sorted := append([]DirectoryRecord(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var body []byte
	for _, e := range sorted {
		body = append(body, EncodeDirectoryRecord(e)...)
	}
	if opts.Type == "" {
		opts.Type = "directory"
	}
	return w.Process(bytes.NewReader(body), opts)
}
