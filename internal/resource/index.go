package resource

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// IndexBlock is the serialised record a resource's digest addresses (§3):
// { name, type, total-size, ordered-list[BlockDigest], optional signature,
// salt }. Directories are resources whose content blocks concatenate
// DirectoryRecord entries instead of raw file bytes.
type IndexBlock struct {
	Name      string
	Type      string
	TotalSize int64
	Blocks    []ids.Digest
	Salt      []byte
	Signature []byte // optional, RSA-PSS over SigningBytes()
}

func putBytes(buf []byte, b []byte) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	buf = append(buf, n[:]...)
	return append(buf, b...)
}

func takeBytes(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("resource: truncated length")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n) {
		return nil, nil, fmt.Errorf("resource: truncated body")
	}
	return buf[:n], buf[n:], nil
}

// SigningBytes returns the canonical byte sequence an index block's
// signature covers: { name, type, size, block-digest-list, salt } (§4.G).
// Signature itself is deliberately excluded.
func (ib IndexBlock) SigningBytes() []byte {
	buf := putBytes(nil, []byte(ib.Name))
	buf = putBytes(buf, []byte(ib.Type))
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(ib.TotalSize))
	buf = append(buf, size[:]...)
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(ib.Blocks)))
	buf = append(buf, n[:]...)
	for _, d := range ib.Blocks {
		buf = append(buf, d[:]...)
	}
	buf = putBytes(buf, ib.Salt)
	return buf
}

// Encode serialises ib to bytes suitable for the block store (an index
// block is itself just a block, §3).
func (ib IndexBlock) Encode() []byte {
	buf := ib.SigningBytes()
	return putBytes(buf, ib.Signature)
}

// DecodeIndexBlock parses the bytes produced by Encode.
func DecodeIndexBlock(buf []byte) (IndexBlock, error) {
	var ib IndexBlock
	nameB, buf, err := takeBytes(buf)
	if err != nil {
		return ib, err
	}
	typeB, buf, err := takeBytes(buf)
	if err != nil {
		return ib, err
	}
	if len(buf) < 8 {
		return ib, fmt.Errorf("resource: truncated size")
	}
	size := int64(binary.LittleEndian.Uint64(buf[:8]))
	buf = buf[8:]
	if len(buf) < 4 {
		return ib, fmt.Errorf("resource: truncated block count")
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint64(len(buf)) < uint64(n)*ids.Size {
		return ib, fmt.Errorf("resource: truncated block list")
	}
	blocks := make([]ids.Digest, n)
	for i := range blocks {
		copy(blocks[i][:], buf[i*ids.Size:(i+1)*ids.Size])
	}
	buf = buf[uint64(n)*ids.Size:]
	salt, buf, err := takeBytes(buf)
	if err != nil {
		return ib, err
	}
	sig, _, err := takeBytes(buf)
	if err != nil {
		return ib, err
	}
	ib.Name, ib.Type, ib.TotalSize, ib.Blocks, ib.Salt, ib.Signature = string(nameB), string(typeB), size, blocks, salt, sig
	return ib, nil
}

// DirectoryRecord is one entry of a directory resource's body (§3): a
// directory is a resource whose content blocks, concatenated, hold a
// sequence of these, each pointing at another resource.
type DirectoryRecord struct {
	Name   string
	Type   string
	Size   int64
	Digest ids.Digest
	Time   time.Time
}

// EncodeDirectoryRecord serialises one entry for concatenation into a
// directory resource's body.
func EncodeDirectoryRecord(r DirectoryRecord) []byte {
	buf := putBytes(nil, []byte(r.Name))
	buf = putBytes(buf, []byte(r.Type))
	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(r.Size))
	buf = append(buf, size[:]...)
	buf = append(buf, r.Digest[:]...)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(r.Time.UTC().Unix()))
	buf = append(buf, ts[:]...)
	return buf
}

// decodeOneDirectoryRecord parses the first DirectoryRecord out of buf,
// returning also the number of bytes it consumed (used by
// Reader.ReadDirectory to stream one record at a time).
func decodeOneDirectoryRecord(buf []byte) (DirectoryRecord, int, error) {
	var rec DirectoryRecord
	orig := len(buf)
	nameB, rest, err := takeBytes(buf)
	if err != nil {
		return rec, 0, err
	}
	typeB, rest, err := takeBytes(rest)
	if err != nil {
		return rec, 0, err
	}
	if len(rest) < 8+ids.Size+8 {
		return rec, 0, fmt.Errorf("resource: truncated directory record")
	}
	size := int64(binary.LittleEndian.Uint64(rest[:8]))
	rest = rest[8:]
	var digest ids.Digest
	copy(digest[:], rest[:ids.Size])
	rest = rest[ids.Size:]
	ts := int64(binary.LittleEndian.Uint64(rest[:8]))
	rest = rest[8:]
	rec = DirectoryRecord{Name: string(nameB), Type: string(typeB), Size: size, Digest: digest, Time: time.Unix(ts, 0).UTC()}
	consumed := orig - len(rest)
	return rec, consumed, nil
}

// DecodeDirectoryRecords parses every record out of a fully assembled
// directory body, in storage order. Per SPEC_FULL's Supplemented Features,
// directories are written with entries in lexical order by name.
func DecodeDirectoryRecords(body []byte) ([]DirectoryRecord, error) {
	var out []DirectoryRecord
	for len(body) > 0 {
		rec, n, err := decodeOneDirectoryRecord(body)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		body = body[n:]
	}
	return out, nil
}
