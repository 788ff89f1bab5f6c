package resource

import (
	"bytes"
	"io"
	"testing"

	"github.com/teapotnet/teapotnet-go/internal/blockstore"
	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/scheduler"
)

func newTestStore(t *testing.T) *blockstore.Store {
	t.Helper()
	pool := scheduler.NewPool(2, 8)
	t.Cleanup(pool.Close)
	store, err := blockstore.New(t.TempDir(), pool)
	if err != nil {
		t.Fatalf("blockstore.New: %v", err)
	}
	return store
}

func TestProcessDeterministic(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)

	content := bytes.Repeat([]byte("teapotnet"), 10000)
	r1, err := w.Process(bytes.NewReader(content), Options{Name: "f", Type: "file"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	r2, err := w.Process(bytes.NewReader(content), Options{Name: "f", Type: "file"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if r1.Index != r2.Index {
		t.Fatalf("identical content produced different digests: %s vs %s", r1.Index, r2.Index)
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)

	content := bytes.Repeat([]byte("x"), 3*blockstore.MaxBlockSize+17)
	res, err := w.Process(bytes.NewReader(content), Options{Name: "big", Type: "file"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	_, ib, err := Open(store, res.Index, nil, nil, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rd, err := NewReader(store, res, ib, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestWriterReaderEncrypted(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)

	secret := []byte("shared-secret")
	content := []byte("the quick brown fox jumps over the lazy dog")
	res, err := w.Process(bytes.NewReader(content), Options{Name: "secret.txt", Type: "file", Secret: secret})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	_, ib, err := Open(store, res.Index, secret, nil, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rd, err := NewReader(store, res, ib, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	got, err := io.ReadAll(rd)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("decrypted mismatch: got %q want %q", got, content)
	}
}

func TestSeek(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)
	content := bytes.Repeat([]byte("0123456789"), 50000) // > one block

	res, err := w.Process(bytes.NewReader(content), Options{Name: "seek", Type: "file"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, ib, err := Open(store, res.Index, nil, nil, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rd, err := NewReader(store, res, ib, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	pos := int64(blockstore.MaxBlockSize + 5)
	if _, err := rd.Seek(pos, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	buf := make([]byte, 10)
	n, err := rd.Read(buf)
	if err != nil || n != 10 {
		t.Fatalf("Read after seek: n=%d err=%v", n, err)
	}
	if !bytes.Equal(buf, content[pos:pos+10]) {
		t.Fatalf("seek+read mismatch")
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)

	sizes := []int{0, 1, blockstore.MaxBlockSize - 1, blockstore.MaxBlockSize, blockstore.MaxBlockSize + 1, 1000000}
	names := []string{"f0", "f1", "f2", "f3", "f4", "f5"}
	var entries []DirectoryRecord
	for i, sz := range sizes {
		content := bytes.Repeat([]byte{byte(i)}, sz)
		fr, err := w.Process(bytes.NewReader(content), Options{Name: names[i], Type: "file"})
		if err != nil {
			t.Fatalf("Process file %d: %v", i, err)
		}
		entries = append(entries, DirectoryRecord{Name: names[i], Type: "file", Size: int64(sz), Digest: fr.Index})
	}

	dir, err := w.ProcessDirectory(entries, Options{Name: "dir"})
	if err != nil {
		t.Fatalf("ProcessDirectory: %v", err)
	}

	_, ib, err := Open(store, dir.Index, nil, nil, true)
	if err != nil {
		t.Fatalf("Open dir: %v", err)
	}
	rd, err := NewReader(store, dir, ib, nil)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}

	var got []DirectoryRecord
	for {
		rec, err := rd.ReadDirectory()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadDirectory: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d records, want %d", len(got), len(entries))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Name > got[i].Name {
			t.Fatalf("directory records not in lexical order: %s before %s", got[i-1].Name, got[i].Name)
		}
	}
}

func TestIndexBlockSignatureVerification(t *testing.T) {
	store := newTestStore(t)
	w := NewWriter(store)

	signer, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	res, err := w.Process(bytes.NewReader([]byte("signed content")), Options{Name: "s", Type: "file", Signer: signer})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, ib, err := Open(store, res.Index, nil, nil, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	pub := &signer.Private.PublicKey
	if err := ib.Check(func(data, sig []byte) error { return crypto.Verify(pub, data, sig) }); err != nil {
		t.Fatalf("signature did not verify: %v", err)
	}
}
