package contact

import (
	"path/filepath"
	"testing"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

func TestBookAddSaveReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.json")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var id ids.ContactID
	id[0] = 0x42
	b.Add(&Contact{UName: "alice", Name: "Alice", Identifier: id, RemoteSecret: []byte("shh")})

	if err := b.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	c, ok := reloaded.Get("alice")
	if !ok {
		t.Fatal("contact not found after reload")
	}
	if c.Identifier != id {
		t.Fatalf("identifier mismatch after reload: %s vs %s", c.Identifier, id)
	}
	if string(c.RemoteSecret) != "shh" {
		t.Fatalf("remote secret mismatch: %q", c.RemoteSecret)
	}

	found, ok := reloaded.ByIdentifier(id)
	if !ok || found.UName != "alice" {
		t.Fatal("ByIdentifier lookup failed")
	}

	if !reloaded.Remove("alice") {
		t.Fatal("Remove reported false for existing contact")
	}
	if _, ok := reloaded.Get("alice"); ok {
		t.Fatal("contact still present after Remove")
	}
}

func TestBookOpenMissingFileYieldsEmpty(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(b.All()) != 0 {
		t.Fatal("expected empty book")
	}
}
