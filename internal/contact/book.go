// Package contact implements the AddressBook-style contact persistence
// supplemented from original_source/tpn/addressbook.hpp (SPEC_FULL
// "Supplemented Features"): the Contacts list of spec §6, enriched with
// the per-contact remote-secret and uname/name pair the original keeps
// and spec.md's distillation drops.
package contact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Contact is one entry of the Contacts list (§6): {uname, name,
// identifier, remote-secret}. RemoteSecret is stored and persisted with the
// contact (original_source/tpn/addressbook.cpp's Contact::remoteSecret);
// no code in this module checks it during a tunnel handshake.
type Contact struct {
	UName        string        `json:"uname"`
	Name         string        `json:"name"`
	Identifier   ids.ContactID `json:"identifier"`
	RemoteSecret []byte        `json:"remote_secret,omitempty"`
}

// Book is the local user's address book: a set of Contacts keyed by their
// unique name, persisted as a single JSON document (§6).
type Book struct {
	path string

	mu       sync.RWMutex
	byUName  map[string]*Contact
	selfUser string // uname of the self-contact, if set (addressbook.hpp's setSelf)
}

// Open loads a Book from path, creating an empty one if the file does not
// yet exist (§6: "Produced at first run" applies equally to the identity
// file and the contacts list).
func Open(path string) (*Book, error) {
	b := &Book{path: path, byUName: make(map[string]*Contact)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contact: read %s: %w", path, err)
	}
	var list []*Contact
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("contact: parse %s: %w", path, err)
	}
	for _, c := range list {
		b.byUName[c.UName] = c
	}
	return b, nil
}

// Save persists the Book to its backing path as a JSON array, matching the
// on-disk schema named in §6.
func (b *Book) Save() error {
	b.mu.RLock()
	list := make([]*Contact, 0, len(b.byUName))
	for _, c := range b.byUName {
		list = append(list, c)
	}
	b.mu.RUnlock()

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("contact: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("contact: mkdir: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0o600); err != nil {
		return fmt.Errorf("contact: write %s: %w", b.path, err)
	}
	return nil
}

// Add registers c under its uname, replacing any existing entry with the
// same uname (addressbook.hpp's addContact).
func (b *Book) Add(c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byUName[c.UName] = c
}

// Remove deletes the contact named uname, reporting whether it existed.
func (b *Book) Remove(uname string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byUName[uname]; !ok {
		return false
	}
	delete(b.byUName, uname)
	return true
}

// Get returns the contact named uname.
func (b *Book) Get(uname string) (*Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.byUName[uname]
	return c, ok
}

// ByIdentifier finds the contact whose ContactID matches id, if any
// (addressbook.hpp's hasIdentifier/getContact-by-identifier pair).
func (b *Book) ByIdentifier(id ids.ContactID) (*Contact, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.byUName {
		if c.Identifier == id {
			return c, true
		}
	}
	return nil, false
}

// All returns every contact currently registered, in no particular order.
func (b *Book) All() []*Contact {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Contact, 0, len(b.byUName))
	for _, c := range b.byUName {
		out = append(out, c)
	}
	return out
}

// SetSelf marks uname as the address book owner's own contact entry
// (addressbook.hpp's setSelf/getSelf), used to recognise a Link back to
// oneself from another of the user's own nodes.
func (b *Book) SetSelf(uname string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selfUser = uname
}

// Self returns the address book owner's own contact entry, if set.
func (b *Book) Self() (*Contact, bool) {
	b.mu.RLock()
	uname := b.selfUser
	b.mu.RUnlock()
	if uname == "" {
		return nil, false
	}
	return b.Get(uname)
}
