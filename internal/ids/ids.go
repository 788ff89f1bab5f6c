// Package ids defines the fixed-size binary identifiers shared by every
// layer of the overlay: NodeID, ContactID and BlockDigest all share one
// 32-byte representation but live in distinct namespaces (§3 of the spec).
package ids

import (
	"encoding/hex"
	"fmt"
)

// Size is the length in bytes of every identifier in this package.
const Size = 32

// ID is the common 32-byte binary representation backing NodeID, ContactID
// and Digest. It is deliberately comparable so it can key maps directly.
type ID [Size]byte

// String renders the identifier as lowercase hex, the interface-boundary
// encoding named in §6.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the empty identifier.
func (id ID) IsZero() bool { return id == ID{} }

// Bytes returns a defensive copy of the identifier's bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Parse decodes a hex string produced by String back into an ID.
func Parse(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("ids: invalid hex: %w", err)
	}
	if len(b) != Size {
		return id, fmt.Errorf("ids: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MarshalJSON renders the identifier as a hex string, the interface-
// boundary encoding named in §6, so persisted documents (contacts list,
// node identity file) read as hex rather than a raw byte array.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON reverses MarshalJSON.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("ids: invalid JSON id %q", data)
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// FromBytes copies b (which must be exactly Size long) into a new ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("ids: expected %d bytes, got %d", Size, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NodeID identifies one running overlay instance: digest(node public key).
type NodeID = ID

// ContactID identifies a principal across all of their nodes:
// digest(user public key).
type ContactID = ID

// Digest identifies an immutable block or DHT value: the 32-byte
// cryptographic hash of its content.
type Digest = ID

// Distance computes the XOR metric between two identifiers, used by the
// Kademlia-style routing table (§4.C) to rank closeness.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is strictly closer to the origin than b under the
// big-endian numeric ordering of their byte representation — the canonical
// ordering used to break routing-table ties (§9 Open Questions: this module
// always compares the full 32-byte value, most-significant byte first,
// rather than any address-length-first scheme).
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Link is the (local ContactID, remote ContactID, node NodeID) triple that
// names a logical channel between two contacts (§3). A Link whose Node is
// the zero ID is a "wildcard" matching any instance of the remote contact.
type Link struct {
	Local  ContactID
	Remote ContactID
	Node   NodeID
}

// IsWildcard reports whether l matches any node instance of Remote.
func (l Link) IsWildcard() bool { return l.Node.IsZero() }

// Matches reports whether l and other refer to the same logical channel,
// treating a wildcard Node as matching any concrete Node on either side.
func (l Link) Matches(other Link) bool {
	if l.Local != other.Local || l.Remote != other.Remote {
		return false
	}
	return l.IsWildcard() || other.IsWildcard() || l.Node == other.Node
}

// String renders the link for logging.
func (l Link) String() string {
	return fmt.Sprintf("%s->%s@%s", short(l.Local), short(l.Remote), short(l.Node))
}

func short(id ID) string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
