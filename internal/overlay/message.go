// Package overlay implements the authenticated node-to-node mesh of spec
// §4.C: source-routed messages over a Kademlia-style routing table, with a
// small DHT for value storage and node lookup.
package overlay

import (
	"encoding/binary"
	"fmt"

	"github.com/teapotnet/teapotnet-go/internal/crypto"
	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// Magic identifies an overlay datagram frame on the wire (§6).
const Magic uint32 = 0x5450_4e31 // "TPN1"

// MaxPayload bounds an overlay message's payload (§3: "payload ≤ 4 KiB").
const MaxPayload = 4096

// DefaultTTL and MaxTTL bound message amplification (§4.C: "TTL is capped
// (default 16) to bound amplification").
const (
	DefaultTTL = 16
	MaxTTL     = 16
)

// Type names the kind of an overlay message (§3).
type Type uint8

const (
	TypeCall Type = iota + 1
	TypeCallResponse
	TypeStore
	TypeRetrieve
	TypeRetrieveResponse
	TypeTunnel
	TypePing
	TypePong
	TypeSuggest
)

func (t Type) String() string {
	switch t {
	case TypeCall:
		return "CALL"
	case TypeCallResponse:
		return "CALL-RESPONSE"
	case TypeStore:
		return "STORE"
	case TypeRetrieve:
		return "RETRIEVE"
	case TypeRetrieveResponse:
		return "RETRIEVE-RESPONSE"
	case TypeTunnel:
		return "TUNNEL"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeSuggest:
		return "SUGGEST"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Flag bits carried in a message's single flags byte.
type Flag uint8

const (
	// FlagResponse marks a message as a reply to an earlier CALL/RETRIEVE.
	FlagResponse Flag = 1 << 0
)

// Message is the overlay's wire unit (§3): version, flags, ttl, type,
// source and destination NodeId, and a payload capped at MaxPayload.
type Message struct {
	Version     uint8
	Flags       Flag
	TTL         uint8
	Type        Type
	Source      ids.NodeID
	Destination ids.NodeID
	Payload     []byte
}

// wireVersion is the only version this implementation speaks; a message
// carrying any other version is dropped as Unsupported (§7).
const wireVersion = 1

// NewMessage builds a message with the default TTL and current wire
// version filled in.
func NewMessage(t Type, src, dst ids.NodeID, payload []byte) Message {
	return Message{
		Version:     wireVersion,
		TTL:         DefaultTTL,
		Type:        t,
		Source:      src,
		Destination: dst,
		Payload:     payload,
	}
}

// headerSize is magic+version+flags+ttl+type+src+dst+length.
const headerSize = 4 + 1 + 1 + 1 + 1 + ids.Size + ids.Size + 2

// Encode serialises m to the little-endian wire frame defined in §6:
// `magic(4) | version(1) | flags(1) | ttl(1) | type(1) | src(32) | dst(32)
// | length(2) | payload[length]`.
func (m Message) Encode() ([]byte, error) {
	if len(m.Payload) > MaxPayload {
		return nil, fmt.Errorf("overlay: payload %d exceeds max %d", len(m.Payload), MaxPayload)
	}
	buf := make([]byte, headerSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = m.Version
	buf[5] = uint8(m.Flags)
	buf[6] = m.TTL
	buf[7] = uint8(m.Type)
	off := 8
	copy(buf[off:off+ids.Size], m.Source[:])
	off += ids.Size
	copy(buf[off:off+ids.Size], m.Destination[:])
	off += ids.Size
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(m.Payload)))
	off += 2
	copy(buf[off:], m.Payload)
	return buf, nil
}

// Decode parses a wire frame produced by Encode. It returns Unsupported
// (modelled as a plain error; see §7) on bad magic or an unrecognised
// version.
func Decode(buf []byte) (Message, error) {
	if len(buf) < headerSize {
		return Message{}, fmt.Errorf("overlay: frame too short: %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Message{}, fmt.Errorf("overlay: bad magic")
	}
	var m Message
	m.Version = buf[4]
	if m.Version != wireVersion {
		return Message{}, fmt.Errorf("overlay: unsupported version %d", m.Version)
	}
	m.Flags = Flag(buf[5])
	m.TTL = buf[6]
	m.Type = Type(buf[7])
	off := 8
	copy(m.Source[:], buf[off:off+ids.Size])
	off += ids.Size
	copy(m.Destination[:], buf[off:off+ids.Size])
	off += ids.Size
	length := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2
	if off+length > len(buf) {
		return Message{}, fmt.Errorf("overlay: truncated payload: declared %d, have %d", length, len(buf)-off)
	}
	m.Payload = append([]byte(nil), buf[off:off+length]...)
	return m, nil
}

// fingerprint returns a stable local key used by the seen-cache (§4.C:
// "message carries a 'seen' bloom in its header" — this implementation
// keeps an equivalent per-node recently-seen set keyed by a hash of the
// message's identity fields instead of literally inlining a bloom filter
// into the wire frame, since §6's wire layout defines no such field; the
// loop-prevention property is the same either way).
func (m Message) fingerprint() ids.Digest {
	var buf []byte
	buf = append(buf, byte(m.Type))
	buf = append(buf, m.Source[:]...)
	buf = append(buf, m.Destination[:]...)
	buf = append(buf, m.Payload...)
	return crypto.Hash(buf)
}
