package fountain

import (
	"encoding/binary"
	"fmt"

	"github.com/teapotnet/teapotnet-go/internal/ids"
)

// ItemKind distinguishes the two things a generation can carry (§4.E:
// "Records ... block pushes follow as raw block bytes tagged by digest").
type ItemKind uint8

const (
	ItemRecord ItemKind = iota
	ItemBlockPush
)

// Item is one self-contained thing pushed through a Link — either a typed
// application record or a block being pushed to satisfy a pull.
type Item struct {
	Kind    ItemKind
	Type    string     // set when Kind == ItemRecord
	Digest  ids.Digest // set when Kind == ItemBlockPush
	Payload []byte
}

// encodeItem serialises an Item to the byte buffer a generation is built
// from: `kind(1) | type-tag-or-digest | payload`.
func encodeItem(it Item) []byte {
	switch it.Kind {
	case ItemRecord:
		buf := make([]byte, 0, 2+len(it.Type)+len(it.Payload))
		buf = append(buf, byte(ItemRecord))
		buf = append(buf, byte(len(it.Type)))
		buf = append(buf, it.Type...)
		buf = append(buf, it.Payload...)
		return buf
	case ItemBlockPush:
		buf := make([]byte, 0, 1+ids.Size+len(it.Payload))
		buf = append(buf, byte(ItemBlockPush))
		buf = append(buf, it.Digest[:]...)
		buf = append(buf, it.Payload...)
		return buf
	default:
		return nil
	}
}

// decodeItem reverses encodeItem.
func decodeItem(buf []byte) (Item, error) {
	if len(buf) < 1 {
		return Item{}, fmt.Errorf("fountain: empty item")
	}
	switch ItemKind(buf[0]) {
	case ItemRecord:
		if len(buf) < 2 {
			return Item{}, fmt.Errorf("fountain: truncated record item")
		}
		tlen := int(buf[1])
		if len(buf) < 2+tlen {
			return Item{}, fmt.Errorf("fountain: truncated record type tag")
		}
		return Item{Kind: ItemRecord, Type: string(buf[2 : 2+tlen]), Payload: append([]byte(nil), buf[2+tlen:]...)}, nil
	case ItemBlockPush:
		if len(buf) < 1+ids.Size {
			return Item{}, fmt.Errorf("fountain: truncated block push item")
		}
		var d ids.Digest
		copy(d[:], buf[1:1+ids.Size])
		return Item{Kind: ItemBlockPush, Digest: d, Payload: append([]byte(nil), buf[1+ids.Size:]...)}, nil
	default:
		return Item{}, fmt.Errorf("fountain: unknown item kind %d", buf[0])
	}
}

// encodeCombination / decodeCombination frame one combination
// onto the wire: `genID(4)|origLen(4)|k(2)|coeffs(k)|payload(SymbolSize)|
// sent(4)|ackSeen(4)|ackCount(4)`.
func encodeCombination(c combination) []byte {
	buf := make([]byte, 4+4+2+c.k+len(c.payload)+4+4+4)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], c.genID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.origLen)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(c.k))
	off += 2
	copy(buf[off:], c.coeffs)
	off += c.k
	copy(buf[off:], c.payload)
	off += len(c.payload)
	binary.BigEndian.PutUint32(buf[off:], c.sent)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.ackSeen)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], c.ackCount)
	return buf
}

func decodeCombination(buf []byte) (combination, error) {
	if len(buf) < 10 {
		return combination{}, fmt.Errorf("fountain: combination frame too short")
	}
	var c combination
	off := 0
	c.genID = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.origLen = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.k = int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+c.k+SymbolSize+12 {
		return combination{}, fmt.Errorf("fountain: truncated combination frame")
	}
	c.coeffs = append([]byte(nil), buf[off:off+c.k]...)
	off += c.k
	c.payload = append([]byte(nil), buf[off:off+SymbolSize]...)
	off += SymbolSize
	c.sent = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.ackSeen = binary.BigEndian.Uint32(buf[off:])
	off += 4
	c.ackCount = binary.BigEndian.Uint32(buf[off:])
	return c, nil
}
