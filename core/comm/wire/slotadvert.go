// Package wire encodes the small metadata tuple a communication manager
// needs to carry across exchangeGlobalMemorySlots: which (tag, key) a
// participant is publishing, how large the backing slot is, and which
// device advertised it. spec.md leaves the wire format up to each
// transport; this module's shared-memory backend picks protobuf's wire
// encoding, the same codec family the teacher uses for its own packet
// envelope.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// SlotAdvertisement is the metadata a participant publishes for one
// (tag, key) entry during an exchange epoch.
type SlotAdvertisement struct {
	Tag      uint64
	Key      uint64
	Size     uint64
	DeviceID string
}

const (
	fieldTag      protowire.Number = 1
	fieldKey      protowire.Number = 2
	fieldSize     protowire.Number = 3
	fieldDeviceID protowire.Number = 4
)

// Marshal encodes a into protobuf wire format.
func Marshal(a SlotAdvertisement) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldTag, protowire.VarintType)
	buf = protowire.AppendVarint(buf, a.Tag)
	buf = protowire.AppendTag(buf, fieldKey, protowire.VarintType)
	buf = protowire.AppendVarint(buf, a.Key)
	buf = protowire.AppendTag(buf, fieldSize, protowire.VarintType)
	buf = protowire.AppendVarint(buf, a.Size)
	buf = protowire.AppendTag(buf, fieldDeviceID, protowire.BytesType)
	buf = protowire.AppendString(buf, a.DeviceID)
	return buf
}

// Unmarshal decodes a SlotAdvertisement previously produced by Marshal.
func Unmarshal(data []byte) (SlotAdvertisement, error) {
	var a SlotAdvertisement
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return a, fmt.Errorf("wire: malformed tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldTag, fieldKey, fieldSize:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return a, fmt.Errorf("wire: malformed varint field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldTag:
				a.Tag = v
			case fieldKey:
				a.Key = v
			case fieldSize:
				a.Size = v
			}
		case fieldDeviceID:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return a, fmt.Errorf("wire: malformed string field: %w", protowire.ParseError(n))
			}
			data = data[n:]
			a.DeviceID = s
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return a, fmt.Errorf("wire: malformed unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return a, nil
}
