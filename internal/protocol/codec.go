package protocol

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/roach88/eventsync/internal/ir"
)

// Encode returns the single-frame encoding of m. It does not chunk; use
// EncodeFrames for anything that may exceed MaxFrameSize.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	payload := m.appendPayload(nil)

	frame := make([]byte, 0, protowire.SizeTag(protowire.Number(m.Kind()))+protowire.SizeBytes(len(payload)))
	frame = protowire.AppendTag(frame, protowire.Number(m.Kind()), protowire.BytesType)
	frame = protowire.AppendBytes(frame, payload)
	return frame, nil
}

// Decode parses one frame. Byte fields of the result never alias frame.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return nil, &DecodeError{Reason: "empty frame"}
	}

	num, typ, n := protowire.ConsumeTag(frame)
	if n < 0 {
		return nil, &DecodeError{Reason: "invalid envelope tag", Err: protowire.ParseError(n)}
	}
	kind := Kind(num)
	if num > protowire.Number(KindPong) || typ != protowire.BytesType {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message kind %d (wire type %d)", num, typ)}
	}
	msg := newMessage(kind)
	if msg == nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown message kind %d", num)}
	}

	payload, m := protowire.ConsumeBytes(frame[n:])
	if m < 0 {
		return nil, &DecodeError{Kind: kind, Reason: "invalid envelope payload", Err: protowire.ParseError(m)}
	}
	if n+m != len(frame) {
		return nil, &DecodeError{Kind: kind, Reason: fmt.Sprintf("%d trailing bytes after envelope", len(frame)-n-m)}
	}

	if err := msg.decodePayload(payload); err != nil {
		return nil, &DecodeError{Kind: kind, Reason: "invalid payload", Err: err}
	}
	return msg, nil
}

// Payload field numbers. Each message numbers its own fields from 1.
const (
	fieldHelloRemoteID protowire.Number = 1

	fieldWriteID        protowire.Number = 1
	fieldWritePublicKey protowire.Number = 2
	fieldWriteIV        protowire.Number = 3
	fieldWriteEntries   protowire.Number = 4

	fieldEncryptedEntryID   protowire.Number = 1
	fieldEncryptedEntryData protowire.Number = 2

	fieldAckID        protowire.Number = 1
	fieldAckSequences protowire.Number = 2

	fieldRequestPublicKey protowire.Number = 1
	fieldRequestStart     protowire.Number = 2

	fieldChangesPublicKey protowire.Number = 1
	fieldChangesEntries   protowire.Number = 2

	fieldPersistedEntryID  protowire.Number = 1
	fieldPersistedIV       protowire.Number = 2
	fieldPersistedData     protowire.Number = 3
	fieldPersistedSequence protowire.Number = 4

	fieldChunkID         protowire.Number = 1
	fieldChunkIndex      protowire.Number = 2
	fieldChunkTotalCount protowire.Number = 3
	fieldChunkTotalBytes protowire.Number = 4
	fieldChunkData       protowire.Number = 5

	fieldPingID protowire.Number = 1
)

// Encoders. Every field is written, including zero values, so encodings are
// deterministic and easy to compare.

func (m *Hello) appendPayload(b []byte) []byte {
	return appendBytesField(b, fieldHelloRemoteID, m.RemoteID[:])
}

func (m *WriteEntries) appendPayload(b []byte) []byte {
	b = appendVarintField(b, fieldWriteID, m.ID)
	b = appendStringField(b, fieldWritePublicKey, m.PublicKey)
	b = appendBytesField(b, fieldWriteIV, m.IV)
	for _, e := range m.EncryptedEntries {
		var sub []byte
		sub = appendBytesField(sub, fieldEncryptedEntryID, e.EntryID[:])
		sub = appendBytesField(sub, fieldEncryptedEntryData, e.EncryptedEntry)
		b = appendBytesField(b, fieldWriteEntries, sub)
	}
	return b
}

func (m *Ack) appendPayload(b []byte) []byte {
	b = appendVarintField(b, fieldAckID, m.ID)
	if len(m.SequenceNumbers) > 0 {
		var packed []byte
		for _, seq := range m.SequenceNumbers {
			packed = protowire.AppendVarint(packed, seq)
		}
		b = appendBytesField(b, fieldAckSequences, packed)
	}
	return b
}

func (m *RequestChanges) appendPayload(b []byte) []byte {
	b = appendStringField(b, fieldRequestPublicKey, m.PublicKey)
	return appendVarintField(b, fieldRequestStart, m.StartSequence)
}

func (m *Changes) appendPayload(b []byte) []byte {
	b = appendStringField(b, fieldChangesPublicKey, m.PublicKey)
	for _, e := range m.Entries {
		var sub []byte
		sub = appendBytesField(sub, fieldPersistedEntryID, e.EntryID[:])
		sub = appendBytesField(sub, fieldPersistedIV, e.IV)
		sub = appendBytesField(sub, fieldPersistedData, e.EncryptedEntry)
		sub = appendVarintField(sub, fieldPersistedSequence, e.Sequence)
		b = appendBytesField(b, fieldChangesEntries, sub)
	}
	return b
}

func (m *ChunkedMessage) appendPayload(b []byte) []byte {
	b = appendVarintField(b, fieldChunkID, uint64(m.ChunkID))
	b = appendVarintField(b, fieldChunkIndex, uint64(m.Index))
	b = appendVarintField(b, fieldChunkTotalCount, uint64(m.TotalCount))
	b = appendVarintField(b, fieldChunkTotalBytes, m.TotalBytes)
	return appendBytesField(b, fieldChunkData, m.Data)
}

func (m *Ping) appendPayload(b []byte) []byte {
	return appendVarintField(b, fieldPingID, m.ID)
}

func (m *Pong) appendPayload(b []byte) []byte {
	return appendVarintField(b, fieldPingID, m.ID)
}

// Decoders.

func (m *Hello) decodePayload(b []byte) error {
	var seen bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldHelloRemoteID {
			return skipField, nil
		}
		v, n, err := bytesField(typ, b)
		if err != nil {
			return 0, fmt.Errorf("remote id: %w", err)
		}
		if len(v) != len(m.RemoteID) {
			return 0, fmt.Errorf("remote id: got %d bytes, want %d", len(v), len(m.RemoteID))
		}
		copy(m.RemoteID[:], v)
		seen = true
		return n, nil
	})
	if err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("missing remote id")
	}
	return nil
}

func (m *WriteEntries) decodePayload(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldWriteID:
			v, n, err := varintField(typ, b)
			m.ID = v
			return n, wrapField("id", err)
		case fieldWritePublicKey:
			v, n, err := bytesField(typ, b)
			m.PublicKey = string(v)
			return n, wrapField("public key", err)
		case fieldWriteIV:
			v, n, err := bytesField(typ, b)
			m.IV = bytes.Clone(v)
			return n, wrapField("iv", err)
		case fieldWriteEntries:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, wrapField("entry", err)
			}
			e, err := decodeEncryptedEntry(v)
			if err != nil {
				return 0, fmt.Errorf("entry %d: %w", len(m.EncryptedEntries), err)
			}
			m.EncryptedEntries = append(m.EncryptedEntries, e)
			return n, nil
		default:
			return skipField, nil
		}
	})
}

func decodeEncryptedEntry(b []byte) (EncryptedEntry, error) {
	var e EncryptedEntry
	var seenID bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldEncryptedEntryID:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, wrapField("entry id", err)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, wrapField("entry id", err)
			}
			e.EntryID, seenID = id, true
			return n, nil
		case fieldEncryptedEntryData:
			v, n, err := bytesField(typ, b)
			e.EncryptedEntry = bytes.Clone(v)
			return n, wrapField("encrypted entry", err)
		default:
			return skipField, nil
		}
	})
	if err == nil && !seenID {
		err = fmt.Errorf("missing entry id")
	}
	if e.EncryptedEntry == nil {
		e.EncryptedEntry = []byte{}
	}
	return e, err
}

func (m *Ack) decodePayload(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldAckID:
			v, n, err := varintField(typ, b)
			m.ID = v
			return n, wrapField("id", err)
		case fieldAckSequences:
			// Accept both packed and unpacked repeated varints.
			if typ == protowire.VarintType {
				v, n, err := varintField(typ, b)
				m.SequenceNumbers = append(m.SequenceNumbers, v)
				return n, wrapField("sequence", err)
			}
			packed, n, err := bytesField(typ, b)
			if err != nil {
				return 0, wrapField("sequences", err)
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return 0, wrapField("sequences", protowire.ParseError(k))
				}
				m.SequenceNumbers = append(m.SequenceNumbers, v)
				packed = packed[k:]
			}
			return n, nil
		default:
			return skipField, nil
		}
	})
}

func (m *RequestChanges) decodePayload(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldRequestPublicKey:
			v, n, err := bytesField(typ, b)
			m.PublicKey = string(v)
			return n, wrapField("public key", err)
		case fieldRequestStart:
			v, n, err := varintField(typ, b)
			m.StartSequence = v
			return n, wrapField("start sequence", err)
		default:
			return skipField, nil
		}
	})
}

func (m *Changes) decodePayload(b []byte) error {
	defer m.fillPublicKey()
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldChangesPublicKey:
			v, n, err := bytesField(typ, b)
			m.PublicKey = string(v)
			return n, wrapField("public key", err)
		case fieldChangesEntries:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, wrapField("entry", err)
			}
			e, err := decodePersistedEntry(v)
			if err != nil {
				return 0, fmt.Errorf("entry %d: %w", len(m.Entries), err)
			}
			m.Entries = append(m.Entries, e)
			return n, nil
		default:
			return skipField, nil
		}
	})
}

func (m *Changes) fillPublicKey() {
	for i := range m.Entries {
		m.Entries[i].PublicKey = m.PublicKey
	}
}

func decodePersistedEntry(b []byte) (ir.PersistedEntry, error) {
	var e ir.PersistedEntry
	var seenID bool
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldPersistedEntryID:
			v, n, err := bytesField(typ, b)
			if err != nil {
				return 0, wrapField("entry id", err)
			}
			id, err := uuid.FromBytes(v)
			if err != nil {
				return 0, wrapField("entry id", err)
			}
			e.EntryID, seenID = id, true
			return n, nil
		case fieldPersistedIV:
			v, n, err := bytesField(typ, b)
			e.IV = bytes.Clone(v)
			return n, wrapField("iv", err)
		case fieldPersistedData:
			v, n, err := bytesField(typ, b)
			e.EncryptedEntry = bytes.Clone(v)
			return n, wrapField("encrypted entry", err)
		case fieldPersistedSequence:
			v, n, err := varintField(typ, b)
			e.Sequence = v
			return n, wrapField("sequence", err)
		default:
			return skipField, nil
		}
	})
	if err == nil && !seenID {
		err = fmt.Errorf("missing entry id")
	}
	if e.IV == nil {
		e.IV = []byte{}
	}
	if e.EncryptedEntry == nil {
		e.EncryptedEntry = []byte{}
	}
	return e, err
}

func (m *ChunkedMessage) decodePayload(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldChunkID:
			v, n, err := uint32Field(typ, b)
			m.ChunkID = v
			return n, wrapField("chunk id", err)
		case fieldChunkIndex:
			v, n, err := uint32Field(typ, b)
			m.Index = v
			return n, wrapField("index", err)
		case fieldChunkTotalCount:
			v, n, err := uint32Field(typ, b)
			m.TotalCount = v
			return n, wrapField("total count", err)
		case fieldChunkTotalBytes:
			v, n, err := varintField(typ, b)
			m.TotalBytes = v
			return n, wrapField("total bytes", err)
		case fieldChunkData:
			v, n, err := bytesField(typ, b)
			m.Data = bytes.Clone(v)
			return n, wrapField("data", err)
		default:
			return skipField, nil
		}
	})
}

func (m *Ping) decodePayload(b []byte) error {
	return decodeID(b, &m.ID)
}

func (m *Pong) decodePayload(b []byte) error {
	return decodeID(b, &m.ID)
}

func decodeID(b []byte, id *uint64) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldPingID {
			return skipField, nil
		}
		v, n, err := varintField(typ, b)
		*id = v
		return n, wrapField("id", err)
	})
}

// Wire helpers.

// skipField tells consumeFields to skip an unrecognized field. A consumed
// field value is always at least one byte, so 0 is never a real length.
const skipField = 0

// consumeFields walks the fields of b, handing each to fn. fn returns the
// number of value bytes it consumed, or skipField.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m == skipField {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func varintField(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func uint32Field(typ protowire.Type, b []byte) (uint32, int, error) {
	v, n, err := varintField(typ, b)
	if err != nil {
		return 0, 0, err
	}
	if v > 1<<32-1 {
		return 0, 0, fmt.Errorf("value %d overflows uint32", v)
	}
	return uint32(v), n, nil
}

func bytesField(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func wrapField(field string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", field, err)
}
