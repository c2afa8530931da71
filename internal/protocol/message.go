package protocol

import (
	"fmt"

	"github.com/roach88/eventsync/internal/ir"
)

// Kind identifies a message type on the wire. It is the field number of the
// envelope field, so values must never be reused.
type Kind uint8

const (
	KindHello Kind = iota + 1
	KindWriteEntries
	KindAck
	KindRequestChanges
	KindChanges
	KindChunkedMessage
	KindPing
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindWriteEntries:
		return "WriteEntries"
	case KindAck:
		return "Ack"
	case KindRequestChanges:
		return "RequestChanges"
	case KindChanges:
		return "Changes"
	case KindChunkedMessage:
		return "ChunkedMessage"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is the closed set of protocol messages. Only types in this package
// implement it; switch on the concrete type to dispatch.
type Message interface {
	Kind() Kind

	appendPayload(b []byte) []byte
	decodePayload(b []byte) error
}

// Hello greets a connection once it is established. Server to client.
type Hello struct {
	RemoteID ir.RemoteID
}

// EncryptedEntry is one member of a WriteEntries batch.
type EncryptedEntry struct {
	EntryID        ir.EntryID
	EncryptedEntry []byte
}

// WriteEntries submits a batch of entries sharing one IV. Client to server.
// ID correlates the Ack.
type WriteEntries struct {
	ID               uint64
	PublicKey        string
	IV               []byte
	EncryptedEntries []EncryptedEntry
}

// Entries expands the batch into log entries.
func (m *WriteEntries) Entries() []ir.Entry {
	entries := make([]ir.Entry, len(m.EncryptedEntries))
	for i, e := range m.EncryptedEntries {
		entries[i] = ir.Entry{
			EntryID:        e.EntryID,
			PublicKey:      m.PublicKey,
			IV:             m.IV,
			EncryptedEntry: e.EncryptedEntry,
		}
	}
	return entries
}

// Ack answers a WriteEntries with one sequence number per submitted entry,
// in submission order. Server to client.
type Ack struct {
	ID              uint64
	SequenceNumbers []uint64
}

// RequestChanges asks for every entry at or after StartSequence.
// Client to server.
type RequestChanges struct {
	PublicKey     string
	StartSequence uint64
}

// Changes delivers persisted entries in sequence order. Server to client.
type Changes struct {
	PublicKey string
	Entries   []ir.PersistedEntry
}

// ChunkedMessage is one fragment of an encoded message that was too large
// for a single frame.
type ChunkedMessage struct {
	ChunkID    uint32
	Index      uint32
	TotalCount uint32
	TotalBytes uint64
	Data       []byte
}

// Ping is an application-level keepalive. Client to server.
type Ping struct {
	ID uint64
}

// Pong answers a Ping with the same ID. Server to client.
type Pong struct {
	ID uint64
}

func (*Hello) Kind() Kind          { return KindHello }
func (*WriteEntries) Kind() Kind   { return KindWriteEntries }
func (*Ack) Kind() Kind            { return KindAck }
func (*RequestChanges) Kind() Kind { return KindRequestChanges }
func (*Changes) Kind() Kind        { return KindChanges }
func (*ChunkedMessage) Kind() Kind { return KindChunkedMessage }
func (*Ping) Kind() Kind           { return KindPing }
func (*Pong) Kind() Kind           { return KindPong }

// newMessage returns an empty message for kind, or nil if kind is unknown.
func newMessage(kind Kind) Message {
	switch kind {
	case KindHello:
		return &Hello{}
	case KindWriteEntries:
		return &WriteEntries{}
	case KindAck:
		return &Ack{}
	case KindRequestChanges:
		return &RequestChanges{}
	case KindChanges:
		return &Changes{}
	case KindChunkedMessage:
		return &ChunkedMessage{}
	case KindPing:
		return &Ping{}
	case KindPong:
		return &Pong{}
	default:
		return nil
	}
}
