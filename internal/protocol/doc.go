// Package protocol implements the eventsync wire protocol: the message
// kinds exchanged over a replication connection, their binary encoding, and
// the chunking scheme for messages larger than one frame.
//
// # Envelope
//
// Every frame carries exactly one message, encoded in protobuf wire format
// without generated code:
//
//	frame   = tag(kind, BYTES) len payload
//	payload = the message's own fields, also protobuf wire format
//
// The field number of the single envelope field is the message kind, so a
// frame is self-describing and needs no external schema. Unknown payload
// fields are skipped, which leaves room to extend messages.
//
// # Chunking
//
// A frame must not exceed MaxFrameSize bytes. EncodeFrames splits larger
// encodings into ChunkedMessage frames that share a chunk id and carry their
// index, the total count and the total byte length. A Reassembler on the
// receiving side joins them, in any arrival order, and yields the original
// encoding only once every part is present.
package protocol
