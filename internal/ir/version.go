package ir

// Version constants for the wire protocol and server.
const (
	// ProtocolVersion is the envelope format version.
	ProtocolVersion = "1"

	// ServerVersion is the eventsync server version.
	ServerVersion = "0.1.0"
)
