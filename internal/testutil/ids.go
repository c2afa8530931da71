package testutil

import "sync/atomic"

// ChunkIDs hands out chunk ids in order, starting at the given value.
//
// Deterministic ids make chunked frames byte-identical across runs so
// they can be compared against golden files.
//
// Thread-safety: Next is safe for concurrent use.
type ChunkIDs struct {
	next atomic.Uint32
}

// NewChunkIDs returns a source whose first id is start.
func NewChunkIDs(start uint32) *ChunkIDs {
	ids := &ChunkIDs{}
	ids.next.Store(start)
	return ids
}

// Next returns the next id. It matches protocol.ChunkIDSource.
func (c *ChunkIDs) Next() uint32 {
	return c.next.Add(1) - 1
}
