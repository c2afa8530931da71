package protocol

import (
	"bytes"
	"fmt"
	"time"
)

// Default Reassembler bounds.
const (
	DefaultMaxChunks = 16
	DefaultMaxParts  = 1024
	DefaultMaxBytes  = 64 << 20
	DefaultChunkTTL  = time.Minute
)

// ReassemblerConfig bounds the state a Reassembler may hold.
// Zero fields take the defaults.
type ReassemblerConfig struct {
	// MaxChunks is the number of chunk ids that may be in flight at once.
	MaxChunks int

	// MaxParts caps the declared chunk count of a single transfer.
	MaxParts int

	// MaxBytes caps the bytes buffered across all chunk ids, and the
	// declared size of any single transfer.
	MaxBytes int64

	// TTL is how long an incomplete transfer may sit before it is dropped.
	TTL time.Duration

	// Now is the clock; time.Now when nil.
	Now func() time.Time
}

func (c ReassemblerConfig) withDefaults() ReassemblerConfig {
	if c.MaxChunks <= 0 {
		c.MaxChunks = DefaultMaxChunks
	}
	if c.MaxParts <= 0 {
		c.MaxParts = DefaultMaxParts
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.TTL <= 0 {
		c.TTL = DefaultChunkTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Reassembler joins inbound chunks for one connection. It is not safe for
// concurrent use; the owning session serializes access.
type Reassembler struct {
	cfg       ReassemblerConfig
	buffers   map[uint32]*chunkBuffer
	buffered  int64
	discarded uint64
}

type chunkBuffer struct {
	totalCount uint32
	totalBytes uint64
	parts      map[uint32][]byte
	size       int64
	started    time.Time
}

// NewReassembler returns an empty Reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	return &Reassembler{
		cfg:     cfg.withDefaults(),
		buffers: make(map[uint32]*chunkBuffer),
	}
}

// Add buffers c. When c completes its transfer, Add returns the joined bytes
// and true and forgets the transfer. Any error discards the whole transfer.
func (r *Reassembler) Add(c *ChunkedMessage) ([]byte, bool, error) {
	r.Expire()

	if c.TotalCount == 0 || c.Index >= c.TotalCount {
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("index %d out of range for %d chunks", c.Index, c.TotalCount)}
	}
	if c.TotalBytes > uint64(r.cfg.MaxBytes) {
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("declared size %d", c.TotalBytes), Err: ErrReassemblyLimit}
	}
	if uint64(c.TotalCount) > uint64(r.cfg.MaxParts) {
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("%d chunks declared", c.TotalCount), Err: ErrReassemblyLimit}
	}
	// Only a single-chunk empty transfer may carry an empty part.
	if uint64(c.TotalCount) > max(1, c.TotalBytes) || (len(c.Data) == 0 && c.TotalBytes > 0) {
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("%d chunks for %d bytes", c.TotalCount, c.TotalBytes)}
	}

	buf, ok := r.buffers[c.ChunkID]
	if !ok {
		if len(r.buffers) >= r.cfg.MaxChunks {
			r.discarded++
			return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
				Reason: fmt.Sprintf("%d transfers in flight", len(r.buffers)), Err: ErrReassemblyLimit}
		}
		buf = &chunkBuffer{
			totalCount: c.TotalCount,
			totalBytes: c.TotalBytes,
			parts:      make(map[uint32][]byte),
			started:    r.cfg.Now(),
		}
		r.buffers[c.ChunkID] = buf
	}

	switch {
	case buf.totalCount != c.TotalCount || buf.totalBytes != c.TotalBytes:
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID, Reason: "inconsistent chunk headers"}
	case buf.parts[c.Index] != nil:
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID, Reason: fmt.Sprintf("duplicate index %d", c.Index)}
	case uint64(buf.size)+uint64(len(c.Data)) > buf.totalBytes:
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("more than %d declared bytes", buf.totalBytes)}
	case r.buffered+int64(len(c.Data)) > r.cfg.MaxBytes:
		r.discard(c.ChunkID)
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("%d bytes buffered", r.buffered), Err: ErrReassemblyLimit}
	}

	// A nil entry marks a missing part, so store empty data as non-nil.
	data := c.Data
	if data == nil {
		data = []byte{}
	}
	buf.parts[c.Index] = data
	buf.size += int64(len(data))
	r.buffered += int64(len(data))

	if uint32(len(buf.parts)) < buf.totalCount {
		return nil, false, nil
	}

	delete(r.buffers, c.ChunkID)
	r.buffered -= buf.size

	var joined bytes.Buffer
	joined.Grow(int(buf.size))
	for i := range buf.totalCount {
		joined.Write(buf.parts[i])
	}
	if uint64(joined.Len()) != buf.totalBytes {
		r.discarded++
		return nil, false, &ReassemblyError{ChunkID: c.ChunkID,
			Reason: fmt.Sprintf("joined %d bytes, want %d", joined.Len(), buf.totalBytes)}
	}
	return joined.Bytes(), true, nil
}

// Expire drops transfers older than the TTL and returns how many it dropped.
func (r *Reassembler) Expire() int {
	now := r.cfg.Now()
	n := 0
	for id, buf := range r.buffers {
		if now.Sub(buf.started) >= r.cfg.TTL {
			r.discard(id)
			n++
		}
	}
	return n
}

// Reset drops every buffered transfer.
func (r *Reassembler) Reset() {
	for id := range r.buffers {
		r.discard(id)
	}
}

// Len returns the number of transfers in flight.
func (r *Reassembler) Len() int {
	return len(r.buffers)
}

// Buffered returns the bytes held across all transfers.
func (r *Reassembler) Buffered() int64 {
	return r.buffered
}

// Discarded returns how many transfers were dropped without completing.
func (r *Reassembler) Discarded() uint64 {
	return r.discarded
}

func (r *Reassembler) discard(id uint32) {
	buf, ok := r.buffers[id]
	if !ok {
		return
	}
	delete(r.buffers, id)
	r.buffered -= buf.size
	r.discarded++
}
