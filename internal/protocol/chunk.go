package protocol

import (
	"cmp"
	"fmt"
	"math/rand/v2"
	"slices"
)

// MaxFrameSize is the largest frame either side may send.
const MaxFrameSize = 512000

// chunkOverhead bounds the envelope and header fields of an encoded
// ChunkedMessage: two tags and lengths plus five fields of at most 11 bytes.
const chunkOverhead = 64

// ChunkDataSize is the number of payload bytes carried by each chunk except
// possibly the last.
const ChunkDataSize = MaxFrameSize - chunkOverhead

// ChunkIDSource yields chunk ids for outbound transfers.
type ChunkIDSource func() uint32

// RandomChunkID is the default ChunkIDSource.
func RandomChunkID() uint32 {
	return rand.Uint32()
}

// Split fragments data into ordered chunks of at most ChunkDataSize bytes.
// Empty data yields a single empty chunk. The chunks alias data.
func Split(chunkID uint32, data []byte) []*ChunkedMessage {
	count := (len(data) + ChunkDataSize - 1) / ChunkDataSize
	if count == 0 {
		count = 1
	}

	chunks := make([]*ChunkedMessage, 0, count)
	for i := range count {
		start := i * ChunkDataSize
		end := min(start+ChunkDataSize, len(data))
		chunks = append(chunks, &ChunkedMessage{
			ChunkID:    chunkID,
			Index:      uint32(i),
			TotalCount: uint32(count),
			TotalBytes: uint64(len(data)),
			Data:       data[start:end],
		})
	}
	return chunks
}

// Join reassembles a complete set of chunks in index order, regardless of
// the order of parts. Every part must agree on id, count and length.
func Join(parts []*ChunkedMessage) ([]byte, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("join: no chunks")
	}
	first := parts[0]
	if int(first.TotalCount) != len(parts) {
		return nil, &ReassemblyError{ChunkID: first.ChunkID,
			Reason: fmt.Sprintf("have %d of %d chunks", len(parts), first.TotalCount)}
	}

	ordered := slices.Clone(parts)
	slices.SortFunc(ordered, func(a, b *ChunkedMessage) int {
		return cmp.Compare(a.Index, b.Index)
	})

	out := make([]byte, 0, first.TotalBytes)
	for i, p := range ordered {
		if p.ChunkID != first.ChunkID || p.TotalCount != first.TotalCount || p.TotalBytes != first.TotalBytes {
			return nil, &ReassemblyError{ChunkID: first.ChunkID, Reason: "inconsistent chunk headers"}
		}
		if p.Index != uint32(i) {
			return nil, &ReassemblyError{ChunkID: first.ChunkID,
				Reason: fmt.Sprintf("missing or duplicate index %d", i)}
		}
		out = append(out, p.Data...)
	}
	if uint64(len(out)) != first.TotalBytes {
		return nil, &ReassemblyError{ChunkID: first.ChunkID,
			Reason: fmt.Sprintf("joined %d bytes, want %d", len(out), first.TotalBytes)}
	}
	return out, nil
}

// EncodeFrames encodes m into one frame, or into ChunkedMessage frames when
// the encoding exceeds MaxFrameSize. ids may be nil to use RandomChunkID.
func EncodeFrames(m Message, ids ChunkIDSource) ([][]byte, error) {
	frame, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if len(frame) <= MaxFrameSize {
		return [][]byte{frame}, nil
	}
	if _, ok := m.(*ChunkedMessage); ok {
		return nil, fmt.Errorf("encode frames: chunk of %d bytes: %w", len(frame), ErrFrameTooLarge)
	}

	if ids == nil {
		ids = RandomChunkID
	}
	chunks := Split(ids(), frame)
	frames := make([][]byte, 0, len(chunks))
	for _, c := range chunks {
		f, err := Encode(c)
		if err != nil {
			return nil, err
		}
		if len(f) > MaxFrameSize {
			return nil, fmt.Errorf("encode frames: chunk %d: %w", c.Index, ErrFrameTooLarge)
		}
		frames = append(frames, f)
	}
	return frames, nil
}
