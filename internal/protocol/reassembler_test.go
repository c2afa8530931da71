package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/testutil"
)

func newTestReassembler(cfg ReassemblerConfig) (*Reassembler, *testutil.ManualClock) {
	clock := testutil.NewManualClock(time.Time{})
	cfg.Now = clock.Now
	return NewReassembler(cfg), clock
}

func chunk(id, index, count uint32, total uint64, data string) *ChunkedMessage {
	return &ChunkedMessage{ChunkID: id, Index: index, TotalCount: count, TotalBytes: total, Data: []byte(data)}
}

func TestReassembler_OutOfOrder(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{})

	out, done, err := r.Add(chunk(1, 2, 3, 9, "ghi"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, out)

	_, done, err = r.Add(chunk(1, 0, 3, 9, "abc"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, int64(6), r.Buffered())

	out, done, err = r.Add(chunk(1, 1, 3, 9, "def"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("abcdefghi"), out)

	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Buffered())
	assert.Equal(t, uint64(0), r.Discarded())
}

func TestReassembler_InterleavedTransfers(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{})

	_, _, err := r.Add(chunk(1, 0, 2, 4, "aa"))
	require.NoError(t, err)
	_, _, err = r.Add(chunk(2, 0, 2, 4, "xx"))
	require.NoError(t, err)

	out, done, err := r.Add(chunk(2, 1, 2, 4, "yy"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("xxyy"), out)

	out, done, err = r.Add(chunk(1, 1, 2, 4, "bb"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("aabb"), out)
}

func TestReassembler_SingleEmptyChunk(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{})

	out, done, err := r.Add(&ChunkedMessage{ChunkID: 1, TotalCount: 1})
	require.NoError(t, err)
	require.True(t, done)
	assert.Empty(t, out)
}

func TestReassembler_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		before []*ChunkedMessage
		bad    *ChunkedMessage
	}{
		{"zero count", nil, chunk(1, 0, 0, 0, "")},
		{"index out of range", nil, chunk(1, 3, 3, 9, "abc")},
		{"count changed", []*ChunkedMessage{chunk(1, 0, 3, 9, "abc")}, chunk(1, 1, 4, 9, "def")},
		{"total bytes changed", []*ChunkedMessage{chunk(1, 0, 3, 9, "abc")}, chunk(1, 1, 3, 10, "def")},
		{"duplicate index", []*ChunkedMessage{chunk(1, 0, 3, 9, "abc")}, chunk(1, 0, 3, 9, "abc")},
		{"more than declared", []*ChunkedMessage{chunk(1, 0, 2, 4, "abc")}, chunk(1, 1, 2, 4, "def")},
		{"joined short", []*ChunkedMessage{chunk(1, 0, 2, 9, "abc")}, chunk(1, 1, 2, 9, "def")},
		{"more chunks than bytes", nil, chunk(1, 0, 4, 3, "a")},
		{"empty part of non-empty transfer", nil, chunk(1, 0, 2, 4, "")},
		{"empty parts of empty transfer", nil, chunk(1, 0, 2, 0, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestReassembler(ReassemblerConfig{})
			for _, c := range tt.before {
				_, _, err := r.Add(c)
				require.NoError(t, err)
			}

			out, done, err := r.Add(tt.bad)
			require.Error(t, err)
			assert.True(t, IsReassemblyError(err))
			assert.False(t, done)
			assert.Nil(t, out)

			assert.Equal(t, 0, r.Len(), "transfer must be discarded")
			assert.Equal(t, int64(0), r.Buffered())
		})
	}
}

func TestReassembler_MaxChunks(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{MaxChunks: 2})

	_, _, err := r.Add(chunk(1, 0, 2, 2, "a"))
	require.NoError(t, err)
	_, _, err = r.Add(chunk(2, 0, 2, 2, "a"))
	require.NoError(t, err)

	_, _, err = r.Add(chunk(3, 0, 2, 2, "a"))
	require.ErrorIs(t, err, ErrReassemblyLimit)
	assert.Equal(t, 2, r.Len())

	// Existing transfers are unaffected and can still complete.
	out, done, err := r.Add(chunk(1, 1, 2, 2, "b"))
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("ab"), out)

	_, _, err = r.Add(chunk(3, 0, 2, 2, "a"))
	assert.NoError(t, err)
}

func TestReassembler_MaxParts(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{MaxParts: 4})

	_, _, err := r.Add(chunk(1, 0, 5, 10, "ab"))
	require.ErrorIs(t, err, ErrReassemblyLimit)
	assert.Equal(t, 0, r.Len())

	_, _, err = r.Add(chunk(2, 0, 4, 8, "ab"))
	assert.NoError(t, err)
}

func TestReassembler_EmptyChunksCannotGrowState(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{})

	for i := range uint32(1000) {
		_, _, err := r.Add(&ChunkedMessage{ChunkID: 7, Index: i, TotalCount: 1 << 31})
		require.Error(t, err)
		assert.True(t, IsReassemblyError(err))
	}
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Buffered())
}

func TestReassembler_MaxBytes(t *testing.T) {
	t.Run("declared size", func(t *testing.T) {
		r, _ := newTestReassembler(ReassemblerConfig{MaxBytes: 8})
		_, _, err := r.Add(chunk(1, 0, 2, 9, "abcd"))
		require.ErrorIs(t, err, ErrReassemblyLimit)
		assert.Equal(t, 0, r.Len())
	})

	t.Run("across transfers", func(t *testing.T) {
		r, _ := newTestReassembler(ReassemblerConfig{MaxBytes: 8})
		_, _, err := r.Add(chunk(1, 0, 2, 8, "abcde"))
		require.NoError(t, err)

		_, _, err = r.Add(chunk(2, 0, 2, 8, "vwxyz"))
		require.ErrorIs(t, err, ErrReassemblyLimit)
		assert.Equal(t, 1, r.Len())
		assert.Equal(t, int64(5), r.Buffered())
	})
}

func TestReassembler_TTL(t *testing.T) {
	r, clock := newTestReassembler(ReassemblerConfig{TTL: time.Minute})

	_, _, err := r.Add(chunk(1, 0, 2, 4, "ab"))
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	assert.Equal(t, 0, r.Expire())
	assert.Equal(t, 1, r.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 1, r.Expire())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Buffered())
	assert.Equal(t, uint64(1), r.Discarded())

	// The late tail starts a new transfer rather than completing the old one.
	out, done, err := r.Add(chunk(1, 1, 2, 4, "cd"))
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, out)
}

func TestReassembler_ExpiresOnAdd(t *testing.T) {
	r, clock := newTestReassembler(ReassemblerConfig{TTL: time.Second, MaxChunks: 1})

	_, _, err := r.Add(chunk(1, 0, 2, 4, "ab"))
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, _, err = r.Add(chunk(2, 0, 2, 4, "ab"))
	require.NoError(t, err, "stale transfer should free its slot")
	assert.Equal(t, 1, r.Len())
}

func TestReassembler_Reset(t *testing.T) {
	r, _ := newTestReassembler(ReassemblerConfig{})
	for id := range uint32(3) {
		_, _, err := r.Add(chunk(id, 0, 2, 4, "ab"))
		require.NoError(t, err)
	}

	r.Reset()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, int64(0), r.Buffered())
	assert.Equal(t, uint64(3), r.Discarded())
}

func TestReassembler_NeverYieldsPartial(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 100)
	parts := make([]*ChunkedMessage, 10)
	for i := range parts {
		parts[i] = chunk(4, uint32(i), 10, 100, string(data[i*10:(i+1)*10]))
	}

	r, _ := newTestReassembler(ReassemblerConfig{})
	order := []int{9, 3, 0, 7, 1, 8, 2, 6, 5, 4}
	for n, i := range order {
		out, done, err := r.Add(parts[i])
		require.NoError(t, err)
		if n < len(order)-1 {
			require.False(t, done)
			require.Nil(t, out)
		} else {
			require.True(t, done)
			assert.Equal(t, data, out)
		}
	}
}
