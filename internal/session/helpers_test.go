package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/protocol"
	"github.com/roach88/eventsync/internal/store"
)

const testPublicKey = "pk-session"

const waitTimeout = 2 * time.Second

// fakeConn records frames written by a peer.
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	code     CloseCode
	reason   string
	writeErr error
}

func (c *fakeConn) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(code CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("already closed")
	}
	c.closed, c.code, c.reason = true, code, reason
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closeCode() CloseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// messages decodes everything written so far, joining chunked transfers.
func (c *fakeConn) messages(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	frames := append([][]byte(nil), c.frames...)
	c.mu.Unlock()

	r := protocol.NewReassembler(protocol.ReassemblerConfig{})
	var out []protocol.Message
	for _, f := range frames {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		if chunk, ok := msg.(*protocol.ChunkedMessage); ok {
			joined, done, err := r.Add(chunk)
			require.NoError(t, err)
			if !done {
				continue
			}
			msg, err = protocol.Decode(joined)
			require.NoError(t, err)
		}
		out = append(out, msg)
	}
	return out
}

// waitMessages waits until n messages have been written and returns them.
func (c *fakeConn) waitMessages(t *testing.T, n int) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	require.Eventually(t, func() bool {
		msgs = c.messages(t)
		return len(msgs) >= n
	}, waitTimeout, time.Millisecond, "want %d messages", n)
	return msgs
}

func (c *fakeConn) waitClosed(t *testing.T) {
	t.Helper()
	require.Eventually(t, c.isClosed, waitTimeout, time.Millisecond, "connection not closed")
}

// flakyStore wraps a real store with injectable failures.
type flakyStore struct {
	*store.Store

	mu         sync.Mutex
	ids        int
	idErr      error
	writeErr   error
	entriesErr error
}

func (s *flakyStore) ID(ctx context.Context) (ir.RemoteID, error) {
	s.mu.Lock()
	s.ids++
	err := s.idErr
	s.mu.Unlock()
	if err != nil {
		return ir.RemoteID{}, err
	}
	return s.Store.ID(ctx)
}

func (s *flakyStore) Write(ctx context.Context, publicKey string, entries []ir.Entry) ([]ir.PersistedEntry, error) {
	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Write(ctx, publicKey, entries)
}

func (s *flakyStore) Entries(ctx context.Context, publicKey string, start uint64) ([]ir.PersistedEntry, error) {
	s.mu.Lock()
	err := s.entriesErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.Store.Entries(ctx, publicKey, start)
}

// idCalls returns how many times ID was called.
func (s *flakyStore) idCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids
}

func (s *flakyStore) set(f func(s *flakyStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(s)
}

func openTestStore(t *testing.T) *flakyStore {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &flakyStore{Store: st}
}

// startActor runs an actor until the test ends.
func startActor(t *testing.T, s Store, cfg Config) *Actor {
	t.Helper()
	a := NewActor(testPublicKey, s, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	t.Cleanup(func() {
		a.Stop()
		<-a.Done()
		cancel()
	})
	return a
}

// connect attaches a fake connection and waits for its Hello.
func connect(t *testing.T, a *Actor) (*Peer, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	p, err := a.Connect(conn)
	require.NoError(t, err)

	msgs := conn.waitMessages(t, 1)
	_, ok := msgs[0].(*protocol.Hello)
	require.True(t, ok, "first message is %T, want Hello", msgs[0])
	return p, conn
}

func sendMessage(t *testing.T, p *Peer, msg protocol.Message) {
	t.Helper()
	frames, err := protocol.EncodeFrames(msg, protocol.RandomChunkID)
	require.NoError(t, err)
	for _, f := range frames {
		require.True(t, p.Receive(f))
	}
}

func testEntryID(n int) ir.EntryID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte{byte(n), byte(n >> 8), byte(n >> 16)})
}

func writeBatch(id uint64, payloads ...string) *protocol.WriteEntries {
	m := &protocol.WriteEntries{
		ID:        id,
		PublicKey: testPublicKey,
		IV:        []byte{0x01, 0x02, 0x03},
	}
	for i, p := range payloads {
		m.EncryptedEntries = append(m.EncryptedEntries, protocol.EncryptedEntry{
			EntryID:        testEntryID(int(id)*1000 + i),
			EncryptedEntry: []byte(p),
		})
	}
	return m
}

// roundTrip sends a Ping and waits for its Pong, so every earlier message
// from p has been processed.
func roundTrip(t *testing.T, p *Peer, conn *fakeConn, id uint64) []protocol.Message {
	t.Helper()
	sendMessage(t, p, &protocol.Ping{ID: id})
	var msgs []protocol.Message
	require.Eventually(t, func() bool {
		msgs = conn.messages(t)
		for _, m := range msgs {
			if pong, ok := m.(*protocol.Pong); ok && pong.ID == id {
				return true
			}
		}
		return false
	}, waitTimeout, time.Millisecond, "no pong %d", id)
	return msgs
}

func messagesOfKind[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
