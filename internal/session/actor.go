package session

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/metrics"
	"github.com/roach88/eventsync/internal/protocol"
)

// Store is the append log an Actor replicates.
type Store interface {
	ID(ctx context.Context) (ir.RemoteID, error)
	Write(ctx context.Context, publicKey string, entries []ir.Entry) ([]ir.PersistedEntry, error)
	Entries(ctx context.Context, publicKey string, startSequence uint64) ([]ir.PersistedEntry, error)
	LastSequence(ctx context.Context, publicKey string) (uint64, error)
}

// Config tunes an Actor. The zero value is usable.
type Config struct {
	// Reassembly bounds each connection's chunk reassembly state.
	Reassembly protocol.ReassemblerConfig

	// ChunkIDs picks chunk ids for outbound chunked messages.
	// protocol.RandomChunkID when nil.
	ChunkIDs protocol.ChunkIDSource

	// Logger receives actor logs; slog.Default() when nil.
	Logger *slog.Logger
}

// Actor is the single-writer replication loop for one public key.
//
// Thread-safety model:
//   - Connect, Stop and the Peer methods: safe from any goroutine
//   - Run: must be called from exactly one goroutine
//
// All store calls and all peer state changes happen in Run.
type Actor struct {
	publicKey string
	store     Store
	cfg       Config
	logger    *slog.Logger
	queue     *eventQueue

	// Open peers in connection order. Run goroutine only.
	peers []*Peer

	fault   atomic.Pointer[RuntimeError]
	conns   atomic.Int64 // connecting plus open peers
	stopped chan struct{}

	// onIdle is called from Run when the last connection goes away.
	onIdle func(*Actor)
}

// NewActor returns an Actor for an already normalized public key. Call Run
// to start it.
func NewActor(publicKey string, s Store, cfg Config) *Actor {
	if cfg.ChunkIDs == nil {
		cfg.ChunkIDs = protocol.RandomChunkID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Actor{
		publicKey: publicKey,
		store:     s,
		cfg:       cfg,
		logger:    logger.With("public_key", publicKey),
		queue:     newEventQueue(),
		stopped:   make(chan struct{}),
	}
}

// PublicKey returns the partition key this actor serves.
func (a *Actor) PublicKey() string {
	return a.publicKey
}

// Connections returns the number of connecting and open peers.
func (a *Actor) Connections() int {
	return int(a.conns.Load())
}

// Err returns the identity fault that makes the actor refuse connections,
// or nil. The fault lasts until the actor has no connections left.
func (a *Actor) Err() error {
	if f := a.fault.Load(); f != nil {
		return f
	}
	return nil
}

// Connect attaches conn. The actor greets it with Hello once the open event
// is processed. On error conn has already been closed.
func (a *Actor) Connect(conn Conn) (*Peer, error) {
	if f := a.fault.Load(); f != nil {
		_ = conn.Close(CloseInternalError, "log storage unavailable")
		return nil, f
	}

	p := newPeer(a, conn)
	a.conns.Add(1)
	if !a.queue.Enqueue(event{typ: eventOpen, peer: p}) {
		a.conns.Add(-1)
		p.close(CloseGoingAway, "server shutting down")
		return nil, newStoppedError(a.publicKey)
	}
	return p, nil
}

// Stop closes the event queue. Run drains what is already queued, closes
// every connection and returns.
func (a *Actor) Stop() {
	a.queue.Close()
}

// Done is closed when Run has returned.
func (a *Actor) Done() <-chan struct{} {
	return a.stopped
}

// Run starts the event loop. It blocks until ctx is cancelled or Stop is
// called.
//
// Event failures are handled per connection: the offending connection is
// closed and the loop continues.
func (a *Actor) Run(ctx context.Context) error {
	a.logger.Debug("session actor starting")
	defer a.shutdown()

	for {
		if ev, ok := a.queue.TryDequeue(); ok {
			a.process(ctx, ev)
			continue
		}

		select {
		case <-ctx.Done():
			a.logger.Debug("session actor stopping: context cancelled")
			a.queue.Close()
			return ctx.Err()

		case _, ok := <-a.queue.Wait():
			// A closed signal channel means the queue is closed; queued
			// events are still drained before returning.
			if !ok && a.queue.Len() == 0 {
				a.logger.Debug("session actor stopping: queue closed")
				return nil
			}
		}
	}
}

func (a *Actor) shutdown() {
	// Anything still queued after cancellation only needs its peer closed.
	for {
		ev, ok := a.queue.TryDequeue()
		if !ok {
			break
		}
		if ev.typ == eventOpen {
			ev.peer.state = peerClosed
			ev.peer.close(CloseGoingAway, "server shutting down")
			a.conns.Add(-1)
		}
	}
	for _, p := range slices.Clone(a.peers) {
		a.drop(p, CloseGoingAway, "server shutting down")
	}
	close(a.stopped)
}

// process routes one event. Run goroutine only.
func (a *Actor) process(ctx context.Context, ev event) {
	switch ev.typ {
	case eventOpen:
		a.open(ctx, ev.peer)

	case eventFrame:
		if ev.peer.state != peerOpen {
			return
		}
		a.receive(ctx, ev.peer, ev.frame)

	case eventClose:
		if ev.peer.state != peerOpen {
			return
		}
		a.logger.Debug("connection closed", "conn", ev.peer.id, "code", int(ev.code), "reason", ev.reason)
		a.drop(ev.peer, ev.code, ev.reason)
	}
}

func (a *Actor) open(ctx context.Context, p *Peer) {
	if f := a.fault.Load(); f != nil {
		a.reject(p)
		return
	}

	id, err := a.store.ID(ctx)
	if err != nil {
		rerr := newIdentityError(a.publicKey, err)
		a.fault.Store(rerr)
		metrics.StorageErrorsTotal.Inc()
		a.logger.Error("session faulted", "conn", p.id, "error", rerr)
		a.reject(p)
		return
	}

	p.state = peerOpen
	a.peers = append(a.peers, p)
	metrics.Connections.Inc()
	a.logger.Debug("connection opened", "conn", p.id, "remote_id", id.String())

	a.send(p, &protocol.Hello{RemoteID: id})
}

// reject closes a peer that never opened.
func (a *Actor) reject(p *Peer) {
	p.state = peerClosed
	p.close(CloseInternalError, "log storage unavailable")
	a.release()
}

// drop closes an open peer and forgets it.
func (a *Actor) drop(p *Peer, code CloseCode, reason string) {
	if i := slices.Index(a.peers, p); i >= 0 {
		a.peers = slices.Delete(a.peers, i, i+1)
	}
	p.state = peerClosed
	p.close(code, reason)

	before := p.reassembler.Discarded()
	p.reassembler.Reset()
	metrics.ChunksDiscardedTotal.Add(float64(p.reassembler.Discarded() - before))
	metrics.Connections.Dec()

	a.release()
}

// release forgets one connection. The last one out clears an identity
// fault so the next connection retries the store.
func (a *Actor) release() {
	if a.conns.Add(-1) != 0 {
		return
	}
	if f := a.fault.Swap(nil); f != nil {
		a.logger.Info("session fault cleared", "error", f)
	}
	if a.onIdle != nil {
		a.onIdle(a)
	}
}

// fail closes p for err.
func (a *Actor) fail(p *Peer, err *RuntimeError) {
	switch err.Code {
	case ErrCodeStorage:
		metrics.StorageErrorsTotal.Inc()
		a.logger.Error("storage operation failed", "conn", p.id, "error", err)
		a.drop(p, CloseInternalError, "storage failure")
	default:
		metrics.ProtocolErrorsTotal.Inc()
		a.logger.Warn("protocol error", "conn", p.id, "error", err)
		a.drop(p, CloseProtocolError, err.Message)
	}
}

func (a *Actor) receive(ctx context.Context, p *Peer, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		a.fail(p, newProtocolError(a.publicKey, err, "malformed frame"))
		return
	}
	metrics.FramesReceivedTotal.WithLabelValues(msg.Kind().String()).Inc()

	if rerr := a.dispatch(ctx, p, msg); rerr != nil {
		a.fail(p, rerr)
	}
}

// dispatch applies one client message.
func (a *Actor) dispatch(ctx context.Context, p *Peer, msg protocol.Message) *RuntimeError {
	switch m := msg.(type) {
	case *protocol.WriteEntries:
		return a.writeEntries(ctx, p, m)
	case *protocol.RequestChanges:
		return a.requestChanges(ctx, p, m)
	case *protocol.ChunkedMessage:
		return a.reassemble(ctx, p, m)
	case *protocol.Ping:
		a.send(p, &protocol.Pong{ID: m.ID})
		return nil
	default:
		return newProtocolError(a.publicKey, nil, "unexpected %s from client", msg.Kind())
	}
}

func (a *Actor) checkKey(publicKey string) *RuntimeError {
	key, err := ir.NormalizePublicKey(publicKey)
	if err != nil {
		return newProtocolError(a.publicKey, err, "invalid public key")
	}
	if key != a.publicKey {
		return newProtocolError(a.publicKey, nil, "public key %q does not match connection", publicKey)
	}
	return nil
}

// writeEntries persists a batch, acknowledges it to the sender and fans the
// newly appended entries out to every other connection.
func (a *Actor) writeEntries(ctx context.Context, p *Peer, m *protocol.WriteEntries) *RuntimeError {
	if rerr := a.checkKey(m.PublicKey); rerr != nil {
		return rerr
	}

	entries := m.Entries()
	for i := range entries {
		entries[i].PublicKey = a.publicKey
	}

	// Entries at or below prev already existed; a retried batch is acked
	// with its original sequences but not broadcast again.
	prev, err := a.store.LastSequence(ctx, a.publicKey)
	if err != nil {
		return newStorageError(a.publicKey, "read last sequence", err)
	}

	start := time.Now()
	persisted, err := a.store.Write(ctx, a.publicKey, entries)
	if err != nil {
		return newStorageError(a.publicKey, "write entries", err)
	}
	metrics.WriteBatchDurationSeconds.Observe(time.Since(start).Seconds())

	seqs := make([]uint64, len(persisted))
	fresh := make([]ir.PersistedEntry, 0, len(persisted))
	for i, e := range persisted {
		seqs[i] = e.Sequence
		if e.Sequence > prev {
			fresh = append(fresh, e)
			prev = e.Sequence
		}
	}
	metrics.EntriesWrittenTotal.Add(float64(len(fresh)))

	a.logger.Debug("entries written",
		"conn", p.id,
		"batch", m.ID,
		"entries", len(persisted),
		"fresh", len(fresh),
	)

	a.send(p, &protocol.Ack{ID: m.ID, SequenceNumbers: seqs})

	if len(fresh) > 0 {
		a.broadcast(p, &protocol.Changes{PublicKey: a.publicKey, Entries: fresh})
	}
	return nil
}

func (a *Actor) requestChanges(ctx context.Context, p *Peer, m *protocol.RequestChanges) *RuntimeError {
	if rerr := a.checkKey(m.PublicKey); rerr != nil {
		return rerr
	}

	entries, err := a.store.Entries(ctx, a.publicKey, m.StartSequence)
	if err != nil {
		return newStorageError(a.publicKey, "read entries", err)
	}
	if len(entries) == 0 {
		return nil
	}

	a.send(p, &protocol.Changes{PublicKey: a.publicKey, Entries: entries})
	return nil
}

// reassemble buffers one chunk and dispatches the joined message once every
// chunk of its transfer has arrived.
func (a *Actor) reassemble(ctx context.Context, p *Peer, m *protocol.ChunkedMessage) *RuntimeError {
	before := p.reassembler.Discarded()
	joined, complete, err := p.reassembler.Add(m)
	metrics.ChunksDiscardedTotal.Add(float64(p.reassembler.Discarded() - before))
	if err != nil {
		return newProtocolError(a.publicKey, err, "chunk rejected")
	}
	if !complete {
		return nil
	}
	metrics.ChunksReassembledTotal.Inc()

	inner, err := protocol.Decode(joined)
	if err != nil {
		return newProtocolError(a.publicKey, err, "malformed chunked message")
	}
	if _, nested := inner.(*protocol.ChunkedMessage); nested {
		return newProtocolError(a.publicKey, nil, "nested chunked message")
	}
	metrics.FramesReceivedTotal.WithLabelValues(inner.Kind().String()).Inc()

	return a.dispatch(ctx, p, inner)
}

// send encodes msg once and queues it on p.
func (a *Actor) send(p *Peer, msg protocol.Message) {
	frames, err := protocol.EncodeFrames(msg, a.cfg.ChunkIDs)
	if err != nil {
		a.logger.Error("encode message", "kind", msg.Kind().String(), "error", err)
		return
	}
	p.send(frames)
}

// broadcast queues msg on every open peer except from.
func (a *Actor) broadcast(from *Peer, msg protocol.Message) {
	frames, err := protocol.EncodeFrames(msg, a.cfg.ChunkIDs)
	if err != nil {
		a.logger.Error("encode message", "kind", msg.Kind().String(), "error", err)
		return
	}
	for _, p := range a.peers {
		if p != from {
			p.send(frames)
		}
	}
}
