package session

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/eventsync/internal/metrics"
	"github.com/roach88/eventsync/internal/protocol"
)

// CloseCode is the status a connection is closed with. Values follow the
// WebSocket close codes of RFC 6455.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000
	CloseGoingAway     CloseCode = 1001
	CloseProtocolError CloseCode = 1002
	CloseInternalError CloseCode = 1011
)

// Conn is the outbound half of a client connection.
//
// WriteFrame is only called from the peer's writer goroutine, never
// concurrently. Close is called exactly once, from the same goroutine, after
// the last WriteFrame.
type Conn interface {
	WriteFrame(frame []byte) error
	Close(code CloseCode, reason string) error
}

type peerState int

const (
	peerConnecting peerState = iota
	peerOpen
	peerClosed
)

var nextPeerID atomic.Uint64

// Peer is one client connection attached to an Actor.
//
// The transport feeds inbound frames through Receive and reports the end of
// the read side with Disconnect. Outbound frames are queued by the actor and
// written by a dedicated goroutine, in order.
type Peer struct {
	id    uint64
	actor *Actor
	conn  Conn

	// Owned by the actor goroutine.
	state       peerState
	reassembler *protocol.Reassembler

	mu       sync.Mutex
	outbound [][]byte
	closing  bool
	code     CloseCode
	reason   string
	signal   chan struct{}
	done     chan struct{}
}

func newPeer(a *Actor, conn Conn) *Peer {
	p := &Peer{
		id:          nextPeerID.Add(1),
		actor:       a,
		conn:        conn,
		reassembler: protocol.NewReassembler(a.cfg.Reassembly),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// ID returns a process-unique identifier for logging.
func (p *Peer) ID() uint64 {
	return p.id
}

// Receive hands one inbound frame to the actor. It returns false once the
// actor has stopped, after which the transport should stop reading.
func (p *Peer) Receive(frame []byte) bool {
	return p.actor.queue.Enqueue(event{typ: eventFrame, peer: p, frame: frame})
}

// Disconnect reports that the read side of the connection has ended. The
// actor closes the connection with code and reason. Safe to call more than
// once; only the first call has an effect.
func (p *Peer) Disconnect(code CloseCode, reason string) {
	p.actor.queue.Enqueue(event{typ: eventClose, peer: p, code: code, reason: reason})
}

// Done is closed once the connection has been closed and the writer has
// exited.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// send queues frames behind anything already pending. Frames sent after
// close are dropped.
func (p *Peer) send(frames [][]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return false
	}
	p.outbound = append(p.outbound, frames...)
	p.wake()
	return true
}

// close flushes pending frames and then closes the connection. The first
// close wins.
func (p *Peer) close(code CloseCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closing {
		return
	}
	p.closing = true
	p.code = code
	p.reason = reason
	p.wake()
}

// wake must be called with p.mu held.
func (p *Peer) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Peer) take() (frames [][]byte, closing bool, code CloseCode, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frames = p.outbound
	p.outbound = nil
	return frames, p.closing, p.code, p.reason
}

func (p *Peer) writeLoop() {
	defer close(p.done)

	for range p.signal {
		for {
			frames, closing, code, reason := p.take()
			if len(frames) == 0 {
				if closing {
					if err := p.conn.Close(code, reason); err != nil {
						slog.Debug("close connection", "conn", p.id, "error", err)
					}
					return
				}
				break
			}

			for _, f := range frames {
				if err := p.conn.WriteFrame(f); err != nil {
					p.abort(err)
					return
				}
				metrics.FramesSentTotal.Inc()
			}
		}
	}
}

// abort handles a failed write: pending frames are dropped, the socket is
// closed and the actor is told the connection is gone.
func (p *Peer) abort(err error) {
	slog.Debug("write frame failed", "conn", p.id, "error", err)

	p.mu.Lock()
	p.closing = true
	p.outbound = nil
	p.mu.Unlock()

	if cerr := p.conn.Close(CloseInternalError, "write failed"); cerr != nil {
		slog.Debug("close connection", "conn", p.id, "error", cerr)
	}
	p.Disconnect(CloseInternalError, "write failed")
}
