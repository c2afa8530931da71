package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/metrics"
	"github.com/roach88/eventsync/internal/store"
)

// DefaultIdleActors is the default size of the idle actor cache.
const DefaultIdleActors = 256

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// DataDir holds one SQLite file per public key.
	DataDir string

	// IdleActors caps how many actors without connections are kept running.
	IdleActors int

	// Session configures every actor.
	Session Config
}

// Registry routes connections to the actor for their public key.
//
// Actors start on first use. When an actor's last connection closes it moves
// to an LRU of idle actors; evicting it from there stops the actor and closes
// its store. A new connection revives an idle actor without reopening.
type Registry struct {
	opts   RegistryOptions
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*registryEntry
	idle   *lru.Cache
	closed bool

	wg sync.WaitGroup
}

type registryEntry struct {
	actor *Actor

	// reviving is set while the entry is removed from the idle cache to be
	// reused, so the eviction callback leaves it running.
	reviving bool
}

// NewRegistry creates the data directory if needed and returns an empty
// Registry.
func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.IdleActors <= 0 {
		opts.IdleActors = DefaultIdleActors
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	r := &Registry{
		opts:   opts,
		active: make(map[string]*registryEntry),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	idle, err := lru.NewWithEvict(opts.IdleActors, r.evict)
	if err != nil {
		return nil, fmt.Errorf("create idle cache: %w", err)
	}
	r.idle = idle
	return r, nil
}

// PartitionPath returns the SQLite file for a normalized public key.
func PartitionPath(dataDir, publicKey string) string {
	return filepath.Join(dataDir, ir.PartitionName(publicKey)+".db")
}

// Attach connects conn to the actor for publicKey, starting or reviving it.
// On error conn has already been closed.
func (r *Registry) Attach(publicKey string, conn Conn) (*Peer, error) {
	key, err := ir.NormalizePublicKey(publicKey)
	if err != nil {
		_ = conn.Close(CloseProtocolError, err.Error())
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		_ = conn.Close(CloseGoingAway, "server shutting down")
		return nil, newStoppedError(key)
	}

	e, err := r.lookup(key)
	if err != nil {
		_ = conn.Close(CloseInternalError, "log storage unavailable")
		return nil, err
	}
	return e.actor.Connect(conn)
}

// lookup returns the running entry for key, moving it out of the idle
// cache or starting it. Must be called with r.mu held.
func (r *Registry) lookup(key string) (*registryEntry, error) {
	if e, ok := r.active[key]; ok {
		return e, nil
	}

	if v, ok := r.idle.Peek(key); ok {
		e := v.(*registryEntry)
		e.reviving = true
		r.idle.Remove(key)
		e.reviving = false
		r.active[key] = e
		r.updateGauges()
		return e, nil
	}

	path := PartitionPath(r.opts.DataDir, key)
	st, err := store.Open(path)
	if err != nil {
		return nil, newStorageError(key, "open store", err)
	}

	a := NewActor(key, st, r.opts.Session)
	a.onIdle = r.idleActor
	e := &registryEntry{actor: a}
	r.active[key] = e
	r.updateGauges()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := a.Run(r.ctx); err != nil && r.ctx.Err() == nil {
			a.logger.Error("session actor failed", "error", err)
		}
		if err := st.Close(); err != nil {
			a.logger.Error("close store", "path", path, "error", err)
		}
	}()
	return e, nil
}

// idleActor parks a without connections in the idle cache. Called from the
// actor's Run goroutine.
func (r *Registry) idleActor(a *Actor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	e, ok := r.active[a.publicKey]
	if !ok || e.actor != a || a.Connections() > 0 {
		return
	}
	delete(r.active, a.publicKey)
	r.idle.Add(a.publicKey, e)
	r.updateGauges()
}

// evict is the idle cache callback. It runs with r.mu held.
func (r *Registry) evict(key, value interface{}) {
	e := value.(*registryEntry)
	if e.reviving {
		return
	}
	e.actor.Stop()
}

// updateGauges must be called with r.mu held.
func (r *Registry) updateGauges() {
	metrics.Actors.WithLabelValues(metrics.ActorStateActive).Set(float64(len(r.active)))
	metrics.Actors.WithLabelValues(metrics.ActorStateIdle).Set(float64(r.idle.Len()))
}

// Active returns the number of actors with connections.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Idle returns the number of parked actors.
func (r *Registry) Idle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle.Len()
}

// Close stops every actor, waits for them to drain and closes their stores.
// Open connections are closed with CloseGoingAway.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, e := range r.active {
		e.actor.Stop()
	}
	r.idle.Purge()
	r.mu.Unlock()

	r.wg.Wait()
	r.cancel()

	r.mu.Lock()
	r.active = make(map[string]*registryEntry)
	r.updateGauges()
	r.mu.Unlock()
	return nil
}
