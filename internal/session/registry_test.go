package session

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/protocol"
)

func newTestRegistry(t *testing.T, idle int) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRegistry(RegistryOptions{DataDir: dir, IdleActors: idle})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, dir
}

func attach(t *testing.T, r *Registry, publicKey string) (*Peer, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	p, err := r.Attach(publicKey, conn)
	require.NoError(t, err)
	conn.waitMessages(t, 1)
	return p, conn
}

func TestRegistry_AttachCreatesPartitionFile(t *testing.T) {
	r, dir := newTestRegistry(t, 4)

	attach(t, r, "alice")

	_, err := os.Stat(PartitionPath(dir, "alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Active())
}

func TestRegistry_SameKeySharesActor(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	pa, connA := attach(t, r, "cl\u00e9")
	pb, connB := attach(t, r, "  cle\u0301 ")
	assert.Same(t, pa.actor, pb.actor)
	assert.Equal(t, 1, r.Active())

	m := writeBatch(1, "x")
	m.PublicKey = "cl\u00e9"
	sendMessage(t, pa, m)
	roundTrip(t, pa, connA, 1)

	msgs := roundTrip(t, pb, connB, 2)
	assert.Len(t, messagesOfKind[*protocol.Changes](msgs), 1)
}

func TestRegistry_PartitionsAreIsolated(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	pa, connA := attach(t, r, "alice")
	pb, connB := attach(t, r, "bob")
	assert.NotSame(t, pa.actor, pb.actor)

	m := writeBatch(1, "x")
	m.PublicKey = "alice"
	sendMessage(t, pa, m)
	roundTrip(t, pa, connA, 1)

	sendMessage(t, pb, &protocol.RequestChanges{PublicKey: "bob"})
	msgs := roundTrip(t, pb, connB, 2)
	assert.Empty(t, messagesOfKind[*protocol.Changes](msgs))

	// Distinct stores also mean distinct remote ids.
	helloA := connA.messages(t)[0].(*protocol.Hello)
	helloB := connB.messages(t)[0].(*protocol.Hello)
	assert.NotEqual(t, helloA.RemoteID, helloB.RemoteID)
}

func TestRegistry_EmptyPublicKey(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	conn := &fakeConn{}
	_, err := r.Attach("   ", conn)
	assert.ErrorIs(t, err, ir.ErrEmptyPublicKey)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, r.Active())
}

func TestRegistry_IdleAndRevive(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	p, conn := attach(t, r, "alice")
	hello := conn.messages(t)[0].(*protocol.Hello)
	actor := p.actor

	p.Disconnect(CloseNormal, "")
	require.Eventually(t, func() bool { return r.Idle() == 1 }, waitTimeout, time.Millisecond)
	assert.Equal(t, 0, r.Active())

	// Reconnecting reuses the parked actor and its identity.
	p2, conn2 := attach(t, r, "alice")
	assert.Same(t, actor, p2.actor)
	assert.Equal(t, hello.RemoteID, conn2.messages(t)[0].(*protocol.Hello).RemoteID)
	assert.Equal(t, 1, r.Active())
	assert.Equal(t, 0, r.Idle())
}

func TestRegistry_EvictsLeastRecentlyIdle(t *testing.T) {
	r, _ := newTestRegistry(t, 1)

	pa, connA := attach(t, r, "alice")
	helloA := connA.messages(t)[0].(*protocol.Hello)
	alice := pa.actor

	pa.Disconnect(CloseNormal, "")
	require.Eventually(t, func() bool { return r.Idle() == 1 }, waitTimeout, time.Millisecond)

	pb, _ := attach(t, r, "bob")
	pb.Disconnect(CloseNormal, "")

	// bob's parking evicts alice, which stops.
	select {
	case <-alice.Done():
	case <-time.After(waitTimeout):
		t.Fatal("evicted actor did not stop")
	}
	require.Eventually(t, func() bool { return r.Idle() == 1 }, waitTimeout, time.Millisecond)

	// A new actor reopens alice's partition with the same identity.
	pa2, connA2 := attach(t, r, "alice")
	assert.NotSame(t, alice, pa2.actor)
	assert.Equal(t, helloA.RemoteID, connA2.messages(t)[0].(*protocol.Hello).RemoteID)
}

func TestRegistry_Close(t *testing.T) {
	r, _ := newTestRegistry(t, 4)

	_, conn := attach(t, r, "alice")
	pb, _ := attach(t, r, "bob")
	pb.Disconnect(CloseNormal, "")
	require.Eventually(t, func() bool { return r.Idle() == 1 }, waitTimeout, time.Millisecond)

	require.NoError(t, r.Close())
	conn.waitClosed(t)
	assert.Equal(t, CloseGoingAway, conn.closeCode())
	assert.Equal(t, 0, r.Active())

	late := &fakeConn{}
	_, err := r.Attach("alice", late)
	assert.True(t, IsStoppedError(err))
	assert.True(t, late.isClosed())

	// Idempotent.
	assert.NoError(t, r.Close())
}
