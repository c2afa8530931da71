// Package session runs the replication state for each public key.
//
// An Actor owns one partition of the append log and every connection that
// replicates it. All of its state changes happen on a single goroutine
// (Run), fed by an unbounded FIFO of connection events, so writes to the log
// are serialized and fan-out follows persistence order. Each connection has
// its own writer goroutine (Peer) so a slow socket never stalls the actor.
//
// The Registry maps normalized public keys to actors, starting them lazily
// and parking actors without connections in a bounded idle cache.
package session
