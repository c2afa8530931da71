// Package transport serves the replication protocol over WebSocket.
//
// Routes:
//
//	GET /                      health check, responds "ok"
//	GET /sync?publicKey=<key>  upgrades to a replication connection
//	GET /metrics               Prometheus metrics, when configured
//
// Every other request gets 404. A replication connection carries one binary
// protocol frame per WebSocket message. The server pings idle connections
// and closes those that stop answering.
package transport
