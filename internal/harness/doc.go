// Package harness runs replication scenarios against a live server.
//
// A scenario names a set of clients and a list of steps. Each step is one
// client action; after every step the harness settles all connected
// clients with a Ping round trip so the trace holds everything the step
// caused. The resulting trace is checked with assertions and, in tests,
// compared against a golden file.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: catch_up
//	description: "A reconnecting client catches up from its last sequence"
//	public_key: alice
//	clients:
//	  - name: a
//	  - name: b
//	steps:
//	  - client: a
//	    action: connect
//	  - client: a
//	    action: write
//	    id: 1
//	    entries: [e1, e2]
//	    expect:
//	      sequences: [1, 2]
//	  - client: b
//	    action: request
//	    start: 2
//	    expect:
//	      entries: [e2]
//	assertions:
//	  - type: trace_contains
//	    client: a
//	    kind: Ack
//	    sequences: [1, 2]
//	  - type: final_state
//	    entries: [e1, e2]
//
// # Actions
//
//   - connect, disconnect: open or close the client's connection
//   - write: send WriteEntries, optionally chunked
//   - request: send RequestChanges from start
//   - ping: send Ping with id
//   - send_raw: send a hex encoded frame as is
//
// # Assertion Types
//
//   - trace_contains: the client saw an event of kind with matching fields
//   - trace_order: the client saw kinds in the given order
//   - trace_count: the client saw kind exactly count times
//   - final_state: a partition holds exactly the named entries
//
// Entry ids are derived from entry names and remote ids are replaced with
// labels, so the same scenario always produces the same trace.
package harness
