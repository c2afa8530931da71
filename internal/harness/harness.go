package harness

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/eventsync/internal/ir"
	"github.com/roach88/eventsync/internal/protocol"
	"github.com/roach88/eventsync/internal/session"
	"github.com/roach88/eventsync/internal/store"
	"github.com/roach88/eventsync/internal/testutil"
	"github.com/roach88/eventsync/internal/transport"
)

const (
	// settleTimeout bounds every wait on the server.
	settleTimeout = 5 * time.Second

	// settleIDBase is the first Ping id the harness uses to settle clients.
	// Scenario pings must stay below it.
	settleIDBase = uint64(1) << 62
)

// entryNamespace scopes the ids derived from entry names.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("eventsync:harness"))

// Harness is the scenario execution engine.
// It runs one scenario against a live server on a loopback port with a
// fresh data directory.
type Harness struct {
	scenario *Scenario
	addr     string

	clients map[string]*client
	order   []*client

	result    *Result
	step      int
	settleID  uint64
	names     map[ir.EntryID]string
	remoteIDs map[ir.RemoteID]string
	chunkIDs  *testutil.ChunkIDs
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh server and data directory.
// Deterministic entry ids and chunk ids keep traces reproducible.
//
// Execution flow:
// 1. Start a server on 127.0.0.1 over a temporary data directory
// 2. Execute steps, settling every connected client after each one
// 3. Disconnect clients and shut the server down
// 4. Read every partition's final state
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "eventsync-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// Suppress server logs
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sessions, err := session.NewRegistry(session.RegistryOptions{
		DataDir: dir,
		Session: session.Config{
			ChunkIDs: testutil.NewChunkIDs(1).Next,
			Logger:   logger,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions: %w", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		sessions.Close()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	server := transport.NewServer(sessions, transport.Options{Logger: logger})
	srv := &http.Server{Handler: server.Handler(), ReadHeaderTimeout: settleTimeout}
	go srv.Serve(ln)

	h := newHarness(scenario, ln.Addr().String())
	runErr := h.execute()

	h.closeAll()
	closeErr := errors.Join(srv.Close(), sessions.Close())
	if runErr != nil {
		return nil, fmt.Errorf("failed to execute steps: %w", runErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("failed to stop server: %w", closeErr)
	}

	if err := h.collectState(dir); err != nil {
		return nil, fmt.Errorf("failed to read final state: %w", err)
	}

	for _, errMsg := range EvaluateAssertions(h.result, scenario) {
		h.result.AddError(errMsg)
	}

	return h.result, nil
}

func newHarness(scenario *Scenario, addr string) *Harness {
	h := &Harness{
		scenario:  scenario,
		addr:      addr,
		clients:   make(map[string]*client, len(scenario.Clients)),
		result:    NewResult(),
		names:     make(map[ir.EntryID]string),
		remoteIDs: make(map[ir.RemoteID]string),
		chunkIDs:  testutil.NewChunkIDs(1),
	}
	for _, c := range scenario.Clients {
		cl := &client{name: c.Name, publicKey: scenario.publicKey(c.Name)}
		h.clients[c.Name] = cl
		h.order = append(h.order, cl)
	}
	for _, step := range scenario.Steps {
		for _, name := range step.Entries {
			h.names[EntryID(name)] = name
		}
	}
	return h
}

// EntryID returns the id the harness uses for the entry called name.
func EntryID(name string) ir.EntryID {
	return uuid.NewSHA1(entryNamespace, []byte(name))
}

func (h *Harness) execute() error {
	for i, step := range h.scenario.Steps {
		h.step = i + 1
		mark := len(h.result.Trace)

		if err := h.executeStep(h.clients[step.Client], step); err != nil {
			return fmt.Errorf("steps[%d] (%s %s): %w", i, step.Client, step.Action, err)
		}
		if err := h.settle(); err != nil {
			return fmt.Errorf("steps[%d] (%s %s): %w", i, step.Client, step.Action, err)
		}
		if step.Expect != nil {
			h.checkExpect(i, step, h.result.Trace[mark:])
		}
	}
	return nil
}

func (h *Harness) executeStep(c *client, step Step) error {
	publicKey := step.PublicKey
	if publicKey == "" {
		publicKey = c.publicKey
	}

	switch step.Action {
	case ActionConnect:
		if c.open {
			return fmt.Errorf("client %s is already connected", c.name)
		}
		h.record(c, TraceEvent{Dir: DirSend, Kind: KindConnect})
		status, err := c.dial(h.addr, settleTimeout)
		if err != nil {
			return err
		}
		if status != http.StatusSwitchingProtocols {
			h.record(c, TraceEvent{Dir: DirRecv, Kind: KindRejected, Code: status})
		}
		return nil

	case ActionDisconnect:
		if !c.open {
			return fmt.Errorf("client %s is not connected", c.name)
		}
		c.close()
		h.record(c, TraceEvent{Dir: DirSend, Kind: KindClose, Code: websocket.CloseNormalClosure})
		return nil

	case ActionWrite:
		msg := &protocol.WriteEntries{
			ID:               step.ID,
			PublicKey:        publicKey,
			IV:               batchIV(step.ID),
			EncryptedEntries: make([]protocol.EncryptedEntry, len(step.Entries)),
		}
		entries := make([]TraceEntry, len(step.Entries))
		for i, name := range step.Entries {
			msg.EncryptedEntries[i] = protocol.EncryptedEntry{
				EntryID:        EntryID(name),
				EncryptedEntry: []byte(name),
			}
			entries[i] = TraceEntry{Name: name}
		}
		h.record(c, TraceEvent{Dir: DirSend, Kind: msg.Kind().String(), ID: step.ID, Entries: entries, Chunked: step.Chunked})
		return h.sendMessage(c, msg, step.Chunked)

	case ActionRequest:
		msg := &protocol.RequestChanges{PublicKey: publicKey, StartSequence: step.Start}
		h.record(c, TraceEvent{Dir: DirSend, Kind: msg.Kind().String(), Start: step.Start})
		return h.sendMessage(c, msg, false)

	case ActionPing:
		msg := &protocol.Ping{ID: step.ID}
		h.record(c, TraceEvent{Dir: DirSend, Kind: msg.Kind().String(), ID: step.ID})
		return h.sendMessage(c, msg, false)

	case ActionSendRaw:
		frame, err := hex.DecodeString(step.Frame)
		if err != nil {
			return fmt.Errorf("frame: %w", err)
		}
		h.record(c, TraceEvent{Dir: DirSend, Kind: KindRaw})
		return c.send(frame)

	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// sendMessage encodes msg, optionally wrapped in chunks, and sends it.
func (h *Harness) sendMessage(c *client, msg protocol.Message, chunked bool) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if !chunked {
		return c.send(frame)
	}

	for _, part := range protocol.Split(h.chunkIDs.Next(), frame) {
		b, err := protocol.Encode(part)
		if err != nil {
			return err
		}
		if err := c.send(b); err != nil {
			return err
		}
	}
	return nil
}

// settle waits until every connected client has received everything the
// server sent it so far. The server answers each connection's Ping after
// all earlier work, and delivers frames in order, so once the Pong arrives
// nothing caused by earlier steps is still in flight.
func (h *Harness) settle() error {
	for _, c := range h.order {
		if !c.open {
			continue
		}
		if err := h.settleClient(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) settleClient(c *client) error {
	h.settleID++
	id := settleIDBase + h.settleID

	frame, err := protocol.Encode(&protocol.Ping{ID: id})
	if err != nil {
		return err
	}
	// A failed write means the server already closed; the reader reports it.
	_ = c.send(frame)

	timer := time.NewTimer(settleTimeout)
	defer timer.Stop()

	for {
		select {
		case in, ok := <-c.inbox:
			if !ok {
				c.open = false
				return nil
			}
			if in.closed {
				c.open = false
				h.record(c, TraceEvent{Dir: DirRecv, Kind: KindClose, Code: in.code})
				continue
			}
			if in.err != nil {
				return fmt.Errorf("client %s: %w", c.name, in.err)
			}
			if pong, ok := in.msg.(*protocol.Pong); ok && pong.ID == id {
				return nil
			}
			h.recordMessage(c, in.msg)
		case <-timer.C:
			return fmt.Errorf("client %s: not settled within %s", c.name, settleTimeout)
		}
	}
}

func (h *Harness) recordMessage(c *client, msg protocol.Message) {
	e := TraceEvent{Dir: DirRecv, Kind: msg.Kind().String()}
	switch m := msg.(type) {
	case *protocol.Hello:
		e.RemoteID = h.remoteLabel(m.RemoteID)
	case *protocol.Ack:
		e.ID = m.ID
		if len(m.SequenceNumbers) > 0 {
			e.Sequences = slices.Clone(m.SequenceNumbers)
		}
	case *protocol.Changes:
		e.Entries = make([]TraceEntry, len(m.Entries))
		for i, entry := range m.Entries {
			e.Entries[i] = TraceEntry{Name: h.entryName(entry.EntryID), Sequence: entry.Sequence}
		}
	case *protocol.Pong:
		e.ID = m.ID
	}
	h.record(c, e)
}

func (h *Harness) record(c *client, e TraceEvent) {
	e.Step = h.step
	e.Client = c.name
	h.result.record(e)
}

// remoteLabel replaces random remote ids with stable labels in order of
// first appearance.
func (h *Harness) remoteLabel(id ir.RemoteID) string {
	if label, ok := h.remoteIDs[id]; ok {
		return label
	}
	label := fmt.Sprintf("remote-%d", len(h.remoteIDs)+1)
	h.remoteIDs[id] = label
	return label
}

func (h *Harness) entryName(id ir.EntryID) string {
	if name, ok := h.names[id]; ok {
		return name
	}
	return id.String()
}

func (h *Harness) closeAll() {
	for _, c := range h.order {
		c.close()
	}
}

// collectState reads every partition the scenario touches.
func (h *Harness) collectState(dir string) error {
	keys := []string{h.scenario.PublicKey}
	for _, c := range h.order {
		keys = append(keys, c.publicKey)
	}
	for _, a := range h.scenario.Assertions {
		if a.Type == AssertFinalState {
			keys = append(keys, a.PublicKey)
		}
	}

	ctx := context.Background()
	for _, raw := range keys {
		key, err := ir.NormalizePublicKey(raw)
		if err != nil {
			continue
		}
		if _, seen := h.result.State[key]; seen {
			continue
		}

		entries, err := readPartition(ctx, session.PartitionPath(dir, key), key)
		if err != nil {
			return err
		}
		state := make([]TraceEntry, len(entries))
		for i, e := range entries {
			state[i] = TraceEntry{Name: h.entryName(e.EntryID), Sequence: e.Sequence}
		}
		h.result.State[key] = state
	}
	return nil
}

// readPartition returns nil for a partition that was never created.
func readPartition(ctx context.Context, path, key string) ([]ir.PersistedEntry, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.Entries(ctx, key, 0)
}

// checkExpect compares a step's expect clause with what its client
// received during the step.
func (h *Harness) checkExpect(index int, step Step, events []TraceEvent) {
	exp := step.Expect
	var received []TraceEvent
	for _, e := range events {
		if e.Client == step.Client && e.Dir == DirRecv {
			received = append(received, e)
		}
	}

	if exp.Sequences != nil {
		ack, ok := findEvent(received, func(e TraceEvent) bool {
			return e.Kind == protocol.KindAck.String() && e.ID == step.ID
		})
		switch {
		case !ok:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected Ack %d, got none", index, step.ID))
		case !slices.Equal(ack.Sequences, exp.Sequences):
			h.result.AddError(fmt.Sprintf("steps[%d]: expected Ack sequences %v, got %v", index, exp.Sequences, ack.Sequences))
		}
	}

	if exp.Entries != nil {
		var got []string
		for _, e := range received {
			if e.Kind == protocol.KindChanges.String() {
				got = append(got, e.names()...)
			}
		}
		if !slices.Equal(got, exp.Entries) {
			h.result.AddError(fmt.Sprintf("steps[%d]: expected entries %v, got %v", index, exp.Entries, got))
		}
	}

	if exp.Close != 0 {
		e, ok := findEvent(received, func(e TraceEvent) bool { return e.Kind == KindClose })
		switch {
		case !ok:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected close %d, connection stayed open", index, exp.Close))
		case e.Code != exp.Close:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected close %d, got %d", index, exp.Close, e.Code))
		}
	}

	if exp.Status != 0 {
		e, ok := findEvent(received, func(e TraceEvent) bool { return e.Kind == KindRejected })
		switch {
		case !ok:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected status %d, connect succeeded", index, exp.Status))
		case e.Code != exp.Status:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected status %d, got %d", index, exp.Status, e.Code))
		}
	}
}

func findEvent(events []TraceEvent, match func(TraceEvent) bool) (TraceEvent, bool) {
	for _, e := range events {
		if match(e) {
			return e, true
		}
	}
	return TraceEvent{}, false
}

// batchIV derives a 12 byte IV from a write id.
func batchIV(id uint64) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint64(iv[4:], id)
	return iv
}
