package harness

// Trace directions, seen from the client.
const (
	DirSend = "send"
	DirRecv = "recv"
)

// Event kinds that are not protocol messages.
const (
	KindConnect  = "Connect"
	KindClose    = "Close"
	KindRejected = "Rejected"
	KindRaw      = "Raw"
)

// TraceEvent is one frame or connection event seen by a client.
// Protocol messages use their kind name (Hello, Ack, Changes, ...).
type TraceEvent struct {
	Step      int          `json:"step"` // 1-based index of the step that caused it
	Client    string       `json:"client"`
	Dir       string       `json:"dir"`
	Kind      string       `json:"kind"`
	ID        uint64       `json:"id,omitempty"`
	RemoteID  string       `json:"remote_id,omitempty"`
	Start     uint64       `json:"start,omitempty"`
	Sequences []uint64     `json:"sequences,omitempty"`
	Entries   []TraceEntry `json:"entries,omitempty"`
	Chunked   bool         `json:"chunked,omitempty"`
	Code      int          `json:"code,omitempty"`
}

// TraceEntry names an entry and, once persisted, its sequence.
type TraceEntry struct {
	Name     string `json:"name"`
	Sequence uint64 `json:"seq,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions hold.
	Pass bool `json:"pass"`

	// Trace contains every client event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State maps each partition's public key to its entries in sequence
	// order, read after the server shut down.
	State map[string][]TraceEntry `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string][]TraceEntry),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// record appends an event to the trace.
func (r *Result) record(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// names returns the entry names of e.
func (e TraceEvent) names() []string {
	names := make([]string, len(e.Entries))
	for i, entry := range e.Entries {
		names[i] = entry.Name
	}
	return names
}
