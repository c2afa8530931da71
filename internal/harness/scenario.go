package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replication scenario.
// Scenarios drive one or more clients against a live server and assert on
// the resulting trace and the final contents of each log partition.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// PublicKey is the partition clients use unless they name their own.
	PublicKey string `yaml:"public_key"`

	// Clients are the connections taking part, in settle order.
	Clients []Client `yaml:"clients"`

	// Steps run in order. After each step every connected client is
	// settled, so all frames caused by the step are in the trace.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// Client is one named connection.
type Client struct {
	Name string `yaml:"name"`

	// PublicKey overrides Scenario.PublicKey for this client.
	PublicKey string `yaml:"public_key,omitempty"`
}

// Step is one client action.
type Step struct {
	// Client names the acting client.
	Client string `yaml:"client"`

	// Action is one of connect, disconnect, write, request, ping, send_raw.
	Action string `yaml:"action"`

	// ID correlates write and ping with their replies.
	ID uint64 `yaml:"id,omitempty"`

	// Entries names the entries of a write. Ids and payloads are derived
	// from the names, so the same name always means the same entry.
	Entries []string `yaml:"entries,omitempty"`

	// Chunked sends a write wrapped in a ChunkedMessage.
	Chunked bool `yaml:"chunked,omitempty"`

	// PublicKey overrides the client's key inside write and request.
	PublicKey string `yaml:"public_key,omitempty"`

	// Start is the first sequence a request asks for.
	Start uint64 `yaml:"start,omitempty"`

	// Frame is a hex encoded frame sent as is by send_raw.
	Frame string `yaml:"frame,omitempty"`

	// Expect checks what the acting client received during this step.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies what a step should produce for its client.
type ExpectClause struct {
	// Sequences is the expected Ack for a write.
	Sequences []uint64 `yaml:"sequences,omitempty"`

	// Entries are the entry names the client should receive in Changes,
	// in sequence order.
	Entries []string `yaml:"entries,omitempty"`

	// Close is the expected close code when the step ends the connection.
	Close int `yaml:"close,omitempty"`

	// Status is the expected HTTP status of a rejected connect.
	Status int `yaml:"status,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event of Kind reached Client, optionally with
	//   the given entries, sequences or close code
	// - "trace_order": Kinds reached Client in this order
	// - "trace_count": Kind reached Client exactly Count times
	// - "final_state": the partition holds exactly Entries, in order
	Type string `yaml:"type"`

	// Client is the client whose trace is inspected.
	Client string `yaml:"client,omitempty"`

	// Dir is "recv" (the default) or "send".
	Dir string `yaml:"dir,omitempty"`

	// Kind is the event kind (used by trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Entries are entry names (used by trace_contains, final_state).
	Entries []string `yaml:"entries,omitempty"`

	// Sequences are Ack sequence numbers (used by trace_contains).
	Sequences []uint64 `yaml:"sequences,omitempty"`

	// Code is a close code or HTTP status (used by trace_contains).
	Code int `yaml:"code,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Kinds is the expected kind order (used by trace_order).
	Kinds []string `yaml:"kinds,omitempty"`

	// PublicKey selects the partition (used by final_state). Defaults to
	// Scenario.PublicKey.
	PublicKey string `yaml:"public_key,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Step action constants.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionWrite      = "write"
	ActionRequest    = "request"
	ActionPing       = "ping"
	ActionSendRaw    = "send_raw"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// FindScenarios returns the YAML files in dir whose base name matches the
// glob pattern (all files when pattern is empty), sorted by name.
func FindScenarios(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenarios dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if pattern != "" {
			ok, err := filepath.Match(pattern, e.Name())
			if err != nil {
				return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
			}
			if !ok {
				continue
			}
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// publicKey returns the key client name connects with.
func (s *Scenario) publicKey(name string) string {
	for _, c := range s.Clients {
		if c.Name == name && c.PublicKey != "" {
			return c.PublicKey
		}
	}
	return s.PublicKey
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Clients) == 0 {
		return fmt.Errorf("clients list is required and must be non-empty")
	}

	clients := make(map[string]bool, len(s.Clients))
	for i, c := range s.Clients {
		if c.Name == "" {
			return fmt.Errorf("clients[%d]: name is required", i)
		}
		if clients[c.Name] {
			return fmt.Errorf("clients[%d]: duplicate client %q", i, c.Name)
		}
		clients[c.Name] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, clients); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, clients); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, step *Step, clients map[string]bool) error {
	if step.Client == "" {
		return fmt.Errorf("steps[%d]: client is required", index)
	}
	if !clients[step.Client] {
		return fmt.Errorf("steps[%d]: unknown client %q", index, step.Client)
	}

	switch step.Action {
	case ActionConnect, ActionDisconnect, ActionWrite, ActionRequest, ActionPing:
	case ActionSendRaw:
		if step.Frame == "" {
			return fmt.Errorf("steps[%d]: frame is required for send_raw", index)
		}
		if _, err := hex.DecodeString(step.Frame); err != nil {
			return fmt.Errorf("steps[%d]: frame is not hex: %w", index, err)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}

	if step.Action == ActionPing && step.ID >= settleIDBase {
		return fmt.Errorf("steps[%d]: ping id must be below %d", index, settleIDBase)
	}

	if step.Action != ActionWrite && (len(step.Entries) > 0 || step.Chunked) {
		return fmt.Errorf("steps[%d]: entries and chunked only apply to write", index)
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, clients map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q for %s", index, a.Client, a.Type)
		}
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for %s", index, a.Type)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if !clients[a.Client] {
			return fmt.Errorf("assertions[%d]: unknown client %q for trace_order", index, a.Client)
		}
		if len(a.Kinds) == 0 {
			return fmt.Errorf("assertions[%d]: kinds list is required for trace_order", index)
		}
	case AssertFinalState:
		// An empty entries list asserts an empty partition.
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	if a.Dir != "" && a.Dir != DirSend && a.Dir != DirRecv {
		return fmt.Errorf("assertions[%d]: dir must be %q or %q", index, DirSend, DirRecv)
	}

	return nil
}
