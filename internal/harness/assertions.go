package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/eventsync/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Events of the inspected client
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nClient trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [step %d] %s %s%s\n", event.Step, event.Dir, event.Kind, describe(event))
		}
	}

	return buf.String()
}

// describe renders the interesting fields of an event.
func describe(e TraceEvent) string {
	var parts []string
	if e.ID != 0 {
		parts = append(parts, fmt.Sprintf("id=%d", e.ID))
	}
	if e.Start != 0 {
		parts = append(parts, fmt.Sprintf("start=%d", e.Start))
	}
	if len(e.Sequences) > 0 {
		parts = append(parts, fmt.Sprintf("sequences=%v", e.Sequences))
	}
	if len(e.Entries) > 0 {
		parts = append(parts, fmt.Sprintf("entries=%v", e.names()))
	}
	if e.Code != 0 {
		parts = append(parts, fmt.Sprintf("code=%d", e.Code))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// clientTrace returns the events of one client in one direction.
func clientTrace(trace []TraceEvent, a Assertion) []TraceEvent {
	dir := a.Dir
	if dir == "" {
		dir = DirRecv
	}
	var out []TraceEvent
	for _, e := range trace {
		if e.Client == a.Client && e.Dir == dir {
			out = append(out, e)
		}
	}
	return out
}

// matches reports whether e satisfies the optional filters of a.
func matches(e TraceEvent, a Assertion) bool {
	if e.Kind != a.Kind {
		return false
	}
	if a.Entries != nil && !slices.Equal(e.names(), a.Entries) {
		return false
	}
	if a.Sequences != nil && !slices.Equal(e.Sequences, a.Sequences) {
		return false
	}
	if a.Code != 0 && e.Code != a.Code {
		return false
	}
	return true
}

// assertTraceContains checks that the client saw an event matching kind and
// the optional entries, sequences and code.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	events := clientTrace(trace, assertion)
	for _, event := range events {
		if matches(event, assertion) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("client %s: %s%s", assertion.Client, assertion.Kind, describe(expected(assertion))),
		Actual:   "not found in trace",
		Trace:    events,
	}
}

// assertTraceOrder checks that the kinds appear in the specified order.
// Kinds don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	events := clientTrace(trace, assertion)

	next := 0
	for _, event := range events {
		if next < len(assertion.Kinds) && event.Kind == assertion.Kinds[next] {
			next++
		}
	}
	if next == len(assertion.Kinds) {
		return nil
	}

	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("client %s: kinds in order %v", assertion.Client, assertion.Kinds),
		Actual:   fmt.Sprintf("matched %v, missing %s", assertion.Kinds[:next], assertion.Kinds[next]),
		Trace:    events,
	}
}

// assertTraceCount checks that the client saw the kind exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	events := clientTrace(trace, assertion)

	count := 0
	for _, event := range events {
		if matches(event, assertion) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("client %s: %d occurrences of %s", assertion.Client, assertion.Count, assertion.Kind),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    events,
		}
	}

	return nil
}

// assertFinalState checks that a partition holds exactly the named
// entries in sequence order.
func assertFinalState(state map[string][]TraceEntry, publicKey string, assertion Assertion) error {
	key, err := ir.NormalizePublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	var names []string
	for _, e := range state[key] {
		names = append(names, e.Name)
	}
	if slices.Equal(names, assertion.Entries) {
		return nil
	}

	return &AssertionError{
		Type:     AssertFinalState,
		Expected: fmt.Sprintf("partition %q holds %v", key, assertion.Entries),
		Actual:   fmt.Sprintf("holds %v", names),
	}
}

// expected turns the filters of a into an event for describe.
func expected(a Assertion) TraceEvent {
	e := TraceEvent{Sequences: a.Sequences, Code: a.Code}
	for _, name := range a.Entries {
		e.Entries = append(e.Entries, TraceEntry{Name: name})
	}
	return e
}

// EvaluateAssertions runs all assertions against a result.
// Returns a list of error messages (empty if all pass).
func EvaluateAssertions(result *Result, scenario *Scenario) []string {
	var errors []string

	for i, assertion := range scenario.Assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			publicKey := assertion.PublicKey
			if publicKey == "" {
				publicKey = scenario.PublicKey
			}
			err = assertFinalState(result.State, publicKey, assertion)
		default:
			err = fmt.Errorf("unknown assertion type: %s", assertion.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion %d: %s", i, err.Error()))
		}
	}

	return errors
}
