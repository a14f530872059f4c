package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/jobsaga/internal/engine"
)

// Saga names used by final_state assertions.
const (
	sagaJob     = engine.KindJob
	sagaJobType = engine.KindJobType
	sagaAttempt = engine.KindAttempt
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %-7s %s %s\n", event.Seq, event.Mode, event.Kind, event.CorrelationID)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertFinalState:
			err = assertFinalState(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

func describe(ref MessageRef) string {
	parts := []string{ref.Kind}
	if ref.ID != "" {
		parts = append(parts, "id="+ref.ID)
	}
	if ref.Job != "" {
		parts = append(parts, "job="+ref.Job)
	}
	if ref.Mode != "" {
		parts = append(parts, "mode="+ref.Mode)
	}
	return strings.Join(parts, " ")
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if event.matches(a.MessageRef) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a.MessageRef),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first occurrences of the events appear
// in order. Other messages may come in between.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make([]int, len(a.Events))
	for i, ref := range a.Events {
		positions[i] = -1
		for pos, event := range trace {
			if event.matches(ref) {
				positions[i] = pos
				break
			}
		}
		if positions[i] < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %s", describeAll(a.Events)),
				Actual:   fmt.Sprintf("missing event: %s", describe(ref)),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(positions); i++ {
		if positions[i-1] >= positions[i] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %s", describeAll(a.Events)),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					describe(a.Events[i-1]), positions[i-1]+1, describe(a.Events[i]), positions[i]+1),
				Trace: trace,
			}
		}
	}
	return nil
}

func describeAll(refs []MessageRef) string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = describe(ref)
	}
	return "[" + strings.Join(out, ", ") + "]"
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.matches(a.MessageRef) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describe(a.MessageRef)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState compares document fields, by JSON name, with subset
// semantics. Values are compared in their JSON form, so durations are
// nanoseconds and timestamps RFC 3339 strings.
func assertFinalState(result *Result, a Assertion) error {
	doc, ok := findDocument(result, a.Saga, a.ID)
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s %s", a.Saga, a.ID),
			Actual:   "not found",
		}
	}
	fields, err := documentFields(doc)
	if err != nil {
		return err
	}

	for _, key := range sortedKeys(a.Expect) {
		actual, exists := fields[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields of %s %s: %v", a.Saga, a.ID, sortedKeys(fields)),
			}
		}
		equal, err := jsonEqual(a.Expect[key], actual)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		if !equal {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s %s field %q = %v", a.Saga, a.ID, key, a.Expect[key]),
				Actual:   fmt.Sprintf("%s %s field %q = %v", a.Saga, a.ID, key, actual),
			}
		}
	}
	return nil
}

// findDocument returns the document with its state and derived counts.
func findDocument(result *Result, saga, id string) (map[string]any, bool) {
	switch saga {
	case sagaJob:
		for _, j := range result.Jobs {
			if j.JobID == id {
				return map[string]any{"doc": j, "state": j.State}, true
			}
		}
	case sagaJobType:
		for _, b := range result.Budgets {
			if b.JobTypeKey == id {
				return map[string]any{
					"doc":           b,
					"active_count":  b.ActiveCount(),
					"pending_count": len(b.Pending),
				}, true
			}
		}
	case sagaAttempt:
		for _, at := range result.Attempts {
			if at.AttemptID == id {
				return map[string]any{"doc": at, "state": at.State}, true
			}
		}
	}
	return nil, false
}

// documentFields flattens doc["doc"] to its JSON fields and merges the
// extra keys.
func documentFields(doc map[string]any) (map[string]any, error) {
	body, err := json.Marshal(doc["doc"])
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	for k, v := range doc {
		if k != "doc" {
			fields[k] = v
		}
	}
	return fields, nil
}

func jsonEqual(expected, actual any) (bool, error) {
	a, err := json.Marshal(expected)
	if err != nil {
		return false, err
	}
	b, err := json.Marshal(actual)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
