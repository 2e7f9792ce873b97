package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/atelier/internal/memstore"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEntry // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, entry := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, entry)
		}
	}
	return buf.String()
}

// assertTraceContains checks that some trace line contains the substring.
func assertTraceContains(trace []TraceEntry, assertion Assertion) error {
	for _, entry := range trace {
		if strings.Contains(entry.String(), assertion.Contains) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("a trace line containing %q", assertion.Contains),
		Actual:   "no such line",
		Trace:    trace,
	}
}

// assertTraceOrder checks that lines matching each substring appear in the
// given order. Other lines may appear in between.
func assertTraceOrder(trace []TraceEntry, assertion Assertion) error {
	next := 0
	for _, entry := range trace {
		if next == len(assertion.Lines) {
			break
		}
		if strings.Contains(entry.String(), assertion.Lines[next]) {
			next++
		}
	}
	if next == len(assertion.Lines) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("lines in order: %s", strings.Join(quoteAll(assertion.Lines), ", ")),
		Actual:   fmt.Sprintf("matched %d of %d, missing %q", next, len(assertion.Lines), assertion.Lines[next]),
		Trace:    trace,
	}
}

// assertTraceCount checks how many events of a type were delivered.
func assertTraceCount(trace []TraceEntry, assertion Assertion) error {
	count := 0
	for _, entry := range trace {
		if entry.Type == TraceEvent && entry.Op == assertion.Event {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d %s events", assertion.Count, assertion.Event),
		Actual:   fmt.Sprintf("%d %s events", count, assertion.Event),
		Trace:    trace,
	}
}

// assertFinalState reads the authority's copy of a work order without
// touching its call counters.
func assertFinalState(ctx context.Context, st *memstore.Store, assertion Assertion) error {
	jobs, err := st.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}

	found := false
	for _, wo := range jobs {
		if wo.ID != assertion.Job {
			continue
		}
		found = true
		if assertion.Status != "" && string(wo.Status) != assertion.Status {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("%s in status %s", assertion.Job, assertion.Status),
				Actual:   fmt.Sprintf("%s in status %s", assertion.Job, wo.Status),
			}
		}
	}
	if !found && assertion.Status != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s in status %s", assertion.Job, assertion.Status),
			Actual:   fmt.Sprintf("%s does not exist", assertion.Job),
		}
	}

	if assertion.History == nil {
		return nil
	}
	entries, err := st.History(ctx, assertion.Job)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	got := make([]string, len(entries))
	for i, e := range entries {
		got[i] = string(e.From) + "->" + string(e.To)
	}
	if strings.Join(got, " ") != strings.Join(assertion.History, " ") {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("history [%s]", strings.Join(assertion.History, " ")),
			Actual:   fmt.Sprintf("history [%s]", strings.Join(got, " ")),
		}
	}
	return nil
}

// assertRemoteCalls checks how many calls the authority received for op.
func assertRemoteCalls(st *memstore.Store, assertion Assertion) error {
	fetches, lists, mutations := st.Counters()
	var got int64
	switch assertion.Op {
	case memstore.OpFetch:
		got = fetches
	case memstore.OpList:
		got = lists
	default:
		got = mutations
	}
	if got == int64(assertion.Count) {
		return nil
	}
	return &AssertionError{
		Type:     AssertRemoteCalls,
		Expected: fmt.Sprintf("%d %s calls", assertion.Count, assertion.Op),
		Actual:   fmt.Sprintf("%d %s calls", got, assertion.Op),
	}
}

func quoteAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprintf("%q", v)
	}
	return out
}

// AssertionContext provides the authority for final_state and remote_calls
// assertions.
type AssertionContext struct {
	Store *memstore.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState, AssertRemoteCalls:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a store", i, assertion.Type)
				break
			}
			if assertion.Type == AssertFinalState {
				ctx := actx.Ctx
				if ctx == nil {
					ctx = context.Background()
				}
				err = assertFinalState(ctx, actx.Store, assertion)
			} else {
				err = assertRemoteCalls(actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
