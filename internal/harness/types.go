package harness

import (
	"fmt"
	"strings"
)

// Trace entry types.
const (
	TraceInvoke   = "invoke"
	TraceComplete = "complete"
	TraceEvent    = "event"
	TraceChain    = "chain"
)

// TraceEntry is one line of a scenario trace.
//
// A step produces an invoke entry, its complete entry, then every event
// delivered to subscribers while it ran, then the outcome of any auto-chain
// it scheduled.
type TraceEntry struct {
	Type   string `json:"type"`
	Op     string `json:"op"`
	Detail string `json:"detail,omitempty"`
}

// String renders the entry as it appears in golden files.
func (e TraceEntry) String() string {
	if e.Detail == "" {
		return e.Type + " " + e.Op
	}
	return e.Type + " " + e.Op + " " + e.Detail
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEntry `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEntry{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(typ, op, format string, args ...any) {
	r.Trace = append(r.Trace, TraceEntry{Type: typ, Op: op, Detail: fmt.Sprintf(format, args...)})
}

// Render returns the trace as golden-file text.
func (r *Result) Render(scenarioName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", scenarioName)
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
