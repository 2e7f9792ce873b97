// Package status holds the canonical status registry, its transition graph,
// and the label normalizer that folds free-form status strings onto
// canonical keys.
//
// Both types are immutable after construction and safe for concurrent use.
package status

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"
)

// Key is a canonical status key, e.g. "pret_impression".
type Key string

// Status is a node of the transition graph.
type Status struct {
	Key   Key
	Label string
	Next  []Key
}

// Registry is the canonical status set and its adjacency.
//
// INVARIANTS (checked by NewRegistry):
//   - exactly one terminal status (no outgoing edges)
//   - no self-loops
//   - every status reachable from the initial status can reach the terminal
type Registry struct {
	order    []Key
	statuses map[Key]Status
	next     map[Key]mapset.Set[Key]
	initial  Key
	terminal Key
}

// NewRegistry validates the graph and returns a registry. All violations are
// reported together.
func NewRegistry(initial Key, statuses []Status) (*Registry, error) {
	r := &Registry{
		order:    make([]Key, 0, len(statuses)),
		statuses: make(map[Key]Status, len(statuses)),
		next:     make(map[Key]mapset.Set[Key], len(statuses)),
		initial:  initial,
	}

	var errs *multierror.Error
	for _, st := range statuses {
		if st.Key == "" {
			errs = multierror.Append(errs, fmt.Errorf("status with empty key"))
			continue
		}
		if _, dup := r.statuses[st.Key]; dup {
			errs = multierror.Append(errs, fmt.Errorf("duplicate status %q", st.Key))
			continue
		}
		next := make([]Key, len(st.Next))
		copy(next, st.Next)
		st.Next = next
		if st.Label == "" {
			st.Label = string(st.Key)
		}
		r.order = append(r.order, st.Key)
		r.statuses[st.Key] = st
		r.next[st.Key] = mapset.NewSet(next...)
	}

	var terminals []Key
	for _, key := range r.order {
		st := r.statuses[key]
		if len(st.Next) == 0 {
			terminals = append(terminals, key)
		}
		for _, n := range st.Next {
			if n == key {
				errs = multierror.Append(errs, fmt.Errorf("status %q: self-loop", key))
			}
			if _, ok := r.statuses[n]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("status %q: unknown next status %q", key, n))
			}
		}
	}

	switch len(terminals) {
	case 0:
		errs = multierror.Append(errs, fmt.Errorf("graph has no terminal status"))
	case 1:
		r.terminal = terminals[0]
	default:
		errs = multierror.Append(errs, fmt.Errorf("graph has %d terminal statuses %v, want exactly one", len(terminals), terminals))
	}

	if _, ok := r.statuses[initial]; !ok {
		errs = multierror.Append(errs, fmt.Errorf("initial status %q is not registered", initial))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	for _, key := range r.Reachable(initial) {
		if !r.PathToTerminal(key) {
			errs = multierror.Append(errs, fmt.Errorf("status %q is reachable but cannot reach %q", key, r.terminal))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return r, nil
}

// IsValid reports whether key is registered.
func (r *Registry) IsValid(key Key) bool {
	_, ok := r.statuses[key]
	return ok
}

// LegalNext returns the ordered legal successors of key. The slice is a copy.
func (r *Registry) LegalNext(key Key) []Key {
	st, ok := r.statuses[key]
	if !ok {
		return nil
	}
	out := make([]Key, len(st.Next))
	copy(out, st.Next)
	return out
}

// LegalNextSet returns the legal successors of key as a set. The set is a clone.
func (r *Registry) LegalNextSet(key Key) mapset.Set[Key] {
	s, ok := r.next[key]
	if !ok {
		return mapset.NewSet[Key]()
	}
	return s.Clone()
}

// Allows reports whether the graph has an edge from -> to.
func (r *Registry) Allows(from, to Key) bool {
	s, ok := r.next[from]
	return ok && s.Contains(to)
}

// Label returns the display label of key, or the key itself when unknown.
func (r *Registry) Label(key Key) string {
	if st, ok := r.statuses[key]; ok {
		return st.Label
	}
	return string(key)
}

// Keys returns all statuses in declaration order.
func (r *Registry) Keys() []Key {
	out := make([]Key, len(r.order))
	copy(out, r.order)
	return out
}

// Status returns the node for key.
func (r *Registry) Status(key Key) (Status, bool) {
	st, ok := r.statuses[key]
	if !ok {
		return Status{}, false
	}
	st.Next = r.LegalNext(key)
	return st, true
}

func (r *Registry) Initial() Key  { return r.initial }
func (r *Registry) Terminal() Key { return r.terminal }

// Reachable returns every status reachable from start, start included, in
// breadth-first order.
func (r *Registry) Reachable(start Key) []Key {
	if !r.IsValid(start) {
		return nil
	}
	seen := map[Key]bool{start: true}
	queue := []Key{start}
	for i := 0; i < len(queue); i++ {
		for _, n := range r.statuses[queue[i]].Next {
			if !seen[n] {
				seen[n] = true
				queue = append(queue, n)
			}
		}
	}
	return queue
}

// PathToTerminal reports whether some path leads from key to the terminal.
func (r *Registry) PathToTerminal(key Key) bool {
	for _, k := range r.Reachable(key) {
		if k == r.terminal {
			return true
		}
	}
	return false
}
