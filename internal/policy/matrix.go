// Package policy holds the role permission matrix and the transition
// validator built on top of the status registry.
//
// Role permissions only ever narrow what the transition graph allows. A role
// with Force skips the destination check but never the graph check.
package policy

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/atelier/internal/status"
)

// RolePermission is the per-role restriction on destinations.
type RolePermission struct {
	Role string

	// Destinations is the set of statuses the role may transition into.
	Destinations mapset.Set[status.Key]

	// Force is an administrative override of the destination check.
	Force bool

	// Ownership restricts the role to work orders it created.
	Ownership bool

	// Affinity restricts the role to work orders of its equipment class.
	Affinity bool
}

// Permit is a convenience constructor.
func Permit(role string, destinations ...status.Key) RolePermission {
	return RolePermission{Role: role, Destinations: mapset.NewSet(destinations...)}
}

// Matrix is the immutable role -> permission table.
type Matrix struct {
	roles map[string]RolePermission
}

// NewMatrix copies perms into a new matrix. A later entry for the same role
// replaces an earlier one.
func NewMatrix(perms ...RolePermission) *Matrix {
	m := &Matrix{roles: make(map[string]RolePermission, len(perms))}
	for _, p := range perms {
		if p.Destinations == nil {
			p.Destinations = mapset.NewSet[status.Key]()
		} else {
			p.Destinations = p.Destinations.Clone()
		}
		m.roles[p.Role] = p
	}
	return m
}

// Lookup returns the permission entry of role. The returned Destinations set
// is a clone.
func (m *Matrix) Lookup(role string) (RolePermission, bool) {
	p, ok := m.rule(role)
	if !ok {
		return RolePermission{}, false
	}
	p.Destinations = p.Destinations.Clone()
	return p, true
}

// Permits reports whether role may set to as a destination, ignoring the
// graph and predicates.
func (m *Matrix) Permits(role string, to status.Key) bool {
	p, ok := m.rule(role)
	if !ok {
		return false
	}
	return p.Force || p.Destinations.Contains(to)
}

// rule returns the stored entry without cloning. Callers must not mutate
// its Destinations.
func (m *Matrix) rule(role string) (RolePermission, bool) {
	p, ok := m.roles[role]
	return p, ok
}

// Roles returns the known roles, sorted.
func (m *Matrix) Roles() []string {
	out := make([]string, 0, len(m.roles))
	for r := range m.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
