// Package definition loads the immutable workflow tables (statuses, graph,
// aliases, role permissions, suggestions, auto-chain rules and notification
// rules) from CUE.
//
// Tables are built once at startup and shared by reference. Nothing in the
// returned Definition is mutated afterwards.
package definition

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/roach88/atelier/internal/policy"
	"github.com/roach88/atelier/internal/status"
)

//go:embed schema.cue
var schemaCUE []byte

//go:embed default.cue
var defaultCUE []byte

// Load error codes (D100-D199)
const (
	ErrCUE              = "D100" // CUE syntax or schema violation
	ErrRegistry         = "D101" // status graph rejected by the registry
	ErrAliases          = "D102" // alias table rejected by the normalizer
	ErrRoleDestination  = "D103" // role destination is not a registered status
	ErrSuggestionEdge   = "D104" // suggestion is not a graph edge
	ErrAutoChainEdge    = "D105" // auto-chain rule is not a graph edge
	ErrAutoChainCycle   = "D106" // auto-chain rules loop
	ErrNotificationRule = "D107" // notification rule references unknown status or role
)

// LoadError is a definition that cannot be used.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("[%s] %s:%d:%d: %s",
			e.Code, e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NotificationRule describes the notification emitted when a work order
// enters a status.
type NotificationRule struct {
	Type          string   `json:"type"`
	Message       string   `json:"message"`
	Roles         []string `json:"roles,omitempty"`
	NotifyCreator bool     `json:"notify_creator,omitempty"`
}

// Render expands {job}, {from} and {to} in the message template.
func (r NotificationRule) Render(jobID, from, to string) string {
	return strings.NewReplacer("{job}", jobID, "{from}", from, "{to}", to).Replace(r.Message)
}

// Definition is the loaded, validated workflow.
type Definition struct {
	Source        string
	Registry      *status.Registry
	Normalizer    *status.Normalizer
	Matrix        *policy.Matrix
	Validator     *policy.Validator
	Suggestions   map[status.Key]status.Key
	AutoChain     map[status.Key]status.Key
	Notifications map[status.Key]NotificationRule
}

// Default returns the embedded print-shop workflow.
func Default() (*Definition, error) {
	return Parse("default.cue", defaultCUE)
}

// MustDefault is Default for tests and package init.
func MustDefault() *Definition {
	def, err := Default()
	if err != nil {
		panic(err)
	}
	return def
}

// Load reads a workflow from a CUE file. An empty path loads the default.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return Parse(filepath.Base(path), src)
}

// wireRole mirrors #Role for decoding.
type wireRole struct {
	Destinations []string `json:"destinations"`
	Force        bool     `json:"force"`
	Ownership    bool     `json:"ownership"`
	Affinity     bool     `json:"affinity"`
}

// Parse compiles src, unifies its workflow field with #Workflow and builds
// the tables. Semantic problems are collected rather than returned on the
// first hit.
func Parse(filename string, src []byte) (*Definition, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	wf := v.LookupPath(cue.ParsePath("workflow"))
	if !wf.Exists() {
		return nil, &LoadError{Code: ErrCUE, Message: "workflow is required", Pos: v.Pos()}
	}
	wf = schema.LookupPath(cue.ParsePath("#Workflow")).Unify(wf)
	if err := wf.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	def := &Definition{Source: filename}
	var result *multierror.Error

	initial, err := wf.LookupPath(cue.ParsePath("initial")).String()
	if err != nil {
		return nil, formatCUEError(err)
	}

	statuses, err := parseStatuses(wf.LookupPath(cue.ParsePath("statuses")))
	if err != nil {
		return nil, err
	}
	def.Registry, err = status.NewRegistry(status.Key(initial), statuses)
	if err != nil {
		return nil, &LoadError{Code: ErrRegistry, Message: err.Error(), Pos: wf.LookupPath(cue.ParsePath("statuses")).Pos()}
	}

	aliases := map[string]status.Key{}
	if err := eachField(wf.LookupPath(cue.ParsePath("aliases")), func(label string, fv cue.Value) error {
		target, err := fv.String()
		if err != nil {
			return formatCUEError(err)
		}
		key := status.Key(target)
		if !def.Registry.IsValid(key) {
			result = multierror.Append(result, &LoadError{
				Code:    ErrAliases,
				Message: fmt.Sprintf("alias %q targets unknown status %q", label, target),
				Pos:     fv.Pos(),
			})
		}
		aliases[label] = key
		return nil
	}); err != nil {
		return nil, err
	}
	def.Normalizer, err = status.NewNormalizer(aliases)
	if err != nil {
		result = multierror.Append(result, &LoadError{Code: ErrAliases, Message: err.Error()})
	}

	var perms []policy.RolePermission
	if err := eachField(wf.LookupPath(cue.ParsePath("roles")), func(role string, fv cue.Value) error {
		var wr wireRole
		if err := fv.Decode(&wr); err != nil {
			return formatCUEError(err)
		}
		dest := mapset.NewSet[status.Key]()
		for _, d := range wr.Destinations {
			key := status.Key(d)
			if !def.Registry.IsValid(key) {
				result = multierror.Append(result, &LoadError{
					Code:    ErrRoleDestination,
					Message: fmt.Sprintf("role %q: unknown destination %q", role, d),
					Pos:     fv.Pos(),
				})
			}
			dest.Add(key)
		}
		perms = append(perms, policy.RolePermission{
			Role:         role,
			Destinations: dest,
			Force:        wr.Force,
			Ownership:    wr.Ownership,
			Affinity:     wr.Affinity,
		})
		return nil
	}); err != nil {
		return nil, err
	}
	def.Matrix = policy.NewMatrix(perms...)

	def.Suggestions, err = parseEdges(wf.LookupPath(cue.ParsePath("suggestions")), def.Registry, ErrSuggestionEdge, &result)
	if err != nil {
		return nil, err
	}
	def.AutoChain, err = parseEdges(wf.LookupPath(cue.ParsePath("auto_chain")), def.Registry, ErrAutoChainEdge, &result)
	if err != nil {
		return nil, err
	}
	if cycle := findChainCycle(def.AutoChain); cycle != nil {
		result = multierror.Append(result, &LoadError{
			Code:    ErrAutoChainCycle,
			Message: "auto-chain loops: " + joinKeys(cycle, " -> "),
			Pos:     wf.LookupPath(cue.ParsePath("auto_chain")).Pos(),
		})
	}

	def.Notifications = map[status.Key]NotificationRule{}
	if err := eachField(wf.LookupPath(cue.ParsePath("notifications")), func(label string, fv cue.Value) error {
		var rule NotificationRule
		if err := fv.Decode(&rule); err != nil {
			return formatCUEError(err)
		}
		key := status.Key(label)
		if !def.Registry.IsValid(key) {
			result = multierror.Append(result, &LoadError{
				Code:    ErrNotificationRule,
				Message: fmt.Sprintf("notification for unknown status %q", label),
				Pos:     fv.Pos(),
			})
		}
		for _, role := range rule.Roles {
			if _, ok := def.Matrix.Lookup(role); !ok {
				result = multierror.Append(result, &LoadError{
					Code:    ErrNotificationRule,
					Message: fmt.Sprintf("notification for %q targets unknown role %q", label, role),
					Pos:     fv.Pos(),
				})
			}
		}
		def.Notifications[key] = rule
		return nil
	}); err != nil {
		return nil, err
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}

	def.Validator = policy.NewValidator(def.Registry, def.Normalizer, def.Matrix)
	return def, nil
}

func parseStatuses(v cue.Value) ([]status.Status, error) {
	var out []status.Status
	err := eachField(v, func(key string, fv cue.Value) error {
		var s struct {
			Label string   `json:"label"`
			Next  []string `json:"next"`
		}
		if err := fv.Decode(&s); err != nil {
			return formatCUEError(err)
		}
		st := status.Status{Key: status.Key(key), Label: s.Label}
		for _, n := range s.Next {
			st.Next = append(st.Next, status.Key(n))
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

// parseEdges reads a status -> status table whose entries must be graph edges.
func parseEdges(v cue.Value, reg *status.Registry, code string, result **multierror.Error) (map[status.Key]status.Key, error) {
	out := map[status.Key]status.Key{}
	err := eachField(v, func(from string, fv cue.Value) error {
		to, err := fv.String()
		if err != nil {
			return formatCUEError(err)
		}
		if !reg.Allows(status.Key(from), status.Key(to)) {
			*result = multierror.Append(*result, &LoadError{
				Code:    code,
				Message: fmt.Sprintf("%s -> %s is not a graph edge", from, to),
				Pos:     fv.Pos(),
			})
		}
		out[status.Key(from)] = status.Key(to)
		return nil
	})
	return out, err
}

// eachField calls fn for every regular field of v in declaration order.
// A missing optional table is not an error.
func eachField(v cue.Value, fn func(label string, fv cue.Value) error) error {
	if !v.Exists() {
		return nil
	}
	iter, err := v.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Selector().Unquoted(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// findChainCycle returns the first loop in a functional status -> status
// relation, or nil.
func findChainCycle(chain map[status.Key]status.Key) []status.Key {
	starts := make([]status.Key, 0, len(chain))
	for k := range chain {
		starts = append(starts, k)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for _, start := range starts {
		seen := map[status.Key]int{}
		var path []status.Key
		cur := start
		for {
			if idx, ok := seen[cur]; ok {
				return append(path[idx:], cur)
			}
			next, ok := chain[cur]
			if !ok {
				break
			}
			seen[cur] = len(path)
			path = append(path, cur)
			cur = next
		}
	}
	return nil
}

func joinKeys(keys []status.Key, sep string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, sep)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &LoadError{Code: ErrCUE, Message: err.Error()}
	}

	first := errs[0]
	le := &LoadError{Code: ErrCUE, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		le.Pos = positions[0]
	}
	return le
}
