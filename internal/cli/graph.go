package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/status"
)

// GraphNode is one status of the transition graph.
type GraphNode struct {
	Key        status.Key   `json:"key"`
	Label      string       `json:"label"`
	Next       []status.Key `json:"next"`
	Initial    bool         `json:"initial,omitempty"`
	Terminal   bool         `json:"terminal,omitempty"`
	Suggestion status.Key   `json:"suggestion,omitempty"`
	AutoChain  status.Key   `json:"auto_chain,omitempty"`
	Notifies   string       `json:"notifies,omitempty"`
}

// GraphRole is one row of the permission matrix.
type GraphRole struct {
	Role         string       `json:"role"`
	Destinations []status.Key `json:"destinations"`
	Force        bool         `json:"force,omitempty"`
	Ownership    bool         `json:"ownership,omitempty"`
	Affinity     bool         `json:"affinity,omitempty"`
}

// GraphResult is the loaded workflow in display form.
type GraphResult struct {
	Source   string      `json:"source"`
	Statuses []GraphNode `json:"statuses"`
	Roles    []GraphRole `json:"roles"`
}

// NewGraphCommand creates the graph command.
func NewGraphCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Show the status graph and role permissions",
		Long: `Print the configured workflow: every status in declaration order with
its legal next statuses, suggestion, auto-chain and notification, followed
by the role permission matrix.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGraph(rootOpts, cmd)
		},
	}

	return cmd
}

func runGraph(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	def, err := definition.Load(cfg.Definition)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load definition", err)
	}

	result := buildGraph(def)
	return opts.formatter(cmd).Emit(result, func(w io.Writer) {
		writeGraph(w, result)
	})
}

func buildGraph(def *definition.Definition) GraphResult {
	reg := def.Registry
	result := GraphResult{Source: def.Source}

	for _, key := range reg.Keys() {
		node := GraphNode{
			Key:        key,
			Label:      reg.Label(key),
			Next:       reg.LegalNext(key),
			Initial:    key == reg.Initial(),
			Terminal:   key == reg.Terminal(),
			Suggestion: def.Suggestions[key],
			AutoChain:  def.AutoChain[key],
		}
		if rule, ok := def.Notifications[key]; ok {
			node.Notifies = rule.Type
		}
		result.Statuses = append(result.Statuses, node)
	}

	for _, role := range def.Matrix.Roles() {
		perm, _ := def.Matrix.Lookup(role)
		dest := perm.Destinations.ToSlice()
		sort.Slice(dest, func(i, j int) bool { return dest[i] < dest[j] })
		result.Roles = append(result.Roles, GraphRole{
			Role:         role,
			Destinations: dest,
			Force:        perm.Force,
			Ownership:    perm.Ownership,
			Affinity:     perm.Affinity,
		})
	}
	return result
}

func writeGraph(w io.Writer, g GraphResult) {
	fmt.Fprintf(w, "Workflow %s\n\n", g.Source)
	for _, n := range g.Statuses {
		marks := []string{}
		if n.Initial {
			marks = append(marks, "initial")
		}
		if n.Terminal {
			marks = append(marks, "terminal")
		}
		fmt.Fprintf(w, "%s (%s)", n.Key, n.Label)
		if len(marks) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(marks, ", "))
		}
		fmt.Fprintln(w)
		for _, next := range n.Next {
			line := "  -> " + string(next)
			if next == n.Suggestion {
				line += " (suggested)"
			}
			if next == n.AutoChain {
				line += " (auto)"
			}
			fmt.Fprintln(w, line)
		}
		if n.Notifies != "" {
			fmt.Fprintf(w, "  notifies %s\n", n.Notifies)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Roles")
	for _, r := range g.Roles {
		var flags []string
		if r.Force {
			flags = append(flags, "force")
		}
		if r.Ownership {
			flags = append(flags, "ownership")
		}
		if r.Affinity {
			flags = append(flags, "affinity")
		}
		dest := make([]string, len(r.Destinations))
		for i, d := range r.Destinations {
			dest[i] = string(d)
		}
		fmt.Fprintf(w, "  %s: %s", r.Role, strings.Join(dest, ", "))
		if len(flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(flags, ", "))
		}
		fmt.Fprintln(w)
	}
}
