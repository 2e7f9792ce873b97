package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/status"
)

// Normalization is one label folded onto a key.
type Normalization struct {
	Input string     `json:"input"`
	Key   status.Key `json:"key"`
	Valid bool       `json:"valid"`
	Label string     `json:"label,omitempty"`
}

// NewNormalizeCommand creates the normalize command.
func NewNormalizeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize <label>...",
		Short: "Fold free-form status labels onto canonical keys",
		Long: `Normalize status labels the way every workflow operation does: aliases
first, then accent and case folding. Labels that do not resolve to a
registered status are reported as unknown.

Examples:
  atelier normalize "Prêt impression" "A REVOIR" livré`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNormalize(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runNormalize(opts *RootOptions, labels []string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	def, err := definition.Load(cfg.Definition)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load definition", err)
	}

	out := make([]Normalization, 0, len(labels))
	for _, label := range labels {
		key := def.Normalizer.Normalize(label)
		n := Normalization{Input: label, Key: key, Valid: def.Registry.IsValid(key)}
		if n.Valid {
			n.Label = def.Registry.Label(key)
		}
		out = append(out, n)
	}

	return opts.formatter(cmd).Emit(out, func(w io.Writer) {
		for _, n := range out {
			if n.Valid {
				fmt.Fprintf(w, "✓ %q -> %s (%s)\n", n.Input, n.Key, n.Label)
			} else {
				fmt.Fprintf(w, "✗ %q -> %s (unknown)\n", n.Input, n.Key)
			}
		}
	})
}
