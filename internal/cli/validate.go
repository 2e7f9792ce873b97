package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/definition"
)

// ErrCodeGeneric is reported for failures that carry no definition code.
const ErrCodeGeneric = "D000"

// ValidationIssue is one problem found in a workflow definition.
type ValidationIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Source   string            `json:"source,omitempty"`
	Statuses int               `json:"statuses,omitempty"`
	Roles    int               `json:"roles,omitempty"`
	Errors   []ValidationIssue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [definition.cue]",
		Short: "Validate a workflow definition",
		Long: `Load a CUE workflow definition and check it: schema, status graph,
aliases, role destinations, suggestions, auto-chain rules and notification
rules. Every problem is reported, not just the first.

Without an argument the configured definition is checked, or the embedded
default when none is configured.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(rootOpts)
				if err != nil {
					return err
				}
				path = cfg.Definition
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	formatter.VerboseLog("Loading definition %q", path)
	def, err := definition.Load(path)
	if err != nil {
		return outputValidationErrors(formatter, collectIssues(err))
	}

	return formatter.Emit(ValidationResult{
		Valid:    true,
		Source:   def.Source,
		Statuses: len(def.Registry.Keys()),
		Roles:    len(def.Matrix.Roles()),
	}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s valid (%d statuses, %d roles)\n",
			def.Source, len(def.Registry.Keys()), len(def.Matrix.Roles()))
	})
}

// collectIssues flattens a definition load failure into issues.
func collectIssues(err error) []ValidationIssue {
	var errs []error
	var merr *multierror.Error
	if errors.As(err, &merr) {
		errs = merr.WrappedErrors()
	} else {
		errs = []error{err}
	}

	issues := make([]ValidationIssue, 0, len(errs))
	for _, e := range errs {
		var le *definition.LoadError
		if !errors.As(e, &le) {
			issues = append(issues, ValidationIssue{Code: ErrCodeGeneric, Message: e.Error()})
			continue
		}
		issue := ValidationIssue{Code: le.Code, Message: le.Message}
		if le.Pos.IsValid() {
			issue.File = le.Pos.Filename()
			issue.Line = le.Pos.Line()
		}
		issues = append(issues, issue)
	}
	return issues
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, issues []ValidationIssue) error {
	if formatter.Format == "json" {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: issues},
			Error: &CLIError{
				Code:    issues[0].Code,
				Message: issues[0].Message,
			},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, issue := range issues {
		if issue.Line > 0 {
			fmt.Fprintf(formatter.Writer, "%s:%d\n", issue.File, issue.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Code, issue.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(issues)))
}
