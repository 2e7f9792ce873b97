package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

// JobDetail is a work order with its attachments.
type JobDetail struct {
	Job         *job.WorkOrder   `json:"job"`
	Label       string           `json:"label"`
	Attachments []job.Attachment `json:"attachments"`
}

// DeleteResult reports how many work orders were removed.
type DeleteResult struct {
	Requested int `json:"requested"`
	Deleted   int `json:"deleted"`
}

// NewJobCommand creates the job command group.
func NewJobCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Create, inspect and delete work orders",
	}

	cmd.AddCommand(newJobCreateCommand(rootOpts))
	cmd.AddCommand(newJobShowCommand(rootOpts))
	cmd.AddCommand(newJobListCommand(rootOpts))
	cmd.AddCommand(newJobAttachCommand(rootOpts))
	cmd.AddCommand(newJobDeleteCommand(rootOpts))
	return cmd
}

type jobCreateOptions struct {
	Status    string
	CreatedBy string
	Equipment string
	Meta      map[string]string
}

func newJobCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &jobCreateOptions{}
	cmd := &cobra.Command{
		Use:   "create [id]",
		Short: "Create a work order",
		Long: `Create a work order. Without an id a time-ordered UUID is generated.
The status defaults to the workflow's initial status and accepts any
label the normalizer understands.

Examples:
  atelier job create job-42 --created-by u1 --equipment offset
  atelier job create --status "Prêt impression" --meta client=ACME`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return runJobCreate(rootOpts, opts, id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (key or label)")
	cmd.Flags().StringVar(&opts.CreatedBy, "created-by", "", "creator's user id")
	cmd.Flags().StringVar(&opts.Equipment, "equipment", "", "equipment class")
	cmd.Flags().StringToStringVar(&opts.Meta, "meta", nil, "metadata key=value pairs")
	return cmd
}

func runJobCreate(rootOpts *RootOptions, opts *jobCreateOptions, id string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	if id == "" {
		id = job.UUIDv7Generator{}.Generate()
	}
	wo := job.WorkOrder{
		ID:             id,
		Status:         status.Key(opts.Status),
		CreatedBy:      opts.CreatedBy,
		EquipmentClass: opts.Equipment,
	}
	if len(opts.Meta) > 0 {
		wo.Metadata = make(map[string]any, len(opts.Meta))
		for k, v := range opts.Meta {
			wo.Metadata[k] = v
		}
	}

	formatter := rootOpts.formatter(cmd)
	created, err := rt.store.CreateJob(ctx, wo)
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Emit(created, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Created %s (%s)\n", created.ID, rt.def.Registry.Label(created.Status))
	})
}

func newJobShowCommand(rootOpts *RootOptions) *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:           "show <id>",
		Short:         "Show a work order and its attachments",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobShow(rootOpts, args[0], refresh, cmd)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache")
	return cmd
}

func runJobShow(rootOpts *RootOptions, id string, refresh bool, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	wo, err := rt.svc.Get(ctx, id, refresh)
	if err != nil {
		return formatter.Fail(err)
	}
	files, err := rt.svc.Attachments(ctx, id, refresh)
	if err != nil {
		return formatter.Fail(err)
	}

	detail := JobDetail{Job: wo, Label: rt.def.Registry.Label(wo.Status), Attachments: files}
	return formatter.Emit(detail, func(w io.Writer) {
		writeJob(w, detail)
	})
}

func writeJob(w io.Writer, d JobDetail) {
	wo := d.Job
	fmt.Fprintf(w, "%s\n", wo.ID)
	fmt.Fprintf(w, "  status:     %s (%s)\n", wo.Status, d.Label)
	if wo.CreatedBy != "" {
		fmt.Fprintf(w, "  created by: %s\n", wo.CreatedBy)
	}
	if wo.EquipmentClass != "" {
		fmt.Fprintf(w, "  equipment:  %s\n", wo.EquipmentClass)
	}
	fmt.Fprintf(w, "  updated:    %s\n", wo.UpdatedAt.Format("2006-01-02 15:04:05"))
	for k, v := range wo.Metadata {
		fmt.Fprintf(w, "  %s: %v\n", k, v)
	}
	if len(d.Attachments) == 0 {
		return
	}
	fmt.Fprintln(w, "  attachments:")
	for _, a := range d.Attachments {
		fmt.Fprintf(w, "    - %s (%d bytes)\n", a.Name, a.Size)
	}
}

func newJobListCommand(rootOpts *RootOptions) *cobra.Command {
	var statusFilter string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List work orders",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobList(rootOpts, statusFilter, cmd)
		},
	}
	cmd.Flags().StringVar(&statusFilter, "status", "", "only list work orders in this status (key or label)")
	return cmd
}

func runJobList(rootOpts *RootOptions, statusFilter string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	var st status.Key
	if statusFilter != "" {
		st = rt.def.Normalizer.Normalize(statusFilter)
		if !rt.def.Registry.IsValid(st) {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown status %q", statusFilter))
		}
	}

	jobs, err := rt.store.ListJobs(ctx, st)
	if err != nil {
		return formatter.Fail(err)
	}
	return formatter.Emit(jobs, func(w io.Writer) {
		if len(jobs) == 0 {
			fmt.Fprintln(w, "No work orders.")
			return
		}
		for _, wo := range jobs {
			fmt.Fprintf(w, "%-24s %-16s %s\n", wo.ID, wo.Status, wo.EquipmentClass)
		}
	})
}

type jobAttachOptions struct {
	ID   string
	Kind string
	Size int64
}

func newJobAttachCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &jobAttachOptions{}
	cmd := &cobra.Command{
		Use:           "attach <job-id> <name>",
		Short:         "Record an attachment on a work order",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobAttach(rootOpts, opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "attachment id (generated when empty)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "attachment kind, e.g. bat")
	cmd.Flags().Int64Var(&opts.Size, "size", 0, "size in bytes")
	return cmd
}

func runJobAttach(rootOpts *RootOptions, opts *jobAttachOptions, jobID, name string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	a := job.Attachment{ID: opts.ID, JobID: jobID, Name: name, Kind: opts.Kind, Size: opts.Size}
	if a.ID == "" {
		a.ID = job.UUIDv7Generator{}.Generate()
	}

	formatter := rootOpts.formatter(cmd)
	if err := rt.store.AddAttachment(ctx, a); err != nil {
		return formatter.Fail(err)
	}
	return formatter.Emit(a, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Attached %s to %s\n", a.Name, a.JobID)
	})
}

func newJobDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete work orders",
		Long: `Delete one or more work orders. Deleting a single missing work order is
an error; with several ids, missing ones are skipped and counted.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobDelete(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runJobDelete(rootOpts *RootOptions, ids []string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	result := DeleteResult{Requested: len(ids)}
	if len(ids) == 1 {
		if err := rt.store.DeleteJob(ctx, ids[0]); err != nil {
			return formatter.Fail(err)
		}
		result.Deleted = 1
	} else {
		n, err := rt.store.DeleteJobs(ctx, ids)
		if err != nil {
			return formatter.Fail(err)
		}
		result.Deleted = n
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Deleted %d of %d (%s)\n", result.Deleted, result.Requested, strings.Join(ids, ", "))
	})
}
