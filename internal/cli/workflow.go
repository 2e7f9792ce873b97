package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
	"github.com/roach88/atelier/internal/workflow"
)

// actorFlags are shared by every command acting on behalf of someone.
type actorFlags struct {
	ID        string
	Role      string
	Equipment string
}

func (a *actorFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.ID, "actor", "", "acting user id")
	cmd.Flags().StringVar(&a.Role, "role", "", "acting user's role")
	cmd.Flags().StringVar(&a.Equipment, "equipment", "", "acting user's equipment class")
	_ = cmd.MarkFlagRequired("role")
}

func (a *actorFlags) actor() job.Actor {
	return job.Actor{ID: a.ID, Role: a.Role, EquipmentClass: a.Equipment}
}

// TransitionsResult lists what an actor may do next.
type TransitionsResult struct {
	JobID       string           `json:"job_id"`
	Status      string           `json:"status"`
	Transitions []job.Transition `json:"transitions"`
}

// NewTransitionsCommand creates the transitions command.
func NewTransitionsCommand(rootOpts *RootOptions) *cobra.Command {
	actor := &actorFlags{}
	cmd := &cobra.Command{
		Use:   "transitions <job-id>",
		Short: "List the transitions an actor may apply",
		Long: `List the statuses the actor may move the work order to, in graph order.
Each one passes the same checks a move would.

Examples:
  atelier transitions job-7 --actor p1 --role imprimeur --equipment offset`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransitions(rootOpts, actor.actor(), args[0], cmd)
		},
	}
	actor.register(cmd)
	return cmd
}

func runTransitions(rootOpts *RootOptions, actor job.Actor, id string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	wo, err := rt.svc.Get(ctx, id, false)
	if err != nil {
		return formatter.Fail(err)
	}
	available, err := rt.svc.AvailableTransitions(*wo, actor)
	if err != nil {
		return formatter.Fail(err)
	}

	result := TransitionsResult{JobID: wo.ID, Status: string(wo.Status), Transitions: available}
	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "%s (%s)\n", wo.ID, rt.def.Registry.Label(wo.Status))
		if len(available) == 0 {
			fmt.Fprintln(w, "  no transitions available")
			return
		}
		for _, t := range available {
			fmt.Fprintf(w, "  -> %s (%s)\n", t.Key, t.Label)
		}
	})
}

// SuggestResult carries the advisory next action, nil when none.
type SuggestResult struct {
	JobID      string          `json:"job_id"`
	Suggestion *job.Transition `json:"suggestion"`
}

// NewSuggestCommand creates the suggest command.
func NewSuggestCommand(rootOpts *RootOptions) *cobra.Command {
	actor := &actorFlags{}
	cmd := &cobra.Command{
		Use:           "suggest <job-id>",
		Short:         "Show the suggested next action for an actor",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuggest(rootOpts, actor.actor(), args[0], cmd)
		},
	}
	actor.register(cmd)
	return cmd
}

func runSuggest(rootOpts *RootOptions, actor job.Actor, id string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	wo, err := rt.svc.Get(ctx, id, false)
	if err != nil {
		return formatter.Fail(err)
	}
	next, err := rt.svc.NextSuggestedAction(*wo, actor)
	if err != nil {
		return formatter.Fail(err)
	}

	return formatter.Emit(SuggestResult{JobID: wo.ID, Suggestion: next}, func(w io.Writer) {
		if next == nil {
			fmt.Fprintf(w, "%s: nothing to suggest\n", wo.ID)
			return
		}
		fmt.Fprintf(w, "%s: %s (%s)\n", wo.ID, next.Key, next.Label)
	})
}

// ChainResult is the outcome of one auto-chained transition.
type ChainResult struct {
	From  status.Key `json:"from"`
	To    status.Key `json:"to"`
	OK    bool       `json:"ok"`
	Error string     `json:"error,omitempty"`
}

// MoveResult is a completed transition and what it caused.
type MoveResult struct {
	Job           *job.WorkOrder     `json:"job"`
	Notifications []job.Notification `json:"notifications,omitempty"`
	Chained       []ChainResult      `json:"chained,omitempty"`
}

// NewMoveCommand creates the move command.
func NewMoveCommand(rootOpts *RootOptions) *cobra.Command {
	actor := &actorFlags{}
	var reason string
	cmd := &cobra.Command{
		Use:   "move <job-id> <status>",
		Short: "Change a work order's status",
		Long: `Validate and apply a status change. The status may be a key or any label
the normalizer understands. Notifications and auto-chained transitions
triggered by the change are reported.

Exit codes:
  0 - Transition applied
  1 - Transition rejected (validation or remote rejection)
  2 - Command error (transport failure, bad config, etc.)

Examples:
  atelier move job-42 "Prêt impression" --actor u1 --role preparateur
  atelier move job-7 en_impression --actor p1 --role imprimeur --equipment offset`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMove(rootOpts, actor.actor(), args[0], args[1], reason, cmd)
		},
	}
	actor.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded in the history")
	return cmd
}

func runMove(rootOpts *RootOptions, actor job.Actor, id, to, reason string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var (
		mu     sync.Mutex
		result MoveResult
	)
	observer := workflow.WithChainObserver(func(o workflow.ChainOutcome) {
		c := ChainResult{From: o.From, To: o.To, OK: o.Err == nil}
		if o.Err != nil {
			c.Error = string(o.Err.Kind)
		}
		mu.Lock()
		result.Chained = append(result.Chained, c)
		if o.Job != nil {
			result.Job = o.Job
		}
		mu.Unlock()
	})

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish, observer)
	if err != nil {
		return err
	}
	defer rt.Close()

	unsubscribe := rt.svc.Subscribe(func(eventType string, payload any) error {
		if n, ok := payload.(job.Notification); ok {
			mu.Lock()
			result.Notifications = append(result.Notifications, n)
			mu.Unlock()
		}
		return nil
	})
	defer unsubscribe()

	formatter := rootOpts.formatter(cmd)
	wo, err := rt.svc.ChangeStatus(ctx, id, to, reason, actor)
	if err != nil {
		return formatter.Fail(err)
	}
	rt.svc.Wait()

	mu.Lock()
	defer mu.Unlock()
	if result.Job == nil {
		result.Job = wo
	}

	return formatter.Emit(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s -> %s (%s)\n", id, wo.Status, rt.def.Registry.Label(wo.Status))
		for _, c := range result.Chained {
			if c.OK {
				fmt.Fprintf(w, "  ✓ auto-chained %s -> %s\n", c.From, c.To)
			} else {
				fmt.Fprintf(w, "  ✗ auto-chain %s -> %s failed: %s\n", c.From, c.To, c.Error)
			}
		}
		for _, n := range result.Notifications {
			targets := append(append([]string{}, n.TargetRoles...), n.TargetUsers...)
			fmt.Fprintf(w, "  notified %s [%s]: %s\n", n.Type, strings.Join(targets, ", "), n.Message)
		}
	})
}

// HistoryResult is the transition journal of one work order.
type HistoryResult struct {
	JobID   string             `json:"job_id"`
	Entries []job.JournalEntry `json:"entries"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "history <job-id>",
		Short:         "Show the applied transitions of a work order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runHistory(rootOpts *RootOptions, id string, cmd *cobra.Command) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	rt, err := openRuntime(ctx, rootOpts, cmd, pushPublish)
	if err != nil {
		return err
	}
	defer rt.Close()

	formatter := rootOpts.formatter(cmd)
	entries, err := rt.store.History(ctx, id)
	if err != nil {
		return formatter.Fail(err)
	}

	return formatter.Emit(HistoryResult{JobID: id, Entries: entries}, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintf(w, "%s: no transitions recorded\n", id)
			return
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %s -> %s  by %s (%s)",
				e.At.Format("2006-01-02 15:04:05"), e.From, e.To, e.ActorID, e.Role)
			if e.Auto {
				line += " [auto]"
			}
			if e.Reason != "" {
				line += ": " + e.Reason
			}
			fmt.Fprintln(w, line)
		}
	})
}
