package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/memstore"
	"github.com/roach88/atelier/internal/retry"
	"github.com/roach88/atelier/internal/status"
	"github.com/roach88/atelier/internal/synccache"
	"github.com/roach88/atelier/internal/testutil"
	"github.com/roach88/atelier/internal/workflow"
)

// stepPolicy retries pre-flight transport failures without slowing scenarios.
var stepPolicy = retry.Policy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

var errInjected = errors.New("injected transport failure")

// chainEvent is recorded alongside subscriber events so that chain outcomes
// land in delivery order.
const chainEvent = "chain"

// Harness holds the per-scenario wiring.
type Harness struct {
	def      *definition.Definition
	clock    *testutil.ManualClock
	store    *memstore.Store
	cache    *synccache.Cache
	svc      *workflow.Service
	recorder *testutil.Recorder
	actors   map[string]ActorFixture
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger *slog.Logger
}

// WithLogger routes service logs to l. Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *runConfig) { c.logger = l }
}

// Run executes a scenario against a fresh in-memory authority.
//
// Every run uses a manual clock fixed at testutil.Epoch and sequential ids,
// and drains pending auto-chains after each step, so the same scenario
// always yields the same trace. The returned error reports setup problems;
// failed expectations and assertions are collected in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}

	def, err := definition.Load(scenario.Definition)
	if err != nil {
		return nil, fmt.Errorf("load definition: %w", err)
	}

	h := &Harness{
		def:      def,
		clock:    testutil.NewManualClock(time.Time{}),
		recorder: testutil.NewRecorder(),
		actors:   scenario.Actors,
	}
	h.store = memstore.New(def, memstore.WithClock(h.clock.Now))
	h.cache = synccache.New(h.store,
		synccache.WithClock(h.clock.Now),
		synccache.WithRetryPolicy(retry.NoRetry),
		synccache.WithLogger(cfg.logger))
	defer h.cache.Close()

	ids := job.NewSequenceGenerator("id")
	dispatcher := events.NewDispatcher(h.cache,
		events.WithLogger(cfg.logger),
		events.WithClock(h.clock.Now),
		events.WithIDGenerator(ids))
	h.svc = workflow.New(def, h.cache, h.store,
		workflow.WithDispatcher(dispatcher),
		workflow.WithJournal(h.store),
		workflow.WithRetryPolicy(stepPolicy),
		workflow.WithLogger(cfg.logger),
		workflow.WithClock(h.clock.Now),
		workflow.WithIDGenerator(ids),
		workflow.WithChainObserver(func(o workflow.ChainOutcome) {
			_ = h.recorder.Handle(chainEvent, o)
		}))
	h.svc.Subscribe(h.recorder.Handle)

	ctx := context.Background()
	if err := h.seed(ctx, scenario.Jobs); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	actx := &AssertionContext{Store: h.store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func (h *Harness) seed(ctx context.Context, jobs []JobFixture) error {
	for _, f := range jobs {
		_, err := h.store.CreateJob(ctx, job.WorkOrder{
			ID:             f.ID,
			Status:         status.Key(f.Status),
			CreatedBy:      f.CreatedBy,
			EquipmentClass: f.EquipmentClass,
		})
		if err != nil {
			return fmt.Errorf("seed job %s: %w", f.ID, err)
		}
		for i, name := range f.Attachments {
			err := h.store.AddAttachment(ctx, job.Attachment{
				ID:    fmt.Sprintf("%s-file-%d", f.ID, i+1),
				JobID: f.ID,
				Name:  name,
			})
			if err != nil {
				return fmt.Errorf("seed attachment %s: %w", name, err)
			}
		}
	}
	return nil
}

// outcome is what a step produced, checked against its Expect clause.
type outcome struct {
	err         error
	status      status.Key
	transitions []job.Transition
	suggestion  *job.Transition
	key         status.Key
}

func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) {
	op, detail, run := h.prepare(step)
	result.add(TraceInvoke, op, "%s", detail)

	out := run(ctx)
	h.svc.Wait()

	if out.err != nil {
		result.add(TraceComplete, op, "error %s", errclass.KindOf(out.err))
	} else {
		result.add(TraceComplete, op, "ok%s", describe(op, out))
	}

	for _, e := range h.recorder.Drain() {
		result.Trace = append(result.Trace, formatEvent(e))
	}

	if step.Expect != nil {
		for _, msg := range checkExpect(op, *step.Expect, out) {
			result.AddError(fmt.Sprintf("steps[%d] %s: %s", index, op, msg))
		}
	}
}

func (h *Harness) prepare(step Step) (op, detail string, run func(context.Context) outcome) {
	switch {
	case step.ChangeStatus != nil:
		s := step.ChangeStatus
		actor := h.actor(s.Actor)
		return "change_status", fmt.Sprintf("job=%s to=%q actor=%s/%s", s.Job, s.To, actor.ID, actor.Role),
			func(ctx context.Context) outcome {
				wo, err := h.svc.ChangeStatus(ctx, s.Job, s.To, s.Reason, actor)
				if err != nil {
					return outcome{err: err}
				}
				return outcome{status: wo.Status}
			}

	case step.Get != nil:
		s := step.Get
		return "get", fmt.Sprintf("job=%s force=%t", s.Job, s.Force),
			func(ctx context.Context) outcome {
				wo, err := h.svc.Get(ctx, s.Job, s.Force)
				if err != nil {
					return outcome{err: err}
				}
				return outcome{status: wo.Status}
			}

	case step.Available != nil:
		s := step.Available
		actor := h.actor(s.Actor)
		return "available", fmt.Sprintf("job=%s actor=%s/%s", s.Job, actor.ID, actor.Role),
			func(ctx context.Context) outcome {
				wo, err := h.svc.Get(ctx, s.Job, false)
				if err != nil {
					return outcome{err: err}
				}
				list, err := h.svc.AvailableTransitions(*wo, actor)
				return outcome{err: err, transitions: list}
			}

	case step.Suggest != nil:
		s := step.Suggest
		actor := h.actor(s.Actor)
		return "suggest", fmt.Sprintf("job=%s actor=%s/%s", s.Job, actor.ID, actor.Role),
			func(ctx context.Context) outcome {
				wo, err := h.svc.Get(ctx, s.Job, false)
				if err != nil {
					return outcome{err: err}
				}
				next, err := h.svc.NextSuggestedAction(*wo, actor)
				return outcome{err: err, suggestion: next}
			}

	case step.Normalize != nil:
		label := *step.Normalize
		return "normalize", fmt.Sprintf("label=%q", label),
			func(context.Context) outcome {
				return outcome{key: h.def.Normalizer.Normalize(label)}
			}

	case step.Push != nil:
		payload := strings.TrimSpace(*step.Push)
		return "push", payload,
			func(context.Context) outcome {
				if err := h.svc.Dispatcher().OnEvent([]byte(payload)); err != nil {
					return outcome{err: errclass.New(errclass.KindUnknown, err.Error(), err)}
				}
				return outcome{}
			}

	case step.Invalidate != nil:
		id := *step.Invalidate
		return "invalidate", "job=" + id,
			func(context.Context) outcome {
				h.cache.InvalidateJob(id)
				return outcome{}
			}

	case step.RejectNext != nil:
		s := step.RejectNext
		return "reject_next", "to=" + s.To,
			func(context.Context) outcome {
				h.store.RejectNext(status.Key(s.To), s.Message)
				return outcome{}
			}

	default:
		s := step.FailNext
		return "fail_next", fmt.Sprintf("op=%s in_flight=%t", s.Op, s.InFlight),
			func(context.Context) outcome {
				h.store.FailNext(s.Op, &errclass.TransportFailure{Op: s.Op, Err: errInjected, InFlight: s.InFlight})
				return outcome{}
			}
	}
}

func (h *Harness) actor(name string) job.Actor {
	a := h.actors[name]
	return job.Actor{ID: a.ID, Role: a.Role, EquipmentClass: a.EquipmentClass}
}

func describe(op string, out outcome) string {
	switch op {
	case "change_status", "get":
		return " status=" + string(out.status)
	case "available":
		return " transitions=" + joinTransitions(out.transitions)
	case "suggest":
		if out.suggestion == nil {
			return " suggestion=-"
		}
		return " suggestion=" + string(out.suggestion.Key)
	case "normalize":
		return " key=" + string(out.key)
	}
	return ""
}

func joinTransitions(list []job.Transition) string {
	if len(list) == 0 {
		return "-"
	}
	keys := make([]string, len(list))
	for i, t := range list {
		keys[i] = string(t.Key)
	}
	return strings.Join(keys, ",")
}

func joinOrDash(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ",")
}

func formatEvent(e testutil.Recorded) TraceEntry {
	switch p := e.Payload.(type) {
	case events.Change:
		return TraceEntry{Type: TraceEvent, Op: e.Type, Detail: joinOrDash(p.IDs())}
	case job.Notification:
		return TraceEntry{
			Type: TraceEvent,
			Op:   e.Type,
			Detail: fmt.Sprintf("%s job=%s roles=%s users=%s %q",
				p.Type, p.JobID, joinOrDash(p.TargetRoles), joinOrDash(p.TargetUsers), p.Message),
		}
	case workflow.ChainOutcome:
		detail := fmt.Sprintf("%s %s->%s ", p.JobID, p.From, p.To)
		if p.Err != nil {
			detail += "error " + string(p.Err.Kind)
		} else {
			detail += "ok status=" + string(p.Job.Status)
		}
		return TraceEntry{Type: TraceChain, Op: "auto", Detail: detail}
	default:
		return TraceEntry{Type: TraceEvent, Op: e.Type, Detail: fmt.Sprint(p)}
	}
}

func checkExpect(op string, want Expect, out outcome) []string {
	var errs []string
	if want.Error != "" {
		if out.err == nil {
			return []string{fmt.Sprintf("expected error %s, got success", want.Error)}
		}
		if got := errclass.KindOf(out.err); string(got) != want.Error {
			errs = append(errs, fmt.Sprintf("expected error %s, got %s", want.Error, got))
		}
		return errs
	}
	if out.err != nil {
		return []string{fmt.Sprintf("unexpected error %s: %v", errclass.KindOf(out.err), out.err)}
	}

	if want.Status != "" && string(out.status) != want.Status {
		errs = append(errs, fmt.Sprintf("expected status %s, got %s", want.Status, out.status))
	}
	if want.Transitions != nil {
		got := joinTransitions(out.transitions)
		if exp := joinOrDash(want.Transitions); got != exp {
			errs = append(errs, fmt.Sprintf("expected transitions %s, got %s", exp, got))
		}
	}
	if want.Suggestion != nil {
		got := ""
		if out.suggestion != nil {
			got = string(out.suggestion.Key)
		}
		if got != *want.Suggestion {
			errs = append(errs, fmt.Sprintf("expected suggestion %q, got %q", *want.Suggestion, got))
		}
	}
	if want.Key != "" && string(out.key) != want.Key {
		errs = append(errs, fmt.Sprintf("expected key %s, got %s", want.Key, out.key))
	}
	return errs
}
