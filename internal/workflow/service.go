// Package workflow is the consumer-facing surface of the core: available
// transitions, status changes, suggestions, reads and subscriptions.
//
// Every error returned by Service is an *errclass.Error.
package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/ident"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/policy"
	"github.com/roach88/atelier/internal/retry"
	"github.com/roach88/atelier/internal/status"
	"github.com/roach88/atelier/internal/synccache"
)

// Remote is the write side of the remote authority. It may reject a
// locally valid transition; that rejection is final.
type Remote interface {
	MutateStatus(ctx context.Context, id, label, reason string) (*job.WorkOrder, error)
}

// Journal records applied transitions.
type Journal interface {
	Record(ctx context.Context, e job.JournalEntry) error
}

// ChainOutcome is the result of one auto-chained transition.
type ChainOutcome struct {
	JobID string
	From  status.Key
	To    status.Key
	Job   *job.WorkOrder
	Err   *errclass.Error
}

// ChainObserver is told about every auto-chain attempt once it finishes.
type ChainObserver func(ChainOutcome)

// AutoChainReason is the reason recorded for auto-chained transitions.
const AutoChainReason = "auto-chain"

// Service is safe for concurrent use.
type Service struct {
	def        *definition.Definition
	validator  *policy.Validator
	cache      *synccache.Cache
	remote     Remote
	dispatcher *events.Dispatcher
	journal    Journal
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time
	ids        job.IDGenerator
	observer   ChainObserver

	chains sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDispatcher sets the dispatcher used for local fan-out. By default the
// service creates one bound to its cache.
func WithDispatcher(d *events.Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

// WithJournal records every applied transition.
func WithJournal(j Journal) Option {
	return func(s *Service) { s.journal = j }
}

// WithRetryPolicy sets the backoff policy for mutation dispatch.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets the generator for notification and journal ids.
func WithIDGenerator(g job.IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

func WithChainObserver(o ChainObserver) Option {
	return func(s *Service) { s.observer = o }
}

// New wires a service. def, cache and remote are required.
func New(def *definition.Definition, cache *synccache.Cache, remote Remote, opts ...Option) *Service {
	s := &Service{
		def:       def,
		validator: def.Validator,
		cache:     cache,
		remote:    remote,
		policy:    retry.DefaultPolicy,
		logger:    slog.Default(),
		now:       time.Now,
		ids:       job.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dispatcher == nil {
		s.dispatcher = events.NewDispatcher(cache, events.WithLogger(s.logger), events.WithClock(s.now))
	}
	return s
}

// Definition returns the workflow tables the service validates against.
func (s *Service) Definition() *definition.Definition { return s.def }

// Dispatcher returns the event dispatcher.
func (s *Service) Dispatcher() *events.Dispatcher { return s.dispatcher }

// Cache returns the synchronization cache.
func (s *Service) Cache() *synccache.Cache { return s.cache }

// AvailableTransitions lists the transitions actor may apply to wo, in graph
// order. Every returned transition passes the same validator ChangeStatus
// uses. An unknown status or role is an error, never an empty list.
func (s *Service) AvailableTransitions(wo job.WorkOrder, actor job.Actor) ([]job.Transition, error) {
	from, err := s.checkSubject(wo, actor)
	if err != nil {
		return nil, err
	}

	out := []job.Transition{}
	for _, next := range s.def.Registry.LegalNext(from) {
		if s.validator.Validate(string(from), string(next), actor, wo) != nil {
			continue
		}
		out = append(out, job.Transition{Key: next, Label: s.def.Registry.Label(next)})
	}
	return out, nil
}

func (s *Service) checkSubject(wo job.WorkOrder, actor job.Actor) (status.Key, error) {
	from := s.def.Normalizer.Normalize(string(wo.Status))
	if !s.def.Registry.IsValid(from) {
		return "", errclass.New(errclass.KindInvalidStatus, "unknown status "+string(wo.Status), nil)
	}
	if _, ok := s.def.Matrix.Lookup(actor.Role); !ok {
		return "", errclass.New(errclass.KindRoleNotPermitted, "unknown role "+actor.Role, nil)
	}
	return from, nil
}

// NextSuggestedAction picks the suggested transition for wo's status when it
// is available, otherwise the first available transition, otherwise nil.
// Advisory only.
func (s *Service) NextSuggestedAction(wo job.WorkOrder, actor job.Actor) (*job.Transition, error) {
	available, err := s.AvailableTransitions(wo, actor)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, nil
	}
	from := s.def.Normalizer.Normalize(string(wo.Status))
	if target, ok := s.def.Suggestions[from]; ok {
		for _, t := range available {
			if t.Key == target {
				t := t
				return &t, nil
			}
		}
	}
	first := available[0]
	return &first, nil
}

// Get reads a work order through the cache.
func (s *Service) Get(ctx context.Context, ref any, force bool) (*job.WorkOrder, error) {
	id, ok := ident.Resolve(ref)
	if !ok {
		return nil, errclass.Classify(&errclass.InvalidIdentifierError{Ref: ref})
	}
	wo, err := s.cache.Job(ctx, id, force)
	if err != nil {
		return nil, errclass.Classify(err)
	}
	return wo, nil
}

// Attachments reads a work order's attachment listing through the cache.
func (s *Service) Attachments(ctx context.Context, ref any, force bool) ([]job.Attachment, error) {
	id, ok := ident.Resolve(ref)
	if !ok {
		return nil, errclass.Classify(&errclass.InvalidIdentifierError{Ref: ref})
	}
	list, err := s.cache.Attachments(ctx, id, force)
	if err != nil {
		return nil, errclass.Classify(err)
	}
	return list, nil
}

// Subscribe registers h for dossier events and notifications.
func (s *Service) Subscribe(h events.Handler) func() {
	return s.dispatcher.Subscribe(h)
}

// Wait blocks until every scheduled auto-chain attempt has finished.
func (s *Service) Wait() {
	s.chains.Wait()
}
