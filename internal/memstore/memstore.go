// Package memstore is an in-memory remote authority: it serves reads,
// applies status mutations with its own graph check, keeps a transition
// journal and optionally publishes change payloads on a push channel.
//
// It is used by tests and the scenario harness. Failures can be injected per
// operation.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/atelier/internal/definition"
	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/pushchan"
	"github.com/roach88/atelier/internal/status"
)

// Operations failures can be injected into.
const (
	OpFetch  = "fetch"
	OpList   = "list"
	OpMutate = "mutate"
)

type rejection struct {
	to      status.Key
	code    string
	message string
}

// Store is safe for concurrent use.
type Store struct {
	def  *definition.Definition
	push pushchan.Channel
	now  func() time.Time

	mu          sync.Mutex
	jobs        map[string]*job.WorkOrder
	attachments map[string][]job.Attachment
	journal     []job.JournalEntry
	failures    map[string][]error
	rejections  []rejection

	fetches, lists, mutations atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithPushChannel publishes a change payload after every write.
func WithPushChannel(ch pushchan.Channel) Option {
	return func(s *Store) { s.push = ch }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store that judges mutations against def.
func New(def *definition.Definition, opts ...Option) *Store {
	s := &Store{
		def:         def,
		now:         time.Now,
		jobs:        make(map[string]*job.WorkOrder),
		attachments: make(map[string][]job.Attachment),
		failures:    make(map[string][]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateJob stores wo. An empty status becomes the registry's initial status.
func (s *Store) CreateJob(ctx context.Context, wo job.WorkOrder) (*job.WorkOrder, error) {
	if wo.ID == "" {
		return nil, &errclass.InvalidIdentifierError{Ref: wo}
	}
	st := s.def.Normalizer.Normalize(string(wo.Status))
	if wo.Status == "" {
		st = s.def.Registry.Initial()
	}
	if !s.def.Registry.IsValid(st) {
		return nil, &errclass.RemoteRejection{Code: errclass.CodeUnknownStatus, Message: fmt.Sprintf("unknown status %q", wo.Status)}
	}

	s.mu.Lock()
	if _, exists := s.jobs[wo.ID]; exists {
		s.mu.Unlock()
		return nil, &errclass.RemoteRejection{Code: errclass.CodeExists, Message: fmt.Sprintf("dossier %s already exists", wo.ID)}
	}
	now := s.now().UTC()
	stored := wo.Clone()
	stored.Status = st
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.jobs[wo.ID] = stored
	out := stored.Clone()
	s.mu.Unlock()

	s.publish(ctx, events.Change{EntityID: wo.ID, Kind: events.ChangeEntity, Timestamp: now})
	return out, nil
}

// FetchEntity implements synccache.Source.
func (s *Store) FetchEntity(ctx context.Context, id string) (*job.WorkOrder, error) {
	s.fetches.Add(1)
	if err := s.takeFailure(OpFetch); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wo, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	return wo.Clone(), nil
}

// ListAttachments implements synccache.Source.
func (s *Store) ListAttachments(ctx context.Context, id string) ([]job.Attachment, error) {
	s.lists.Add(1)
	if err := s.takeFailure(OpList); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	return append([]job.Attachment{}, s.attachments[id]...), nil
}

// MutateStatus implements workflow.Remote. The label is normalized again
// here; the store is the final authority on the graph.
func (s *Store) MutateStatus(ctx context.Context, id, label, reason string) (*job.WorkOrder, error) {
	s.mutations.Add(1)
	if err := s.takeFailure(OpMutate); err != nil {
		return nil, err
	}
	to := s.def.Normalizer.Normalize(label)

	s.mu.Lock()
	wo, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	if rej, ok := s.takeRejectionLocked(to); ok {
		s.mu.Unlock()
		return nil, &errclass.RemoteRejection{Code: rej.code, Message: rej.message}
	}
	if !s.def.Registry.IsValid(to) {
		s.mu.Unlock()
		return nil, &errclass.RemoteRejection{Code: errclass.CodeUnknownStatus, Message: fmt.Sprintf("unknown status %q", label)}
	}
	if !s.def.Registry.Allows(wo.Status, to) {
		s.mu.Unlock()
		return nil, &errclass.RemoteRejection{
			Code:    errclass.CodeIllegalTransition,
			Message: fmt.Sprintf("%s cannot move from %s to %s", id, wo.Status, to),
		}
	}
	now := s.now().UTC()
	wo.Status = to
	wo.UpdatedAt = now
	out := wo.Clone()
	s.mu.Unlock()

	s.publish(ctx, events.Change{EntityID: id, Kind: events.ChangeEntity, Timestamp: now})
	return out, nil
}

// DeleteJob removes a work order and its attachments.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.jobs[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	delete(s.jobs, id)
	delete(s.attachments, id)
	s.mu.Unlock()

	s.publish(ctx, events.Change{EntityID: id, Kind: events.ChangeDeleted, Timestamp: s.now().UTC()})
	return nil
}

// DeleteJobs removes every listed work order that exists and returns how
// many were removed.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	var removed []string
	for _, id := range ids {
		if _, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			delete(s.attachments, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		s.publish(ctx, events.Change{EntityIDs: removed, Kind: events.ChangeBulkDeleted, Timestamp: s.now().UTC()})
	}
	return len(removed), nil
}

// AddAttachment appends a to its work order's listing.
func (s *Store) AddAttachment(ctx context.Context, a job.Attachment) error {
	s.mu.Lock()
	if _, ok := s.jobs[a.JobID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("dossier %s: %w", a.JobID, errclass.ErrNotFound)
	}
	if a.UploadedAt.IsZero() {
		a.UploadedAt = s.now().UTC()
	}
	s.attachments[a.JobID] = append(s.attachments[a.JobID], a)
	s.mu.Unlock()

	s.publish(ctx, events.Change{EntityID: a.JobID, Kind: events.ChangeEntity, Timestamp: s.now().UTC()})
	return nil
}

// ListJobs returns every work order ordered by id.
func (s *Store) ListJobs(ctx context.Context) ([]job.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.WorkOrder, 0, len(s.jobs))
	for _, wo := range s.jobs {
		out = append(out, *wo.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Record implements workflow.Journal.
func (s *Store) Record(ctx context.Context, e job.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
	return nil
}

// History returns the journal entries of a work order in recording order.
func (s *Store) History(ctx context.Context, id string) ([]job.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.JournalEntry
	for _, e := range s.journal {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

// FailNext queues err as the result of the next call to op.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// RejectNext makes the next mutation towards to fail with a
// RemoteRejection. An empty to matches any destination.
func (s *Store) RejectNext(to status.Key, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejections = append(s.rejections, rejection{to: to, code: errclass.CodeInjected, message: message})
}

func (s *Store) takeFailure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.failures[op]
	if len(q) == 0 {
		return nil
	}
	s.failures[op] = q[1:]
	return q[0]
}

func (s *Store) takeRejectionLocked(to status.Key) (rejection, bool) {
	for i, r := range s.rejections {
		if r.to == "" || r.to == to {
			s.rejections = append(s.rejections[:i:i], s.rejections[i+1:]...)
			return r, true
		}
	}
	return rejection{}, false
}

func (s *Store) publish(ctx context.Context, c events.Change) {
	if s.push == nil {
		return
	}
	c.EntityType = events.EntityDossier
	payload, err := events.Encode(c)
	if err != nil {
		return
	}
	_ = s.push.Publish(ctx, payload)
}

// Counters reports how many calls each operation received.
func (s *Store) Counters() (fetches, lists, mutations int64) {
	return s.fetches.Load(), s.lists.Load(), s.mutations.Load()
}
