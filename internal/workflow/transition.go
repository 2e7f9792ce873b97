package workflow

import (
	"context"
	"time"

	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/ident"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/retry"
	"github.com/roach88/atelier/internal/status"
)

// ChangeStatus moves the referenced work order to newStatus on behalf of
// actor.
//
// The current status is read through the cache and validated locally; the
// remote authority then applies or rejects the change. On success the
// entity's keys are invalidated, subscribers and notification targets are
// told, and any auto-chain rule for the new status is scheduled in the
// background. A rejected mutation leaves the cache untouched.
func (s *Service) ChangeStatus(ctx context.Context, ref any, newStatus, reason string, actor job.Actor) (*job.WorkOrder, error) {
	return s.changeStatus(ctx, ref, newStatus, reason, actor, false)
}

func (s *Service) changeStatus(ctx context.Context, ref any, newStatus, reason string, actor job.Actor, auto bool) (*job.WorkOrder, error) {
	id, ok := ident.Resolve(ref)
	if !ok {
		return nil, errclass.Classify(&errclass.InvalidIdentifierError{Ref: ref})
	}

	current, err := s.cache.Job(ctx, id, false)
	if err != nil {
		return nil, errclass.Classify(err)
	}

	if err := s.validator.Validate(string(current.Status), newStatus, actor, *current); err != nil {
		s.logger.Debug("transition rejected locally",
			"job", id,
			"to", newStatus,
			"role", actor.Role,
			"error", err)
		return nil, errclass.Classify(err)
	}

	from := s.def.Normalizer.Normalize(string(current.Status))
	to := s.def.Normalizer.Normalize(newStatus)
	label := s.def.Registry.Label(to)

	updated, err := retry.Do(ctx, s.policy, true, func() (*job.WorkOrder, error) {
		return s.remote.MutateStatus(ctx, id, label, reason)
	})
	if err != nil {
		classified := errclass.Classify(err)
		s.logger.Warn("status change failed",
			"job", id,
			"from", from,
			"to", to,
			"kind", classified.Kind,
			"error", err)
		return nil, classified
	}
	if updated == nil {
		updated = current.Clone()
		updated.Status = to
	}

	s.cache.InvalidateJob(id)

	at := s.now().UTC()
	s.logger.Info("status changed",
		"job", id,
		"from", from,
		"to", to,
		"actor", actor.ID,
		"role", actor.Role,
		"auto", auto)

	// The authority's stamp lets the dispatcher recognize the push echo.
	changedAt := at
	if !updated.UpdatedAt.IsZero() {
		changedAt = updated.UpdatedAt.UTC()
	}
	s.dispatcher.Publish(events.EventDossierUpdated, events.Change{
		EntityType: events.EntityDossier,
		EntityID:   id,
		Kind:       events.ChangeEntity,
		Timestamp:  changedAt,
	})
	s.notify(current, from, to, actor, at)
	s.record(ctx, job.JournalEntry{
		ID:      s.ids.Generate(),
		JobID:   id,
		From:    from,
		To:      to,
		ActorID: actor.ID,
		Role:    actor.Role,
		Reason:  reason,
		Auto:    auto,
		At:      at,
	})

	s.scheduleAutoChain(ctx, id, to, actor)
	return updated.Clone(), nil
}

func (s *Service) notify(wo *job.WorkOrder, from, to status.Key, actor job.Actor, at time.Time) {
	rule, ok := s.def.Notifications[to]
	if !ok {
		return
	}
	n := job.Notification{
		ID:          s.ids.Generate(),
		Type:        rule.Type,
		Message:     rule.Render(wo.ID, s.def.Registry.Label(from), s.def.Registry.Label(to)),
		TargetRoles: append([]string(nil), rule.Roles...),
		JobID:       wo.ID,
		ActorID:     actor.ID,
		From:        from,
		To:          to,
		At:          at,
	}
	if rule.NotifyCreator && wo.CreatedBy != "" && wo.CreatedBy != actor.ID {
		n.TargetUsers = []string{wo.CreatedBy}
	}
	s.dispatcher.Publish(events.EventNotification, n)
}

func (s *Service) record(ctx context.Context, e job.JournalEntry) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		// The remote change is applied; a lost journal line is not a failure.
		s.logger.Warn("journal write failed", "job", e.JobID, "error", err)
	}
}

// scheduleAutoChain starts the follow-up transition for to, if any, on a
// detached goroutine. Its outcome goes to the log and the chain observer,
// never to the caller of the primary transition.
func (s *Service) scheduleAutoChain(ctx context.Context, id string, from status.Key, actor job.Actor) {
	target, ok := s.def.AutoChain[from]
	if !ok {
		return
	}

	detached := context.WithoutCancel(ctx)
	s.chains.Add(1)
	go func() {
		defer s.chains.Done()

		outcome := ChainOutcome{JobID: id, From: from, To: target}
		wo, err := s.changeStatus(detached, id, string(target), AutoChainReason, actor, true)
		if err != nil {
			outcome.Err = errclass.Classify(err)
			s.logger.Warn("auto-chain failed",
				"job", id,
				"from", from,
				"to", target,
				"kind", outcome.Err.Kind,
				"error", err)
		} else {
			outcome.Job = wo
		}
		if s.observer != nil {
			s.observer(outcome)
		}
	}()
}
