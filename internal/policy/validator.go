package policy

import (
	"errors"
	"fmt"

	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

// TransitionError is a rejected transition with a specific reason.
type TransitionError struct {
	Kind   errclass.Kind
	From   status.Key
	To     status.Key
	Role   string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s (role %s): %s", e.From, e.To, e.Role, e.Reason)
}

// ErrorKind implements errclass.Kinded.
func (e *TransitionError) ErrorKind() errclass.Kind { return e.Kind }

// IsTransitionError reports whether err is a TransitionError of the given
// kind. Uses errors.As to handle wrapped errors.
func IsTransitionError(err error, kind errclass.Kind) bool {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// Validator composes the registry, the normalizer and the matrix.
// It holds no mutable state.
type Validator struct {
	registry   *status.Registry
	normalizer *status.Normalizer
	matrix     *Matrix
}

func NewValidator(registry *status.Registry, normalizer *status.Normalizer, matrix *Matrix) *Validator {
	return &Validator{
		registry:   registry,
		normalizer: normalizer,
		matrix:     matrix,
	}
}

// Validate accepts or rejects from -> to for actor on wo.
//
// Checks, in order:
//  1. normalize both labels
//  2. both keys registered (InvalidStatus)
//  3. role known and destination permitted, unless Force (RoleNotPermitted)
//  4. graph edge from -> to, never bypassed (IllegalGraphTransition)
//  5. role predicates (OwnershipViolation, AffinityViolation)
func (v *Validator) Validate(from, to string, actor job.Actor, wo job.WorkOrder) error {
	fromKey := v.normalizer.Normalize(from)
	toKey := v.normalizer.Normalize(to)

	reject := func(kind errclass.Kind, format string, args ...any) error {
		return &TransitionError{
			Kind:   kind,
			From:   fromKey,
			To:     toKey,
			Role:   actor.Role,
			Reason: fmt.Sprintf(format, args...),
		}
	}

	if !v.registry.IsValid(fromKey) {
		return reject(errclass.KindInvalidStatus, "unknown status %q", from)
	}
	if !v.registry.IsValid(toKey) {
		return reject(errclass.KindInvalidStatus, "unknown status %q", to)
	}

	perm, ok := v.matrix.rule(actor.Role)
	if !ok {
		return reject(errclass.KindRoleNotPermitted, "unknown role %q", actor.Role)
	}
	if !v.matrix.Permits(actor.Role, toKey) {
		return reject(errclass.KindRoleNotPermitted, "role %q may not move a dossier to %q", actor.Role, toKey)
	}

	if !v.registry.Allows(fromKey, toKey) {
		return reject(errclass.KindIllegalGraphTransition, "%q is not reachable from %q", toKey, fromKey)
	}

	if perm.Ownership && wo.CreatedBy != actor.ID {
		return reject(errclass.KindOwnershipViolation, "only the creator may move this dossier")
	}
	if perm.Affinity && wo.EquipmentClass != "" && wo.EquipmentClass != actor.EquipmentClass {
		return reject(errclass.KindAffinityViolation,
			"dossier is assigned to equipment class %q, actor has %q", wo.EquipmentClass, actor.EquipmentClass)
	}

	return nil
}

// Registry exposes the registry the validator was built with.
func (v *Validator) Registry() *status.Registry { return v.registry }

// Normalizer exposes the normalizer the validator was built with.
func (v *Validator) Normalizer() *status.Normalizer { return v.normalizer }

// Matrix exposes the permission matrix the validator was built with.
func (v *Validator) Matrix() *Matrix { return v.matrix }
