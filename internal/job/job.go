// Package job defines the data model shared by the workflow core: work
// orders, actors, attachments, and the derived records produced by
// transitions.
package job

import (
	"time"

	"github.com/roach88/atelier/internal/ident"
	"github.com/roach88/atelier/internal/status"
)

// WorkOrder is a tracked production job ("dossier").
//
// Status is always a key registered in the status registry. Metadata is
// opaque to the core.
type WorkOrder struct {
	ID             string         `json:"id"`
	Status         status.Key     `json:"status"`
	CreatedBy      string         `json:"created_by"`
	EquipmentClass string         `json:"equipment_class,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Ref implements ident.Referencer. The ID is already canonical.
func (w WorkOrder) Ref() ident.Ref {
	return ident.Ref{UID: w.ID}
}

// Clone returns a copy whose Metadata map is not shared.
func (w *WorkOrder) Clone() *WorkOrder {
	if w == nil {
		return nil
	}
	c := *w
	if w.Metadata != nil {
		c.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Actor is whoever requests a transition.
type Actor struct {
	ID             string `json:"id"`
	Role           string `json:"role"`
	EquipmentClass string `json:"equipment_class,omitempty"`
}

// Attachment is a file attached to a work order.
type Attachment struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind,omitempty"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Transition is an action the UI may offer.
type Transition struct {
	Key   status.Key `json:"key"`
	Label string     `json:"label"`
}

// Notification is derived from a successful transition. It is never
// persisted and never mutates the work order.
type Notification struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Message     string     `json:"message"`
	TargetRoles []string   `json:"target_roles,omitempty"`
	TargetUsers []string   `json:"target_users,omitempty"`
	JobID       string     `json:"job_id"`
	ActorID     string     `json:"actor_id"`
	From        status.Key `json:"from"`
	To          status.Key `json:"to"`
	At          time.Time  `json:"at"`
}

// JournalEntry is one applied transition in the local history.
type JournalEntry struct {
	ID      string     `json:"id"`
	JobID   string     `json:"job_id"`
	From    status.Key `json:"from"`
	To      status.Key `json:"to"`
	ActorID string     `json:"actor_id"`
	Role    string     `json:"role"`
	Reason  string     `json:"reason,omitempty"`
	Auto    bool       `json:"auto"`
	At      time.Time  `json:"at"`
}
