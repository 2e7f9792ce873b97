package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/atelier/internal/ident"
)

// ChangeKind is the normalized kind of a push event.
type ChangeKind string

const (
	ChangeEntity      ChangeKind = "entity-changed"
	ChangeDeleted     ChangeKind = "entity-deleted"
	ChangeBulkDeleted ChangeKind = "bulk-deleted"
)

// EntityDossier is the only entity type pushed today.
const EntityDossier = "dossier"

// Subscriber event types.
const (
	EventDossierUpdated  = "dossier_updated"
	EventDossierDeleted  = "dossier_deleted"
	EventDossiersDeleted = "dossiers_deleted"
	EventNotification    = "notification"
)

// ErrMalformed wraps every payload that cannot be normalized.
var ErrMalformed = errors.New("malformed push payload")

// Change is a push payload in normalized form.
type Change struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id,omitempty"`
	EntityIDs  []string       `json:"entity_ids,omitempty"`
	Kind       ChangeKind     `json:"change_kind"`
	Timestamp  time.Time      `json:"timestamp"`
	Raw        map[string]any `json:"-"`
}

// IDs returns every entity id the change refers to.
func (c Change) IDs() []string {
	if c.Kind == ChangeBulkDeleted {
		return c.EntityIDs
	}
	if c.EntityID == "" {
		return nil
	}
	return []string{c.EntityID}
}

// EventType maps the change kind onto the subscriber event type.
func (c Change) EventType() string {
	switch c.Kind {
	case ChangeDeleted:
		return EventDossierDeleted
	case ChangeBulkDeleted:
		return EventDossiersDeleted
	default:
		return EventDossierUpdated
	}
}

var kindAliases = map[string]ChangeKind{
	"entity-changed":   ChangeEntity,
	"entity-updated":   ChangeEntity,
	"changed":          ChangeEntity,
	"updated":          ChangeEntity,
	"dossier-updated":  ChangeEntity,
	"status-changed":   ChangeEntity,
	"entity-deleted":   ChangeDeleted,
	"deleted":          ChangeDeleted,
	"dossier-deleted":  ChangeDeleted,
	"bulk-deleted":     ChangeBulkDeleted,
	"dossiers-deleted": ChangeBulkDeleted,
}

// Normalize parses a raw push payload. Accepted shapes:
//
//	{"event": "entity-changed", "dossier": {"uid": "..."}}
//	{"type": "entity-deleted", "dossier_id": 42}
//	{"event": "bulk-deleted", "ids": [1, 2, "abc"]}
//
// A zero Timestamp means the payload carried none.
func Normalize(raw []byte) (Change, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return Change{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m == nil {
		return Change{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	c := Change{EntityType: EntityDossier, Raw: m}
	if et, ok := m["entity_type"].(string); ok && et != "" {
		c.EntityType = et
	}

	kind, err := changeKind(m)
	if err != nil {
		return Change{}, err
	}
	c.Kind = kind

	if c.Kind == ChangeBulkDeleted {
		c.EntityIDs, err = bulkIDs(m)
	} else {
		c.EntityID, err = entityID(m)
	}
	if err != nil {
		return Change{}, err
	}

	for _, field := range []string{"timestamp", "at"} {
		if v, ok := m[field]; ok {
			ts, err := parseTimestamp(v)
			if err != nil {
				return Change{}, err
			}
			c.Timestamp = ts
			break
		}
	}
	return c, nil
}

func changeKind(m map[string]any) (ChangeKind, error) {
	for _, field := range []string{"event", "type", "change_kind"} {
		s, ok := m[field].(string)
		if !ok || s == "" {
			continue
		}
		folded := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
		if k, ok := kindAliases[folded]; ok {
			return k, nil
		}
		return "", fmt.Errorf("%w: unknown event %q", ErrMalformed, s)
	}
	return "", fmt.Errorf("%w: missing event kind", ErrMalformed)
}

func entityID(m map[string]any) (string, error) {
	for _, field := range []string{"dossier", "dossier_id", "entity_id", "entity"} {
		v, ok := m[field]
		if !ok {
			continue
		}
		if id, ok := ident.Resolve(v); ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: unresolvable %s", ErrMalformed, field)
	}
	return "", fmt.Errorf("%w: missing entity reference", ErrMalformed)
}

func bulkIDs(m map[string]any) ([]string, error) {
	for _, field := range []string{"ids", "dossier_ids", "dossiers"} {
		v, ok := m[field]
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a list", ErrMalformed, field)
		}
		ids := make([]string, 0, len(list))
		for i, item := range list {
			id, ok := ident.Resolve(item)
			if !ok {
				return nil, fmt.Errorf("%w: unresolvable %s[%d]", ErrMalformed, field, i)
			}
			ids = append(ids, id)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("%w: bulk event without ids", ErrMalformed)
}

func parseTimestamp(v any) (time.Time, error) {
	switch val := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return ts.UTC(), nil
		}
		if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
	case json.Number:
		if secs, err := val.Int64(); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		if f, err := val.Float64(); err == nil {
			return time.UnixMilli(int64(f * 1000)).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %v", ErrMalformed, v)
}

// Encode renders c in the canonical wire shape, the one the store publishes.
func Encode(c Change) ([]byte, error) {
	out := map[string]any{"event": string(c.Kind)}
	if c.Kind == ChangeBulkDeleted {
		out["ids"] = c.EntityIDs
	} else {
		out[EntityDossier] = map[string]any{ident.FieldToken: c.EntityID}
	}
	if c.EntityType != "" && c.EntityType != EntityDossier {
		out["entity_type"] = c.EntityType
	}
	if !c.Timestamp.IsZero() {
		out["timestamp"] = c.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}
