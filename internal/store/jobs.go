package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/atelier/internal/errclass"
	"github.com/roach88/atelier/internal/events"
	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

const jobColumns = `id, status, created_by, equipment_class, metadata, created_at, updated_at`

// CreateJob inserts wo. An empty status becomes the registry's initial
// status; an existing id is rejected.
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

	now := s.now().UTC()
	out := wo.Clone()
	out.Status = st
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.UpdatedAt = now

	meta, err := marshalMetadata(out.Metadata)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		out.ID,
		string(out.Status),
		out.CreatedBy,
		out.EquipmentClass,
		meta,
		formatTime(out.CreatedAt),
		formatTime(out.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return nil, &errclass.RemoteRejection{Code: errclass.CodeExists, Message: fmt.Sprintf("dossier %s already exists", wo.ID)}
		}
		return nil, sqliteError("create job", err)
	}

	s.publish(ctx, events.Change{EntityID: out.ID, Kind: events.ChangeEntity, Timestamp: now})
	return out, nil
}

// FetchEntity implements synccache.Source.
func (s *Store) FetchEntity(ctx context.Context, id string) (*job.WorkOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	wo, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	if err != nil {
		return nil, sqliteError("fetch job", err)
	}
	return wo, nil
}

// ListJobs returns every work order ordered by id. A non-empty st limits
// the listing to that status.
func (s *Store) ListJobs(ctx context.Context, st status.Key) ([]job.WorkOrder, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if st != "" {
		query += ` WHERE status = ?`
		args = append(args, string(st))
	}
	query += ` ORDER BY id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sqliteError("list jobs", err)
	}
	defer rows.Close()

	out := []job.WorkOrder{}
	for rows.Next() {
		wo, err := scanJob(rows)
		if err != nil {
			return nil, sqliteError("list jobs", err)
		}
		out = append(out, *wo)
	}
	if err := rows.Err(); err != nil {
		return nil, sqliteError("list jobs", err)
	}
	return out, nil
}

// MutateStatus implements workflow.Remote. The label is normalized again and
// the graph checked inside the transaction; the update is conditional on the
// status read, so a concurrent writer yields a conflict rejection.
func (s *Store) MutateStatus(ctx context.Context, id, label, reason string) (*job.WorkOrder, error) {
	to := s.def.Normalizer.Normalize(label)
	if !s.def.Registry.IsValid(to) {
		return nil, &errclass.RemoteRejection{Code: errclass.CodeUnknownStatus, Message: fmt.Sprintf("unknown status %q", label)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sqliteError("mutate status: begin tx", err)
	}
	defer tx.Rollback() // No-op if committed

	wo, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	if err != nil {
		return nil, sqliteError("mutate status", err)
	}
	if !s.def.Registry.Allows(wo.Status, to) {
		return nil, &errclass.RemoteRejection{
			Code:    errclass.CodeIllegalTransition,
			Message: fmt.Sprintf("%s cannot move from %s to %s", id, wo.Status, to),
		}
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), formatTime(now), id, string(wo.Status))
	if err != nil {
		return nil, sqliteError("mutate status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &errclass.RemoteRejection{Code: errclass.CodeConflict, Message: fmt.Sprintf("%s changed concurrently", id)}
	}
	if err := tx.Commit(); err != nil {
		return nil, &errclass.TransportFailure{Op: "mutate status: commit", Err: err, InFlight: true}
	}

	s.logger.Debug("status stored", "job", id, "from", wo.Status, "to", to, "reason", reason)
	wo.Status = to
	wo.UpdatedAt = now
	s.publish(ctx, events.Change{EntityID: id, Kind: events.ChangeEntity, Timestamp: now})
	return wo, nil
}

// DeleteJob removes a work order; its attachments go with it.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return sqliteError("delete job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	s.publish(ctx, events.Change{EntityID: id, Kind: events.ChangeDeleted, Timestamp: s.now().UTC()})
	return nil
}

// DeleteJobs removes every listed work order that exists and returns how
// many were removed.
func (s *Store) DeleteJobs(ctx context.Context, ids []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sqliteError("delete jobs: begin tx", err)
	}
	defer tx.Rollback()

	var removed []string
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
		if err != nil {
			return 0, sqliteError("delete jobs", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed = append(removed, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, sqliteError("delete jobs: commit", err)
	}

	if len(removed) > 0 {
		s.publish(ctx, events.Change{EntityIDs: removed, Kind: events.ChangeBulkDeleted, Timestamp: s.now().UTC()})
	}
	return len(removed), nil
}

// AddAttachment records a on its work order. Re-adding the same attachment
// id is a no-op.
func (s *Store) AddAttachment(ctx context.Context, a job.Attachment) error {
	if a.UploadedAt.IsZero() {
		a.UploadedAt = s.now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO attachments (id, job_id, name, kind, size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, id) DO NOTHING
	`, a.ID, a.JobID, a.Name, a.Kind, a.Size, formatTime(a.UploadedAt))
	if err != nil {
		if isConstraint(err) {
			// Only the foreign key can fail here.
			return fmt.Errorf("dossier %s: %w", a.JobID, errclass.ErrNotFound)
		}
		return sqliteError("add attachment", err)
	}
	s.publish(ctx, events.Change{EntityID: a.JobID, Kind: events.ChangeEntity, Timestamp: s.now().UTC()})
	return nil
}

// ListAttachments implements synccache.Source.
func (s *Store) ListAttachments(ctx context.Context, id string) ([]job.Attachment, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dossier %s: %w", id, errclass.ErrNotFound)
	}
	if err != nil {
		return nil, sqliteError("list attachments", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, name, kind, size, uploaded_at
		FROM attachments
		WHERE job_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, sqliteError("list attachments", err)
	}
	defer rows.Close()

	out := []job.Attachment{}
	for rows.Next() {
		var a job.Attachment
		var uploaded string
		if err := rows.Scan(&a.ID, &a.JobID, &a.Name, &a.Kind, &a.Size, &uploaded); err != nil {
			return nil, sqliteError("list attachments", err)
		}
		if a.UploadedAt, err = parseTime(uploaded); err != nil {
			return nil, fmt.Errorf("list attachments: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.WorkOrder, error) {
	var wo job.WorkOrder
	var st, meta, created, updated string
	if err := row.Scan(&wo.ID, &st, &wo.CreatedBy, &wo.EquipmentClass, &meta, &created, &updated); err != nil {
		return nil, err
	}
	wo.Status = status.Key(st)

	var err error
	if wo.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if wo.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if wo.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &wo, nil
}

func (s *Store) publish(ctx context.Context, c events.Change) {
	if s.push == nil {
		return
	}
	c.EntityType = events.EntityDossier
	payload, err := events.Encode(c)
	if err != nil {
		s.logger.Warn("encode change failed", "error", err)
		return
	}
	if err := s.push.Publish(ctx, payload); err != nil {
		s.logger.Warn("push publish failed", "job", c.EntityID, "error", err)
	}
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return strings.TrimSpace(b.String()), nil
}

func unmarshalMetadata(data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// sqliteError marks lock contention as a transport failure that happened
// before anything was written, so callers may retry it.
func sqliteError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return &errclass.TransportFailure{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
