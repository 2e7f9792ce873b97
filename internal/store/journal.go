package store

import (
	"context"
	"fmt"

	"github.com/roach88/atelier/internal/job"
	"github.com/roach88/atelier/internal/status"
)

// Record implements workflow.Journal.
// Uses ON CONFLICT(id) DO NOTHING - recording the same entry twice is a no-op.
func (s *Store) Record(ctx context.Context, e job.JournalEntry) error {
	auto := 0
	if e.Auto {
		auto = 1
	}
	_, err := s.exec(ctx, `
		INSERT INTO transitions
		(id, job_id, from_status, to_status, actor_id, role, reason, auto, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		e.ID,
		e.JobID,
		string(e.From),
		string(e.To),
		e.ActorID,
		e.Role,
		e.Reason,
		auto,
		formatTime(e.At),
	)
	if err != nil {
		return sqliteError("record transition", err)
	}
	return nil
}

// History returns the journal entries of a work order in recording order.
func (s *Store) History(ctx context.Context, id string) ([]job.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, from_status, to_status, actor_id, role, reason, auto, at
		FROM transitions
		WHERE job_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, sqliteError("history", err)
	}
	defer rows.Close()

	out := []job.JournalEntry{}
	for rows.Next() {
		var e job.JournalEntry
		var from, to, at string
		var auto int
		if err := rows.Scan(&e.ID, &e.JobID, &from, &to, &e.ActorID, &e.Role, &e.Reason, &auto, &at); err != nil {
			return nil, sqliteError("history", err)
		}
		e.From, e.To, e.Auto = status.Key(from), status.Key(to), auto != 0
		if e.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
