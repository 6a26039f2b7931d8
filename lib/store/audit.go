package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// AuditEvent is the persisted form of a Reaper/Error-Mapper security
// event (spec §4.8 action 3, §7). This is a supplemented feature: the
// structured log line is the contract the spec requires; this table is
// additive local bookkeeping so reclamation history survives a restart.
type AuditEvent struct {
	ID           int64
	UserID       uuid.UUID
	ResourceKind string
	ResourceID   string
	Reason       string
	CreatedAt    time.Time
}

// RecordAuditEvent appends an audit entry. This is the Reaper's only
// write path into the Tenant Store that isn't scoped through a resource
// table, since reclamation itself is the event being recorded.
func (s *Store) RecordAuditEvent(ctx context.Context, userID uuid.UUID, resourceKind, resourceID, reason string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `INSERT INTO audit_events (user_id, resource_kind, resource_id, reason) VALUES ($1, $2, $3, $4)`
	_, err := s.pool.Exec(ctx, q, userID, resourceKind, resourceID, reason)
	return mapError(err, "record audit event")
}

// ListAuditEvents returns audit events for userID, most recent first.
// Used by tests and any future self-service audit view; still
// tenant-scoped like every other read.
func (s *Store) ListAuditEvents(ctx context.Context, userID uuid.UUID) ([]*AuditEvent, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const q = `SELECT id, user_id, resource_kind, resource_id, reason, created_at FROM audit_events WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, mapError(err, "list audit events")
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		e := &AuditEvent{}
		if err := rows.Scan(&e.ID, &e.UserID, &e.ResourceKind, &e.ResourceID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, e)
	}
	return out, trace.Wrap(rows.Err())
}
