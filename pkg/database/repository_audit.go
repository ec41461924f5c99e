// Copyright 2025 Certen Protocol
//
// Audit Repository - append-only trail of tree operations

package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AuditRepository appends and reads audit events. Bound to a Querier so
// appends share the mutating transaction and land in commit order.
type AuditRepository struct {
	q Querier
}

// NewAuditRepository binds a repository to a connection or transaction.
func NewAuditRepository(q Querier) *AuditRepository {
	return &AuditRepository{q: q}
}

// Append writes one audit event. The event id is assigned here.
func (r *AuditRepository) Append(ctx context.Context, ev *AuditEvent) error {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}
	query := `
		INSERT INTO audit_events (event_id, nullifier_value, event_type, root_before, root_after, operator)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.q.ExecContext(ctx, query,
		ev.EventID, int64(ev.NullifierValue), ev.EventType,
		ev.RootBefore.Bytes(), ev.RootAfter.Bytes(), ev.Operator)
	if err != nil {
		return classify("database.AppendAudit", err)
	}
	return nil
}

// TrailByValue returns the audit trail for one nullifier, oldest first.
func (r *AuditRepository) TrailByValue(ctx context.Context, value uint64) ([]*AuditEvent, error) {
	query := `
		SELECT event_id, nullifier_value, event_type, root_before, root_after, operator, created_at
		FROM audit_events
		WHERE nullifier_value = $1
		ORDER BY created_at ASC, event_id ASC`

	rows, err := r.q.QueryContext(ctx, query, int64(value))
	if err != nil {
		return nil, classify("database.AuditTrail", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var before, after []byte
		var value int64
		if err := rows.Scan(&ev.EventID, &value, &ev.EventType, &before, &after, &ev.Operator, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		ev.NullifierValue = uint64(value)
		copy(ev.RootBefore[:], before)
		copy(ev.RootAfter[:], after)
		events = append(events, ev)
	}
	return events, rows.Err()
}
