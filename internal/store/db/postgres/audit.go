package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/luma-therapy/luma/backend/internal/store"
)

func (d *DB) CreateAuditEvent(ctx context.Context, create *store.AuditEvent) (*store.AuditEvent, error) {
	meta, err := store.EncodeMeta(create.Meta)
	if err != nil {
		return nil, err
	}

	e := *create
	if e.EventTime > 0 {
		stmt := `INSERT INTO auth_audit_log (user_id, event_type, event_time, trace_id, meta)
		         VALUES ($1, $2, $3, $4, $5)
		         RETURNING id, event_time`
		err = d.db.QueryRowContext(ctx, stmt, e.UserID, e.EventType, e.EventTime, e.TraceID, meta).Scan(&e.ID, &e.EventTime)
	} else {
		stmt := `INSERT INTO auth_audit_log (user_id, event_type, trace_id, meta)
		         VALUES ($1, $2, $3, $4)
		         RETURNING id, event_time`
		err = d.db.QueryRowContext(ctx, stmt, e.UserID, e.EventType, e.TraceID, meta).Scan(&e.ID, &e.EventTime)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (d *DB) ListAuditEvents(ctx context.Context, find *store.FindAuditEvent) ([]*store.AuditEvent, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.EventType; v != nil {
		where, args = append(where, "event_type = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, user_id, event_type, event_time, trace_id, meta
		 FROM auth_audit_log WHERE %s ORDER BY event_time DESC, id DESC`,
		strings.Join(where, " AND "),
	)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.AuditEvent
	for rows.Next() {
		e := &store.AuditEvent{}
		var meta string
		if err := rows.Scan(&e.ID, &e.UserID, &e.EventType, &e.EventTime, &e.TraceID, &meta); err != nil {
			return nil, err
		}
		if e.Meta, err = store.DecodeMeta(meta); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}
