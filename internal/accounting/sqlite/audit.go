package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Record appends an audit log row.
func (s *Store) Record(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	meta, err := log.MetaJSON()
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_logs (actor_id, module, action, entity, entity_id, detail, reason, meta, occurred_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ActorID, log.Module, log.Action, log.Entity, log.EntityID, log.Detail, log.Reason, string(meta), formatTime(at))
	return err
}

// AuditTrail returns the audit records of one entity, oldest first.
func (s *Store) AuditTrail(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_id, module, action, entity, entity_id, detail, reason, occurred_at
FROM audit_logs WHERE entity = ? AND entity_id = ? ORDER BY id`, entity, entityID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row rowScanner) (shared.AuditLog, error) {
		var (
			l  shared.AuditLog
			at string
		)
		if err := row.Scan(&l.ActorID, &l.Module, &l.Action, &l.Entity, &l.EntityID, &l.Detail, &l.Reason, &at); err != nil {
			return shared.AuditLog{}, err
		}
		var err error
		l.At, err = parseTime(at)
		return l, err
	})
}

// CheckAndInsert claims an idempotency key, failing with
// shared.ErrIdempotencyConflict when it was claimed before.
func (s *Store) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := shared.CheckIdempotencyArgs(key, module); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES (?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		key, module, formatTime(time.Now()))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return shared.ErrIdempotencyConflict
	}
	return nil
}

// Delete releases an idempotency key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}
