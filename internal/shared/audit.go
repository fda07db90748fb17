package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs. Records are append-only.
type AuditLog struct {
	ActorID  int64
	Module   string
	Action   string
	Entity   string
	EntityID string
	Detail   string
	Reason   string
	Meta     map[string]any
	At       time.Time
}

// Validate checks the fields every audit record must carry.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// MetaJSON encodes Meta, mapping an empty map to an empty JSON object.
func (l AuditLog) MetaJSON() ([]byte, error) {
	if len(l.Meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(l.Meta)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.pool == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := log.MetaJSON()
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, module, action, entity, entity_id, detail, reason, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`,
		log.ActorID, log.Module, log.Action, log.Entity, log.EntityID, log.Detail, log.Reason, metaJSON, at)
	return err
}
