package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLog is one row of audit_logs. EntityID is free form so that invoices
// can be referenced by number and products by id.
type AuditLog struct {
	ActorID  int64
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditPort abstracts audit logging for services.
type AuditPort interface {
	Record(ctx context.Context, log AuditLog) error
}

// AuditLogger appends to audit_logs.
type AuditLogger struct {
	db Execer
}

func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

const insertAuditLog = `
INSERT INTO audit_logs (actor_id, action, entity, entity_id, meta, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)`

// Record persists entry. A zero ActorID is replaced by the actor carried by
// ctx and a zero At by the current time.
func (l *AuditLogger) Record(ctx context.Context, entry AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit: no database")
	}
	switch "" {
	case entry.Action:
		return errors.New("audit: action is empty")
	case entry.Entity:
		return errors.New("audit: entity is empty")
	case entry.EntityID:
		return errors.New("audit: entity_id is empty")
	}
	if entry.ActorID == 0 {
		entry.ActorID = ActorFromContext(ctx)
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	meta, err := json.Marshal(entry.Meta)
	if err != nil {
		return fmt.Errorf("audit: encode meta: %w", err)
	}
	_, err = l.db.Exec(ctx, insertAuditLog,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityID, meta, entry.At.UTC())
	return err
}
