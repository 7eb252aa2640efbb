package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
)

type AuditRepository struct {
	mu   sync.RWMutex
	seq  int64
	logs []*audit.AuditLog
}

func NewAuditRepository() *AuditRepository {
	return &AuditRepository{}
}

func (r *AuditRepository) Create(ctx context.Context, entry *audit.AuditLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	entry.ID = r.seq
	c := *entry
	r.logs = append(r.logs, &c)
	return nil
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, l := range r.logs {
		if l.AuditID == auditID {
			c := *l
			return &c, nil
		}
	}
	return nil, nil
}

func matchesAudit(f audit.QueryFilter, l *audit.AuditLog) bool {
	switch {
	case f.EntityType != nil && l.EntityType != *f.EntityType:
		return false
	case f.EntityID != nil && l.EntityID != *f.EntityID:
		return false
	case f.RoomID != nil && (l.RoomID == nil || *l.RoomID != *f.RoomID):
		return false
	case f.TransactionID != nil && (l.TransactionID == nil || *l.TransactionID != *f.TransactionID):
		return false
	case f.Action != nil && l.Action != *f.Action:
		return false
	case f.Actor != nil && l.Actor != *f.Actor:
		return false
	case f.RiskLevel != nil && l.RiskLevel != *f.RiskLevel:
		return false
	case f.StartTime != nil && l.CreatedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && l.CreatedAt.After(*f.EndTime):
		return false
	}
	return true
}

// Query walks the log newest first; the cursor is the last returned entry.
func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*audit.AuditLog, 0, limit)
	for i := len(r.logs) - 1; i >= 0; i-- {
		l := r.logs[i]
		if cursor != nil && l.ID >= cursor.ID {
			continue
		}
		if !matchesAudit(filter, l) {
			continue
		}
		if len(out) == limit {
			last := out[len(out)-1]
			return out, &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
		}
		c := *l
		out = append(out, &c)
	}
	return out, nil, nil
}

func (r *AuditRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*audit.AuditLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*audit.AuditLog, 0)
	for _, l := range r.logs {
		if l.RoomID != nil && *l.RoomID == roomID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}
