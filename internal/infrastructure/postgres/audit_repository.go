package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
)

const auditColumns = `id, audit_id, entity_type, entity_id, room_id, transaction_id, action, actor, actor_role, old_values, new_values, metadata, reason, risk_level, signature, trace_id, created_at`

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

func (r *AuditRepository) Create(ctx context.Context, entry *audit.AuditLog) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_logs
		(audit_id, entity_type, entity_id, room_id, transaction_id, action, actor, actor_role, old_values, new_values, metadata, reason, risk_level, signature, trace_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id
	`, entry.AuditID, entry.EntityType, entry.EntityID, entry.RoomID, entry.TransactionID, entry.Action, entry.Actor, entry.ActorRole,
		rawJSON(entry.OldValues), rawJSON(entry.NewValues), rawJSON(entry.Metadata), entry.Reason, entry.RiskLevel, entry.Signature, entry.TraceID, entry.CreatedAt,
	).Scan(&entry.ID)
}

func (r *AuditRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE audit_id=$1`, auditID)
	return scanAudit(row)
}

// Query reads one row past limit to decide whether another page exists.
func (r *AuditRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs`
	var args []any
	where := func(cond string, vals ...any) {
		for i := range vals {
			cond = strings.Replace(cond, "?", "$"+itoa(len(args)+i+1), 1)
		}
		query += addWhere(query) + " " + cond
		args = append(args, vals...)
	}

	if filter.EntityType != nil {
		where("entity_type = ?", *filter.EntityType)
	}
	if filter.EntityID != nil {
		where("entity_id = ?", *filter.EntityID)
	}
	if filter.RoomID != nil {
		where("room_id = ?", *filter.RoomID)
	}
	if filter.TransactionID != nil {
		where("transaction_id = ?", *filter.TransactionID)
	}
	if filter.Action != nil {
		where("action = ?", *filter.Action)
	}
	if filter.Actor != nil {
		where("actor = ?", *filter.Actor)
	}
	if filter.RiskLevel != nil {
		where("risk_level = ?", *filter.RiskLevel)
	}
	if filter.StartTime != nil {
		where("created_at >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		where("created_at <= ?", *filter.EndTime)
	}
	if cursor != nil {
		where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $" + itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	logs, err := collectAudit(rows)
	if err != nil {
		return nil, nil, err
	}
	if len(logs) <= limit {
		return logs, nil, nil
	}
	logs = logs[:limit]
	last := logs[limit-1]
	return logs, &audit.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

func (r *AuditRepository) ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*audit.AuditLog, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+auditColumns+`
		FROM audit_logs WHERE room_id=$1 ORDER BY created_at, id
	`, roomID)
	if err != nil {
		return nil, err
	}
	return collectAudit(rows)
}

func collectAudit(rows pgx.Rows) ([]*audit.AuditLog, error) {
	defer rows.Close()
	logs := make([]*audit.AuditLog, 0)
	for rows.Next() {
		log, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// rawJSON keeps empty values NULL instead of sending an empty JSON document.
func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func scanAudit(row pgx.Row) (*audit.AuditLog, error) {
	var (
		log                        audit.AuditLog
		oldValues, newValues, meta []byte
	)
	if err := row.Scan(&log.ID, &log.AuditID, &log.EntityType, &log.EntityID, &log.RoomID, &log.TransactionID, &log.Action, &log.Actor, &log.ActorRole,
		&oldValues, &newValues, &meta, &log.Reason, &log.RiskLevel, &log.Signature, &log.TraceID, &log.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	log.OldValues = oldValues
	log.NewValues = newValues
	log.Metadata = meta
	return &log, nil
}
