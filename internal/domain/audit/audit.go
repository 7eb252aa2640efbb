package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EntityType represents the type of entity being audited
type EntityType string

const (
	EntityTypeRoom        EntityType = "ROOM"
	EntityTypeTransaction EntityType = "TRANSACTION"
	EntityTypeWork        EntityType = "WORK"
	EntityTypeDispute     EntityType = "DISPUTE"
)

// Action represents the type of action being audited
type Action string

const (
	ActionCreate                Action = "CREATE"
	ActionJoin                  Action = "JOIN"
	ActionStatusChange          Action = "STATUS_CHANGE"
	ActionForceTransition       Action = "FORCE_TRANSITION"
	ActionPaymentDetailsUpdated Action = "PAYMENT_DETAILS_UPDATED"
	ActionOrderCreated          Action = "ORDER_CREATED"
	ActionPaymentCaptured       Action = "PAYMENT_CAPTURED"
	ActionPaymentFailed         Action = "PAYMENT_FAILED"
	ActionRelease               Action = "RELEASE"
	ActionRefund                Action = "REFUND"
	ActionPayoutReconciled      Action = "PAYOUT_RECONCILED"
	ActionWorkUpdate            Action = "WORK_UPDATE"
	ActionBuyerResponse         Action = "BUYER_RESPONSE"
	ActionAIDecision            Action = "AI_DECISION"
	ActionAIAccepted            Action = "AI_ACCEPTED"
	ActionEscalate              Action = "ESCALATE"
	ActionAdminDecision         Action = "ADMIN_DECISION"
	ActionResolve               Action = "RESOLVE"
)

// RiskLevel represents the risk classification of an operation
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID            int64           `json:"id"`
	AuditID       uuid.UUID       `json:"auditId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	RoomID        *uuid.UUID      `json:"roomId,omitempty"`
	TransactionID *uuid.UUID      `json:"transactionId,omitempty"`
	Action        Action          `json:"action"`
	Actor         string          `json:"actor"`
	ActorRole     string          `json:"actorRole,omitempty"`
	OldValues     json.RawMessage `json:"oldValues,omitempty"`
	NewValues     json.RawMessage `json:"newValues,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	RiskLevel     RiskLevel       `json:"riskLevel"`
	Signature     []byte          `json:"signature,omitempty"`
	TraceID       string          `json:"traceId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// AuditEntry is the input for creating an audit log
type AuditEntry struct {
	EntityType    EntityType
	EntityID      string
	RoomID        *uuid.UUID
	TransactionID *uuid.UUID
	Action        Action
	Actor         string
	ActorRole     string
	OldValues     interface{}
	NewValues     interface{}
	Metadata      map[string]interface{}
	Reason        string
	TraceID       string
}

// QueryFilter represents filters for querying audit logs
type QueryFilter struct {
	EntityType    *EntityType
	EntityID      *string
	RoomID        *uuid.UUID
	TransactionID *uuid.UUID
	Action        *Action
	Actor         *string
	RiskLevel     *RiskLevel
	StartTime     *time.Time
	EndTime       *time.Time
}

// Cursor represents a pagination cursor for audit logs
type Cursor struct {
	CreatedAt time.Time `json:"ts"`
	ID        int64     `json:"id"`
}

// Repository defines the interface for audit log persistence
type Repository interface {
	Create(ctx context.Context, entry *AuditLog) error
	GetByID(ctx context.Context, auditID uuid.UUID) (*AuditLog, error)

	// Query returns logs newest first with cursor-based pagination
	Query(ctx context.Context, filter QueryFilter, cursor *Cursor, limit int) ([]*AuditLog, *Cursor, error)

	// ListByRoom returns every log scoped to a room, oldest first
	ListByRoom(ctx context.Context, roomID uuid.UUID) ([]*AuditLog, error)
}

func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityTypeRoom, EntityTypeTransaction, EntityTypeWork, EntityTypeDispute:
		return true
	}
	return false
}

func ValidRiskLevel(l RiskLevel) bool {
	switch l {
	case RiskLevelLow, RiskLevelMedium, RiskLevelHigh, RiskLevelCritical:
		return true
	}
	return false
}

// DetermineRiskLevel determines the risk level based on entity type and action
func DetermineRiskLevel(entityType EntityType, action Action) RiskLevel {
	switch action {
	// Money leaves custody
	case ActionRelease, ActionRefund:
		return RiskLevelCritical
	// Admin overrides and payout destination changes
	case ActionForceTransition, ActionAdminDecision, ActionPaymentDetailsUpdated:
		return RiskLevelHigh
	}

	if entityType == EntityTypeDispute {
		return RiskLevelMedium
	}
	if action == ActionStatusChange || action == ActionPaymentFailed || action == ActionPayoutReconciled {
		return RiskLevelMedium
	}
	return RiskLevelLow
}

// NewAuditLog creates a new AuditLog from an AuditEntry
func NewAuditLog(entry *AuditEntry) (*AuditLog, error) {
	log := &AuditLog{
		AuditID:       uuid.New(),
		EntityType:    entry.EntityType,
		EntityID:      entry.EntityID,
		RoomID:        entry.RoomID,
		TransactionID: entry.TransactionID,
		Action:        entry.Action,
		Actor:         entry.Actor,
		ActorRole:     entry.ActorRole,
		Reason:        entry.Reason,
		TraceID:       entry.TraceID,
		RiskLevel:     DetermineRiskLevel(entry.EntityType, entry.Action),
		CreatedAt:     time.Now().UTC(),
	}

	if entry.OldValues != nil {
		data, err := json.Marshal(entry.OldValues)
		if err != nil {
			return nil, err
		}
		log.OldValues = data
	}
	if entry.NewValues != nil {
		data, err := json.Marshal(entry.NewValues)
		if err != nil {
			return nil, err
		}
		log.NewValues = data
	}
	if len(entry.Metadata) > 0 {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, err
		}
		log.Metadata = data
	}

	return log, nil
}
