package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

var ErrSigningDisabled = apperr.New(apperr.KindStateConflict, "AUDIT_SIGNING_DISABLED", "audit signing key is not configured")

// Service records the escrow audit trail. Writes from request paths are
// asynchronous; a failed write is logged and never fails the caller.
type Service struct {
	repo    audit.Repository
	signKey []byte
	pending sync.WaitGroup
	logger  zerolog.Logger
}

func NewService(repo audit.Repository, logger zerolog.Logger, signKey []byte) *Service {
	return &Service{
		repo:    repo,
		signKey: signKey,
		logger:  logger.With().Str("service", "audit").Logger(),
	}
}

// Log records entry in the background.
func (s *Service) Log(ctx context.Context, entry *audit.AuditEntry) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.LogSync(context.WithoutCancel(ctx), entry); err != nil {
			s.entryLogger(entry).Error().Err(err).Msg("failed to record audit entry")
		}
	}()
}

// Wait blocks until background writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

// LogSync signs and stores entry.
func (s *Service) LogSync(ctx context.Context, entry *audit.AuditEntry) error {
	log, err := audit.NewAuditLog(entry)
	if err != nil {
		return fmt.Errorf("build audit log: %w", err)
	}
	if len(s.signKey) > 0 {
		if log.Signature, err = audit.SignAuditLog(log, s.signKey); err != nil {
			return fmt.Errorf("sign audit log: %w", err)
		}
	}
	if err := s.repo.Create(ctx, log); err != nil {
		return fmt.Errorf("store audit log: %w", err)
	}

	level := zerolog.DebugLevel
	switch log.RiskLevel {
	case audit.RiskLevelHigh, audit.RiskLevelCritical:
		// money movement and admin overrides are always visible
		level = zerolog.WarnLevel
	}
	s.entryLogger(entry).WithLevel(level).
		Str("auditId", log.AuditID.String()).
		Str("riskLevel", string(log.RiskLevel)).
		Msg("audit entry recorded")
	return nil
}

func (s *Service) entryLogger(entry *audit.AuditEntry) *zerolog.Logger {
	lc := s.logger.With().
		Str("entityType", string(entry.EntityType)).
		Str("entityId", entry.EntityID).
		Str("action", string(entry.Action)).
		Str("actor", entry.Actor)
	if entry.RoomID != nil {
		lc = lc.Str("roomId", entry.RoomID.String())
	}
	if entry.TransactionID != nil {
		lc = lc.Str("transactionId", entry.TransactionID.String())
	}
	l := lc.Logger()
	return &l
}

// QueryParams filters the admin audit search. Zero values match everything.
type QueryParams struct {
	EntityType    audit.EntityType
	EntityID      string
	RoomID        *uuid.UUID
	TransactionID *uuid.UUID
	Action        audit.Action
	Actor         string
	RiskLevel     audit.RiskLevel
	StartTime     *time.Time
	EndTime       *time.Time
	Cursor        string
	Limit         int
}

type QueryResult struct {
	Logs       []*audit.AuditLog `json:"logs"`
	Pagination Pagination        `json:"pagination"`
}

type Pagination struct {
	Cursor  *string `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
	Count   int     `json:"count"`
}

// Query searches the trail newest first. The returned cursor resumes after
// the last log of the page.
func (s *Service) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	filter, err := params.filter()
	if err != nil {
		return nil, err
	}
	limit := params.Limit
	switch {
	case limit <= 0:
		limit = defaultQueryLimit
	case limit > maxQueryLimit:
		limit = maxQueryLimit
	}

	var cursor *audit.Cursor
	if params.Cursor != "" {
		if cursor, err = decodeCursor(params.Cursor); err != nil {
			return nil, apperr.Validation("invalid cursor")
		}
	}

	logs, next, err := s.repo.Query(ctx, filter, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}

	res := &QueryResult{Logs: logs, Pagination: Pagination{Count: len(logs), HasMore: next != nil}}
	if next != nil {
		encoded, err := encodeCursor(next)
		if err != nil {
			return nil, fmt.Errorf("encode cursor: %w", err)
		}
		res.Pagination.Cursor = &encoded
	}
	return res, nil
}

func (p QueryParams) filter() (audit.QueryFilter, error) {
	f := audit.QueryFilter{
		RoomID:        p.RoomID,
		TransactionID: p.TransactionID,
		StartTime:     p.StartTime,
		EndTime:       p.EndTime,
	}
	if p.StartTime != nil && p.EndTime != nil && p.EndTime.Before(*p.StartTime) {
		return f, apperr.Validation("endTime is before startTime")
	}
	if p.EntityType != "" {
		if !audit.ValidEntityType(p.EntityType) {
			return f, apperr.Validation("unknown entityType %q", p.EntityType)
		}
		f.EntityType = &p.EntityType
	}
	if p.RiskLevel != "" {
		if !audit.ValidRiskLevel(p.RiskLevel) {
			return f, apperr.Validation("unknown riskLevel %q", p.RiskLevel)
		}
		f.RiskLevel = &p.RiskLevel
	}
	if p.Action != "" {
		f.Action = &p.Action
	}
	if p.EntityID != "" {
		f.EntityID = &p.EntityID
	}
	if p.Actor != "" {
		f.Actor = &p.Actor
	}
	return f, nil
}

// RoomTrail returns everything recorded for one room in order, including
// its transactions, work and dispute entries.
func (s *Service) RoomTrail(ctx context.Context, roomID uuid.UUID) ([]*audit.AuditLog, error) {
	logs, err := s.repo.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list room audit trail: %w", err)
	}
	return logs, nil
}

type VerifyResult struct {
	AuditID  uuid.UUID `json:"auditId"`
	Verified bool      `json:"verified"`
	Message  string    `json:"message"`
}

// VerifyIntegrity recomputes the signature of a stored log.
func (s *Service) VerifyIntegrity(ctx context.Context, auditID uuid.UUID) (*VerifyResult, error) {
	if len(s.signKey) == 0 {
		return nil, ErrSigningDisabled
	}
	log, err := s.repo.GetByID(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("get audit log: %w", err)
	}
	if log == nil {
		return nil, apperr.New(apperr.KindNotFound, "AUDIT_NOT_FOUND", "audit log not found")
	}

	ok, err := audit.VerifyAuditLogSignature(log, s.signKey)
	if err != nil {
		return nil, fmt.Errorf("verify signature: %w", err)
	}
	res := &VerifyResult{AuditID: auditID, Verified: ok, Message: "signature matches"}
	if !ok {
		res.Message = "signature mismatch"
		s.logger.Warn().Str("auditId", auditID.String()).Msg("audit log failed verification")
	}
	return res, nil
}

func encodeCursor(c *audit.Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (*audit.Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c audit.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
