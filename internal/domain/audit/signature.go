package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

type signaturePayload struct {
	AuditID       string `json:"auditId"`
	EntityType    string `json:"entityType"`
	EntityID      string `json:"entityId"`
	RoomID        string `json:"roomId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Action        string `json:"action"`
	Actor         string `json:"actor"`
	ActorRole     string `json:"actorRole,omitempty"`
	OldValues     string `json:"oldValues,omitempty"`
	NewValues     string `json:"newValues,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
	Reason        string `json:"reason,omitempty"`
	RiskLevel     string `json:"riskLevel"`
	TraceID       string `json:"traceId,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

func encodeRaw(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func buildSignaturePayload(log *AuditLog) signaturePayload {
	payload := signaturePayload{
		AuditID:    log.AuditID.String(),
		EntityType: string(log.EntityType),
		EntityID:   log.EntityID,
		Action:     string(log.Action),
		Actor:      log.Actor,
		ActorRole:  log.ActorRole,
		OldValues:  encodeRaw(log.OldValues),
		NewValues:  encodeRaw(log.NewValues),
		Metadata:   encodeRaw(log.Metadata),
		Reason:     log.Reason,
		RiskLevel:  string(log.RiskLevel),
		TraceID:    log.TraceID,
		CreatedAt:  log.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if log.RoomID != nil {
		payload.RoomID = log.RoomID.String()
	}
	if log.TransactionID != nil {
		payload.TransactionID = log.TransactionID.String()
	}
	return payload
}

// SignAuditLog generates an HMAC signature for the audit log.
func SignAuditLog(log *AuditLog, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSignaturePayload(log))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyAuditLogSignature verifies the HMAC signature for the audit log.
func VerifyAuditLogSignature(log *AuditLog, key []byte) (bool, error) {
	if len(log.Signature) == 0 {
		return false, nil
	}
	expected, err := SignAuditLog(log, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, log.Signature), nil
}
