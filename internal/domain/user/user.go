package user

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// Role represents a user role issued by the identity provider.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	UserID uuid.UUID `json:"userId"`
	Name   string    `json:"name"`
	Email  string    `json:"email,omitempty"`
	Role   Role      `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// ActorString renders the actor for audit trails.
func (a Actor) ActorString() string {
	if a.UserID == uuid.Nil {
		return "system"
	}
	prefix := "user"
	if a.IsAdmin() {
		prefix = "admin"
	}
	return prefix + ":" + a.UserID.String()
}

// System is the actor used for gateway callbacks and automated transitions.
var System = Actor{Name: "system", Role: RoleAdmin}

func NormalizeRole(role string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(role)))
}

func ValidateRole(role Role) error {
	switch role {
	case RoleUser, RoleAdmin:
		return nil
	default:
		return errors.New("invalid role")
	}
}

func ValidateActor(a Actor) error {
	if a.UserID == uuid.Nil {
		return errors.New("actor id is required")
	}
	return ValidateRole(a.Role)
}
