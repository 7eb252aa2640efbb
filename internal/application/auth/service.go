package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	domainUser "github.com/escrow-hub/escrow-hub/internal/domain/user"
)

var (
	ErrMissingToken = apperr.New(apperr.KindAuthorization, "UNAUTHENTICATED", "missing bearer token")
	ErrInvalidToken = apperr.New(apperr.KindAuthorization, "UNAUTHENTICATED", "invalid or expired token")
)

// Claims is the bearer credential issued by the identity provider.
type Claims struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Service verifies bearer tokens. Identity exchange happens upstream; this
// service only trusts tokens signed with the shared secret.
type Service struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewService creates an auth service.
func NewService(secret []byte, issuer string, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		secret: secret,
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("service", "auth").Logger(),
	}
}

// Authenticate validates a raw bearer token and returns the actor it names.
func (s *Service) Authenticate(token string) (domainUser.Actor, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return domainUser.Actor{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.logger.Debug().Msg("expired token rejected")
		}
		return domainUser.Actor{}, apperr.Wrap(ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return domainUser.Actor{}, apperr.Wrap(ErrInvalidToken, fmt.Errorf("subject is not a user id"))
	}
	role := domainUser.RoleUser
	if claims.Role != "" {
		role = domainUser.NormalizeRole(claims.Role)
	}
	actor := domainUser.Actor{
		UserID: id,
		Name:   strings.TrimSpace(claims.Name),
		Email:  strings.TrimSpace(claims.Email),
		Role:   role,
	}
	if err := domainUser.ValidateActor(actor); err != nil {
		return domainUser.Actor{}, apperr.Wrap(ErrInvalidToken, err)
	}
	return actor, nil
}

// IssueToken signs a token for actor. Used by tests and local tooling.
func (s *Service) IssueToken(actor domainUser.Actor) (string, error) {
	now := s.now()
	claims := Claims{
		Name:  actor.Name,
		Email: actor.Email,
		Role:  string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID.String(),
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
