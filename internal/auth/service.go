// Package auth issues and validates the tokens used by operators and hub agents.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/narvanalabs/hubfleet/internal/clock"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrWrongTokenKind   = errors.New("token is not valid for this endpoint")
)

// TokenKind separates operator tokens from node agent tokens.
type TokenKind string

const (
	KindOperator TokenKind = "operator"
	KindNode     TokenKind = "node"
)

// Claims represents the validated contents of a token.
type Claims struct {
	// Subject is the operator id, or the node id for node tokens.
	Subject string    `json:"sub"`
	Kind    TokenKind `json:"kind"`
	Role    Role      `json:"role,omitempty"`
	Exp     time.Time `json:"exp"`
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret       []byte
	TokenExpiry     time.Duration
	NodeTokenExpiry time.Duration
	Issuer          string
}

// Service signs and validates JWTs.
type Service struct {
	jwtSecret       []byte
	tokenExpiry     time.Duration
	nodeTokenExpiry time.Duration
	issuer          string
	clock           clock.Clock
	logger          *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, clk clock.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "hubfleet"
	}
	return &Service{
		jwtSecret:       cfg.JWTSecret,
		tokenExpiry:     cfg.TokenExpiry,
		nodeTokenExpiry: cfg.NodeTokenExpiry,
		issuer:          issuer,
		clock:           clk,
		logger:          logger,
	}
}

// GenerateToken creates an operator token with the given role.
func (s *Service) GenerateToken(subject string, role Role) (string, error) {
	if subject == "" {
		return "", ErrMissingClaims
	}
	if !role.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	return s.sign(subject, KindOperator, role, s.tokenExpiry)
}

// IssueNodeToken creates the token a hub agent uses on the agent API.
// Its subject is the node id.
func (s *Service) IssueNodeToken(nodeID string) (string, error) {
	if nodeID == "" {
		return "", ErrMissingClaims
	}
	return s.sign(nodeID, KindNode, "", s.nodeTokenExpiry)
}

func (s *Service) sign(subject string, kind TokenKind, role Role, ttl time.Duration) (string, error) {
	now := s.clock.Now()

	claims := jwt.MapClaims{
		"sub":  subject,
		"kind": string(kind),
		"iss":  s.issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
		"nbf":  now.Unix(),
	}
	if role != "" {
		claims["role"] = string(role)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signedToken, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signedToken, nil
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	subject, ok := mapClaims["sub"].(string)
	if !ok || subject == "" {
		return nil, ErrMissingClaims
	}
	kind, _ := mapClaims["kind"].(string)
	if TokenKind(kind) != KindOperator && TokenKind(kind) != KindNode {
		return nil, ErrMissingClaims
	}
	role, _ := mapClaims["role"].(string)
	if TokenKind(kind) == KindOperator && !Role(role).IsValid() {
		return nil, ErrMissingClaims
	}

	expFloat, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, ErrMissingClaims
	}

	return &Claims{
		Subject: subject,
		Kind:    TokenKind(kind),
		Role:    Role(role),
		Exp:     time.Unix(int64(expFloat), 0).UTC(),
	}, nil
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
