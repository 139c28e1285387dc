package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/narvanalabs/hubfleet/internal/clock"
)

func genSubject() gopter.Gen {
	return gen.Identifier().SuchThat(func(s string) bool {
		return len(s) > 0 && len(s) <= 255
	})
}

func genJWTSecret() gopter.Gen {
	return gen.SliceOfN(32, gen.UInt8()).Map(func(bytes []uint8) []byte {
		result := make([]byte, len(bytes))
		copy(result, bytes)
		return result
	})
}

func genRole() gopter.Gen {
	return gen.OneConstOf(RoleAdmin, RoleOperator, RoleViewer)
}

func newTestService(secret []byte, clk clock.Clock) *Service {
	return NewService(&Config{
		JWTSecret:       secret,
		TokenExpiry:     time.Hour,
		NodeTokenExpiry: 30 * 24 * time.Hour,
	}, clk, nil)
}

func TestOperatorTokenRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("operator token round-trip preserves identity and role", prop.ForAll(
		func(subject string, role Role, secret []byte) bool {
			svc := newTestService(secret, nil)

			token, err := svc.GenerateToken(subject, role)
			if err != nil {
				return false
			}
			claims, err := svc.ValidateToken(token)
			if err != nil {
				return false
			}
			return claims.Subject == subject && claims.Kind == KindOperator && claims.Role == role
		},
		genSubject(),
		genRole(),
		genJWTSecret(),
	))

	properties.Property("node token carries the node id and no role", prop.ForAll(
		func(nodeID string, secret []byte) bool {
			svc := newTestService(secret, nil)

			token, err := svc.IssueNodeToken(nodeID)
			if err != nil {
				return false
			}
			claims, err := svc.ValidateToken(token)
			if err != nil {
				return false
			}
			return claims.Subject == nodeID && claims.Kind == KindNode && claims.Role == ""
		},
		genSubject(),
		genJWTSecret(),
	))

	properties.Property("tokens signed with another secret are rejected", prop.ForAll(
		func(subject string, a, b []byte) bool {
			token, err := newTestService(a, nil).GenerateToken(subject, RoleViewer)
			if err != nil {
				return false
			}
			_, err = newTestService(b, nil).ValidateToken(token)
			if string(a) == string(b) {
				return err == nil
			}
			return errors.Is(err, ErrInvalidSignature)
		},
		genSubject(),
		genJWTSecret(),
		genJWTSecret(),
	))

	properties.TestingRun(t)
}

func TestTokenExpiry(t *testing.T) {
	clk := clock.Fake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	svc := newTestService([]byte("0123456789abcdef0123456789abcdef"), clk)

	op, _ := svc.GenerateToken("alice", RoleOperator)
	node, _ := svc.IssueNodeToken("node-1")

	clk.Advance(2 * time.Hour)
	if _, err := svc.ValidateToken(op); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("operator token after expiry: %v", err)
	}
	if _, err := svc.ValidateToken(node); err != nil {
		t.Errorf("node token expired early: %v", err)
	}
}

func TestGenerateTokenRejects(t *testing.T) {
	svc := newTestService([]byte("0123456789abcdef0123456789abcdef"), nil)
	if _, err := svc.GenerateToken("", RoleAdmin); !errors.Is(err, ErrMissingClaims) {
		t.Errorf("empty subject: %v", err)
	}
	if _, err := svc.GenerateToken("bob", "root"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("unknown role: %v", err)
	}
	if _, err := svc.IssueNodeToken(""); !errors.Is(err, ErrMissingClaims) {
		t.Errorf("empty node id: %v", err)
	}
	if _, err := svc.ValidateToken("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage token: %v", err)
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractBearerToken(tt.header); got != tt.want {
			t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
