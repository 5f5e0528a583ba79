// Package auth turns an upgrade request into a verified identity.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned when a request carries no credentials.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

const (
	ModeQuery = "query"
	ModeJWT   = "jwt"
)

// Principal is the verified caller of a connection.
type Principal struct {
	Identity    string
	SessionID   string
	DisplayName string
}

// Authenticator verifies a websocket upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// New returns the authenticator for mode.
func New(mode, secret string) (Authenticator, error) {
	switch mode {
	case "", ModeQuery:
		return QueryAuthenticator{}, nil
	case ModeJWT:
		if strings.TrimSpace(secret) == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		return NewJWTAuthenticator(secret, 0), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// QueryAuthenticator trusts ?userId=&sessionId=&name=. It is meant for
// development and for deployments where a gateway has already verified the
// caller.
type QueryAuthenticator struct{}

// Authenticate implements Authenticator.
func (QueryAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	q := r.URL.Query()
	id := strings.TrimSpace(q.Get("userId"))
	if id == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{
		Identity:    id,
		SessionID:   strings.TrimSpace(q.Get("sessionId")),
		DisplayName: strings.TrimSpace(q.Get("name")),
	}, nil
}

// Claims are the token claims. The subject is the identity.
type Claims struct {
	SessionID string `json:"sid,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies HS256 tokens from ?token= or an Authorization
// bearer header.
type JWTAuthenticator struct {
	secret []byte
	expiry time.Duration
}

// NewJWTAuthenticator creates an authenticator. expiry only affects Issue.
func NewJWTAuthenticator(secret string, expiry time.Duration) *JWTAuthenticator {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTAuthenticator{secret: []byte(secret), expiry: expiry}
}

// Authenticate implements Authenticator.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Principal{}, ErrUnauthenticated
	}
	return a.Validate(raw)
}

// Validate parses and verifies a token.
func (a *JWTAuthenticator) Validate(token string) (Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrInvalidToken
	}
	return Principal{
		Identity:    claims.Subject,
		SessionID:   claims.SessionID,
		DisplayName: claims.Name,
	}, nil
}

// Issue signs a token for p. It backs the token subcommand and tests.
func (a *JWTAuthenticator) Issue(p Principal) (string, error) {
	if strings.TrimSpace(p.Identity) == "" {
		return "", errors.New("identity required")
	}
	now := time.Now()
	claims := Claims{
		SessionID: p.SessionID,
		Name:      p.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
