// Package auth verifies bearer tokens and carries the caller in the request
// context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Modes accepted by Middleware.
const (
	ModeOff   = "off"
	ModeHS256 = "hs256"
)

var ErrUnsupportedMode = errors.New("unsupported auth mode")

type Principal struct {
	Subject string
	Roles   []string
}

type contextKey string

const principalContextKey contextKey = "reportgate.principal"

type MiddlewareConfig struct {
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

func WithLeeway(d time.Duration) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Leeway = d
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Now = now
	}
}

// Claims is the token payload.
type Claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// NormalizeMode maps accepted spellings to a mode constant.
func NormalizeMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeOff:
		return ModeOff, nil
	case ModeHS256, "oidc_hs256":
		return ModeHS256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// Middleware authenticates requests. With mode off every request runs as an
// anonymous principal.
func Middleware(mode, secret string, options ...MiddlewareOption) (func(http.Handler) http.Handler, error) {
	mode, err := NormalizeMode(mode)
	if err != nil {
		return nil, err
	}
	cfg := MiddlewareConfig{Now: time.Now}
	for _, opt := range options {
		opt(&cfg)
	}
	if mode == ModeOff {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Subject: "anonymous", Roles: []string{"anonymous"}})))
			})
		}, nil
	}
	if secret == "" {
		return nil, errors.New("auth secret is required for hs256")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := VerifyHS256Token(strings.TrimSpace(header[len("Bearer "):]), secret, cfg)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Subject,
				Roles:   claims.Roles,
			})))
		})
	}, nil
}

// VerifyHS256Token parses token and checks its signature, expiry, issuer and
// audience. A subject is required.
func VerifyHS256Token(token, secret string, cfg MiddlewareConfig) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(cfg.Now))
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("verify token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, errors.New("subject required")
	}
	return claims, nil
}

// SignHS256Token issues a token for subject. Used by tooling and tests.
func SignHS256Token(secret, subject string, roles []string, ttl time.Duration, now time.Time) (string, error) {
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}
