package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sign(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func claimsFor(sub string, exp time.Time) Claims {
	return Claims{
		Roles: []string{"Viewer"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "issuer-hs",
			Audience:  jwt.ClaimStrings{"reportgate"},
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
}

func TestVerifyHS256Token(t *testing.T) {
	t.Parallel()

	cfg := MiddlewareConfig{Issuer: "issuer-hs", Audience: "reportgate", Now: func() time.Time { return testNow }}
	valid := claimsFor("user-1", testNow.Add(time.Minute))

	cases := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{name: "valid", token: sign(t, "s3cret", jwt.SigningMethodHS256, valid), secret: "s3cret"},
		{name: "wrong secret", token: sign(t, "other", jwt.SigningMethodHS256, valid), secret: "s3cret", wantErr: true},
		{name: "hs512 rejected", token: sign(t, "s3cret", jwt.SigningMethodHS512, valid), secret: "s3cret", wantErr: true},
		{name: "expired", token: sign(t, "s3cret", jwt.SigningMethodHS256, claimsFor("user-1", testNow.Add(-time.Minute))), secret: "s3cret", wantErr: true},
		{name: "no subject", token: sign(t, "s3cret", jwt.SigningMethodHS256, claimsFor("", testNow.Add(time.Minute))), secret: "s3cret", wantErr: true},
		{name: "empty secret", token: "a.b.c", secret: "", wantErr: true},
		{name: "garbage", token: "not-a-token", secret: "s3cret", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			claims, err := VerifyHS256Token(tc.token, tc.secret, cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if claims.Subject != "user-1" || len(claims.Roles) != 1 {
				t.Fatalf("unexpected claims %+v", claims)
			}
		})
	}

	wrongAud := MiddlewareConfig{Audience: "elsewhere", Now: cfg.Now}
	if _, err := VerifyHS256Token(sign(t, "s3cret", jwt.SigningMethodHS256, valid), "s3cret", wrongAud); err == nil {
		t.Fatal("expected audience mismatch")
	}
	wrongIss := MiddlewareConfig{Issuer: "other", Now: cfg.Now}
	if _, err := VerifyHS256Token(sign(t, "s3cret", jwt.SigningMethodHS256, valid), "s3cret", wrongIss); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(p.Subject))
	})

	off, err := Middleware("", "")
	if err != nil {
		t.Fatalf("off mode: %v", err)
	}
	rr := httptest.NewRecorder()
	off(echo).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous principal, got %q", rr.Body.String())
	}

	mw, err := Middleware("oidc_hs256", "s3cret", WithClock(func() time.Time { return testNow }), WithAudience("reportgate"))
	if err != nil {
		t.Fatalf("hs256 mode: %v", err)
	}
	tok, err := SignHS256Token("s3cret", "user-2", []string{"viewer"}, time.Minute, testNow)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	mw(echo).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("token without audience must be rejected, got %d", rr.Code)
	}

	mw, _ = Middleware(ModeHS256, "s3cret", WithClock(func() time.Time { return testNow }))
	rr = httptest.NewRecorder()
	mw(echo).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "user-2" {
		t.Fatalf("expected user-2, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	mw(echo).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer must be 401, got %d", rr.Code)
	}
}

func TestMiddlewareConfigErrors(t *testing.T) {
	t.Parallel()

	if _, err := Middleware("rs256", "x"); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected ErrUnsupportedMode, got %v", err)
	}
	if _, err := Middleware(ModeHS256, ""); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestHasAnyRole(t *testing.T) {
	t.Parallel()

	p := Principal{Subject: "u", Roles: []string{" Admin "}}
	if !HasAnyRole(p) || !HasAnyRole(p, "viewer", "admin") || HasAnyRole(p, "viewer") {
		t.Fatal("unexpected role matching")
	}
}
