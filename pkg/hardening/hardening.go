// Package hardening rejects insecure settings in production-like
// environments.
package hardening

import (
	"errors"
	"fmt"
	"strings"
)

type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service               string
	Environment           string
	StrictProdSecurity    bool
	DatabaseRequireTLS    bool
	UsesDatabase          bool
	RedisAddr             string
	RedisRequireTLS       bool
	RedisTLSInsecure      bool
	RedisAllowInsecureTLS bool
	CORSAllowedOrigins    string
	RequiredSecrets       []EnvRequirement
}

func ValidateProduction(o Options) error {
	if !IsProductionLikeEnv(o.Environment) || !o.StrictProdSecurity {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	if o.UsesDatabase && !o.DatabaseRequireTLS {
		return fmt.Errorf("%s: strict production hardening requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !o.RedisRequireTLS {
			return fmt.Errorf("%s: strict production hardening requires REDIS_REQUIRE_TLS=true", service)
		}
		if o.RedisTLSInsecure || o.RedisAllowInsecureTLS {
			return fmt.Errorf("%s: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS", service)
		}
	}
	if err := validateCORSOrigins(o.CORSAllowedOrigins, service); err != nil {
		return err
	}
	for _, req := range o.RequiredSecrets {
		if strings.TrimSpace(req.Name) == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: strict production hardening requires %s", service, req.Name)
		}
	}
	return nil
}

// ValidateAuthOff allows AUTH_MODE=off only when explicitly requested in a
// development or test environment.
func ValidateAuthOff(environment string, allowInsecure bool) error {
	if !allowInsecure {
		return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
	}
	if IsProductionLikeEnv(environment) {
		return errors.New("AUTH_MODE=off is forbidden in production-like environments")
	}
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "development", "dev", "local", "test":
		return nil
	default:
		return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
	}
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: strict production hardening forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: strict production hardening forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: strict production hardening requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: strict production hardening requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func IsProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
