// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/delegator/pkg/auth/roles"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/networking"
)

// Security defaults applied when a bound is left at zero.
const (
	DefaultClockTolerance = 60 * time.Second
	DefaultMaxTokenAge    = time.Hour
)

// Default claim paths.
const (
	DefaultRolesClaim    = "roles"
	DefaultScopesClaim   = "scope"
	DefaultUserIDClaim   = "sub"
	DefaultUsernameClaim = "preferred_username"
)

// asymmetricAlgorithms are the only signature algorithms an issuer may allow.
var asymmetricAlgorithms = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// TrustedIssuer is one configured identity provider.
type TrustedIssuer struct {
	// Issuer is the expected "iss" value.
	Issuer string `json:"issuer" yaml:"issuer" mapstructure:"issuer"`
	// JWKSURL is the key-set location. When empty it is discovered from the
	// issuer's OpenID configuration.
	JWKSURL string `json:"jwks_url,omitempty" yaml:"jwks_url,omitempty" mapstructure:"jwks_url"`
	// Audience is the audience this service expects, and the required "azp" when present.
	Audience string `json:"audience" yaml:"audience" mapstructure:"audience"`
	// Algorithms restricts accepted "alg" values. Defaults to RS256.
	Algorithms []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty" mapstructure:"algorithms"`
	// Claims maps logical identity fields onto claim paths.
	Claims ClaimMappings `json:"claims,omitempty" yaml:"claims,omitempty" mapstructure:"claims"`
	// RoleMapping is the issuer's role table.
	RoleMapping *roles.Mapping `json:"role_mapping,omitempty" yaml:"role_mapping,omitempty" mapstructure:"role_mapping"`
	// Security holds the temporal bounds.
	Security SecurityBounds `json:"security,omitempty" yaml:"security,omitempty" mapstructure:"security"`
}

// ClaimMappings names the claim paths holding identity values. Paths may be
// dotted to reach into nested objects, e.g. "realm_access.roles".
type ClaimMappings struct {
	Roles    string `json:"roles,omitempty" yaml:"roles,omitempty" mapstructure:"roles"`
	Scopes   string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`
	UserID   string `json:"user_id,omitempty" yaml:"user_id,omitempty" mapstructure:"user_id"`
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	// LegacyUsername is the backend identity claim (e.g. a SAM account name).
	// When set, tokens without it are rejected.
	LegacyUsername string `json:"legacy_username,omitempty" yaml:"legacy_username,omitempty" mapstructure:"legacy_username"`
}

// SecurityBounds are the temporal checks applied on top of signature validation.
type SecurityBounds struct {
	ClockTolerance time.Duration `json:"clock_tolerance,omitempty" yaml:"clock_tolerance,omitempty" mapstructure:"clock_tolerance"`
	MaxTokenAge    time.Duration `json:"max_token_age,omitempty" yaml:"max_token_age,omitempty" mapstructure:"max_token_age"`
	RequireNbf     bool          `json:"require_nbf,omitempty" yaml:"require_nbf,omitempty" mapstructure:"require_nbf"`
}

// withDefaults returns a copy of ti with empty fields defaulted.
func (ti TrustedIssuer) withDefaults() TrustedIssuer {
	if len(ti.Algorithms) == 0 {
		ti.Algorithms = []string{"RS256"}
	}
	if ti.Claims.Roles == "" {
		ti.Claims.Roles = DefaultRolesClaim
	}
	if ti.Claims.Scopes == "" {
		ti.Claims.Scopes = DefaultScopesClaim
	}
	if ti.Claims.UserID == "" {
		ti.Claims.UserID = DefaultUserIDClaim
	}
	if ti.Claims.Username == "" {
		ti.Claims.Username = DefaultUsernameClaim
	}
	if ti.Security.ClockTolerance == 0 {
		ti.Security.ClockTolerance = DefaultClockTolerance
	}
	if ti.Security.MaxTokenAge == 0 {
		ti.Security.MaxTokenAge = DefaultMaxTokenAge
	}
	return ti
}

// Validate checks the issuer configuration. allowInsecure permits http://
// key-set and discovery URLs for development setups.
func (ti *TrustedIssuer) Validate(allowInsecure bool) error {
	if strings.TrimSpace(ti.Issuer) == "" {
		return errors.Newf(errors.CodeInvalidConfig, "trusted issuer has no issuer URL")
	}
	if ti.Audience == "" {
		return errors.Newf(errors.CodeInvalidConfig, "issuer %s has no audience", ti.Issuer)
	}
	for _, alg := range ti.Algorithms {
		if !slices.Contains(asymmetricAlgorithms, alg) {
			return errors.New(errors.CodeInsecureAlgorithm,
				fmt.Sprintf("issuer %s allows algorithm %q; only asymmetric algorithms are accepted", ti.Issuer, alg), nil)
		}
	}
	keyURL := ti.JWKSURL
	if keyURL == "" {
		keyURL = ti.Issuer
	}
	if err := networking.ValidateEndpointURL(keyURL, allowInsecure); err != nil {
		return fmt.Errorf("issuer %s: %w", ti.Issuer, err)
	}
	if ti.Security.ClockTolerance < 0 || ti.Security.MaxTokenAge < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "issuer %s has negative security bounds", ti.Issuer)
	}
	if ti.RoleMapping != nil {
		if err := roles.Validate(*ti.RoleMapping); err != nil {
			return fmt.Errorf("issuer %s: %w", ti.Issuer, err)
		}
	}
	return nil
}
