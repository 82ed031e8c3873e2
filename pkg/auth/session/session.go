// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session builds the per-request authorization context from validated
// claims and a role resolution.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/stacklok/delegator/pkg/auth/jwt"
	"github.com/stacklok/delegator/pkg/auth/roles"
	"github.com/stacklok/delegator/pkg/errors"
)

// UserSession is the authorization context for one request. It is built once
// and must not be modified afterwards.
type UserSession struct {
	// UserID is the stable user identifier.
	UserID string
	// Username is the human-readable login name.
	Username string
	// LegacyUsername is the backend identity used for impersonation, if any.
	LegacyUsername string
	// Role is the primary role used for access decisions.
	Role string
	// SecondaryRoles are informational.
	SecondaryRoles []string
	// RoleDefaulted is set when no role bucket matched and Role is the
	// mapping's default role.
	RoleDefaulted bool
	// Scopes are the token scopes.
	Scopes []string
	// Permissions are derived from the primary role.
	Permissions []string
	// Issuer is the issuer the token was validated against.
	Issuer string
	// ExpiresAt is the token expiry.
	ExpiresAt time.Time
	// Claims is the raw claim bag.
	Claims map[string]any
	// Token is the original bearer token. Redacted in String and MarshalJSON.
	Token string
}

// String returns a representation with the token redacted.
func (s *UserSession) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserSession{UserID:%q, Role:%q}", s.UserID, s.Role)
}

// MarshalJSON redacts the token and omits the raw claims.
func (s *UserSession) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}

	type safeSession struct {
		UserID         string    `json:"userId"`
		Username       string    `json:"username,omitempty"`
		LegacyUsername string    `json:"legacyUsername,omitempty"`
		Role           string    `json:"role"`
		SecondaryRoles []string  `json:"secondaryRoles"`
		RoleDefaulted  bool      `json:"roleDefaulted,omitempty"`
		Scopes         []string  `json:"scopes,omitempty"`
		Permissions    []string  `json:"permissions,omitempty"`
		Issuer         string    `json:"issuer,omitempty"`
		ExpiresAt      time.Time `json:"expiresAt"`
		Token          string    `json:"token"`
	}

	token := s.Token
	if token != "" {
		token = "REDACTED"
	}

	return json.Marshal(&safeSession{
		UserID:         s.UserID,
		Username:       s.Username,
		LegacyUsername: s.LegacyUsername,
		Role:           s.Role,
		SecondaryRoles: s.SecondaryRoles,
		RoleDefaulted:  s.RoleDefaulted,
		Scopes:         s.Scopes,
		Permissions:    s.Permissions,
		Issuer:         s.Issuer,
		ExpiresAt:      s.ExpiresAt,
		Token:          token,
	})
}

// HasScope reports whether the session carries scope.
func (s *UserSession) HasScope(scope string) bool {
	return s != nil && slices.Contains(s.Scopes, scope)
}

// Config configures a Manager.
type Config struct {
	// RequireLegacyUsername fails Build when the legacy identity is missing.
	RequireLegacyUsername bool `json:"require_legacy_username,omitempty" yaml:"require_legacy_username,omitempty" mapstructure:"require_legacy_username"`
	// RejectedRoles are primary roles that never reach delegation.
	// Defaults to {"unassigned"}.
	RejectedRoles []string `json:"rejected_roles,omitempty" yaml:"rejected_roles,omitempty" mapstructure:"rejected_roles"`
	// AllowDefaultRole lets sessions whose role came from the mapping's
	// default reach delegation. Such users are authenticated but unauthorized
	// unless this is set.
	AllowDefaultRole bool `json:"allow_default_role,omitempty" yaml:"allow_default_role,omitempty" mapstructure:"allow_default_role"`
	// Permissions maps a primary role to its permissions.
	Permissions map[string][]string `json:"permissions,omitempty" yaml:"permissions,omitempty" mapstructure:"permissions"`
}

// Manager builds sessions and classifies them.
type Manager struct {
	requireLegacy bool
	allowDefault  bool
	rejected      []string
	permissions   map[string][]string
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	rejected := cfg.RejectedRoles
	if len(rejected) == 0 {
		rejected = []string{roles.UnassignedRole}
	}
	return &Manager{
		requireLegacy: cfg.RequireLegacyUsername,
		allowDefault:  cfg.AllowDefaultRole,
		rejected:      slices.Clone(rejected),
		permissions:   cfg.Permissions,
	}
}

// Build creates the session for claims and res. It fails only when a
// mandatory identity claim is missing; a missing role yields a session with
// the resolution's default role, which IsRejected then refuses.
func (m *Manager) Build(claims *jwt.ValidatedClaims, res roles.Resolution) (*UserSession, error) {
	if claims == nil {
		return nil, errors.Newf(errors.CodeMissingClaim, "no claims to build a session from")
	}
	if claims.UserID == "" {
		return nil, errors.Newf(errors.CodeMissingClaim, "session requires a user id")
	}
	if m.requireLegacy && claims.LegacyUsername == "" {
		return nil, errors.Newf(errors.CodeMissingClaim, "session requires a legacy username")
	}

	s := &UserSession{
		UserID:         claims.UserID,
		Username:       claims.Username,
		LegacyUsername: claims.LegacyUsername,
		Role:           res.Primary,
		SecondaryRoles: slices.Clone(res.Secondary),
		RoleDefaulted:  !res.Matched,
		Scopes:         slices.Clone(claims.Scopes),
		Issuer:         claims.Issuer,
		ExpiresAt:      claims.ExpiresAt,
		Claims:         claims.Raw,
		Token:          claims.Token,
	}
	if s.SecondaryRoles == nil {
		s.SecondaryRoles = []string{}
	}
	if perms, ok := m.permissions[s.Role]; ok {
		s.Permissions = slices.Clone(perms)
	}
	return s, nil
}

// IsRejected reports whether s must be refused before any delegation. A
// session holding only the default role is rejected unless AllowDefaultRole
// was configured.
func (m *Manager) IsRejected(s *UserSession) bool {
	if s == nil || s.Role == "" {
		return true
	}
	if s.RoleDefaulted && !m.allowDefault {
		return true
	}
	return slices.Contains(m.rejected, s.Role)
}

var defaultManager = NewManager(Config{})

// IsRejected applies the default rejection rules.
func IsRejected(s *UserSession) bool {
	return defaultManager.IsRejected(s)
}

type sessionContextKey struct{}

// WithSession stores s in ctx. A nil session returns ctx unchanged.
func WithSession(ctx context.Context, s *UserSession) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// FromContext returns the session stored in ctx.
func FromContext(ctx context.Context) (*UserSession, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*UserSession)
	return s, ok
}
