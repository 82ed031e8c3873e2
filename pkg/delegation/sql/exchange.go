// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"context"
	"slices"
	"time"

	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/auth/tokenexchange"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/networking"
)

const (
	defaultRequiredClaim = "legacy_name"
	defaultRolesClaim    = "roles"
)

// TokenExchangeSettings makes the module derive the database identity from
// a token exchanged for the caller instead of the session's legacy username.
type TokenExchangeSettings struct {
	TokenEndpoint string   `mapstructure:"token_endpoint"`
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	Audience      string   `mapstructure:"audience"`
	Scope         []string `mapstructure:"scope"`
	Resource      string   `mapstructure:"resource"`
	// RequiredClaim names the exchanged-token claim holding the database
	// identity. Defaults to "legacy_name".
	RequiredClaim string `mapstructure:"required_claim"`
	// RolesClaim names the exchanged-token claim holding the database roles.
	// Defaults to "roles".
	RolesClaim string `mapstructure:"roles_claim"`
	// AllowedRoles, when set, requires one of these roles in RolesClaim.
	AllowedRoles  []string `mapstructure:"allowed_roles"`
	AllowInsecure bool     `mapstructure:"allow_insecure"`
	// Cache stores exchanged tokens in the session cache.
	Cache bool `mapstructure:"cache"`
}

func (te *TokenExchangeSettings) applyDefaults() {
	if te.RequiredClaim == "" {
		te.RequiredClaim = defaultRequiredClaim
	}
	if te.RolesClaim == "" {
		te.RolesClaim = defaultRolesClaim
	}
}

func (te *TokenExchangeSettings) validate() error {
	if err := networking.ValidateEndpointURL(te.TokenEndpoint, te.AllowInsecure); err != nil {
		return err
	}
	if te.ClientID == "" || te.ClientSecret == "" {
		return apperrors.Newf(apperrors.CodeMissingClientCredentials,
			"token exchange for the sql module requires client_id and client_secret")
	}
	if te.Audience == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "token exchange for the sql module requires an audience")
	}
	return nil
}

// backendIdentity is the database identity a call runs as.
type backendIdentity struct {
	name  string
	roles []string
	// exchanged is set when the identity came from an exchanged token.
	exchanged bool
}

// identityError carries the audit reason of a failed identity resolution.
type identityError struct {
	reason string
	err    error
}

func (e *identityError) Error() string { return e.err.Error() }
func (e *identityError) Unwrap() error { return e.err }

// resolveIdentity returns the session's legacy username, or, with token
// exchange configured, the identity and roles carried by the exchanged token.
func (m *Module) resolveIdentity(
	ctx context.Context, sess *session.UserSession, svc *delegation.Services,
) (*backendIdentity, error) {
	te := m.settings.TokenExchange
	if te == nil {
		if sess == nil {
			return &backendIdentity{}, nil
		}
		return &backendIdentity{name: sess.LegacyUsername}, nil
	}
	if sess == nil || sess.Token == "" {
		return nil, &identityError{reason: "credentials_unavailable",
			err: apperrors.Newf(apperrors.CodeMissingClaim, "token exchange requires the caller's token")}
	}
	if svc == nil || svc.TokenExchange == nil {
		return nil, &identityError{reason: "token_exchange_unavailable",
			err: apperrors.Newf(apperrors.CodeRequestFailed, "no token exchange service available")}
	}

	token, err := m.exchangedToken(ctx, sess, svc)
	if err != nil {
		return nil, &identityError{reason: "token_exchange_failed", err: err}
	}
	claims := tokenexchange.DecodeClaims(token)
	if claims == nil {
		return nil, &identityError{reason: "invalid_exchanged_token",
			err: apperrors.Newf(apperrors.CodeRequestFailed, "exchanged token is not a JWT")}
	}

	name, _ := claims[te.RequiredClaim].(string)
	if name == "" {
		return nil, &identityError{reason: apperrors.CodeMissingClaim,
			err: apperrors.Newf(apperrors.CodeMissingClaim, "exchanged token has no %q claim", te.RequiredClaim)}
	}
	id := &backendIdentity{name: name, roles: stringList(claims[te.RolesClaim]), exchanged: true}

	if len(te.AllowedRoles) > 0 && !slices.ContainsFunc(id.roles, func(r string) bool {
		return slices.Contains(te.AllowedRoles, r)
	}) {
		return nil, &identityError{reason: "role_not_allowed",
			err: apperrors.Newf(apperrors.CodeSessionRejected, "exchanged token carries no role allowed by module %s", m.name)}
	}
	return id, nil
}

func (m *Module) exchangedToken(ctx context.Context, sess *session.UserSession, svc *delegation.Services) (string, error) {
	te := m.settings.TokenExchange
	entryKey := "sql\x00" + m.name + "\x00" + te.Audience
	useCache := te.Cache && svc.Cache.Enabled() && svc.SessionKey != ""

	if useCache {
		if token, ok := svc.Cache.Get(ctx, svc.SessionKey, entryKey, sess.Token); ok {
			return token, nil
		}
	}

	res, err := svc.TokenExchange.Exchange(ctx, tokenexchange.Request{
		SubjectToken:  sess.Token,
		Audience:      te.Audience,
		TokenEndpoint: te.TokenEndpoint,
		ClientID:      te.ClientID,
		ClientSecret:  te.ClientSecret,
		Resource:      te.Resource,
		Scope:         te.Scope,
		UserID:        sess.UserID,
	})
	if err != nil {
		return "", err
	}
	if res == nil || !res.Success || res.AccessToken == "" {
		return "", apperrors.Newf(apperrors.CodeRequestFailed, "token exchange returned no access token")
	}

	if useCache {
		if err := svc.Cache.Set(svc.SessionKey, entryKey, res.AccessToken, sess.Token, res.ExpiresAt(time.Now())); err != nil {
			logger.Debugw("failed to cache exchanged token", "module", m.name, "error", err)
		}
	}
	return res.AccessToken, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return slices.Clone(ss)
		}
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
