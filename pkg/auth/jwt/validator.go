// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwt validates inbound bearer tokens against a set of trusted issuers
// with RFC 8725 hardening: asymmetric algorithms only, strict issuer and
// audience checks, authorized-party binding and token age bounds.
package jwt

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/networking"
)

// ValidationContext carries request metadata into the audit trail.
type ValidationContext struct {
	RequestID string
	Source    string
}

// Validator validates tokens against the configured trusted issuers.
type Validator struct {
	issuers map[string][]*TrustedIssuer
	keys    KeySource
	sink    audit.Sink
	now     func() time.Time
}

// Option configures a Validator.
type Option func(*validatorOptions)

type validatorOptions struct {
	keys          KeySource
	sink          audit.Sink
	now           func() time.Time
	httpClient    *http.Client
	allowInsecure bool
	cooldown      time.Duration
}

// WithKeySource replaces the JWKS key source.
func WithKeySource(ks KeySource) Option {
	return func(o *validatorOptions) { o.keys = ks }
}

// WithAuditSink sets the sink validation entries are emitted to.
func WithAuditSink(s audit.Sink) Option {
	return func(o *validatorOptions) { o.sink = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *validatorOptions) { o.now = now }
}

// WithHTTPClient sets the client used for key-set fetches and discovery.
func WithHTTPClient(c *http.Client) Option {
	return func(o *validatorOptions) { o.httpClient = c }
}

// WithInsecureEndpoints permits http:// key-set URLs. Development only.
func WithInsecureEndpoints(allow bool) Option {
	return func(o *validatorOptions) { o.allowInsecure = allow }
}

// WithRefreshCooldown sets the minimum interval between forced key-set refreshes.
func WithRefreshCooldown(d time.Duration) Option {
	return func(o *validatorOptions) { o.cooldown = d }
}

// NewValidator creates a validator for issuers. Issuer configuration errors are
// returned as configuration errors.
func NewValidator(ctx context.Context, issuers []TrustedIssuer, opts ...Option) (*Validator, error) {
	o := &validatorOptions{}
	for _, opt := range opts {
		opt(o)
	}

	if len(issuers) == 0 {
		return nil, errors.Newf(errors.CodeInvalidConfig, "at least one trusted issuer is required")
	}

	v := &Validator{
		issuers: make(map[string][]*TrustedIssuer, len(issuers)),
		keys:    o.keys,
		sink:    o.sink,
		now:     o.now,
	}
	if v.sink == nil {
		v.sink = audit.NopSink{}
	}
	if v.now == nil {
		v.now = time.Now
	}

	for _, ti := range issuers {
		ti = ti.withDefaults()
		if err := ti.Validate(o.allowInsecure); err != nil {
			return nil, err
		}
		v.issuers[ti.Issuer] = append(v.issuers[ti.Issuer], &ti)
	}

	if v.keys == nil {
		client := o.httpClient
		if client == nil {
			var err error
			client, err = networking.NewHttpClientBuilder().WithInsecureHTTP(o.allowInsecure).Build()
			if err != nil {
				return nil, fmt.Errorf("failed to create HTTP client: %w", err)
			}
		}
		ks, err := NewJWKSKeySource(ctx, client, o.cooldown)
		if err != nil {
			return nil, err
		}
		v.keys = ks
	}

	return v, nil
}

// Validate verifies tokenString and returns its claims. The returned audit
// entry is never nil and has already been emitted to the configured sink.
func (v *Validator) Validate(
	ctx context.Context, tokenString string, vctx ValidationContext,
) (*ValidatedClaims, *audit.Entry, error) {
	entry := audit.NewEntry(audit.SourceValidator, "validate", "")
	if vctx.RequestID != "" {
		entry.WithMetadata("request_id", vctx.RequestID)
	}
	if vctx.Source != "" {
		entry.WithMetadata("source", vctx.Source)
	}

	claims, err := v.validate(ctx, tokenString, entry)
	if err != nil {
		entry.Failed(err).WithReason(errors.CodeOf(err))
		logger.Debugw("token validation failed", "reason", entry.Reason, "request_id", vctx.RequestID)
	} else {
		entry.UserID = claims.UserID
		entry.Succeeded()
	}
	audit.Emit(ctx, v.sink, entry)

	return claims, entry, err
}

func (v *Validator) validate(ctx context.Context, tokenString string, entry *audit.Entry) (*ValidatedClaims, error) {
	if err := checkSegments(tokenString); err != nil {
		return nil, err
	}

	issuer, err := v.selectIssuer(tokenString)
	if err != nil {
		return nil, err
	}
	entry.WithMetadata("issuer", issuer.Issuer)

	parser := gojwt.NewParser(
		gojwt.WithValidMethods(issuer.Algorithms),
		gojwt.WithIssuer(issuer.Issuer),
		gojwt.WithAudience(issuer.Audience),
		gojwt.WithLeeway(issuer.Security.ClockTolerance),
		gojwt.WithIssuedAt(),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(v.now),
	)

	mc := gojwt.MapClaims{}
	_, err = parser.ParseWithClaims(tokenString, mc, func(t *gojwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, issuer, kid)
	})
	if err != nil {
		return nil, mapParseError(err)
	}

	cs, err := newClaimSet(mc)
	if err != nil {
		return nil, errors.New(errors.CodeMalformedToken, "", err)
	}
	if err := v.checkHardening(issuer, mc); err != nil {
		return nil, err
	}
	return buildClaims(tokenString, issuer, mc, cs)
}

// checkSegments rejects anything that is not three non-empty base64url segments.
func checkSegments(token string) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return errors.Newf(errors.CodeMalformedToken, "token has %d segments, want 3", len(parts))
	}
	for i, p := range parts {
		if p == "" {
			return errors.Newf(errors.CodeMalformedToken, "token segment %d is empty", i)
		}
		if _, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p, "=")); err != nil {
			return errors.New(errors.CodeMalformedToken, fmt.Sprintf("token segment %d is not base64url", i), err)
		}
	}
	return nil
}

// selectIssuer reads iss and aud from the unverified payload to pick a policy.
func (v *Validator) selectIssuer(token string) (*TrustedIssuer, error) {
	unverified := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, unverified); err != nil {
		return nil, errors.New(errors.CodeMalformedToken, "failed to decode token", err)
	}

	iss, _ := unverified.GetIssuer()
	candidates := v.issuers[iss]
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.CodeUntrustedIssuer, "issuer %q is not trusted", iss)
	}

	aud, _ := unverified.GetAudience()
	for _, c := range candidates {
		if slices.Contains(aud, c.Audience) {
			return c, nil
		}
	}
	return candidates[0], nil
}

func mapParseError(err error) error {
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		return appErr
	}

	switch {
	case stderrors.Is(err, gojwt.ErrTokenMalformed):
		return errors.New(errors.CodeMalformedToken, "", err)
	case stderrors.Is(err, gojwt.ErrTokenSignatureInvalid), stderrors.Is(err, gojwt.ErrTokenUnverifiable):
		return errors.New(errors.CodeSignatureInvalid, "", err)
	case stderrors.Is(err, gojwt.ErrTokenInvalidIssuer):
		return errors.New(errors.CodeIssuerMismatch, "", err)
	case stderrors.Is(err, gojwt.ErrTokenInvalidAudience):
		return errors.New(errors.CodeAudienceMismatch, "", err)
	case stderrors.Is(err, gojwt.ErrTokenExpired):
		return errors.New(errors.CodeTokenExpired, "", err)
	case stderrors.Is(err, gojwt.ErrTokenNotValidYet), stderrors.Is(err, gojwt.ErrTokenUsedBeforeIssued):
		return errors.New(errors.CodeTokenNotYetValid, "", err)
	case stderrors.Is(err, gojwt.ErrTokenRequiredClaimMissing):
		return errors.New(errors.CodeMissingClaim, "exp", err)
	default:
		return errors.New(errors.CodeSignatureInvalid, "", err)
	}
}

func (v *Validator) checkHardening(issuer *TrustedIssuer, mc gojwt.MapClaims) error {
	if azp, ok := mc["azp"].(string); ok && azp != "" && azp != issuer.Audience {
		return errors.Newf(errors.CodeAzpMismatch, "azp %q does not match expected audience %q", azp, issuer.Audience)
	}

	if issuer.Security.RequireNbf {
		nbf, err := mc.GetNotBefore()
		if err != nil || nbf == nil {
			return errors.Newf(errors.CodeMissingNbf, "token has no nbf claim")
		}
	}

	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return errors.Newf(errors.CodeMissingClaim, "token has no iat claim")
	}
	if age := v.now().Sub(iat.Time); age > issuer.Security.MaxTokenAge {
		return errors.Newf(errors.CodeTokenTooOld, "token age %s exceeds %s", age.Truncate(time.Second), issuer.Security.MaxTokenAge)
	}
	return nil
}

func buildClaims(token string, issuer *TrustedIssuer, mc gojwt.MapClaims, cs *claimSet) (*ValidatedClaims, error) {
	out := &ValidatedClaims{
		Issuer:        issuer.Issuer,
		Raw:           map[string]any(mc),
		TrustedIssuer: issuer,
		Token:         token,
	}
	out.Subject, _ = mc.GetSubject()
	out.Audience, _ = mc.GetAudience()
	out.AuthorizedParty, _ = mc["azp"].(string)
	if t, _ := mc.GetIssuedAt(); t != nil {
		out.IssuedAt = t.Time
	}
	if t, _ := mc.GetExpirationTime(); t != nil {
		out.ExpiresAt = t.Time
	}
	if t, _ := mc.GetNotBefore(); t != nil {
		out.NotBefore = t.Time
	}

	m := issuer.Claims
	out.UserID = cs.str(m.UserID)
	if out.UserID == "" {
		return nil, errors.Newf(errors.CodeMissingClaim, "required claim %q (user id) is missing", m.UserID)
	}
	if m.LegacyUsername != "" {
		out.LegacyUsername = cs.str(m.LegacyUsername)
		if out.LegacyUsername == "" {
			return nil, errors.Newf(errors.CodeMissingClaim,
				"required claim %q (legacy username) is missing", m.LegacyUsername)
		}
	}
	out.Username = cs.str(m.Username)
	out.Roles = cs.list(m.Roles)
	out.Scopes = cs.list(m.Scopes)
	if len(out.Scopes) == 0 && m.Scopes == DefaultScopesClaim {
		out.Scopes = cs.list("scp")
	}
	return out, nil
}
