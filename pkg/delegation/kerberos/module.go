// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kerberos implements constrained delegation with protocol
// transition. S4U2Self obtains a ticket as the session's principal and
// S4U2Proxy turns it into a ticket to an allow-listed backend service.
package kerberos

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/sessionstore"
)

// ModuleType is the type name of Kerberos modules.
const ModuleType = "kerberos"

// Actions understood by the module.
const (
	ActionS4U2Self  = "s4u2self"
	ActionS4U2Proxy = "s4u2proxy"
)

var (
	// ErrDelegationTargetNotAllowed is returned when S4U2Proxy is requested
	// for a service that is not in the allow-list.
	ErrDelegationTargetNotAllowed = errors.New("delegation target not allowed")
	// ErrInvalidPrincipal is returned when the session has no usable principal.
	ErrInvalidPrincipal = errors.New("invalid kerberos principal")
	// ErrUnknownAction is returned for actions the module does not implement.
	ErrUnknownAction = errors.New("unknown kerberos action")
	// ErrNotInitialized is returned when the module is used before Initialize.
	ErrNotInitialized = errors.New("kerberos module not initialized")
)

var principalPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{0,255}$`)

// Settings configures a Kerberos module.
type Settings struct {
	Realm            string `mapstructure:"realm"`
	KDC              string `mapstructure:"kdc"`
	ServicePrincipal string `mapstructure:"service_principal"`
	Keytab           string `mapstructure:"keytab"`
	Krb5Conf         string `mapstructure:"krb5_conf"`
	// AllowedDelegationTargets lists the SPNs S4U2Proxy may request.
	AllowedDelegationTargets []string          `mapstructure:"allowed_delegation_targets"`
	AllowedRoles             []string          `mapstructure:"allowed_roles"`
	TicketCache              TicketCacheConfig `mapstructure:"ticket_cache"`
}

func (s *Settings) validate(hasKDC bool) error {
	if s.Realm == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "kerberos module requires a realm")
	}
	if !hasKDC && (s.ServicePrincipal == "" || s.Keytab == "") {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "kerberos module requires a service principal and keytab")
	}
	if !hasKDC && s.KDC == "" && s.Krb5Conf == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "kerberos module requires a kdc or krb5_conf")
	}
	for _, spn := range s.AllowedDelegationTargets {
		if spn == "" || strings.ContainsAny(spn, " \t") {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "invalid delegation target %q", spn)
		}
	}
	tc := s.TicketCache
	if tc.TTL < 0 || tc.RenewalThreshold < 0 || tc.MaxEntriesPerSession < 0 ||
		tc.MaxTotalEntries < 0 || tc.SessionTimeout < 0 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "kerberos ticket cache limits must not be negative")
	}
	return nil
}

// Module is the Kerberos delegation module.
type Module struct {
	name      string
	settings  Settings
	kdc       KDC
	cache     *TicketCache
	cacheOpts []TicketCacheOption
}

var _ delegation.ContextualModule = (*Module)(nil)

// Option configures a Module.
type Option func(*Module)

// WithKDC replaces the gokrb5 client built from the settings.
func WithKDC(kdc KDC) Option {
	return func(m *Module) { m.kdc = kdc }
}

// WithTicketCacheOptions passes options to the ticket cache.
func WithTicketCacheOptions(opts ...TicketCacheOption) Option {
	return func(m *Module) { m.cacheOpts = append(m.cacheOpts, opts...) }
}

// New creates a Kerberos module registered under name.
func New(name string, opts ...Option) *Module {
	m := &Module{name: name}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Type implements delegation.Module.
func (*Module) Type() string { return ModuleType }

// Initialize decodes settings, loads the keytab and creates the ticket cache.
// The KDC is first contacted on demand.
func (m *Module) Initialize(_ context.Context, settings map[string]any) error {
	var s Settings
	if err := delegation.DecodeSettings(settings, &s); err != nil {
		return err
	}
	if err := s.validate(m.kdc != nil); err != nil {
		return err
	}
	if m.kdc == nil {
		kdc, err := NewClient(ClientConfig{
			Realm:            s.Realm,
			KDC:              s.KDC,
			ServicePrincipal: s.ServicePrincipal,
			Keytab:           s.Keytab,
			Krb5Conf:         s.Krb5Conf,
		})
		if err != nil {
			return apperrors.New(apperrors.CodeInvalidConfig, "failed to create kerberos client", err)
		}
		m.kdc = kdc
	}
	m.settings = s
	m.cache = NewTicketCache(s.TicketCache, m.cacheOpts...)

	logger.Infow("initialized kerberos module",
		"module", m.name, "realm", s.Realm, "targets", len(s.AllowedDelegationTargets), "ticket_cache", m.cache.Enabled())
	return nil
}

// ValidateAccess requires a principal and, when configured, an allowed
// primary role.
func (m *Module) ValidateAccess(_ context.Context, sess *session.UserSession) bool {
	if sess == nil || principalOf(sess) == "" {
		return false
	}
	return len(m.settings.AllowedRoles) == 0 || slices.Contains(m.settings.AllowedRoles, sess.Role)
}

// Delegate implements delegation.Module.
func (m *Module) Delegate(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any,
) *delegation.Result {
	return m.DelegateWithContext(ctx, sess, action, params, nil)
}

type request struct {
	TargetSPN string `mapstructure:"target_spn"`
}

// DelegateWithContext implements delegation.ContextualModule. Tickets are
// cached under the request's cache session when one is active.
func (m *Module) DelegateWithContext(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any, svc *delegation.Services,
) *delegation.Result {
	var userID string
	if sess != nil {
		userID = sess.UserID
	}
	user := principalOf(sess)
	entry := audit.NewEntry(audit.SourceKerberos, action, userID).
		WithMetadata("principal", user).
		WithMetadata("realm", m.settings.Realm)

	if m.kdc == nil {
		return delegation.Failed(entry, ErrNotInitialized)
	}
	user, err := m.localPrincipal(user)
	if err != nil {
		return delegation.Failed(entry.WithReason("invalid_principal"), err)
	}
	entry.WithMetadata("principal", user)
	partition := partitionOf(sess, svc)

	switch action {
	case ActionS4U2Self:
		t, cached, err := m.selfTicket(ctx, partition, user)
		if err != nil {
			return delegation.Failed(entry, err)
		}
		entry.WithMetadata("cached", cached)
		return delegation.Succeeded(entry, infoOf(t, cached))

	case ActionS4U2Proxy:
		var req request
		if err := delegation.DecodeParams(params, &req); err != nil {
			return delegation.Failed(entry.WithReason("invalid_request"), err)
		}
		entry.WithMetadata("target_spn", req.TargetSPN)
		if req.TargetSPN == "" {
			return delegation.Failed(entry.WithReason("invalid_request"), fmt.Errorf("s4u2proxy requires a target_spn parameter"))
		}
		if !m.targetAllowed(req.TargetSPN) {
			logger.Warnw("refused delegation to unlisted target", "module", m.name, "user_id", userID, "target_spn", req.TargetSPN)
			return delegation.Failed(entry.WithReason("target_not_allowed"),
				fmt.Errorf("%w: %s", ErrDelegationTargetNotAllowed, req.TargetSPN))
		}
		t, cached, err := m.proxyTicket(ctx, partition, user, req.TargetSPN)
		if err != nil {
			return delegation.Failed(entry, err)
		}
		entry.WithMetadata("cached", cached)
		return delegation.Succeeded(entry, infoOf(t, cached))

	default:
		return delegation.Failed(entry.WithReason("unknown_action"), fmt.Errorf("%w: %q", ErrUnknownAction, action))
	}
}

func (m *Module) targetAllowed(spn string) bool {
	return slices.ContainsFunc(m.settings.AllowedDelegationTargets, func(allowed string) bool {
		return strings.EqualFold(allowed, spn)
	})
}

func (m *Module) selfTicket(ctx context.Context, partition, user string) (*Ticket, bool, error) {
	key := "s4u2self\x00" + user
	fetch := func(ctx context.Context) (*Ticket, error) {
		return m.kdc.S4U2Self(ctx, user)
	}
	return m.cached(ctx, partition, key, fetch)
}

func (m *Module) proxyTicket(ctx context.Context, partition, user, spn string) (*Ticket, bool, error) {
	key := "s4u2proxy\x00" + user + "\x00" + strings.ToLower(spn)
	fetch := func(ctx context.Context) (*Ticket, error) {
		self, _, err := m.selfTicket(ctx, partition, user)
		if err != nil {
			return nil, err
		}
		return m.kdc.S4U2Proxy(ctx, self, spn)
	}
	return m.cached(ctx, partition, key, fetch)
}

// cached serves key from the ticket cache, scheduling a background renewal
// when the ticket is close to expiry, and falls back to fetch on a miss.
func (m *Module) cached(
	ctx context.Context, partition, key string, fetch func(context.Context) (*Ticket, error),
) (*Ticket, bool, error) {
	if t, renew, ok := m.cache.Get(partition, key); ok {
		if renew {
			m.cache.Renew(partition, key, fetch)
		}
		return t, true, nil
	}
	t, err := fetch(ctx)
	if err != nil {
		return nil, false, apperrors.New(apperrors.CodeBackendUnavailable, "kerberos ticket request failed", err)
	}
	m.cache.Put(partition, key, t)
	return t, false, nil
}

// HealthCheck reports whether a TGT can currently be obtained.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.kdc == nil {
		return false
	}
	if err := m.kdc.Check(ctx); err != nil {
		logger.Warnw("kerberos health check failed", "module", m.name, "error", err)
		return false
	}
	return true
}

// Destroy stops background renewals and closes the KDC client.
func (m *Module) Destroy(context.Context) error {
	m.cache.Close()
	if m.kdc != nil {
		m.kdc.Close()
	}
	return nil
}

// TicketCacheMetrics returns the ticket cache counters.
func (m *Module) TicketCacheMetrics() sessionstore.Metrics {
	return m.cache.Metrics()
}

func principalOf(sess *session.UserSession) string {
	if sess == nil {
		return ""
	}
	if sess.LegacyUsername != "" {
		return sess.LegacyUsername
	}
	return sess.Username
}

// localPrincipal strips a suffix naming the module realm, so "alice" and
// "alice@CORP.EXAMPLE" are the same user. Other realms are refused.
func (m *Module) localPrincipal(principal string) (string, error) {
	user := principal
	if i := strings.LastIndex(principal, "@"); i >= 0 {
		if !strings.EqualFold(principal[i+1:], m.settings.Realm) {
			return "", fmt.Errorf("%w: %q is outside realm %s", ErrInvalidPrincipal, principal, m.settings.Realm)
		}
		user = principal[:i]
	}
	if !principalPattern.MatchString(user) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	return user, nil
}

func partitionOf(sess *session.UserSession, svc *delegation.Services) string {
	if svc != nil && svc.SessionKey != "" {
		return svc.SessionKey
	}
	return "user\x00" + sess.UserID
}
