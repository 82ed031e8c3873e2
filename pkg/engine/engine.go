// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package engine ties token validation, role resolution, session building and
// delegation together into the request pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/jwt"
	"github.com/stacklok/delegator/pkg/auth/roles"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/cache"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=engine.go TokenValidator

// TokenValidator verifies bearer tokens. *jwt.Validator implements it.
type TokenValidator interface {
	Validate(ctx context.Context, token string, vctx jwt.ValidationContext) (*jwt.ValidatedClaims, *audit.Entry, error)
}

var _ TokenValidator = (*jwt.Validator)(nil)

// Request is one delegated operation on behalf of the bearer of Token.
type Request struct {
	Token     string
	Module    string
	Action    string
	Params    map[string]any
	RequestID string
	Source    string
}

// Engine runs the authentication and delegation pipeline.
type Engine struct {
	validator TokenValidator
	registry  *delegation.Registry
	sessions  *session.Manager
	cache     *cache.Cache
	sink      audit.Sink
	log       *slog.Logger

	// mappers holds one compiled *roles.Mapper per *jwt.TrustedIssuer.
	mappers       sync.Map
	defaultMapper *roles.Mapper

	closeOnce sync.Once
	closeErr  error
	closers   []func(context.Context) error
}

// New creates an engine validating tokens with validator and delegating
// through registry.
func New(validator TokenValidator, registry *delegation.Registry, opts ...Option) (*Engine, error) {
	if validator == nil {
		return nil, fmt.Errorf("token validator is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("delegation registry is required")
	}
	o := newOptions(opts)

	defaultMapper, err := roles.NewMapper(roles.Mapping{})
	if err != nil {
		return nil, fmt.Errorf("failed to create default role mapper: %w", err)
	}

	e := &Engine{
		validator:     validator,
		registry:      registry,
		sessions:      o.sessions,
		cache:         o.cache,
		sink:          o.sink,
		defaultMapper: defaultMapper,
		closers:       o.closers,
		log:           logger.Component("engine"),
	}
	if e.sessions == nil {
		e.sessions = session.NewManager(session.Config{})
	}
	if e.sink == nil {
		e.sink = audit.NopSink{}
	}
	return e, nil
}

// Registry returns the delegation registry.
func (e *Engine) Registry() *delegation.Registry {
	return e.registry
}

// Authenticate validates token and builds the caller's session. The session
// may still be rejected; see Delegate.
func (e *Engine) Authenticate(ctx context.Context, token string, vctx jwt.ValidationContext) (*session.UserSession, error) {
	claims, _, err := e.validator.Validate(ctx, token, vctx)
	if err != nil {
		return nil, err
	}

	mapper, err := e.mapperFor(claims.TrustedIssuer)
	if err != nil {
		return nil, err
	}
	res := mapper.Resolve(claims.Roles, claims.Raw)

	sess, err := e.sessions.Build(claims, res)
	if err != nil {
		entry := audit.NewEntry(audit.SourceEngine, "authenticate", claims.UserID).Failed(err)
		entry.WithReason(apperrors.CodeOf(err))
		if vctx.RequestID != "" {
			entry.WithMetadata("request_id", vctx.RequestID)
		}
		audit.Emit(ctx, e.sink, entry)
		return nil, err
	}

	e.log.DebugContext(ctx, "session established",
		"user_id", sess.UserID, "role", sess.Role, "secondary_roles", sess.SecondaryRoles, "matched", res.Matched)
	return sess, nil
}

// Delegate authenticates req.Token and routes the operation to req.Module.
// Authentication failures and rejected sessions return an error and never
// reach a module; every other outcome is reported in the Result.
func (e *Engine) Delegate(ctx context.Context, req Request) (*delegation.Result, error) {
	sess, err := e.Authenticate(ctx, req.Token, jwt.ValidationContext{RequestID: req.RequestID, Source: req.Source})
	if err != nil {
		return nil, err
	}

	if e.sessions.IsRejected(sess) {
		err := apperrors.Newf(apperrors.CodeSessionRejected, "role %q may not delegate", sess.Role)
		entry := audit.NewEntry(audit.SourceEngine, "delegate", sess.UserID).
			Failed(err).
			WithReason(apperrors.CodeSessionRejected).
			WithMetadata("module", req.Module).
			WithMetadata("role", sess.Role)
		audit.Emit(ctx, e.sink, entry)
		return nil, err
	}

	// Activating an existing session refreshes its heartbeat.
	sessionKey := e.cache.ActivateSession(sess.Token, sess.UserID)

	ctx = session.WithSession(ctx, sess)
	res := e.registry.Delegate(ctx, req.Module, sess, req.Action, req.Params, sessionKey)
	if req.RequestID != "" && res.Audit != nil {
		res.Audit.WithMetadata("request_id", req.RequestID)
	}
	return res, nil
}

// Health reports the health of every registered module.
func (e *Engine) Health(ctx context.Context) map[string]bool {
	return e.registry.HealthCheck(ctx)
}

// CacheMetrics returns the token cache counters. A disabled cache reports zeros.
func (e *Engine) CacheMetrics() cache.Metrics {
	if !e.cache.Enabled() {
		return cache.Metrics{}
	}
	return e.cache.Metrics()
}

// Close destroys every module, clears the token cache and runs the registered
// shutdown hooks. It is safe to call more than once.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		var errs []error
		if err := e.registry.Destroy(ctx); err != nil {
			errs = append(errs, err)
		}
		e.cache.Close()
		for i := len(e.closers) - 1; i >= 0; i-- {
			if err := e.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}

func (e *Engine) mapperFor(ti *jwt.TrustedIssuer) (*roles.Mapper, error) {
	if ti == nil || ti.RoleMapping == nil {
		return e.defaultMapper, nil
	}
	if m, ok := e.mappers.Load(ti); ok {
		return m.(*roles.Mapper), nil
	}
	m, err := roles.NewMapper(*ti.RoleMapping)
	if err != nil {
		return nil, fmt.Errorf("issuer %s: %w", ti.Issuer, err)
	}
	actual, _ := e.mappers.LoadOrStore(ti, m)
	return actual.(*roles.Mapper), nil
}
