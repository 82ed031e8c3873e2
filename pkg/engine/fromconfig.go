// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/jwt"
	"github.com/stacklok/delegator/pkg/auth/roles"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/auth/tokenexchange"
	"github.com/stacklok/delegator/pkg/authz"
	"github.com/stacklok/delegator/pkg/cache"
	"github.com/stacklok/delegator/pkg/config"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/networking"
	"github.com/stacklok/delegator/pkg/secrets"
	"github.com/stacklok/delegator/pkg/telemetry"
)

// FromConfig validates cfg and builds every component it describes: the
// audit sink, JWT validator, token exchange service, token cache, telemetry
// providers, policy authorizer, registry and the configured modules, each
// initialized and registered. Secret references in module settings and the
// audit password are resolved first. Anything built before a failure is
// released again.
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Engine, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)

	// hooks are handed to the engine; on failure they run here instead.
	hooks := o.closers
	var (
		registry   *delegation.Registry
		tokenCache *cache.Cache
	)
	defer func() {
		if retErr == nil {
			return
		}
		if registry != nil {
			if err := registry.Destroy(ctx); err != nil {
				logger.Warnw("failed to destroy modules after startup failure", "error", err)
			}
		}
		tokenCache.Close()
		for i := len(hooks) - 1; i >= 0; i-- {
			if err := hooks[i](ctx); err != nil {
				logger.Warnw("failed to release component after startup failure", "error", err)
			}
		}
	}()

	if cfg.Development {
		logger.Warnw("development mode is enabled; plain HTTP endpoints are accepted")
	}

	resolver := o.secrets
	if resolver == nil {
		resolver = secrets.NewResolver(cfg.Secrets)
	}

	sink := o.sink
	if sink == nil {
		auditCfg := cfg.Audit
		password, err := resolver.Resolve(ctx, auditCfg.Redis.Password)
		if err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
		auditCfg.Redis.Password = password
		s, err := audit.NewSink(ctx, &auditCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit sink: %w", err)
		}
		if c, ok := s.(io.Closer); ok {
			hooks = append(hooks, func(context.Context) error { return c.Close() })
		}
		sink = s
	}

	for i := range cfg.Issuers {
		if m := cfg.Issuers[i].RoleMapping; m != nil {
			if _, err := roles.NewMapper(*m); err != nil {
				return nil, fmt.Errorf("issuers[%d]: %w", i, err)
			}
		}
	}

	validator := o.validator
	if validator == nil {
		client, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.JWKS.Timeout).
			WithCABundle(cfg.JWKS.CABundle).
			WithInsecureHTTP(cfg.Development).
			Build()
		if err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidConfig, "failed to create key-set HTTP client", err)
		}
		v, err := jwt.NewValidator(ctx, cfg.Issuers,
			jwt.WithAuditSink(sink),
			jwt.WithHTTPClient(client),
			jwt.WithInsecureEndpoints(cfg.Development),
			jwt.WithRefreshCooldown(cfg.JWKS.RefreshCooldown),
		)
		if err != nil {
			return nil, err
		}
		validator = v
	}

	teClient, err := networking.NewHttpClientBuilder().
		WithTimeout(cfg.TokenExchange.Timeout).
		WithCABundle(cfg.TokenExchange.CABundle).
		WithInsecureHTTP(cfg.Development).
		Build()
	if err != nil {
		return nil, apperrors.New(apperrors.CodeInvalidConfig, "failed to create token exchange HTTP client", err)
	}
	exchanger, err := tokenexchange.NewService(
		tokenexchange.WithHTTPClient(teClient),
		tokenexchange.WithAuditSink(sink),
		tokenexchange.WithInsecureEndpoints(cfg.Development),
	)
	if err != nil {
		return nil, err
	}

	tokenCache = o.cache
	if tokenCache == nil {
		tokenCache = cache.New(cfg.Cache, cache.WithAuditSink(sink))
	}

	provider, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	hooks = append(hooks, provider.Shutdown)

	sessions := o.sessions
	if sessions == nil {
		sessions = session.NewManager(cfg.Session)
	}

	registryOpts := []delegation.RegistryOption{
		delegation.WithAuditSink(sink),
		delegation.WithTokenExchange(exchanger),
		delegation.WithCache(tokenCache),
		delegation.WithRejectionPolicy(sessions.IsRejected),
		delegation.WithMeterProvider(provider.MeterProvider()),
		delegation.WithTracerProvider(provider.TracerProvider()),
	}
	if cfg.Authz.Enabled() {
		authorizer, err := authz.NewCedarAuthorizer(cfg.Authz)
		if err != nil {
			return nil, err
		}
		registryOpts = append(registryOpts, delegation.WithAuthorizer(authorizer))
		logger.Infow("authorization policies loaded", "policies", len(cfg.Authz.Policies))
	}
	if cfg.Telemetry.HealthCheckTimeout > 0 {
		registryOpts = append(registryOpts, delegation.WithHealthCheckTimeout(cfg.Telemetry.HealthCheckTimeout))
	}
	registry, err = delegation.NewRegistry(registryOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create delegation registry: %w", err)
	}

	for _, mc := range cfg.Modules.All() {
		factory, ok := o.factories[mc.Type]
		if !ok {
			return nil, apperrors.Newf(apperrors.CodeInvalidConfig, "module %s has unknown type %q", mc.Name, mc.Type)
		}
		settings, err := resolver.ResolveSettings(ctx, mc.Settings)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", mc.Name, err)
		}
		m := factory(mc.Name)
		if err := m.Initialize(ctx, settings); err != nil {
			// Release whatever the module opened before failing.
			if derr := m.Destroy(ctx); derr != nil {
				logger.Warnw("failed to release module after initialization error", "module", mc.Name, "error", derr)
			}
			return nil, fmt.Errorf("failed to initialize %s module %s: %w", mc.Type, mc.Name, err)
		}
		if err := registry.Register(m); err != nil {
			_ = m.Destroy(ctx)
			return nil, fmt.Errorf("failed to register module %s: %w", mc.Name, err)
		}
		logger.Infow("delegation module registered", "module", mc.Name, "type", mc.Type)
	}

	return New(validator, registry,
		WithSessionManager(sessions),
		WithCache(tokenCache),
		WithAuditSink(sink),
		withShutdownHooks(hooks),
	)
}

func withShutdownHooks(fns []func(context.Context) error) Option {
	return func(o *options) { o.closers = fns }
}
