// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/cache"
	"github.com/stacklok/delegator/pkg/config"
	"github.com/stacklok/delegator/pkg/delegation"
	"github.com/stacklok/delegator/pkg/delegation/kerberos"
	"github.com/stacklok/delegator/pkg/delegation/rest"
	"github.com/stacklok/delegator/pkg/delegation/sql"
	"github.com/stacklok/delegator/pkg/secrets"
)

// ModuleFactory creates an uninitialized module instance named name.
type ModuleFactory func(name string) delegation.Module

// DefaultModuleFactories returns the factories for the built-in module types.
func DefaultModuleFactories() map[string]ModuleFactory {
	return map[string]ModuleFactory{
		config.ModuleTypeSQL:      func(name string) delegation.Module { return sql.New(name) },
		config.ModuleTypeKerberos: func(name string) delegation.Module { return kerberos.New(name) },
		config.ModuleTypeREST:     func(name string) delegation.Module { return rest.New(name) },
	}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	sessions  *session.Manager
	cache     *cache.Cache
	sink      audit.Sink
	validator TokenValidator
	factories map[string]ModuleFactory
	secrets   *secrets.Resolver
	closers   []func(context.Context) error
}

func newOptions(opts []Option) *options {
	o := &options{factories: DefaultModuleFactories()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithSessionManager sets the session manager. Defaults to one with the
// default requirements and rejection rules.
func WithSessionManager(m *session.Manager) Option {
	return func(o *options) { o.sessions = m }
}

// WithCache sets the token cache whose sessions are activated per request.
func WithCache(c *cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithAuditSink sets the sink for engine entries. FromConfig also hands it to
// every component instead of building one from the audit configuration.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithValidator makes FromConfig use v instead of building a JWT validator.
func WithValidator(v TokenValidator) Option {
	return func(o *options) { o.validator = v }
}

// WithSecretResolver makes FromConfig resolve secret references with r
// instead of the environment and OS keyring resolver.
func WithSecretResolver(r *secrets.Resolver) Option {
	return func(o *options) { o.secrets = r }
}

// WithModuleFactory registers or replaces the factory for moduleType.
func WithModuleFactory(moduleType string, f ModuleFactory) Option {
	return func(o *options) { o.factories[moduleType] = f }
}

// WithShutdownHook adds fn to the hooks run by Close, in reverse order.
func WithShutdownHook(fn func(context.Context) error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}
