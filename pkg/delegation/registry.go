// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/cache"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

var (
	// ErrModuleNotFound is returned when no module is registered under a name.
	ErrModuleNotFound = errors.New("module not found")
	// ErrModuleExists is returned when registering a duplicate module name.
	ErrModuleExists = errors.New("module already registered")
	// ErrAccessDenied is returned when a module refuses the session.
	ErrAccessDenied = errors.New("access denied by module")
	// ErrPolicyDenied is returned when the authorization policy refuses a call.
	ErrPolicyDenied = errors.New("access denied by policy")
)

// Authorizer decides whether a session may run an action on a module. It is
// consulted after the module's own ValidateAccess.
type Authorizer interface {
	Authorize(
		ctx context.Context, sess *session.UserSession, module, moduleType, action string, params map[string]any,
	) (bool, error)
}

// DefaultHealthCheckTimeout bounds each module health check.
const DefaultHealthCheckTimeout = 10 * time.Second

// Registry routes delegation calls to named modules. Modules are registered at
// startup; lookups are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   []string

	sink          audit.Sink
	tokenExchange TokenExchanger
	cache         *cache.Cache
	isRejected    func(*session.UserSession) bool
	authorizer    Authorizer
	healthTimeout time.Duration

	telemetry *telemetry
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryOptions)

type registryOptions struct {
	sink           audit.Sink
	tokenExchange  TokenExchanger
	cache          *cache.Cache
	isRejected     func(*session.UserSession) bool
	authorizer     Authorizer
	healthTimeout  time.Duration
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
}

// WithAuditSink sets the sink every delegation result is emitted to.
func WithAuditSink(s audit.Sink) RegistryOption {
	return func(o *registryOptions) { o.sink = s }
}

// WithTokenExchange shares a token exchange service with contextual modules.
func WithTokenExchange(te TokenExchanger) RegistryOption {
	return func(o *registryOptions) { o.tokenExchange = te }
}

// WithCache shares the delegation token cache with contextual modules.
func WithCache(c *cache.Cache) RegistryOption {
	return func(o *registryOptions) { o.cache = c }
}

// WithRejectionPolicy replaces the default session rejection predicate.
func WithRejectionPolicy(fn func(*session.UserSession) bool) RegistryOption {
	return func(o *registryOptions) { o.isRejected = fn }
}

// WithAuthorizer sets the policy every delegation call must pass.
func WithAuthorizer(a Authorizer) RegistryOption {
	return func(o *registryOptions) { o.authorizer = a }
}

// WithHealthCheckTimeout sets the per-module health check timeout.
func WithHealthCheckTimeout(d time.Duration) RegistryOption {
	return func(o *registryOptions) { o.healthTimeout = d }
}

// WithMeterProvider sets the meter provider. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) RegistryOption {
	return func(o *registryOptions) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) RegistryOption {
	return func(o *registryOptions) { o.tracerProvider = tp }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	o := &registryOptions{
		isRejected:    session.IsRejected,
		healthTimeout: DefaultHealthCheckTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sink == nil {
		o.sink = audit.NopSink{}
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	tel, err := newTelemetry(o.meterProvider, o.tracerProvider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		modules:       make(map[string]Module),
		sink:          o.sink,
		tokenExchange: o.tokenExchange,
		cache:         o.cache,
		isRejected:    o.isRejected,
		authorizer:    o.authorizer,
		healthTimeout: o.healthTimeout,
		telemetry:     tel,
	}, nil
}

// Register adds m under m.Name().
func (r *Registry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("cannot register nil module")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module of type %q has no name", m.Type())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[name]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, name)
	}
	r.modules[name] = m
	r.order = append(r.order, name)
	logger.Debugw("registered delegation module", "name", name, "type", m.Type())
	return nil
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Has reports whether a module is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns module names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Delegate routes action to the named module. It always returns a result with
// exactly one audit entry, which has been emitted to the audit sink. The
// entry's Action is "<name>:<action>" whichever path produced it.
func (r *Registry) Delegate(
	ctx context.Context, name string, sess *session.UserSession, action string, params map[string]any, sessionKey string,
) (res *Result) {
	userID := userIDOf(sess)

	var moduleType string
	ctx, done := r.telemetry.record(ctx, name, action, func() (string, *Result) { return moduleType, res })
	defer done()

	defer func() {
		if res.Audit == nil {
			res.Audit = audit.NewEntry(moduleType, qualified(name, action), userID)
			if res.Success {
				res.Audit.Succeeded()
			} else {
				res.Audit.Failed(errors.New(res.Error))
			}
		}
		if res.Audit.UserID == "" {
			res.Audit.UserID = userID
		}
		// Result entries are keyed by instance name; the module type is the source.
		res.Audit.Action = qualified(name, action)
		if moduleType != "" {
			res.Audit.Source = moduleType
		}
		res.Audit.WithMetadata("module", name)
		audit.Emit(ctx, r.sink, res.Audit)
	}()

	m, ok := r.Get(name)
	if !ok {
		return Failed(registryEntry(name, action, userID), fmt.Errorf("%w: %s", ErrModuleNotFound, name))
	}
	moduleType = m.Type()

	if r.isRejected(sess) {
		err := apperrors.Newf(apperrors.CodeSessionRejected, "session has no usable role")
		return Failed(registryEntry(name, action, userID), err)
	}
	if !m.ValidateAccess(ctx, sess) {
		entry := registryEntry(name, action, userID).WithReason("access_denied")
		return Failed(entry, fmt.Errorf("%w: %s", ErrAccessDenied, name))
	}
	if r.authorizer != nil {
		allowed, err := r.authorizer.Authorize(ctx, sess, name, moduleType, action, params)
		if err != nil {
			logger.Warnw("policy evaluation failed", "module", name, "action", action, "error", err)
			entry := registryEntry(name, action, userID).WithReason("policy_error")
			return Failed(entry, fmt.Errorf("%w: %s", ErrPolicyDenied, name))
		}
		if !allowed {
			entry := registryEntry(name, action, userID).WithReason("policy_denied")
			return Failed(entry, fmt.Errorf("%w: %s", ErrPolicyDenied, name))
		}
	}

	return r.invoke(ctx, m, sess, action, params, sessionKey)
}

func (r *Registry) invoke(
	ctx context.Context, m Module, sess *session.UserSession, action string, params map[string]any, sessionKey string,
) (res *Result) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorw("delegation module panicked", "module", m.Name(), "action", action, "panic", fmt.Sprint(p))
			entry := audit.NewEntry(m.Type(), qualified(m.Name(), action), userIDOf(sess)).WithReason("module_panic")
			res = Failed(entry, fmt.Errorf("module %s failed unexpectedly", m.Name()))
		}
	}()

	if cm, ok := m.(ContextualModule); ok {
		svc := &Services{
			Audit:         r.sink,
			TokenExchange: r.tokenExchange,
			Cache:         r.cache,
			SessionKey:    sessionKey,
		}
		res = cm.DelegateWithContext(ctx, sess, action, params, svc)
	} else {
		res = m.Delegate(ctx, sess, action, params)
	}

	if res == nil {
		entry := audit.NewEntry(m.Type(), qualified(m.Name(), action), userIDOf(sess))
		res = Failed(entry, fmt.Errorf("module %s returned no result", m.Name()))
	}
	return res
}

// HealthCheck runs every module health check concurrently.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	names := r.List()
	results := make([]bool, len(names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		m, ok := r.Get(name)
		if !ok {
			continue
		}
		g.Go(func() error {
			hctx, cancel := context.WithTimeout(gctx, r.healthTimeout)
			defer cancel()
			results[i] = safeHealthCheck(hctx, m)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]bool, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

func safeHealthCheck(ctx context.Context, m Module) (healthy bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorw("health check panicked", "module", m.Name(), "panic", fmt.Sprint(p))
			healthy = false
		}
	}()
	return m.HealthCheck(ctx)
}

// Destroy destroys every module in reverse registration order and returns
// the joined errors.
func (r *Registry) Destroy(ctx context.Context) error {
	names := r.List()
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		m, ok := r.Get(names[i])
		if !ok {
			continue
		}
		if err := m.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to destroy module %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}

func registryEntry(name, action, userID string) *audit.Entry {
	return audit.NewEntry(audit.SourceRegistry, qualified(name, action), userID)
}

func userIDOf(sess *session.UserSession) string {
	if sess == nil {
		return ""
	}
	return sess.UserID
}

func qualified(name, action string) string {
	return name + ":" + action
}
