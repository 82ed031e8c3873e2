// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/authz"
	"github.com/stacklok/delegator/pkg/cache"
	"github.com/stacklok/delegator/pkg/delegation"
	"github.com/stacklok/delegator/pkg/delegation/mocks"
	apperrors "github.com/stacklok/delegator/pkg/errors"
)

func userSession() *session.UserSession {
	return &session.UserSession{UserID: "u1", Role: "user", Token: "tok"}
}

func newModule(ctrl *gomock.Controller, name string) *mocks.MockModule {
	m := mocks.NewMockModule(ctrl)
	m.EXPECT().Name().Return(name).AnyTimes()
	m.EXPECT().Type().Return("test").AnyTimes()
	return m
}

func newRegistry(t *testing.T, opts ...delegation.RegistryOption) (*delegation.Registry, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink(0)
	opts = append([]delegation.RegistryOption{
		delegation.WithAuditSink(sink),
		delegation.WithTracerProvider(tracenoop.NewTracerProvider()),
	}, opts...)
	r, err := delegation.NewRegistry(opts...)
	require.NoError(t, err)
	return r, sink
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	r, _ := newRegistry(t)
	require.NoError(t, r.Register(newModule(ctrl, "db")))
	require.NoError(t, r.Register(newModule(ctrl, "api")))

	err := r.Register(newModule(ctrl, "db"))
	assert.ErrorIs(t, err, delegation.ErrModuleExists)
	assert.Error(t, r.Register(nil))
	assert.Error(t, r.Register(newModule(ctrl, "")))

	assert.True(t, r.Has("db"))
	assert.False(t, r.Has("ldap"))
	m, ok := r.Get("api")
	require.True(t, ok)
	assert.Equal(t, "api", m.Name())
	assert.Equal(t, []string{"db", "api"}, r.List())
}

func TestRegistry_Delegate(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	sess := userSession()
	m := newModule(ctrl, "db")
	m.EXPECT().ValidateAccess(gomock.Any(), sess).Return(true)
	m.EXPECT().Delegate(gomock.Any(), sess, "query", map[string]any{"sql": "SELECT 1"}).
		Return(delegation.Succeeded(audit.NewEntry(audit.SourceSQL, "query", "u1"), []int{1}))

	r, sink := newRegistry(t)
	require.NoError(t, r.Register(m))

	res := r.Delegate(context.Background(), "db", sess, "query", map[string]any{"sql": "SELECT 1"}, "")
	require.True(t, res.Success)
	assert.Equal(t, []int{1}, res.Data)
	require.NotNil(t, res.Audit)
	assert.Equal(t, "db:query", res.Audit.Action)
	assert.Equal(t, "test", res.Audit.Source)
	assert.Equal(t, "db", res.Audit.Metadata["module"])

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, res.Audit.ID, entries[0].ID)
}

func TestRegistry_DelegateFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		module     string
		sess       *session.UserSession
		setup      func(*mocks.MockModule)
		wantErr    error
		wantReason string
	}{
		{
			name:    "module not found",
			module:  "missing",
			sess:    userSession(),
			setup:   func(*mocks.MockModule) {},
			wantErr: delegation.ErrModuleNotFound,
		},
		{
			name:       "rejected session",
			module:     "db",
			sess:       &session.UserSession{UserID: "u1", Role: "unassigned"},
			setup:      func(*mocks.MockModule) {},
			wantReason: apperrors.CodeSessionRejected,
		},
		{
			name:       "nil session",
			module:     "db",
			sess:       nil,
			setup:      func(*mocks.MockModule) {},
			wantReason: apperrors.CodeSessionRejected,
		},
		{
			name:   "access denied",
			module: "db",
			sess:   userSession(),
			setup: func(m *mocks.MockModule) {
				m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(false)
			},
			wantErr:    delegation.ErrAccessDenied,
			wantReason: "access_denied",
		},
		{
			name:   "module panics",
			module: "db",
			sess:   userSession(),
			setup: func(m *mocks.MockModule) {
				m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(true)
				m.EXPECT().Delegate(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
					DoAndReturn(func(context.Context, *session.UserSession, string, map[string]any) *delegation.Result {
						panic("boom")
					})
			},
			wantReason: "module_panic",
		},
		{
			name:   "module returns nil",
			module: "db",
			sess:   userSession(),
			setup: func(m *mocks.MockModule) {
				m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(true)
				m.EXPECT().Delegate(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
			},
		},
		{
			name:   "result without audit entry",
			module: "db",
			sess:   userSession(),
			setup: func(m *mocks.MockModule) {
				m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(true)
				m.EXPECT().Delegate(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
					Return(&delegation.Result{Error: "backend said no"})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			m := newModule(ctrl, "db")
			tt.setup(m)
			r, sink := newRegistry(t)
			require.NoError(t, r.Register(m))

			res := r.Delegate(context.Background(), tt.module, tt.sess, "query", nil, "")
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
			require.NotNil(t, res.Audit)
			assert.False(t, res.Audit.Success)
			assert.Equal(t, tt.module+":query", res.Audit.Action)
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, res.Audit.Reason)
			}
			if tt.wantErr != nil {
				assert.Contains(t, res.Error, tt.wantErr.Error())
			}
			assert.Len(t, sink.Entries(), 1, "exactly one audit entry per attempt")
		})
	}
}

func TestRegistry_ContextualModuleReceivesServices(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	te := mocks.NewMockTokenExchanger(ctrl)
	c := cache.New(cache.Config{})
	sess := userSession()

	m := mocks.NewMockContextualModule(ctrl)
	m.EXPECT().Name().Return("api").AnyTimes()
	m.EXPECT().Type().Return("rest").AnyTimes()
	m.EXPECT().ValidateAccess(gomock.Any(), sess).Return(true)
	m.EXPECT().DelegateWithContext(gomock.Any(), sess, "get", gomock.Nil(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *session.UserSession, _ string, _ map[string]any, svc *delegation.Services) *delegation.Result {
			assert.Same(t, c, svc.Cache)
			assert.Equal(t, te, svc.TokenExchange)
			assert.Equal(t, "session-key", svc.SessionKey)
			assert.NotNil(t, svc.Audit)
			return delegation.Succeeded(audit.NewEntry(audit.SourceREST, "get", sess.UserID), nil)
		})

	r, _ := newRegistry(t, delegation.WithTokenExchange(te), delegation.WithCache(c))
	require.NoError(t, r.Register(m))

	res := r.Delegate(context.Background(), "api", sess, "get", nil, "session-key")
	assert.True(t, res.Success)
}

func TestRegistry_CustomRejectionPolicy(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	r, _ := newRegistry(t, delegation.WithRejectionPolicy(func(s *session.UserSession) bool {
		return s == nil || s.Role == "guest"
	}))
	require.NoError(t, r.Register(newModule(ctrl, "db")))

	res := r.Delegate(context.Background(), "db", &session.UserSession{UserID: "u", Role: "guest"}, "query", nil, "")
	assert.False(t, res.Success)
	assert.Equal(t, apperrors.CodeSessionRejected, res.Audit.Reason)
}

func TestRegistry_HealthCheck(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	healthy := newModule(ctrl, "a")
	healthy.EXPECT().HealthCheck(gomock.Any()).Return(true)
	unhealthy := newModule(ctrl, "b")
	unhealthy.EXPECT().HealthCheck(gomock.Any()).Return(false)
	panicky := newModule(ctrl, "c")
	panicky.EXPECT().HealthCheck(gomock.Any()).DoAndReturn(func(context.Context) bool { panic("x") })
	slow := newModule(ctrl, "d")
	slow.EXPECT().HealthCheck(gomock.Any()).DoAndReturn(func(ctx context.Context) bool {
		<-ctx.Done()
		return false
	})

	r, _ := newRegistry(t, delegation.WithHealthCheckTimeout(50*time.Millisecond))
	for _, m := range []delegation.Module{healthy, unhealthy, panicky, slow} {
		require.NoError(t, r.Register(m))
	}

	assert.Equal(t, map[string]bool{"a": true, "b": false, "c": false, "d": false}, r.HealthCheck(context.Background()))
}

func TestRegistry_Destroy(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	first := newModule(ctrl, "first")
	second := newModule(ctrl, "second")
	gomock.InOrder(
		second.EXPECT().Destroy(gomock.Any()).Return(nil),
		first.EXPECT().Destroy(gomock.Any()).Return(errors.New("close failed")),
	)

	r, _ := newRegistry(t)
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	err := r.Destroy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first")
}

func TestRegistry_Metrics(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sess := userSession()
	m := newModule(ctrl, "db")
	m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(true).Times(2)
	m.EXPECT().Delegate(gomock.Any(), gomock.Any(), "ok", gomock.Any()).
		Return(delegation.Succeeded(audit.NewEntry("test", "ok", "u1"), nil))
	m.EXPECT().Delegate(gomock.Any(), gomock.Any(), "bad", gomock.Any()).
		Return(delegation.Failed(audit.NewEntry("test", "bad", "u1"), errors.New("nope")))

	r, _ := newRegistry(t, delegation.WithMeterProvider(mp))
	require.NoError(t, r.Register(m))
	r.Delegate(context.Background(), "db", sess, "ok", nil, "")
	r.Delegate(context.Background(), "db", sess, "bad", nil, "")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]int64{}
	var foundDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch data := metric.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					sums[metric.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				foundDuration = true
			}
		}
	}
	assert.Equal(t, int64(2), sums["delegator_delegations"])
	assert.Equal(t, int64(1), sums["delegator_delegation_failures"])
	assert.True(t, foundDuration)
}

func TestRegistry_DelegatePolicy(t *testing.T) {
	t.Parallel()

	policies, err := authz.NewCedarAuthorizer(authz.Config{Policies: []string{
		`permit(principal in Role::"user", action == Action::"query", resource == Module::"db");`,
		`permit(principal in Role::"user", action == Action::"read", resource == Module::"db")
			when { principal.claim_tier == "gold" };`,
	}})
	require.NoError(t, err)

	tests := []struct {
		name       string
		action     string
		wantCall   bool
		wantReason string
	}{
		{name: "permitted action", action: "query", wantCall: true},
		{name: "action without a permit", action: "execute", wantReason: "policy_denied"},
		{name: "policy evaluation error", action: "read", wantReason: "policy_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)

			m := newModule(ctrl, "db")
			m.EXPECT().ValidateAccess(gomock.Any(), gomock.Any()).Return(true)
			if tt.wantCall {
				m.EXPECT().Delegate(gomock.Any(), gomock.Any(), tt.action, gomock.Any()).
					Return(delegation.Succeeded(audit.NewEntry("test", "db:"+tt.action, "u1"), nil))
			}
			r, sink := newRegistry(t, delegation.WithAuthorizer(policies))
			require.NoError(t, r.Register(m))

			res := r.Delegate(context.Background(), "db", userSession(), tt.action, nil, "")
			require.NotNil(t, res.Audit)
			assert.Equal(t, "db:"+tt.action, res.Audit.Action)
			assert.Len(t, sink.Entries(), 1)
			if tt.wantCall {
				assert.True(t, res.Success)
				return
			}
			assert.False(t, res.Success)
			assert.Equal(t, tt.wantReason, res.Audit.Reason)
			assert.Contains(t, res.Error, delegation.ErrPolicyDenied.Error())
		})
	}
}
