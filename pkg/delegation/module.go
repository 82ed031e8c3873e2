// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package delegation defines the delegation module contract and the registry
// that routes delegated operations to modules.
package delegation

import (
	"context"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/auth/tokenexchange"
	"github.com/stacklok/delegator/pkg/cache"
	apperrors "github.com/stacklok/delegator/pkg/errors"
)

//go:generate mockgen -destination=mocks/mock_module.go -package=mocks -source=module.go Module,ContextualModule,TokenExchanger

// Module performs delegated operations against one backend.
type Module interface {
	// Name is the unique registry key of the module instance.
	Name() string
	// Type is the backend kind, e.g. "sql".
	Type() string
	// Initialize configures the module from its free-form settings.
	Initialize(ctx context.Context, settings map[string]any) error
	// Delegate performs action on behalf of sess. Failures are reported in the
	// Result and never as a panic.
	Delegate(ctx context.Context, sess *session.UserSession, action string, params map[string]any) *Result
	// ValidateAccess reports whether sess may use the module at all.
	ValidateAccess(ctx context.Context, sess *session.UserSession) bool
	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool
	// Destroy releases all resources.
	Destroy(ctx context.Context) error
}

// ContextualModule is implemented by modules that use the shared services.
// The registry prefers DelegateWithContext when it is available.
type ContextualModule interface {
	Module
	DelegateWithContext(
		ctx context.Context, sess *session.UserSession, action string, params map[string]any, svc *Services,
	) *Result
}

// TokenExchanger performs RFC 8693 token exchanges.
type TokenExchanger interface {
	Exchange(ctx context.Context, req tokenexchange.Request) (*tokenexchange.Result, error)
}

// Services are the collaborators shared with contextual modules.
type Services struct {
	Audit         audit.Sink
	TokenExchange TokenExchanger
	Cache         *cache.Cache
	// SessionKey is the cache session of the current request, if any.
	SessionKey string
}

// Result is the outcome of one delegation attempt. Audit is never nil once the
// registry returns it.
type Result struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
	Audit   *audit.Entry `json:"audit"`
}

// Succeeded returns a successful result carrying data.
func Succeeded(entry *audit.Entry, data any) *Result {
	if entry != nil {
		entry.Succeeded()
	}
	return &Result{Success: true, Data: data, Audit: entry}
}

// Failed returns a failed result for err. The entry reason is taken from the
// error code when err carries one.
func Failed(entry *audit.Entry, err error) *Result {
	if entry != nil {
		entry.Failed(err)
		if code := apperrors.CodeOf(err); code != "" && entry.Reason == "" {
			entry.WithReason(code)
		}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Result{Success: false, Error: msg, Audit: entry}
}
