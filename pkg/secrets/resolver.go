// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"fmt"
	"slices"
	"strings"

	apperrors "github.com/stacklok/delegator/pkg/errors"
)

// secretKeys are the settings keys whose values may be references.
var secretKeys = []string{"client_secret", "api_key", "password"}

// Resolver replaces secret references with the secrets they name.
type Resolver struct {
	providers map[string]Provider
}

// NewResolver creates a resolver with the environment and keyring schemes.
func NewResolver(cfg Config) *Resolver {
	return NewResolverWithProviders(map[string]Provider{
		SchemeEnv:     NewEnvironmentProvider(),
		SchemeKeyring: NewKeyringProvider(cfg.KeyringService),
	})
}

// NewResolverWithProviders creates a resolver for the given schemes.
func NewResolverWithProviders(providers map[string]Provider) *Resolver {
	return &Resolver{providers: providers}
}

// Resolve returns the secret value refers to, or value itself when it is
// not a reference to a known scheme.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	scheme, name, ok := strings.Cut(value, ":")
	if !ok {
		return value, nil
	}
	p, known := r.providers[scheme]
	if !known {
		return value, nil
	}
	secret, err := p.GetSecret(ctx, name)
	if err != nil {
		return "", apperrors.New(apperrors.CodeInvalidConfig, fmt.Sprintf("failed to resolve %s secret", scheme), err)
	}
	return secret, nil
}

// ResolveSettings returns a copy of settings in which every string under a
// secret key, at any depth, has been resolved. settings is not modified.
func (r *Resolver) ResolveSettings(ctx context.Context, settings map[string]any) (map[string]any, error) {
	if settings == nil {
		return nil, nil
	}
	out := make(map[string]any, len(settings))
	for k, v := range settings {
		resolved, err := r.resolveValue(ctx, k, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *Resolver) resolveValue(ctx context.Context, key string, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if !slices.Contains(secretKeys, key) {
			return val, nil
		}
		return r.Resolve(ctx, val)
	case map[string]any:
		return r.ResolveSettings(ctx, val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, key, item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
