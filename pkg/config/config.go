// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the delegator configuration and
// the logic required to load and validate it.
package config

import (
	"time"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/jwt"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/authz"
	"github.com/stacklok/delegator/pkg/cache"
	"github.com/stacklok/delegator/pkg/secrets"
	"github.com/stacklok/delegator/pkg/telemetry"
)

// Module types understood by the configuration.
const (
	ModuleTypeSQL      = "sql"
	ModuleTypeKerberos = "kerberos"
	ModuleTypeREST     = "rest"
)

// Config represents the configuration of the delegator.
type Config struct {
	// Development relaxes transport checks so that http:// endpoints can be
	// used against local identity providers and backends.
	Development bool `json:"development,omitempty" yaml:"development,omitempty" mapstructure:"development"`

	Issuers       []jwt.TrustedIssuer `json:"issuers" yaml:"issuers" mapstructure:"issuers"`
	JWKS          JWKSConfig          `json:"jwks,omitempty" yaml:"jwks,omitempty" mapstructure:"jwks"`
	Session       session.Config      `json:"session,omitempty" yaml:"session,omitempty" mapstructure:"session"`
	TokenExchange TokenExchangeConfig `json:"token_exchange,omitempty" yaml:"token_exchange,omitempty" mapstructure:"token_exchange"`
	Cache         cache.Config        `json:"cache,omitempty" yaml:"cache,omitempty" mapstructure:"cache"`
	Audit         audit.Config        `json:"audit,omitempty" yaml:"audit,omitempty" mapstructure:"audit"`
	Modules       Modules             `json:"modules,omitempty" yaml:"modules,omitempty" mapstructure:"modules"`
	Authz         authz.Config        `json:"authz,omitempty" yaml:"authz,omitempty" mapstructure:"authz"`
	Secrets       secrets.Config      `json:"secrets,omitempty" yaml:"secrets,omitempty" mapstructure:"secrets"`
	Telemetry     telemetry.Config    `json:"telemetry,omitempty" yaml:"telemetry,omitempty" mapstructure:"telemetry"`
}

// JWKSConfig configures key-set fetching.
type JWKSConfig struct {
	// RefreshCooldown is the minimum interval between forced refreshes per issuer.
	RefreshCooldown time.Duration `json:"refresh_cooldown,omitempty" yaml:"refresh_cooldown,omitempty" mapstructure:"refresh_cooldown"`
	Timeout         time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	CABundle        string        `json:"ca_bundle,omitempty" yaml:"ca_bundle,omitempty" mapstructure:"ca_bundle"`
}

// TokenExchangeConfig configures the shared token exchange client. Per-backend
// exchange parameters live in the module settings.
type TokenExchangeConfig struct {
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	CABundle string        `json:"ca_bundle,omitempty" yaml:"ca_bundle,omitempty" mapstructure:"ca_bundle"`
}

// Modules lists the configured delegation module instances by type.
type Modules struct {
	SQL      []ModuleConfig `json:"sql,omitempty" yaml:"sql,omitempty" mapstructure:"sql"`
	Kerberos []ModuleConfig `json:"kerberos,omitempty" yaml:"kerberos,omitempty" mapstructure:"kerberos"`
	REST     []ModuleConfig `json:"rest,omitempty" yaml:"rest,omitempty" mapstructure:"rest"`
}

// ModuleConfig is one named module instance. Settings are decoded by the
// module itself.
type ModuleConfig struct {
	Name     string         `json:"name" yaml:"name" mapstructure:"name"`
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" mapstructure:"settings"`
}

// TypedModule is a ModuleConfig together with its type.
type TypedModule struct {
	Type string
	ModuleConfig
}

// All returns every module in a stable order: SQL, Kerberos, then REST, each
// in declaration order.
func (m Modules) All() []TypedModule {
	out := make([]TypedModule, 0, len(m.SQL)+len(m.Kerberos)+len(m.REST))
	for _, mc := range m.SQL {
		out = append(out, TypedModule{Type: ModuleTypeSQL, ModuleConfig: mc})
	}
	for _, mc := range m.Kerberos {
		out = append(out, TypedModule{Type: ModuleTypeKerberos, ModuleConfig: mc})
	}
	for _, mc := range m.REST {
		out = append(out, TypedModule{Type: ModuleTypeREST, ModuleConfig: mc})
	}
	return out
}
