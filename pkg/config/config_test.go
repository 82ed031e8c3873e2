// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/jwt"
	"github.com/stacklok/delegator/pkg/errors"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join("testdata", "delegator.yaml"))
	require.NoError(t, err)

	require.Len(t, cfg.Issuers, 1)
	iss := cfg.Issuers[0]
	assert.Equal(t, "https://login.example.com/realms/corp", iss.Issuer)
	assert.Equal(t, "delegator", iss.Audience)
	assert.Equal(t, []string{"RS256", "ES256"}, iss.Algorithms)
	assert.Equal(t, "realm_access.roles", iss.Claims.Roles)
	assert.Equal(t, "sam_account_name", iss.Claims.LegacyUsername)
	assert.Equal(t, 30*time.Second, iss.Security.ClockTolerance)
	assert.Equal(t, 2*time.Hour, iss.Security.MaxTokenAge)
	assert.True(t, iss.Security.RequireNbf)
	require.NotNil(t, iss.RoleMapping)
	assert.Equal(t, []string{"platform-admin"}, iss.RoleMapping.Admin)
	assert.Equal(t, "unassigned", iss.RoleMapping.DefaultRole)
	require.Len(t, iss.RoleMapping.Custom, 1)
	assert.Equal(t, "analyst", iss.RoleMapping.Custom[0].Name)

	assert.Equal(t, 45*time.Second, cfg.JWKS.RefreshCooldown)
	assert.Equal(t, 10*time.Second, cfg.JWKS.Timeout, "default applies")
	assert.True(t, cfg.Session.RequireLegacyUsername)
	assert.Equal(t, []string{"read"}, cfg.Session.Permissions["user"])

	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 5, cfg.Cache.MaxEntriesPerSession)
	assert.Equal(t, 1000, cfg.Cache.MaxTotalEntries, "default applies")
	assert.Equal(t, 15*time.Minute, cfg.Cache.SessionTimeout)

	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, audit.SinkMemory, cfg.Audit.Sink)
	assert.Equal(t, 100, cfg.Audit.Retention)

	all := cfg.Modules.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{ModuleTypeSQL, ModuleTypeKerberos, ModuleTypeREST}, []string{all[0].Type, all[1].Type, all[2].Type})
	assert.Equal(t, "warehouse", all[0].Name)
	assert.Equal(t, "15s", all[0].Settings["query_timeout"])
	rest := all[2].Settings
	assert.Equal(t, "https://reports.example.com/api", rest["base_url"])
	te, ok := rest["token_exchange"].(map[string]any)
	require.True(t, ok, "nested settings stay maps")
	assert.Equal(t, "reports-api", te["audience"])
	assert.Equal(t, "env:REPORTS_CLIENT_SECRET", te["client_secret"], "references are resolved at startup")

	require.Len(t, cfg.Authz.Policies, 1)
	assert.True(t, cfg.Authz.Enabled())
	assert.Equal(t, "delegator", cfg.Secrets.KeyringService, "default applies")
}

func TestLoad_EnvironmentOverrides(t *testing.T) { //nolint:paralleltest // Sets environment variables
	t.Setenv("DELEGATOR_CACHE_ENABLED", "false")
	t.Setenv("DELEGATOR_AUDIT_SINK", "log")

	cfg, err := Load(filepath.Join("testdata", "delegator.yaml"))
	require.NoError(t, err)
	assert.False(t, cfg.Cache.Enabled)
	assert.Equal(t, audit.SinkLog, cfg.Audit.Sink)
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()

	_, err := Load("")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("issuers: [\n"), 0600))
	_, err = Load(path)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	path = filepath.Join(t.TempDir(), "hs256.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
issuers:
  - issuer: https://idp.example.com
    audience: delegator
    algorithms: [HS256]
`), 0600))
	_, err = Load(path)
	assert.ErrorIs(t, err, errors.ErrInsecureAlgorithm)
}

func validConfig() *Config {
	return &Config{
		Issuers: []jwt.TrustedIssuer{{
			Issuer:   "https://idp.example.com",
			JWKSURL:  "https://idp.example.com/jwks",
			Audience: "delegator",
		}},
		Modules: Modules{
			REST: []ModuleConfig{{Name: "reports", Settings: map[string]any{"base_url": "https://reports.example.com"}}},
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{name: "valid"},
		{name: "no issuers", mutate: func(c *Config) { c.Issuers = nil }, target: errors.ErrInvalidConfig},
		{name: "symmetric algorithm", mutate: func(c *Config) { c.Issuers[0].Algorithms = []string{"HS256"} }, target: errors.ErrInsecureAlgorithm},
		{name: "http key set", mutate: func(c *Config) { c.Issuers[0].JWKSURL = "http://idp.example.com/jwks" }, target: errors.ErrInsecureEndpoint},
		{name: "http key set in development", mutate: func(c *Config) {
			c.Development = true
			c.Issuers[0].JWKSURL = "http://localhost:8080/jwks"
		}},
		{name: "negative cache ttl", mutate: func(c *Config) { c.Cache.TTL = -time.Second }, target: errors.ErrInvalidConfig},
		{name: "unknown audit sink", mutate: func(c *Config) { c.Audit = audit.Config{Enabled: true, Sink: "kafka"} }, target: errors.ErrInvalidConfig},
		{name: "bad sampling rate", mutate: func(c *Config) { c.Telemetry.SamplingRate = 2 }, target: errors.ErrInvalidConfig},
		{name: "negative jwks timeout", mutate: func(c *Config) { c.JWKS.Timeout = -1 }, target: errors.ErrInvalidConfig},
		{name: "module without name", mutate: func(c *Config) {
			c.Modules.SQL = []ModuleConfig{{}}
		}, target: errors.ErrInvalidConfig},
		{name: "module name with colon", mutate: func(c *Config) {
			c.Modules.SQL = []ModuleConfig{{Name: "sql:main"}}
		}, target: errors.ErrInvalidConfig},
		{name: "duplicate module names", mutate: func(c *Config) {
			c.Modules.Kerberos = []ModuleConfig{{Name: "reports"}}
		}, target: errors.ErrInvalidConfig},
		{name: "insecure module outside development", mutate: func(c *Config) {
			c.Modules.REST[0].Settings["allow_insecure"] = true
		}, target: errors.ErrInsecureEndpoint},
		{name: "insecure module in development", mutate: func(c *Config) {
			c.Development = true
			c.Modules.REST[0].Settings["allow_insecure"] = "true"
		}},
		{name: "unparseable policy", mutate: func(c *Config) {
			c.Authz.Policies = []string{"permit(principal,"}
		}, target: errors.ErrInvalidConfig},
		{name: "token exchange without credentials", mutate: func(c *Config) {
			c.Modules.REST[0].Settings["token_exchange"] = map[string]any{"client_id": "delegator"}
		}, target: errors.ErrMissingClientCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.target == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, errors.IsConfiguration(err))
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Issuers[0].Algorithms = []string{"none"}
	cfg.Modules.REST[0].Settings["allow_insecure"] = true
	cfg.Cache.MaxTotalEntries = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, errors.CodeOf(err))
	assert.ErrorIs(t, err, errors.ErrInsecureAlgorithm)
	assert.ErrorIs(t, err, errors.ErrInsecureEndpoint)
	assert.Contains(t, err.Error(), "3 configuration problems")

	var joined interface{ Unwrap() []error }
	require.True(t, stderrors.As(err, &joined))
	assert.Len(t, joined.Unwrap(), 3)
}

func TestValidate_Nil(t *testing.T) {
	t.Parallel()
	var cfg *Config
	assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
}
