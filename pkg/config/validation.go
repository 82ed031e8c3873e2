// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stacklok/delegator/pkg/authz"
	"github.com/stacklok/delegator/pkg/errors"
)

// Validate checks the whole configuration and reports every problem found.
// A single problem is returned as is; several are joined under an
// invalid_config error so that each one still matches with errors.Is.
func (c *Config) Validate() error {
	if c == nil {
		return errors.Newf(errors.CodeInvalidConfig, "configuration is nil")
	}

	var errs []error

	if len(c.Issuers) == 0 {
		errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "at least one trusted issuer is required"))
	}
	for i := range c.Issuers {
		if err := c.Issuers[i].Validate(c.Development); err != nil {
			errs = append(errs, fmt.Errorf("issuers[%d]: %w", i, err))
		}
	}

	if c.JWKS.RefreshCooldown < 0 || c.JWKS.Timeout < 0 {
		errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "jwks durations must not be negative"))
	}
	if c.TokenExchange.Timeout < 0 {
		errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "token_exchange timeout must not be negative"))
	}
	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if err := c.Audit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("audit: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	if c.Authz.Enabled() {
		if _, err := authz.NewCedarAuthorizer(c.Authz); err != nil {
			errs = append(errs, fmt.Errorf("authz: %w", err))
		}
	}
	errs = append(errs, c.validateModules()...)

	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.New(errors.CodeInvalidConfig, fmt.Sprintf("%d configuration problems", len(errs)), stderrors.Join(errs...))
	}
}

func (c *Config) validateModules() []error {
	var errs []error
	seen := make(map[string]string)

	for _, m := range c.Modules.All() {
		where := fmt.Sprintf("modules.%s[%s]", m.Type, m.Name)
		switch {
		case strings.TrimSpace(m.Name) == "":
			errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "modules.%s: module name is required", m.Type))
			continue
		case strings.ContainsAny(m.Name, ": \t"):
			errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "%s: module name must not contain ':' or whitespace", where))
		}
		if other, dup := seen[m.Name]; dup {
			errs = append(errs, errors.Newf(errors.CodeInvalidConfig, "%s: name already used by a %s module", where, other))
		}
		seen[m.Name] = m.Type

		if truthy(m.Settings["allow_insecure"]) && !c.Development {
			errs = append(errs, errors.Newf(errors.CodeInsecureEndpoint,
				"%s: allow_insecure is only permitted in development mode", where))
		}
		if m.Type == ModuleTypeREST {
			if te, ok := m.Settings["token_exchange"].(map[string]any); ok {
				if str(te["client_id"]) == "" || str(te["client_secret"]) == "" {
					errs = append(errs, errors.Newf(errors.CodeMissingClientCredentials,
						"%s: token_exchange requires client_id and client_secret", where))
				}
			}
		}
	}
	return errs
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(b)
		return err == nil && parsed
	default:
		return false
	}
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
