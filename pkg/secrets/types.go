// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets resolves secret references in configuration values.
//
// A value of the form "<scheme>:<name>" under one of the secret keys
// (client_secret, api_key, password) is replaced by the secret the scheme's
// provider returns for name. Other values are used as they are.
package secrets

import (
	"context"
	"errors"
)

// ErrSecretNotFound is returned when a provider has no secret by that name.
var ErrSecretNotFound = errors.New("secret not found")

// Provider looks secrets up by name.
type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Schemes understood by the default resolver.
const (
	SchemeEnv     = "env"
	SchemeKeyring = "keyring"
)

// DefaultKeyringService is the OS keyring service secrets are read from.
const DefaultKeyringService = "delegator"

// Config configures secret resolution.
type Config struct {
	// KeyringService is the OS keyring service keyring references read from.
	KeyringService string `json:"keyring_service,omitempty" yaml:"keyring_service,omitempty" mapstructure:"keyring_service"`
}
