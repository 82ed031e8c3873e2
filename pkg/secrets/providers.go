// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/zalando/go-keyring"
)

// EnvVarPrefix is prepended to a secret name to form its environment variable.
const EnvVarPrefix = "DELEGATOR_SECRET_"

// EnvironmentProvider reads secrets from DELEGATOR_SECRET_<name> variables.
type EnvironmentProvider struct{}

// NewEnvironmentProvider creates an environment provider.
func NewEnvironmentProvider() *EnvironmentProvider {
	return &EnvironmentProvider{}
}

// GetSecret returns the variable's value. An empty variable counts as unset.
func (*EnvironmentProvider) GetSecret(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("secret name cannot be empty")
	}
	value := os.Getenv(EnvVarPrefix + name)
	if value == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return value, nil
}

// KeyringProvider reads secrets from the OS keyring.
type KeyringProvider struct {
	service string
}

// NewKeyringProvider creates a provider reading from service.
func NewKeyringProvider(service string) *KeyringProvider {
	if service == "" {
		service = DefaultKeyringService
	}
	return &KeyringProvider{service: service}
}

// GetSecret returns the keyring item name of the provider's service.
func (p *KeyringProvider) GetSecret(_ context.Context, name string) (string, error) {
	if name == "" {
		return "", errors.New("secret name cannot be empty")
	}
	value, err := keyring.Get(p.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from the OS keyring: %w", name, err)
	}
	return value, nil
}
