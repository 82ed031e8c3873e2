// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/secrets"
)

type staticProvider map[string]string

func (p staticProvider) GetSecret(_ context.Context, name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

func TestEnvironmentProvider_GetSecret(t *testing.T) {
	t.Setenv(secrets.EnvVarPrefix+"rest_key", "k-123")
	t.Setenv(secrets.EnvVarPrefix+"empty", "")
	p := secrets.NewEnvironmentProvider()
	ctx := context.Background()

	v, err := p.GetSecret(ctx, "rest_key")
	require.NoError(t, err)
	assert.Equal(t, "k-123", v)

	_, err = p.GetSecret(ctx, "empty")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)

	_, err = p.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)

	_, err = p.GetSecret(ctx, "")
	assert.ErrorContains(t, err, "secret name cannot be empty")
}

func TestKeyringProvider_GetSecret(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("delegator-test", "exchange_secret", "s3cr3t"))
	p := secrets.NewKeyringProvider("delegator-test")
	ctx := context.Background()

	v, err := p.GetSecret(ctx, "exchange_secret")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", v)

	_, err = p.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)

	_, err = secrets.NewKeyringProvider("").GetSecret(ctx, "exchange_secret")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound, "the default service is separate")
}

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	r := secrets.NewResolverWithProviders(map[string]secrets.Provider{
		"vault": staticProvider{"db": "pw"},
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		value   string
		want    string
		wantErr bool
	}{
		{name: "reference", value: "vault:db", want: "pw"},
		{name: "literal", value: "plain-secret", want: "plain-secret"},
		{name: "unknown scheme stays literal", value: "abc:def", want: "abc:def"},
		{name: "empty", value: "", want: ""},
		{name: "missing secret", value: "vault:other", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := r.Resolve(ctx, tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.CodeInvalidConfig, apperrors.CodeOf(err))
				assert.ErrorIs(t, err, secrets.ErrSecretNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolver_ResolveSettings(t *testing.T) {
	t.Parallel()

	r := secrets.NewResolverWithProviders(map[string]secrets.Provider{
		"vault": staticProvider{"te": "exchange-pw", "key": "api-pw"},
	})
	settings := map[string]any{
		"base_url": "vault:te",
		"api_key":  "vault:key",
		"token_exchange": map[string]any{
			"client_id":     "delegator",
			"client_secret": "vault:te",
		},
		"endpoints": []any{map[string]any{"password": "vault:key"}},
		"timeout":   "30s",
	}

	got, err := r.ResolveSettings(context.Background(), settings)
	require.NoError(t, err)
	assert.Equal(t, "vault:te", got["base_url"], "only secret keys are resolved")
	assert.Equal(t, "api-pw", got["api_key"])
	assert.Equal(t, "exchange-pw", got["token_exchange"].(map[string]any)["client_secret"])
	assert.Equal(t, "delegator", got["token_exchange"].(map[string]any)["client_id"])
	assert.Equal(t, "api-pw", got["endpoints"].([]any)[0].(map[string]any)["password"])
	assert.Equal(t, "30s", got["timeout"])

	assert.Equal(t, "vault:key", settings["api_key"], "input is not modified")
	assert.Equal(t, "vault:te", settings["token_exchange"].(map[string]any)["client_secret"])

	_, err = r.ResolveSettings(context.Background(), map[string]any{
		"token_exchange": map[string]any{"client_secret": "vault:nope"},
	})
	assert.ErrorContains(t, err, "token_exchange")

	nilSettings, err := r.ResolveSettings(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, nilSettings)
}
