// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
)

const (
	testKeyID    = "test-key-1"
	testAudience = "delegator"
)

type testIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey
	jwks   []byte
	hits   atomic.Int32
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, key.Set(jwk.KeyUsageKey, "sig"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	doc, err := json.Marshal(set)
	require.NoError(t, err)

	idp := &testIdP{key: privateKey, jwks: doc}
	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		idp.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(idp.jwks)
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 idp.server.URL,
			"jwks_uri":               idp.server.URL + "/jwks",
			"authorization_endpoint": idp.server.URL + "/authorize",
			"token_endpoint":         idp.server.URL + "/token",
		})
	})
	idp.server = httptest.NewTLSServer(mux)
	t.Cleanup(idp.server.Close)
	return idp
}

func (idp *testIdP) issuer(mut ...func(*TrustedIssuer)) TrustedIssuer {
	ti := TrustedIssuer{
		Issuer:   idp.server.URL,
		JWKSURL:  idp.server.URL + "/jwks",
		Audience: testAudience,
		Claims:   ClaimMappings{LegacyUsername: "sam_account"},
	}
	for _, m := range mut {
		m(&ti)
	}
	return ti
}

func (idp *testIdP) sign(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	return idp.signWithKid(t, claims, testKeyID)
}

func (idp *testIdP) signWithKid(t *testing.T, claims gojwt.MapClaims, kid string) string {
	t.Helper()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(idp.key)
	require.NoError(t, err)
	return s
}

func (idp *testIdP) claims(mut ...func(gojwt.MapClaims)) gojwt.MapClaims {
	now := time.Now()
	c := gojwt.MapClaims{
		"iss":                idp.server.URL,
		"aud":                testAudience,
		"sub":                "user-123",
		"preferred_username": "alice@example.com",
		"sam_account":        "ALICE",
		"roles":              []string{"admin"},
		"scope":              "openid profile",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
	for _, m := range mut {
		m(c)
	}
	return c
}

func newTestValidator(t *testing.T, idp *testIdP, sink audit.Sink, issuers ...TrustedIssuer) *Validator {
	t.Helper()
	if len(issuers) == 0 {
		issuers = []TrustedIssuer{idp.issuer()}
	}
	v, err := NewValidator(context.Background(), issuers,
		WithHTTPClient(idp.server.Client()),
		WithAuditSink(sink),
	)
	require.NoError(t, err)
	return v
}

func TestValidator_Valid(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	sink := audit.NewMemorySink(0)
	v := newTestValidator(t, idp, sink)

	token := idp.sign(t, idp.claims())
	claims, entry, err := v.Validate(context.Background(), token, ValidationContext{RequestID: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, "user-123", claims.UserID)
	assert.Equal(t, "alice@example.com", claims.Username)
	assert.Equal(t, "ALICE", claims.LegacyUsername)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, []string{"openid", "profile"}, claims.Scopes)
	assert.Equal(t, token, claims.Token)
	assert.NotContains(t, claims.String(), token)

	require.NotNil(t, entry)
	assert.True(t, entry.Success)
	assert.Equal(t, "jwt:validate", entry.Action)
	assert.Equal(t, "user-123", entry.UserID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Len(t, sink.Entries(), 1)
}

func TestValidator_Rejections(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	tests := []struct {
		name   string
		claims gojwt.MapClaims
		want   error
	}{
		{
			name:   "untrusted issuer",
			claims: idp.claims(func(c gojwt.MapClaims) { c["iss"] = "https://evil.example.com" }),
			want:   errors.ErrUntrustedIssuer,
		},
		{
			name: "azp differs from audience even though aud contains it",
			claims: idp.claims(func(c gojwt.MapClaims) {
				c["aud"] = []string{testAudience, "other-client"}
				c["azp"] = "other-client"
			}),
			want: errors.ErrAzpMismatch,
		},
		{
			name:   "wrong audience",
			claims: idp.claims(func(c gojwt.MapClaims) { c["aud"] = "someone-else" }),
			want:   errors.ErrAudienceMismatch,
		},
		{
			name: "expired",
			claims: idp.claims(func(c gojwt.MapClaims) {
				c["iat"] = time.Now().Add(-30 * time.Minute).Unix()
				c["exp"] = time.Now().Add(-10 * time.Minute).Unix()
			}),
			want: errors.ErrTokenExpired,
		},
		{
			name:   "missing exp",
			claims: idp.claims(func(c gojwt.MapClaims) { delete(c, "exp") }),
			want:   errors.ErrMissingClaim,
		},
		{
			name:   "not yet valid",
			claims: idp.claims(func(c gojwt.MapClaims) { c["nbf"] = time.Now().Add(10 * time.Minute).Unix() }),
			want:   errors.ErrTokenNotYetValid,
		},
		{
			name: "too old",
			claims: idp.claims(func(c gojwt.MapClaims) {
				c["iat"] = time.Now().Add(-2 * time.Hour).Unix()
			}),
			want: errors.ErrTokenTooOld,
		},
		{
			name:   "missing iat",
			claims: idp.claims(func(c gojwt.MapClaims) { delete(c, "iat") }),
			want:   errors.ErrMissingClaim,
		},
		{
			name:   "missing legacy username",
			claims: idp.claims(func(c gojwt.MapClaims) { delete(c, "sam_account") }),
			want:   errors.ErrMissingClaim,
		},
		{
			name:   "missing subject",
			claims: idp.claims(func(c gojwt.MapClaims) { delete(c, "sub") }),
			want:   errors.ErrMissingClaim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, entry, err := v.Validate(context.Background(), idp.sign(t, tt.claims), ValidationContext{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsSecurity(err))
			assert.Nil(t, claims)
			require.NotNil(t, entry)
			assert.False(t, entry.Success)
			assert.Equal(t, errors.CodeOf(tt.want), entry.Reason)
		})
	}
}

func TestValidator_MissingClaimNamesPath(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	_, _, err := v.Validate(context.Background(),
		idp.sign(t, idp.claims(func(c gojwt.MapClaims) { delete(c, "sam_account") })), ValidationContext{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"sam_account"`)
}

func TestValidator_RequireNbf(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil, idp.issuer(func(ti *TrustedIssuer) { ti.Security.RequireNbf = true }))

	_, _, err := v.Validate(context.Background(), idp.sign(t, idp.claims()), ValidationContext{})
	assert.ErrorIs(t, err, errors.ErrMissingNbf)

	withNbf := idp.claims(func(c gojwt.MapClaims) { c["nbf"] = time.Now().Add(-time.Minute).Unix() })
	_, _, err = v.Validate(context.Background(), idp.sign(t, withNbf), ValidationContext{})
	assert.NoError(t, err)
}

func TestValidator_AzpMatchingAudienceAccepted(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	tok := idp.sign(t, idp.claims(func(c gojwt.MapClaims) { c["azp"] = testAudience }))
	claims, _, err := v.Validate(context.Background(), tok, ValidationContext{})
	require.NoError(t, err)
	assert.Equal(t, testAudience, claims.AuthorizedParty)
}

func TestValidator_Malformed(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	for _, tok := range []string{
		"",
		"abc",
		"a.b",
		"a.b.c.d",
		"eyJhbGciOiJSUzI1NiJ9..sig",
		"eyJhbGciOiJSUzI1NiJ9.e30.not base64!",
	} {
		_, entry, err := v.Validate(context.Background(), tok, ValidationContext{})
		assert.ErrorIs(t, err, errors.ErrMalformedToken, "token %q", tok)
		assert.False(t, entry.Success)
	}
}

func TestValidator_RejectsSymmetricAlgorithm(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	tok := gojwt.NewWithClaims(gojwt.SigningMethodHS256, idp.claims())
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString([]byte("shared-secret"))
	require.NoError(t, err)

	_, _, err = v.Validate(context.Background(), s, ValidationContext{})
	assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
}

func TestValidator_WrongSigningKey(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tok := gojwt.NewWithClaims(gojwt.SigningMethodRS256, idp.claims())
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString(other)
	require.NoError(t, err)

	_, _, err = v.Validate(context.Background(), s, ValidationContext{})
	assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
}

func TestValidator_UnknownKidRefreshIsRateLimited(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	for range 3 {
		_, _, err := v.Validate(context.Background(), idp.signWithKid(t, idp.claims(), "rotated"), ValidationContext{})
		assert.ErrorIs(t, err, errors.ErrSignatureInvalid)
	}

	// one registration fetch plus a single forced refresh
	assert.LessOrEqual(t, idp.hits.Load(), int32(2))
}

func TestValidator_SingleKeyWithoutKid(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil)

	_, _, err := v.Validate(context.Background(), idp.signWithKid(t, idp.claims(), ""), ValidationContext{})
	assert.NoError(t, err)
}

func TestValidator_NestedClaimPaths(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil, idp.issuer(func(ti *TrustedIssuer) {
		ti.Claims.Roles = "realm_access.roles"
		ti.Claims.LegacyUsername = "ext.legacy.sam"
	}))

	tok := idp.sign(t, idp.claims(func(c gojwt.MapClaims) {
		c["realm_access"] = map[string]any{"roles": []string{"user", "auditor"}}
		c["ext"] = map[string]any{"legacy": map[string]any{"sam": "BOB"}}
	}))
	claims, _, err := v.Validate(context.Background(), tok, ValidationContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "auditor"}, claims.Roles)
	assert.Equal(t, "BOB", claims.LegacyUsername)
}

func TestValidator_SelectsIssuerByAudience(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil,
		idp.issuer(func(ti *TrustedIssuer) { ti.Audience = "first" }),
		idp.issuer(func(ti *TrustedIssuer) { ti.Audience = "second" }),
	)

	tok := idp.sign(t, idp.claims(func(c gojwt.MapClaims) { c["aud"] = "second" }))
	claims, _, err := v.Validate(context.Background(), tok, ValidationContext{})
	require.NoError(t, err)
	assert.Equal(t, "second", claims.TrustedIssuer.Audience)
}

func TestValidator_Discovery(t *testing.T) {
	t.Parallel()

	idp := newTestIdP(t)
	v := newTestValidator(t, idp, nil, idp.issuer(func(ti *TrustedIssuer) { ti.JWKSURL = "" }))

	_, _, err := v.Validate(context.Background(), idp.sign(t, idp.claims()), ValidationContext{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), idp.hits.Load())
}

func TestNewValidator_ConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		issuer TrustedIssuer
		want   error
	}{
		{
			name:   "symmetric algorithm",
			issuer: TrustedIssuer{Issuer: "https://idp", Audience: "a", Algorithms: []string{"HS256"}},
			want:   errors.ErrInsecureAlgorithm,
		},
		{
			name:   "none algorithm",
			issuer: TrustedIssuer{Issuer: "https://idp", Audience: "a", Algorithms: []string{"none"}},
			want:   errors.ErrInsecureAlgorithm,
		},
		{
			name:   "plain http key set",
			issuer: TrustedIssuer{Issuer: "https://idp", Audience: "a", JWKSURL: "http://idp/jwks"},
			want:   errors.ErrInsecureEndpoint,
		},
		{
			name:   "no audience",
			issuer: TrustedIssuer{Issuer: "https://idp"},
			want:   errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewValidator(context.Background(), []TrustedIssuer{tt.issuer})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsConfiguration(err))
		})
	}

	_, err := NewValidator(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestNewValidator_InsecureAllowedInDevelopment(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(context.Background(),
		[]TrustedIssuer{{Issuer: "http://localhost:8080/realms/dev", Audience: "a"}},
		WithInsecureEndpoints(true))
	assert.NoError(t, err)
}

func TestKeySource_FetchFailureIsOperational(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	ks, err := NewJWKSKeySource(context.Background(), server.Client(), 0)
	require.NoError(t, err)

	_, err = ks.Key(context.Background(), &TrustedIssuer{Issuer: server.URL, JWKSURL: server.URL + "/jwks"}, testKeyID)
	require.Error(t, err)
	assert.True(t, errors.IsOperational(err))
}
