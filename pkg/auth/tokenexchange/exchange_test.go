// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
)

const testSubjectToken = "test-subject-token"

func newTestService(t *testing.T, server *httptest.Server, sink audit.Sink) *Service {
	t.Helper()
	s, err := NewService(
		WithHTTPClient(server.Client()),
		WithAuditSink(sink),
		WithInsecureEndpoints(true),
	)
	require.NoError(t, err)
	return s
}

func testRequest(endpoint string) Request {
	return Request{
		SubjectToken:  testSubjectToken,
		Audience:      "https://api.example.com",
		TokenEndpoint: endpoint,
		ClientID:      "test-client-id",
		ClientSecret:  "test-client-secret",
		Scope:         []string{"read", "write"},
		UserID:        "u1",
	}
}

func TestService_Exchange_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		require.NoError(t, r.ParseForm())
		assert.Equal(t, GrantTypeTokenExchange, r.Form.Get("grant_type"))
		assert.Equal(t, testSubjectToken, r.Form.Get("subject_token"))
		assert.Equal(t, TokenTypeAccessToken, r.Form.Get("subject_token_type"))
		assert.Equal(t, "https://api.example.com", r.Form.Get("audience"))
		assert.Equal(t, "read write", r.Form.Get("scope"))
		assert.Equal(t, "test-client-id", r.Form.Get("client_id"))
		assert.Equal(t, "test-client-secret", r.Form.Get("client_secret"))
		assert.Empty(t, r.Form.Get("resource"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response{
			AccessToken:     "exchanged-access-token",
			IssuedTokenType: TokenTypeAccessToken,
			TokenType:       "Bearer",
			ExpiresIn:       3600,
			Scope:           "read write",
		})
	}))
	defer server.Close()

	sink := audit.NewMemorySink(0)
	res, err := newTestService(t, server, sink).Exchange(context.Background(), testRequest(server.URL))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "exchanged-access-token", res.AccessToken)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, 3600, res.ExpiresIn)
	assert.Equal(t, "read write", res.Scope)
	assert.NotContains(t, res.String(), "exchanged-access-token")

	entries := sink.Find("tokenexchange:exchange")
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, "u1", entries[0].UserID)
	assert.Equal(t, "https://api.example.com", entries[0].Metadata["audience"])
	assert.Equal(t, server.URL, entries[0].Metadata["endpoint"])
}

func TestService_Exchange_OAuthError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"subject token expired"}`))
	}))
	defer server.Close()

	sink := audit.NewMemorySink(0)
	res, err := newTestService(t, server, sink).Exchange(context.Background(), testRequest(server.URL))
	require.Error(t, err)

	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, http.StatusBadRequest, oauthErr.StatusCode)

	assert.False(t, res.Success)
	assert.Equal(t, "invalid_grant", res.Error)
	assert.Equal(t, "subject token expired", res.ErrorDescription)
	assert.Empty(t, res.AccessToken)

	entries := sink.Find("tokenexchange:exchange")
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "invalid_grant", entries[0].Reason)
}

func TestService_Exchange_NonOAuthErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	res, err := newTestService(t, server, nil).Exchange(context.Background(), testRequest(server.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRequestFailed)
	assert.True(t, errors.IsOperational(err))
	assert.Equal(t, errors.CodeRequestFailed, res.Error)
}

func TestService_Exchange_NetworkFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL
	server.Close()

	sink := audit.NewMemorySink(0)
	svc, err := NewService(WithAuditSink(sink), WithInsecureEndpoints(true))
	require.NoError(t, err)

	res, err := svc.Exchange(context.Background(), testRequest(endpoint))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrRequestFailed)

	var oauthErr *OAuthError
	assert.NotErrorAs(t, err, &oauthErr)
	assert.Equal(t, errors.CodeRequestFailed, res.Error)

	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, errors.CodeRequestFailed, entries[0].Reason)
}

func TestService_Exchange_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestService(t, server, nil).Exchange(ctx, testRequest(server.URL))
	require.Error(t, err)
	assert.True(t, errors.IsOperational(err))
}

func TestService_Exchange_RejectsBeforeNetwork(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	secure, err := NewService(WithHTTPClient(server.Client()))
	require.NoError(t, err)

	tests := []struct {
		name    string
		svc     *Service
		mutate  func(*Request)
		wantErr *errors.Error
	}{
		{
			name:    "plain http endpoint without dev flag",
			svc:     secure,
			mutate:  func(*Request) {},
			wantErr: errors.ErrInsecureEndpoint,
		},
		{
			name:    "empty subject token",
			svc:     newTestService(t, server, nil),
			mutate:  func(r *Request) { r.SubjectToken = "" },
			wantErr: errors.ErrInvalidConfig,
		},
		{
			name:    "empty audience",
			svc:     newTestService(t, server, nil),
			mutate:  func(r *Request) { r.Audience = "" },
			wantErr: errors.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest(server.URL)
			tt.mutate(&req)
			res, err := tt.svc.Exchange(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, res.Success)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestService_Exchange_TLS(t *testing.T) {
	t.Parallel()

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "https://backend", r.Form.Get("resource"))
		assert.Equal(t, TokenTypeJWT, r.Form.Get("requested_token_type"))
		_, _ = w.Write([]byte(`{"access_token":"tls-token","token_type":"Bearer"}`))
	}))
	defer server.Close()

	svc, err := NewService(WithHTTPClient(server.Client()))
	require.NoError(t, err)

	req := testRequest(server.URL)
	req.Resource = "https://backend"
	req.RequestedTokenType = TokenTypeJWT
	res, err := svc.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "tls-token", res.AccessToken)
	assert.True(t, res.ExpiresAt(time.Now()).IsZero())
}

func TestService_Exchange_EmptyAccessToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"Bearer"}`))
	}))
	defer server.Close()

	res, err := newTestService(t, server, nil).Exchange(context.Background(), testRequest(server.URL))
	require.Error(t, err)
	assert.False(t, res.Success)
}

func TestService_TokenSource(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"access_token":"ts-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	ts := newTestService(t, server, nil).TokenSource(context.Background(), testRequest(server.URL))

	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "ts-token", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.WithinDuration(t, time.Now().Add(time.Hour), token.Expiry, 5*time.Second)

	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "token should be reused until expiry")
}

func TestRequest_StringRedacts(t *testing.T) {
	t.Parallel()

	s := testRequest("https://idp").String()
	assert.NotContains(t, s, testSubjectToken)
	assert.NotContains(t, s, "test-client-secret")
	assert.Contains(t, s, redactedPlaceholder)
}

func TestDecodeClaims(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodRS256, gojwt.MapClaims{
		"sub": "u1",
		"aud": "backend",
	}).SignedString(key)
	require.NoError(t, err)

	claims := DecodeClaims(signed)
	require.NotNil(t, claims)
	assert.Equal(t, "u1", claims["sub"])
	assert.Equal(t, "backend", claims["aud"])

	assert.Nil(t, DecodeClaims("not-a-jwt"))
	assert.Nil(t, DecodeClaims("a.b.c"))
	assert.Nil(t, DecodeClaims(""))
}
