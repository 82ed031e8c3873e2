// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenexchange provides OAuth 2.0 Token Exchange (RFC 8693) support
// for obtaining audience-scoped delegation tokens on behalf of a user.
package tokenexchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/networking"
)

const (
	// GrantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// TokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// TokenTypeJWT indicates a JWT
	//nolint:gosec // G101: OAuth2 URN identifier, not a credential
	TokenTypeJWT = "urn:ietf:params:oauth:token-type:jwt"

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// OAuthError is an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	StatusCode  int    `json:"-"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token exchange rejected (status %d): %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("token exchange rejected (status %d): %s", e.StatusCode, e.Code)
}

// parseOAuthError returns nil unless body is a well-formed OAuth error.
func parseOAuthError(statusCode int, body []byte) *OAuthError {
	var oauthErr OAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Code == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// Request contains the fields of one token exchange.
type Request struct {
	SubjectToken       string
	SubjectTokenType   string
	RequestedTokenType string
	Audience           string
	TokenEndpoint      string
	ClientID           string
	ClientSecret       string
	Resource           string
	Scope              []string
	// UserID is only used for the audit trail.
	UserID string
}

// String redacts the subject token and client secret.
func (r Request) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}
	clientSecret := redactedPlaceholder
	if r.ClientSecret == "" {
		clientSecret = emptyPlaceholder
	}
	return fmt.Sprintf("Request{Endpoint: %s, Audience: %s, Scope: %v, ClientID: %s, ClientSecret: %s, SubjectToken: %s}",
		r.TokenEndpoint, r.Audience, r.Scope, r.ClientID, clientSecret, subjectToken)
}

// Result is the outcome of an exchange. It is always returned, also on failure.
type Result struct {
	Success          bool   `json:"success"`
	AccessToken      string `json:"-"`
	IssuedTokenType  string `json:"issued_token_type,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	ExpiresIn        int    `json:"expires_in,omitempty"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// String redacts the access token.
func (r *Result) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	return fmt.Sprintf("Result{Success: %t, AccessToken: %s, TokenType: %s, ExpiresIn: %d, Error: %s}",
		r.Success, accessToken, r.TokenType, r.ExpiresIn, r.Error)
}

// ExpiresAt returns the absolute expiry relative to now, or the zero time if
// the endpoint did not report one.
func (r *Result) ExpiresAt(now time.Time) time.Time {
	if r.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(r.ExpiresIn) * time.Second)
}

type response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// Service performs token exchanges.
type Service struct {
	client        *http.Client
	sink          audit.Sink
	allowInsecure bool
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient sets the HTTP client used for exchange requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithAuditSink sets the audit sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithInsecureEndpoints permits http:// token endpoints. Development only.
func WithInsecureEndpoints(allow bool) Option {
	return func(s *Service) { s.allowInsecure = allow }
}

// NewService creates a token exchange service.
func NewService(opts ...Option) (*Service, error) {
	s := &Service{}
	for _, opt := range opts {
		opt(s)
	}
	if s.sink == nil {
		s.sink = audit.NopSink{}
	}
	if s.client == nil {
		c, err := networking.NewHttpClientBuilder().WithInsecureHTTP(s.allowInsecure).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP client: %w", err)
		}
		s.client = c
	}
	return s, nil
}

// Exchange performs the token exchange described by req. The Result is never
// nil; the error is nil iff the exchange succeeded. Rejections by the identity
// provider are returned as *OAuthError, transport failures carry the
// request_failed code. Exactly one audit entry is emitted per call.
func (s *Service) Exchange(ctx context.Context, req Request) (*Result, error) {
	entry := audit.NewEntry(audit.SourceTokenExchange, "exchange", req.UserID).
		WithMetadata("audience", req.Audience).
		WithMetadata("endpoint", req.TokenEndpoint)

	res, err := s.exchange(ctx, req)
	if err != nil {
		res.Success = false
		entry.Failed(err)
		if res.Error != "" {
			entry.WithReason(res.Error)
		} else {
			entry.WithReason(errors.CodeOf(err))
		}
		logger.Debugw("token exchange failed", "audience", req.Audience, "error", err)
	} else {
		entry.Succeeded().WithMetadata("expires_in", res.ExpiresIn)
	}
	audit.Emit(ctx, s.sink, entry)

	return res, err
}

func (s *Service) exchange(ctx context.Context, req Request) (*Result, error) {
	res := &Result{}

	if err := networking.ValidateEndpointURL(req.TokenEndpoint, s.allowInsecure); err != nil {
		res.Error = errors.CodeOf(err)
		return res, err
	}
	if req.SubjectToken == "" {
		res.Error = "invalid_request"
		res.ErrorDescription = "subject token is required"
		return res, errors.Newf(errors.CodeInvalidConfig, "subject token is required")
	}
	if req.Audience == "" {
		res.Error = "invalid_request"
		res.ErrorDescription = "audience is required"
		return res, errors.Newf(errors.CodeInvalidConfig, "audience is required")
	}

	data := buildFormData(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.TokenEndpoint, strings.NewReader(data))
	if err != nil {
		res.Error = errors.CodeRequestFailed
		return res, errors.New(errors.CodeRequestFailed, "failed to create token exchange request", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Content-Length", strconv.Itoa(len(data)))
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		res.Error = errors.CodeRequestFailed
		res.ErrorDescription = err.Error()
		return res, errors.New(errors.CodeRequestFailed, "token exchange request failed", err)
	}
	defer resp.Body.Close()

	body, err := networking.ReadBody(resp, networking.MaxResponseSize)
	if err != nil {
		res.Error = errors.CodeRequestFailed
		return res, errors.New(errors.CodeRequestFailed, "", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if oauthErr := parseOAuthError(resp.StatusCode, body); oauthErr != nil {
			res.Error = oauthErr.Code
			res.ErrorDescription = oauthErr.Description
			return res, oauthErr
		}
		res.Error = errors.CodeRequestFailed
		res.ErrorDescription = fmt.Sprintf("token endpoint returned status %d", resp.StatusCode)
		return res, errors.New(errors.CodeRequestFailed, "", networking.ErrorFromResponse(resp, body))
	}

	var tr response
	if err := json.Unmarshal(body, &tr); err != nil {
		res.Error = errors.CodeRequestFailed
		res.ErrorDescription = "malformed token exchange response"
		return res, errors.New(errors.CodeRequestFailed, "failed to parse token exchange response", err)
	}
	if tr.AccessToken == "" {
		res.Error = errors.CodeRequestFailed
		res.ErrorDescription = "token endpoint returned an empty access_token"
		return res, errors.Newf(errors.CodeRequestFailed, "server returned empty access_token")
	}

	res.Success = true
	res.AccessToken = tr.AccessToken
	res.IssuedTokenType = tr.IssuedTokenType
	res.TokenType = tr.TokenType
	res.ExpiresIn = tr.ExpiresIn
	res.Scope = tr.Scope
	return res, nil
}

func buildFormData(req Request) string {
	data := url.Values{}
	data.Set("grant_type", GrantTypeTokenExchange)
	data.Set("subject_token", req.SubjectToken)

	subjectTokenType := req.SubjectTokenType
	if subjectTokenType == "" {
		subjectTokenType = TokenTypeAccessToken
	}
	data.Set("subject_token_type", subjectTokenType)

	if req.RequestedTokenType != "" {
		data.Set("requested_token_type", req.RequestedTokenType)
	}
	data.Set("audience", req.Audience)
	if req.ClientID != "" {
		data.Set("client_id", req.ClientID)
	}
	if req.ClientSecret != "" {
		data.Set("client_secret", req.ClientSecret)
	}
	if req.Resource != "" {
		data.Set("resource", req.Resource)
	}
	if len(req.Scope) > 0 {
		data.Set("scope", strings.Join(req.Scope, " "))
	}
	return data.Encode()
}
