// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rest implements delegation to HTTP APIs. Requests carry either a
// token exchanged for the caller or a static API key, plus headers that
// identify the caller to the backend.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"dario.cat/mergo"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/auth/tokenexchange"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
	"github.com/stacklok/delegator/pkg/networking"
)

// ModuleType is the type name of REST modules.
const ModuleType = "rest"

// Identity headers sent with every delegated request.
const (
	HeaderUserID         = "X-User-ID"
	HeaderUsername       = "X-Username"
	HeaderLegacyUsername = "X-Legacy-Username"
	HeaderUserRole       = "X-User-Role"
)

const (
	defaultAPIKeyHeader = "X-API-Key"
	defaultMethod       = http.MethodPost
	defaultTimeout      = 30 * time.Second
)

var allowedMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
}

var (
	// ErrUnknownEndpoint is returned when an action maps to no endpoint.
	ErrUnknownEndpoint = errors.New("no endpoint configured for action")
	// ErrInvalidEndpoint is returned for endpoint overrides that leave the base URL.
	ErrInvalidEndpoint = errors.New("invalid endpoint path")
	// ErrMethodNotAllowed is returned for unsupported HTTP methods.
	ErrMethodNotAllowed = errors.New("http method not allowed")
	// ErrNoCredentials is returned when neither an exchanged token nor an API key is available.
	ErrNoCredentials = errors.New("no backend credentials available")
	// ErrNotInitialized is returned when the module is used before Initialize.
	ErrNotInitialized = errors.New("rest module not initialized")
)

// TokenExchangeSettings configures the exchange of the caller's token for a
// backend token.
type TokenExchangeSettings struct {
	TokenEndpoint string   `mapstructure:"token_endpoint"`
	ClientID      string   `mapstructure:"client_id"`
	ClientSecret  string   `mapstructure:"client_secret"`
	Audience      string   `mapstructure:"audience"`
	Scope         []string `mapstructure:"scope"`
	Resource      string   `mapstructure:"resource"`
	// Cache stores exchanged tokens in the session cache.
	Cache bool `mapstructure:"cache"`
}

// Settings configures a REST module.
type Settings struct {
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
	APIKeyHeader string `mapstructure:"api_key_header"`
	// Endpoints maps actions to paths below BaseURL.
	Endpoints     map[string]string `mapstructure:"endpoints"`
	Method        string            `mapstructure:"method"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	CABundle      string            `mapstructure:"ca_bundle"`
	AllowInsecure bool              `mapstructure:"allow_insecure"`
	// RateLimit is the client-side limit in requests per second. Zero disables it.
	RateLimit     float64                `mapstructure:"rate_limit"`
	RateBurst     int                    `mapstructure:"rate_burst"`
	AllowedRoles  []string               `mapstructure:"allowed_roles"`
	TokenExchange *TokenExchangeSettings `mapstructure:"token_exchange"`
}

func (s *Settings) applyDefaults() {
	// Only zero values are filled; configured values are kept.
	_ = mergo.Merge(s, Settings{
		APIKeyHeader: defaultAPIKeyHeader,
		Method:       defaultMethod,
		Timeout:      defaultTimeout,
	})
	s.Method = strings.ToUpper(s.Method)
	if s.Timeout < 0 {
		s.Timeout = defaultTimeout
	}
	if s.RateLimit > 0 && s.RateBurst <= 0 {
		s.RateBurst = 1
	}
}

func (s *Settings) validate() error {
	if s.BaseURL == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "rest module requires a base_url")
	}
	if err := networking.ValidateEndpointURL(s.BaseURL, s.AllowInsecure); err != nil {
		return err
	}
	if !slices.Contains(allowedMethods, s.Method) {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "unsupported method %q", s.Method)
	}
	if s.RateLimit < 0 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "rate_limit must not be negative")
	}
	for action, path := range s.Endpoints {
		if err := checkPath(path); err != nil {
			return apperrors.New(apperrors.CodeInvalidConfig, fmt.Sprintf("invalid endpoint for action %q", action), err)
		}
	}
	if te := s.TokenExchange; te != nil {
		if err := networking.ValidateEndpointURL(te.TokenEndpoint, s.AllowInsecure); err != nil {
			return err
		}
		if te.ClientID == "" || te.ClientSecret == "" {
			return apperrors.Newf(apperrors.CodeMissingClientCredentials,
				"token exchange for the rest module requires client_id and client_secret")
		}
		if te.Audience == "" {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "token exchange for the rest module requires an audience")
		}
	}
	if s.TokenExchange == nil && s.APIKey == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "rest module requires token_exchange or api_key")
	}
	return nil
}

// Module is the REST delegation module.
type Module struct {
	name     string
	settings Settings
	base     *url.URL
	client   *http.Client
	limiter  *rate.Limiter
	now      func() time.Time
}

var _ delegation.ContextualModule = (*Module)(nil)

// Option configures a Module.
type Option func(*Module)

// WithHTTPClient replaces the client built from the settings.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Module) { m.client = c }
}

// WithClock overrides the clock used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

// New creates a REST module registered under name.
func New(name string, opts ...Option) *Module {
	m := &Module{name: name, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Type implements delegation.Module.
func (*Module) Type() string { return ModuleType }

// Initialize decodes and validates settings and builds the HTTP client.
func (m *Module) Initialize(_ context.Context, settings map[string]any) error {
	var s Settings
	if err := delegation.DecodeSettings(settings, &s); err != nil {
		return err
	}
	s.applyDefaults()
	if err := s.validate(); err != nil {
		return err
	}
	base, err := url.Parse(s.BaseURL)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidConfig, "invalid base_url", err)
	}
	if m.client == nil {
		client, err := networking.NewHttpClientBuilder().
			WithTimeout(s.Timeout).
			WithCABundle(s.CABundle).
			WithInsecureHTTP(s.AllowInsecure).
			Build()
		if err != nil {
			return apperrors.New(apperrors.CodeInvalidConfig, "failed to build rest client", err)
		}
		m.client = client
	}
	if s.RateLimit > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(s.RateLimit), s.RateBurst)
	}
	m.settings = s
	m.base = base

	logger.Infow("initialized rest module",
		"module", m.name, "base_url", base.Redacted(), "endpoints", len(s.Endpoints),
		"token_exchange", s.TokenExchange != nil, "rate_limit", s.RateLimit)
	return nil
}

// ValidateAccess requires a user id and, when configured, an allowed primary role.
func (m *Module) ValidateAccess(_ context.Context, sess *session.UserSession) bool {
	if sess == nil || sess.UserID == "" {
		return false
	}
	return len(m.settings.AllowedRoles) == 0 || slices.Contains(m.settings.AllowedRoles, sess.Role)
}

// Delegate implements delegation.Module. Without services only the API key
// can be used.
func (m *Module) Delegate(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any,
) *delegation.Result {
	return m.DelegateWithContext(ctx, sess, action, params, nil)
}

type request struct {
	Endpoint string         `mapstructure:"endpoint"`
	Method   string         `mapstructure:"method"`
	Body     any            `mapstructure:"body"`
	Query    map[string]any `mapstructure:"query"`
}

// Response is the data of a delegated call. It is attached to failed
// results too.
type Response struct {
	Status int `json:"status"`
	Body   any `json:"body,omitempty"`
}

// DelegateWithContext implements delegation.ContextualModule.
func (m *Module) DelegateWithContext(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any, svc *delegation.Services,
) *delegation.Result {
	var userID string
	if sess != nil {
		userID = sess.UserID
	}
	entry := audit.NewEntry(audit.SourceREST, action, userID)

	if m.base == nil {
		return delegation.Failed(entry, ErrNotInitialized)
	}
	var p request
	if err := delegation.DecodeParams(params, &p); err != nil {
		return delegation.Failed(entry.WithReason("invalid_request"), err)
	}

	target, err := m.resolve(action, p)
	if err != nil {
		return delegation.Failed(entry.WithReason("invalid_request"), err)
	}
	method := m.settings.Method
	if p.Method != "" {
		method = strings.ToUpper(p.Method)
	}
	if !slices.Contains(allowedMethods, method) {
		return delegation.Failed(entry.WithReason("invalid_request"), fmt.Errorf("%w: %s", ErrMethodNotAllowed, method))
	}
	entry.WithMetadata("method", method).WithMetadata("url", target.Redacted())

	req, err := newRequest(ctx, method, target, p.Body)
	if err != nil {
		return delegation.Failed(entry.WithReason("invalid_request"), err)
	}
	setIdentityHeaders(req, sess)

	authMode, err := m.authorize(ctx, req, sess, svc)
	if err != nil {
		return delegation.Failed(entry.WithReason("credentials_unavailable"), err)
	}
	entry.WithMetadata("auth", authMode)

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return delegation.Failed(entry.WithReason("rate_limited"), err)
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return delegation.Failed(entry, apperrors.New(apperrors.CodeBackendUnavailable, "rest backend request failed", err))
	}
	defer resp.Body.Close()

	body, err := networking.ReadBody(resp, networking.MaxResponseSize)
	if err != nil {
		return delegation.Failed(entry.WithMetadata("status", resp.StatusCode).WithReason("invalid_response"), err)
	}
	entry.WithMetadata("status", resp.StatusCode)
	data := &Response{Status: resp.StatusCode, Body: decodeBody(body)}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debugw("rest backend returned an error", "module", m.name, "status", resp.StatusCode, "url", target.Redacted())
		res := delegation.Failed(entry.WithReason(fmt.Sprintf("http_%d", resp.StatusCode)), networking.ErrorFromResponse(resp, body))
		res.Data = data
		return res
	}
	return delegation.Succeeded(entry, data)
}

// resolve maps the action, or the endpoint override, to a URL below the base.
func (m *Module) resolve(action string, p request) (*url.URL, error) {
	path := p.Endpoint
	if path == "" {
		path = m.settings.Endpoints[action]
	}
	if path == "" {
		return nil, fmt.Errorf("%w %q", ErrUnknownEndpoint, action)
	}
	if err := checkPath(path); err != nil {
		return nil, err
	}
	rawPath, rawQuery, _ := strings.Cut(path, "?")
	target := m.base.JoinPath(rawPath)

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	for k, v := range p.Query {
		switch vv := v.(type) {
		case []any:
			for _, item := range vv {
				query.Add(k, fmt.Sprint(item))
			}
		case []string:
			for _, item := range vv {
				query.Add(k, item)
			}
		default:
			query.Set(k, fmt.Sprint(v))
		}
	}
	target.RawQuery = query.Encode()
	return target, nil
}

// checkPath accepts only relative paths that stay below the base URL.
func checkPath(path string) error {
	if strings.HasPrefix(path, "//") || strings.Contains(path, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, path)
	}
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.IsAbs() || u.Host != "" || u.Fragment != "" {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, path)
	}
	if slices.Contains(strings.Split(u.Path, "/"), "..") {
		return fmt.Errorf("%w: %q", ErrInvalidEndpoint, path)
	}
	return nil
}

func newRequest(ctx context.Context, method string, target *url.URL, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil && method != http.MethodGet {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		case []byte:
			reader = bytes.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request body: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func setIdentityHeaders(req *http.Request, sess *session.UserSession) {
	if sess == nil {
		return
	}
	set := func(header, value string) {
		if value != "" {
			req.Header.Set(header, value)
		}
	}
	set(HeaderUserID, sess.UserID)
	set(HeaderUsername, sess.Username)
	set(HeaderLegacyUsername, sess.LegacyUsername)
	set(HeaderUserRole, sess.Role)
}

// authorize attaches an exchanged bearer token when token exchange is
// configured and available, and falls back to the API key otherwise. It
// returns the credential kind used.
func (m *Module) authorize(
	ctx context.Context, req *http.Request, sess *session.UserSession, svc *delegation.Services,
) (string, error) {
	var exchangeErr error
	if m.settings.TokenExchange != nil && svc != nil && svc.TokenExchange != nil && sess != nil && sess.Token != "" {
		token, cached, err := m.exchangedToken(ctx, sess, svc)
		if err == nil {
			token.SetAuthHeader(req)
			if cached {
				return "token_exchange_cached", nil
			}
			return "token_exchange", nil
		}
		exchangeErr = err
		logger.Warnw("token exchange for rest backend failed", "module", m.name, "user_id", sess.UserID, "error", err)
	}
	if m.settings.APIKey != "" {
		req.Header.Set(m.settings.APIKeyHeader, m.settings.APIKey)
		if exchangeErr != nil {
			return "api_key_fallback", nil
		}
		return "api_key", nil
	}
	if exchangeErr != nil {
		return "", exchangeErr
	}
	return "", ErrNoCredentials
}

func (m *Module) exchangedToken(
	ctx context.Context, sess *session.UserSession, svc *delegation.Services,
) (*oauth2.Token, bool, error) {
	te := m.settings.TokenExchange
	entryKey := "rest\x00" + m.name + "\x00" + te.Audience
	useCache := te.Cache && svc.Cache.Enabled() && svc.SessionKey != ""

	if useCache {
		if token, ok := svc.Cache.Get(ctx, svc.SessionKey, entryKey, sess.Token); ok {
			return &oauth2.Token{AccessToken: token, TokenType: "Bearer"}, true, nil
		}
	}

	res, err := svc.TokenExchange.Exchange(ctx, tokenexchange.Request{
		SubjectToken:  sess.Token,
		Audience:      te.Audience,
		TokenEndpoint: te.TokenEndpoint,
		ClientID:      te.ClientID,
		ClientSecret:  te.ClientSecret,
		Resource:      te.Resource,
		Scope:         te.Scope,
		UserID:        sess.UserID,
	})
	if err != nil {
		return nil, false, err
	}
	if res == nil || !res.Success || res.AccessToken == "" {
		return nil, false, apperrors.Newf(apperrors.CodeRequestFailed, "token exchange returned no access token")
	}

	now := m.now()
	expiresAt := res.ExpiresAt(now)
	if useCache {
		if err := svc.Cache.Set(svc.SessionKey, entryKey, res.AccessToken, sess.Token, expiresAt); err != nil {
			logger.Debugw("failed to cache exchanged token", "module", m.name, "error", err)
		}
	}
	return &oauth2.Token{AccessToken: res.AccessToken, TokenType: bearer(res.TokenType), Expiry: expiresAt}, false, nil
}

func bearer(tokenType string) string {
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") || strings.EqualFold(tokenType, "N_A") {
		return "Bearer"
	}
	return tokenType
}

func decodeBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return string(body)
}

// HealthCheck reports whether the base URL answers at all. Any HTTP status
// counts as reachable.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.base == nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.base.String(), nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logger.Warnw("rest health check failed", "module", m.name, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Destroy releases idle connections.
func (m *Module) Destroy(context.Context) error {
	if m.client != nil {
		m.client.CloseIdleConnections()
	}
	return nil
}
