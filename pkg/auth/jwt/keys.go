// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/time/rate"

	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

// DefaultRefreshCooldown bounds how often an unknown key id may force a key-set refresh.
const DefaultRefreshCooldown = 30 * time.Second

const registrationTimeout = 5 * time.Second

// KeySource resolves the verification key for a token.
type KeySource interface {
	// Key returns the raw public key for kid. An empty kid is accepted only
	// when the issuer's key set holds exactly one key.
	Key(ctx context.Context, issuer *TrustedIssuer, kid string) (any, error)
}

// JWKSKeySource serves keys from per-issuer JWKS documents cached with
// background refresh.
type JWKSKeySource struct {
	cache    *jwk.Cache
	client   *http.Client
	cooldown time.Duration

	regMu      sync.Mutex
	mu         sync.Mutex
	registered map[string]bool
	discovered map[string]string
	limiters   map[string]*rate.Limiter
}

// NewJWKSKeySource creates a key source fetching through client.
func NewJWKSKeySource(ctx context.Context, client *http.Client, cooldown time.Duration) (*JWKSKeySource, error) {
	if cooldown <= 0 {
		cooldown = DefaultRefreshCooldown
	}
	cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}
	return &JWKSKeySource{
		cache:      cache,
		client:     client,
		cooldown:   cooldown,
		registered: make(map[string]bool),
		discovered: make(map[string]string),
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// Key implements KeySource.
func (s *JWKSKeySource) Key(ctx context.Context, issuer *TrustedIssuer, kid string) (any, error) {
	jwksURL, err := s.jwksURL(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if err := s.ensureRegistered(ctx, jwksURL); err != nil {
		return nil, err
	}

	set, err := s.cache.Lookup(ctx, jwksURL)
	if err != nil {
		return nil, errors.New(errors.CodeJWKSFetchFailed, jwksURL, err)
	}

	key, found, err := selectKey(set, kid)
	if err != nil {
		return nil, err
	}
	if !found && s.allowRefresh(jwksURL) {
		logger.Debugw("unknown key id, refreshing key set", "kid", kid, "jwks_url", jwksURL)
		refreshed, rerr := s.cache.Refresh(ctx, jwksURL)
		if rerr != nil {
			// the cached set stays in place
			logger.Warnw("key set refresh failed", "jwks_url", jwksURL, "error", rerr)
		} else {
			key, found, err = selectKey(refreshed, kid)
			if err != nil {
				return nil, err
			}
		}
	}
	if !found {
		return nil, errors.Newf(errors.CodeSignatureInvalid, "key id %q not found in key set", kid)
	}

	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, errors.New(errors.CodeSignatureInvalid, "failed to export key", err)
	}
	return raw, nil
}

func selectKey(set jwk.Set, kid string) (jwk.Key, bool, error) {
	if kid == "" {
		if set.Len() != 1 {
			return nil, false, errors.Newf(errors.CodeSignatureInvalid,
				"token has no key id and the key set holds %d keys", set.Len())
		}
		key, ok := set.Key(0)
		return key, ok, nil
	}
	key, ok := set.LookupKeyID(kid)
	return key, ok, nil
}

func (s *JWKSKeySource) allowRefresh(jwksURL string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[jwksURL]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.cooldown), 1)
		s.limiters[jwksURL] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (s *JWKSKeySource) ensureRegistered(ctx context.Context, jwksURL string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	if s.registered[jwksURL] || s.cache.IsRegistered(ctx, jwksURL) {
		s.registered[jwksURL] = true
		return nil
	}

	regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()
	if err := s.cache.Register(regCtx, jwksURL); err != nil {
		return errors.New(errors.CodeJWKSFetchFailed, fmt.Sprintf("failed to register %s", jwksURL), err)
	}
	s.registered[jwksURL] = true
	return nil
}

// jwksURL returns the configured key-set URL or discovers it once per issuer.
func (s *JWKSKeySource) jwksURL(ctx context.Context, issuer *TrustedIssuer) (string, error) {
	if issuer.JWKSURL != "" {
		return issuer.JWKSURL, nil
	}

	s.mu.Lock()
	u, ok := s.discovered[issuer.Issuer]
	s.mu.Unlock()
	if ok {
		return u, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, s.client), issuer.Issuer)
	if err != nil {
		return "", errors.New(errors.CodeJWKSFetchFailed, fmt.Sprintf("discovery for %s failed", issuer.Issuer), err)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil || doc.JWKSURI == "" {
		return "", errors.New(errors.CodeJWKSFetchFailed, fmt.Sprintf("issuer %s publishes no jwks_uri", issuer.Issuer), err)
	}

	s.mu.Lock()
	s.discovered[issuer.Issuer] = doc.JWKSURI
	s.mu.Unlock()
	return doc.JWKSURI, nil
}
