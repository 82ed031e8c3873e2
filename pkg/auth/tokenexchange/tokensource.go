// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// tokenSource implements oauth2.TokenSource for token exchange.
type tokenSource struct {
	ctx     context.Context
	service *Service
	req     Request
	now     func() time.Time
}

// Token performs the exchange and returns the result as an oauth2.Token.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	res, err := ts.service.Exchange(ts.ctx, ts.req)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}

	tokenType := res.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &oauth2.Token{
		AccessToken: res.AccessToken,
		TokenType:   tokenType,
		Expiry:      res.ExpiresAt(ts.now()),
	}, nil
}

// TokenSource returns an oauth2.TokenSource that exchanges req on demand and
// reuses the result until it expires.
func (s *Service) TokenSource(ctx context.Context, req Request) oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &tokenSource{
		ctx:     ctx,
		service: s,
		req:     req,
		now:     time.Now,
	})
}
