// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used to reach identity
// providers, token endpoints and REST backends.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/stacklok/delegator/pkg/errors"
)

// HttpTimeout is the default timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// MaxResponseSize bounds the bytes read from any identity provider response.
const MaxResponseSize = 1 << 20

// ValidatingTransport rejects requests that are not HTTPS unless AllowInsecure is set.
type ValidatingTransport struct {
	Transport     http.RoundTripper
	AllowInsecure bool
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := checkScheme(req.URL, t.AllowInsecure); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowInsecure         bool
	base                  http.RoundTripper
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout. Non-positive values keep the default.
func (b *HttpClientBuilder) WithTimeout(d time.Duration) *HttpClientBuilder {
	if d > 0 {
		b.clientTimeout = d
	}
	return b
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithInsecureHTTP permits plain http:// URLs.
func (b *HttpClientBuilder) WithInsecureHTTP(allow bool) *HttpClientBuilder {
	b.allowInsecure = allow
	return b
}

// WithBaseTransport replaces the underlying transport. The HTTPS check still applies.
func (b *HttpClientBuilder) WithBaseTransport(rt http.RoundTripper) *HttpClientBuilder {
	b.base = rt
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	base := b.base
	if base == nil {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
			ResponseHeaderTimeout: b.responseHeaderTimeout,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		}

		if b.caCertPath != "" {
			caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator configuration
			if err != nil {
				return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
			}

			caCertPool := x509.NewCertPool()
			if !caCertPool.AppendCertsFromPEM(caCert) {
				return nil, fmt.Errorf("failed to parse CA certificate bundle")
			}
			transport.TLSClientConfig.RootCAs = caCertPool
		}
		base = transport
	}

	return &http.Client{
		Transport: &ValidatingTransport{
			Transport:     base,
			AllowInsecure: b.allowInsecure,
		},
		Timeout: b.clientTimeout,
	}, nil
}

// ValidateEndpointURL checks that raw is an absolute http(s) URL and that it
// uses HTTPS unless allowInsecure is set.
func ValidateEndpointURL(raw string, allowInsecure bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New(errors.CodeInsecureEndpoint, fmt.Sprintf("malformed URL %q", raw), err)
	}
	if u.Host == "" {
		return errors.Newf(errors.CodeInsecureEndpoint, "URL %q has no host", raw)
	}
	return checkScheme(u, allowInsecure)
}

func checkScheme(u *url.URL, allowInsecure bool) error {
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if allowInsecure {
			return nil
		}
	}
	return errors.Newf(errors.CodeInsecureEndpoint, "the supplied URL %s is not HTTPS scheme", u.Redacted())
}
