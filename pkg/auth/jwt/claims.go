// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ValidatedClaims is the verified payload of one token.
type ValidatedClaims struct {
	Issuer          string
	Subject         string
	Audience        []string
	AuthorizedParty string
	IssuedAt        time.Time
	ExpiresAt       time.Time
	NotBefore       time.Time

	UserID         string
	Username       string
	LegacyUsername string
	Roles          []string
	Scopes         []string

	// Raw is the full claim bag.
	Raw map[string]any

	// TrustedIssuer is the issuer policy the token was validated against.
	TrustedIssuer *TrustedIssuer

	// Token is the original bearer token. Redacted by String.
	Token string
}

// String returns a representation without the token.
func (c *ValidatedClaims) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("ValidatedClaims{Issuer:%q, Subject:%q}", c.Issuer, c.Subject)
}

// claimSet resolves claim paths against a decoded payload.
type claimSet struct {
	raw  map[string]any
	json []byte
}

func newClaimSet(raw map[string]any) (*claimSet, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to encode claims: %w", err)
	}
	return &claimSet{raw: raw, json: b}, nil
}

// lookup returns the value at path. An exact top-level key wins over a dotted
// interpretation, so claim names containing dots still resolve.
func (c *claimSet) lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	if v, ok := c.raw[path]; ok {
		return v, v != nil
	}
	if !strings.Contains(path, ".") {
		return nil, false
	}
	res := gjson.GetBytes(c.json, escapePath(path))
	if !res.Exists() || res.Type == gjson.Null {
		return nil, false
	}
	return res.Value(), true
}

// escapePath escapes gjson metacharacters other than the dot separator.
func escapePath(path string) string {
	var b strings.Builder
	for _, r := range path {
		switch r {
		case '*', '?', '|', '#', '@', '!', '\\', '=', '<', '>', '%':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *claimSet) str(path string) string {
	v, ok := c.lookup(path)
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return fmt.Sprintf("%v", s)
	case json.Number:
		return s.String()
	default:
		return ""
	}
}

// list returns the value at path as a string list. Arrays keep their string
// members; strings are split on whitespace and commas.
func (c *claimSet) list(path string) []string {
	v, ok := c.lookup(path)
	if !ok {
		return nil
	}
	return toStringList(v)
}

func toStringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.FieldsFunc(t, func(r rune) bool {
			return r == ' ' || r == ',' || r == '\t' || r == '\n'
		})
	default:
		return nil
	}
}
