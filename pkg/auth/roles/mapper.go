// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package roles maps raw role claims from an identity provider onto the
// delegator's role buckets with priority-based selection.
package roles

import (
	"cmp"
	"fmt"
	"slices"

	celgo "github.com/google/cel-go/cel"

	"github.com/stacklok/toolhive-core/cel"

	"github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

// Standard bucket names.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
	RoleGuest = "guest"

	// UnassignedRole marks an authenticated user without any authorization.
	// Sessions carrying it are always rejected.
	UnassignedRole = "unassigned"

	// DefaultRole is used when a mapping does not set one.
	DefaultRole = RoleGuest
)

// Bucket priorities. Lower is preferred.
const (
	priorityAdmin  = 1
	priorityUser   = 2
	priorityCustom = 3
	priorityGuest  = 4
)

// CustomRole is a named bucket evaluated between user and guest.
type CustomRole struct {
	// Name is the role assigned when the bucket matches.
	Name string `json:"name" yaml:"name" mapstructure:"name"`
	// Roles are raw claim values that select this bucket.
	Roles []string `json:"roles,omitempty" yaml:"roles,omitempty" mapstructure:"roles"`
	// Matcher is an optional CEL expression over "claims" that also selects the bucket.
	Matcher string `json:"matcher,omitempty" yaml:"matcher,omitempty" mapstructure:"matcher"`
}

// Mapping is the role-mapping table configured for one issuer.
type Mapping struct {
	Admin       []string     `json:"admin,omitempty" yaml:"admin,omitempty" mapstructure:"admin"`
	User        []string     `json:"user,omitempty" yaml:"user,omitempty" mapstructure:"user"`
	Guest       []string     `json:"guest,omitempty" yaml:"guest,omitempty" mapstructure:"guest"`
	Custom      []CustomRole `json:"custom,omitempty" yaml:"custom,omitempty" mapstructure:"custom"`
	DefaultRole string       `json:"default_role,omitempty" yaml:"default_role,omitempty" mapstructure:"default_role"`
}

// Resolution is the outcome of role resolution.
type Resolution struct {
	// Primary is the role used for access decisions.
	Primary string `json:"primary"`
	// Secondary lists other matched buckets by priority then declaration order.
	Secondary []string `json:"secondary"`
	// Matched is false when Primary came from the default role.
	Matched bool `json:"matched"`
}

type bucket struct {
	name     string
	priority int
	roles    map[string]struct{}
	expr     *cel.CompiledExpression
}

// Mapper resolves role claims against a compiled Mapping.
type Mapper struct {
	defaultRole string
	buckets     []bucket
}

// NewMapper validates m and compiles any CEL matchers.
func NewMapper(m Mapping) (*Mapper, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}

	mp := &Mapper{defaultRole: m.DefaultRole}
	if mp.defaultRole == "" {
		mp.defaultRole = DefaultRole
	}

	mp.buckets = append(mp.buckets,
		newBucket(RoleAdmin, priorityAdmin, m.Admin),
		newBucket(RoleUser, priorityUser, m.User),
	)

	var engine *cel.Engine
	for _, c := range m.Custom {
		b := newBucket(c.Name, priorityCustom, c.Roles)
		if c.Matcher != "" {
			if engine == nil {
				engine = cel.NewEngine(
					celgo.Variable("claims", celgo.MapType(celgo.StringType, celgo.DynType)),
				)
			}
			expr, err := engine.Compile(c.Matcher)
			if err != nil {
				return nil, errors.New(errors.CodeInvalidConfig,
					fmt.Sprintf("custom role %q has an invalid matcher", c.Name), err)
			}
			b.expr = expr
		}
		mp.buckets = append(mp.buckets, b)
	}

	mp.buckets = append(mp.buckets, newBucket(RoleGuest, priorityGuest, m.Guest))
	slices.SortStableFunc(mp.buckets, func(a, b bucket) int {
		return cmp.Compare(a.priority, b.priority)
	})

	return mp, nil
}

func newBucket(name string, priority int, roles []string) bucket {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return bucket{name: name, priority: priority, roles: set}
}

// Resolve classifies roleClaims. claims is the full claim bag and is only
// consulted by CEL matchers; it may be nil. Resolve never fails.
func (m *Mapper) Resolve(roleClaims []string, claims map[string]any) Resolution {
	var matched []string
	for _, b := range m.buckets {
		if b.matches(roleClaims, claims) {
			matched = append(matched, b.name)
		}
	}

	if len(matched) == 0 {
		return Resolution{Primary: m.defaultRole, Secondary: []string{}}
	}
	return Resolution{
		Primary:   matched[0],
		Secondary: append([]string{}, matched[1:]...),
		Matched:   true,
	}
}

func (b bucket) matches(roleClaims []string, claims map[string]any) bool {
	for _, r := range roleClaims {
		if _, ok := b.roles[r]; ok {
			return true
		}
	}
	if b.expr == nil || claims == nil {
		return false
	}
	ok, err := b.expr.EvaluateBool(map[string]any{"claims": claims})
	if err != nil {
		logger.Debugw("CEL matcher evaluation failed, skipping bucket", "role", b.name, "error", err)
		return false
	}
	return ok
}

// Resolve classifies roleClaims against m without CEL matchers. A nil mapping
// resolves every input to the default role.
func Resolve(roleClaims []string, m *Mapping) Resolution {
	if m == nil {
		return Resolution{Primary: DefaultRole, Secondary: []string{}}
	}
	plain := *m
	plain.Custom = make([]CustomRole, 0, len(m.Custom))
	for _, c := range m.Custom {
		plain.Custom = append(plain.Custom, CustomRole{Name: c.Name, Roles: c.Roles})
	}
	mp, err := NewMapper(plain)
	if err != nil {
		def := m.DefaultRole
		if def == "" {
			def = DefaultRole
		}
		return Resolution{Primary: def, Secondary: []string{}}
	}
	return mp.Resolve(roleClaims, nil)
}

// Validate checks the structure of a mapping.
func Validate(m Mapping) error {
	seen := map[string]struct{}{RoleAdmin: {}, RoleUser: {}, RoleGuest: {}}
	for i, c := range m.Custom {
		if c.Name == "" {
			return errors.Newf(errors.CodeInvalidConfig, "custom role at index %d has no name", i)
		}
		if _, dup := seen[c.Name]; dup {
			return errors.Newf(errors.CodeInvalidConfig, "custom role %q duplicates another bucket", c.Name)
		}
		if len(c.Roles) == 0 && c.Matcher == "" {
			return errors.Newf(errors.CodeInvalidConfig, "custom role %q needs roles or a matcher", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}
