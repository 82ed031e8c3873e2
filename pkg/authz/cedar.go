// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authz evaluates Cedar policies over delegation requests.
//
// Every request is presented to the policies as
//
//	principal: User::"<user id>", member of Role::"<role>" for the primary role
//	action:    Action::"<action>"
//	resource:  Module::"<module name>"
//
// The principal carries the session attributes (username, legacy_username,
// role, secondary_roles, scopes, issuer) plus every claim prefixed with
// "claim_". The resource carries its name and type. The context carries the
// call parameters prefixed with "arg_".
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	cedar "github.com/cedar-policy/cedar-go"

	"github.com/stacklok/delegator/pkg/auth/session"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

// Entity types used in requests.
const (
	EntityUser   = "User"
	EntityRole   = "Role"
	EntityAction = "Action"
	EntityModule = "Module"
)

var (
	// ErrNoPolicies is returned when an authorizer is built without policies.
	ErrNoPolicies = errors.New("no policies loaded")
	// ErrMissingPrincipal is returned for a request without a user.
	ErrMissingPrincipal = errors.New("missing principal")
)

// Config holds the Cedar policies applied to every delegation call.
type Config struct {
	// Policies is a list of Cedar policy strings. No policies disables
	// policy evaluation.
	Policies []string `json:"policies,omitempty" yaml:"policies,omitempty" mapstructure:"policies"`
	// EntitiesJSON is a JSON document of additional Cedar entities, such as
	// role hierarchies.
	EntitiesJSON string `json:"entities_json,omitempty" yaml:"entities_json,omitempty" mapstructure:"entities_json"`
}

// Enabled reports whether any policy is configured.
func (c Config) Enabled() bool {
	return len(c.Policies) > 0
}

// Authorizer authorizes delegation calls using Cedar policies. Cedar denies
// by default: a call is allowed only when a permit policy matches and no
// forbid policy does.
type Authorizer struct {
	mu        sync.RWMutex
	policySet *cedar.PolicySet
	entities  cedar.EntityMap
}

// NewCedarAuthorizer parses cfg into an authorizer.
func NewCedarAuthorizer(cfg Config) (*Authorizer, error) {
	ps, err := parsePolicies(cfg.Policies)
	if err != nil {
		return nil, err
	}
	entities := cedar.EntityMap{}
	if cfg.EntitiesJSON != "" {
		if err := json.Unmarshal([]byte(cfg.EntitiesJSON), &entities); err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidConfig, "failed to parse authorization entities", err)
		}
	}
	return &Authorizer{policySet: ps, entities: entities}, nil
}

// UpdatePolicies replaces the policy set. The old set stays in effect when
// any of the new policies fails to parse.
func (a *Authorizer) UpdatePolicies(policies []string) error {
	ps, err := parsePolicies(policies)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.policySet = ps
	return nil
}

func parsePolicies(policies []string) (*cedar.PolicySet, error) {
	if len(policies) == 0 {
		return nil, ErrNoPolicies
	}
	ps := cedar.NewPolicySet()
	for i, src := range policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(src)); err != nil {
			return nil, apperrors.New(apperrors.CodeInvalidConfig, fmt.Sprintf("failed to parse policy %d", i), err)
		}
		ps.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}
	return ps, nil
}

// Authorize reports whether sess may run action on the named module. An
// evaluation error is returned alongside a denial.
func (a *Authorizer) Authorize(
	_ context.Context, sess *session.UserSession, module, moduleType, action string, params map[string]any,
) (bool, error) {
	if sess == nil || sess.UserID == "" {
		return false, ErrMissingPrincipal
	}

	principal := cedar.NewEntityUID(EntityUser, cedar.String(sess.UserID))
	actionUID := cedar.NewEntityUID(EntityAction, cedar.String(action))
	resource := cedar.NewEntityUID(EntityModule, cedar.String(module))

	a.mu.RLock()
	defer a.mu.RUnlock()

	entities := make(cedar.EntityMap, len(a.entities)+4)
	for k, v := range a.entities {
		entities[k] = v
	}

	var parents []cedar.EntityUID
	if sess.Role != "" {
		role := cedar.NewEntityUID(EntityRole, cedar.String(sess.Role))
		parents = append(parents, role)
		if _, ok := entities[role]; !ok {
			entities[role] = newEntity(role, nil)
		}
	}
	p := newEntity(principal, principalAttributes(sess))
	p.Parents = cedar.NewEntityUIDSet(parents...)
	entities[principal] = p
	entities[actionUID] = newEntity(actionUID, map[string]any{"operation": action})
	entities[resource] = newEntity(resource, map[string]any{"name": module, "type": moduleType})

	req := cedar.Request{
		Principal: principal,
		Action:    actionUID,
		Resource:  resource,
		Context:   toRecord(prefixed("arg_", params)),
	}

	decision, diagnostic := cedar.Authorize(a.policySet, entities, req)
	logger.Debugw("policy decision",
		"principal", sess.UserID, "action", action, "module", module, "decision", decision)

	if len(diagnostic.Errors) > 0 {
		return false, fmt.Errorf("policy evaluation error: %v", diagnostic.Errors)
	}
	return decision == cedar.Allow, nil
}

func principalAttributes(sess *session.UserSession) map[string]any {
	attrs := prefixed("claim_", sess.Claims)
	attrs["username"] = sess.Username
	attrs["legacy_username"] = sess.LegacyUsername
	attrs["role"] = sess.Role
	attrs["secondary_roles"] = nonNil(sess.SecondaryRoles)
	attrs["scopes"] = nonNil(sess.Scopes)
	attrs["issuer"] = sess.Issuer
	return attrs
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func newEntity(uid cedar.EntityUID, attrs map[string]any) cedar.Entity {
	return cedar.Entity{
		UID:        uid,
		Parents:    cedar.NewEntityUIDSet(),
		Attributes: toRecord(attrs),
		Tags:       cedar.NewRecord(cedar.RecordMap{}),
	}
}

// prefixed copies m with prefix added to every key.
func prefixed(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[prefix+k] = v
	}
	return out
}

func toRecord(data map[string]any) cedar.Record {
	rm := make(cedar.RecordMap, len(data))
	for k, v := range data {
		if cv := toValue(v); cv != nil {
			rm[cedar.String(k)] = cv
		}
	}
	return cedar.NewRecord(rm)
}

// toValue converts a Go value to a Cedar value. Maps and other complex
// values are skipped.
func toValue(v any) cedar.Value {
	switch val := v.(type) {
	case bool:
		if val {
			return cedar.True
		}
		return cedar.False
	case string:
		return cedar.String(val)
	case int:
		return cedar.Long(val)
	case int64:
		return cedar.Long(val)
	case float64:
		if val == float64(int64(val)) {
			return cedar.Long(int64(val))
		}
		d, err := cedar.NewDecimalFromFloat(val)
		if err != nil {
			return nil
		}
		return d
	case []string:
		values := make([]cedar.Value, 0, len(val))
		for _, s := range val {
			values = append(values, cedar.String(s))
		}
		return cedar.NewSet(values...)
	case []any:
		values := make([]cedar.Value, 0, len(val))
		for _, item := range val {
			if cv := toValue(item); cv != nil {
				values = append(values, cv)
			}
		}
		return cedar.NewSet(values...)
	default:
		return nil
	}
}
