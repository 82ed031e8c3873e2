// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"errors"
	"fmt"
	"regexp"
)

// MaxIdentifierLength bounds identities and routine name segments.
const MaxIdentifierLength = 128

var (
	// ErrInvalidIdentity is returned when a legacy identity does not match the
	// identifier grammar.
	ErrInvalidIdentity = errors.New("invalid database identity")
	// ErrInvalidRoutine is returned for malformed procedure or function names.
	ErrInvalidRoutine = errors.New("invalid routine name")
	// ErrStatementDenied is returned when a statement matches the deny-list.
	ErrStatementDenied = errors.New("statement denied")
	// ErrActionNotAllowed is returned for actions outside the allow-list.
	ErrActionNotAllowed = errors.New("action not allowed")
)

var (
	identityPattern = regexp.MustCompile(fmt.Sprintf(`^[A-Za-z][A-Za-z0-9_@]{0,%d}$`, MaxIdentifierLength-1))
	routinePattern  = regexp.MustCompile(fmt.Sprintf(
		`^[A-Za-z_][A-Za-z0-9_]{0,%[1]d}(\.[A-Za-z_][A-Za-z0-9_]{0,%[1]d}){0,2}$`, MaxIdentifierLength-1))
)

// denyRule is one statically denied statement shape.
type denyRule struct {
	name    string
	pattern *regexp.Regexp
}

var denyList = []denyRule{
	{
		name: "schema_mutation",
		pattern: regexp.MustCompile(`(?i)\b(DROP|ALTER|CREATE|TRUNCATE|RENAME)\s+` +
			`(TABLE|DATABASE|SCHEMA|INDEX|VIEW|USER|ROLE|LOGIN|PROCEDURE|FUNCTION|TRIGGER|EXTENSION|SEQUENCE)\b`),
	},
	{
		name:    "truncate",
		pattern: regexp.MustCompile(`(?i)\bTRUNCATE\b`),
	},
	{
		name:    "privilege_grant",
		pattern: regexp.MustCompile(`(?i)\b(GRANT|REVOKE|DENY)\b`),
	},
	{
		name: "shell_invocation",
		pattern: regexp.MustCompile(`(?i)\b(xp_cmdshell|sp_configure|sp_oacreate|sp_execute_external_script|` +
			`pg_read_server_files|pg_execute_server_program|lo_import|lo_export)\b|\bCOPY\b.*\bPROGRAM\b`),
	},
	{
		name: "nested_impersonation",
		pattern: regexp.MustCompile(`(?i)\bEXEC(UTE)?\s+AS\b|\bREVERT\b|\bSETUSER\b|` +
			`\bSET\s+(SESSION\s+AUTHORIZATION|ROLE|LOCAL\s+ROLE)\b|\bRESET\s+(ROLE|SESSION\s+AUTHORIZATION)\b`),
	},
	{
		name:    "stacked_statements",
		pattern: regexp.MustCompile(`;\s*\S`),
	},
	{
		name:    "comment",
		pattern: regexp.MustCompile(`--|/\*`),
	},
}

// ValidateIdentity checks id against the identifier grammar: a letter
// followed by letters, digits, underscores or '@'.
func ValidateIdentity(id string) error {
	if !identityPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, id)
	}
	return nil
}

// ValidateRoutine checks a possibly schema qualified routine name.
func ValidateRoutine(name string) error {
	if !routinePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidRoutine, name)
	}
	return nil
}

// CheckStatement returns the name of the first deny-list rule matched by
// stmt, wrapped in ErrStatementDenied, or nil.
func CheckStatement(stmt string) (string, error) {
	for _, rule := range denyList {
		if rule.pattern.MatchString(stmt) {
			return rule.name, fmt.Errorf("%w by denylist rule %s", ErrStatementDenied, rule.name)
		}
	}
	return "", nil
}
