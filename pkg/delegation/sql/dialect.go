// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sql

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// Supported dialects.
const (
	DialectPostgres  = "postgres"
	DialectSQLServer = "sqlserver"
)

// dialect renders the impersonation and routine call statements of one
// database engine. Identities and routine names are validated before they
// reach a dialect.
type dialect interface {
	impersonate(identity string) string
	revert() string
	procedure(name string, nargs int) string
	function(name string, nargs int) string
}

func dialectFor(name string) (dialect, error) {
	switch name {
	case DialectPostgres:
		return postgres{}, nil
	case DialectSQLServer:
		return sqlServer{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}

type postgres struct{}

func (postgres) impersonate(identity string) string {
	return "SET ROLE " + pq.QuoteIdentifier(identity)
}

func (postgres) revert() string { return "RESET ROLE" }

func (postgres) procedure(name string, nargs int) string {
	return fmt.Sprintf("CALL %s(%s)", name, placeholders(nargs, func(i int) string { return fmt.Sprintf("$%d", i) }))
}

func (postgres) function(name string, nargs int) string {
	return fmt.Sprintf("SELECT * FROM %s(%s)", name, placeholders(nargs, func(i int) string { return fmt.Sprintf("$%d", i) }))
}

type sqlServer struct{}

func (sqlServer) impersonate(identity string) string {
	return "EXECUTE AS USER = '" + strings.ReplaceAll(identity, "'", "''") + "'"
}

func (sqlServer) revert() string { return "REVERT" }

func (sqlServer) procedure(name string, nargs int) string {
	args := placeholders(nargs, func(i int) string { return fmt.Sprintf("@p%d", i) })
	if args == "" {
		return "EXEC " + name
	}
	return "EXEC " + name + " " + args
}

func (sqlServer) function(name string, nargs int) string {
	return fmt.Sprintf("SELECT %s(%s)", name, placeholders(nargs, func(i int) string { return fmt.Sprintf("@p%d", i) }))
}

func placeholders(n int, render func(int) string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = render(i + 1)
	}
	return strings.Join(parts, ", ")
}
