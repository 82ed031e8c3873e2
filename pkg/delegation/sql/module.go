// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sql implements a delegation module that runs statements inside a
// SQL engine under the caller's legacy identity. Every call impersonates the
// identity on a dedicated pooled connection and reverts before the connection
// is released.
package sql

import (
	"context"
	stdsql "database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"slices"
	"time"

	// Registers the "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/auth/session"
	"github.com/stacklok/delegator/pkg/delegation"
	apperrors "github.com/stacklok/delegator/pkg/errors"
	"github.com/stacklok/delegator/pkg/logger"
)

// ModuleType is the type name of SQL modules.
const ModuleType = "sql"

// Actions understood by the module.
const (
	ActionQuery     = "query"
	ActionProcedure = "procedure"
	ActionFunction  = "function"
)

const (
	defaultDriver       = "postgres"
	defaultMaxOpenConns = 10
	defaultQueryTimeout = 30 * time.Second
	defaultMaxRows      = 1000
	revertTimeout       = 5 * time.Second
	pingTimeout         = 5 * time.Second
)

var supportedActions = []string{ActionQuery, ActionProcedure, ActionFunction}

// ErrNotInitialized is returned when the module is used before Initialize.
var ErrNotInitialized = errors.New("sql module not initialized")

// Settings configures a SQL module.
type Settings struct {
	// Driver is the database/sql driver name. The postgres driver is built in;
	// other drivers must be registered by the embedding binary.
	Driver string `mapstructure:"driver"`
	// DSN is the connection string of the service account.
	DSN string `mapstructure:"dsn"`
	// Dialect selects the impersonation syntax. Defaults to the driver name.
	Dialect        string        `mapstructure:"dialect"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	AllowedActions []string      `mapstructure:"allowed_actions"`
	// AllowedRoles restricts the module to sessions with one of these primary
	// roles. Empty allows every role.
	AllowedRoles []string `mapstructure:"allowed_roles"`
	MaxRows      int      `mapstructure:"max_rows"`
	// TokenExchange, when set, takes the identity from an exchanged token.
	TokenExchange *TokenExchangeSettings `mapstructure:"token_exchange"`
}

func (s *Settings) applyDefaults() {
	if s.Driver == "" {
		s.Driver = defaultDriver
	}
	if s.Dialect == "" {
		s.Dialect = s.Driver
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = defaultMaxOpenConns
	}
	if s.QueryTimeout == 0 {
		s.QueryTimeout = defaultQueryTimeout
	}
	if s.MaxRows == 0 {
		s.MaxRows = defaultMaxRows
	}
	if len(s.AllowedActions) == 0 {
		s.AllowedActions = slices.Clone(supportedActions)
	}
	if s.TokenExchange != nil {
		s.TokenExchange.applyDefaults()
	}
}

func (s *Settings) validate(hasDB bool) error {
	if !hasDB && s.DSN == "" {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "sql module requires a dsn")
	}
	if s.MaxOpenConns < 0 || s.QueryTimeout < 0 || s.MaxRows < 0 {
		return apperrors.Newf(apperrors.CodeInvalidConfig, "sql module limits must not be negative")
	}
	for _, a := range s.AllowedActions {
		if !slices.Contains(supportedActions, a) {
			return apperrors.Newf(apperrors.CodeInvalidConfig, "unsupported sql action %q", a)
		}
	}
	if s.TokenExchange != nil {
		return s.TokenExchange.validate()
	}
	return nil
}

// Module is the SQL delegation module.
type Module struct {
	name     string
	settings Settings
	dialect  dialect
	db       *stdsql.DB
	ownsDB   bool
}

var _ delegation.ContextualModule = (*Module)(nil)

// Option configures a Module.
type Option func(*Module)

// WithDB makes the module use db instead of opening its own pool. The caller
// keeps ownership of db.
func WithDB(db *stdsql.DB) Option {
	return func(m *Module) { m.db = db }
}

// New creates a SQL module registered under name.
func New(name string, opts ...Option) *Module {
	m := &Module{name: name}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Type implements delegation.Module.
func (*Module) Type() string { return ModuleType }

// Initialize decodes settings and opens the connection pool.
func (m *Module) Initialize(ctx context.Context, settings map[string]any) error {
	var s Settings
	if err := delegation.DecodeSettings(settings, &s); err != nil {
		return err
	}
	s.applyDefaults()
	if err := s.validate(m.db != nil); err != nil {
		return err
	}
	d, err := dialectFor(s.Dialect)
	if err != nil {
		return apperrors.New(apperrors.CodeInvalidConfig, "invalid sql module settings", err)
	}
	m.settings = s
	m.dialect = d

	if m.db == nil {
		db, err := stdsql.Open(s.Driver, s.DSN)
		if err != nil {
			return apperrors.New(apperrors.CodeInvalidConfig, "failed to open database", err)
		}
		db.SetMaxOpenConns(s.MaxOpenConns)
		db.SetMaxIdleConns(s.MaxOpenConns)
		db.SetConnMaxLifetime(30 * time.Minute)
		m.db = db
		m.ownsDB = true

		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			logger.Warnw("sql backend not reachable at startup", "module", m.name, "error", err)
		}
	}

	logger.Infow("initialized sql module",
		"module", m.name, "dialect", s.Dialect, "max_open_conns", s.MaxOpenConns, "token_exchange", s.TokenExchange != nil)
	return nil
}

// ValidateAccess requires a legacy identity, or the caller's token when the
// identity comes from token exchange, and, when configured, one of the
// allowed primary roles.
func (m *Module) ValidateAccess(_ context.Context, sess *session.UserSession) bool {
	if sess == nil {
		return false
	}
	if m.settings.TokenExchange != nil {
		if sess.Token == "" {
			return false
		}
	} else if sess.LegacyUsername == "" {
		return false
	}
	return len(m.settings.AllowedRoles) == 0 || slices.Contains(m.settings.AllowedRoles, sess.Role)
}

// request holds the per-call parameters.
type request struct {
	SQL       string `mapstructure:"sql"`
	Procedure string `mapstructure:"procedure"`
	Function  string `mapstructure:"function"`
	Params    []any  `mapstructure:"params"`
}

// QueryResult is the data returned by a successful delegation.
type QueryResult struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
}

// Delegate runs action as the session's legacy identity. A module configured
// for token exchange needs the shared services and fails here.
func (m *Module) Delegate(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any,
) *delegation.Result {
	return m.DelegateWithContext(ctx, sess, action, params, nil)
}

// DelegateWithContext implements delegation.ContextualModule. The statement
// is checked before the identity is resolved, so refused statements never
// trigger a token exchange.
func (m *Module) DelegateWithContext(
	ctx context.Context, sess *session.UserSession, action string, params map[string]any, svc *delegation.Services,
) *delegation.Result {
	var userID string
	if sess != nil {
		userID = sess.UserID
	}
	entry := audit.NewEntry(audit.SourceSQL, action, userID).
		WithMetadata("dialect", m.settings.Dialect)
	if sess != nil && m.settings.TokenExchange == nil {
		entry.WithMetadata("identity", sess.LegacyUsername)
	}

	if m.db == nil || m.dialect == nil {
		return delegation.Failed(entry, ErrNotInitialized)
	}
	if !slices.Contains(m.settings.AllowedActions, action) {
		return delegation.Failed(entry.WithReason("action_not_allowed"), fmt.Errorf("%w: %q", ErrActionNotAllowed, action))
	}

	stmt, args, err := m.statement(action, params)
	if err != nil {
		return delegation.Failed(entry.WithReason("invalid_request"), err)
	}
	if rule, err := CheckStatement(stmt); err != nil {
		entry.WithReason("denylist:"+rule).WithMetadata("denylist_rule", rule)
		logger.Warnw("sql statement denied", "module", m.name, "user_id", userID, "rule", rule)
		return delegation.Failed(entry, err)
	}

	id, err := m.resolveIdentity(ctx, sess, svc)
	if err != nil {
		var ie *identityError
		if errors.As(err, &ie) {
			entry.WithReason(ie.reason)
		}
		return delegation.Failed(entry, err)
	}
	if id.exchanged {
		entry.WithMetadata("identity", id.name).
			WithMetadata("identity_source", "token_exchange").
			WithMetadata("roles", id.roles)
	}
	if err := ValidateIdentity(id.name); err != nil {
		return delegation.Failed(entry.WithReason("invalid_identity"), err)
	}
	identity := id.name

	out, err := m.run(ctx, identity, stmt, args)
	if err != nil {
		reason := "query_failed"
		var ie *impersonationError
		switch {
		case errors.As(err, &ie):
			reason = ie.reason
		case apperrors.CodeOf(err) != "":
			reason = apperrors.CodeOf(err)
		}
		return delegation.Failed(entry.WithReason(reason), err)
	}
	entry.WithMetadata("row_count", out.RowCount)
	return delegation.Succeeded(entry, out)
}

func (m *Module) statement(action string, params map[string]any) (string, []any, error) {
	var req request
	if err := delegation.DecodeParams(params, &req); err != nil {
		return "", nil, err
	}
	switch action {
	case ActionQuery:
		if req.SQL == "" {
			return "", nil, fmt.Errorf("query requires a sql parameter")
		}
		return req.SQL, req.Params, nil
	case ActionProcedure:
		if err := ValidateRoutine(req.Procedure); err != nil {
			return "", nil, err
		}
		return m.dialect.procedure(req.Procedure, len(req.Params)), req.Params, nil
	case ActionFunction:
		if err := ValidateRoutine(req.Function); err != nil {
			return "", nil, err
		}
		return m.dialect.function(req.Function, len(req.Params)), req.Params, nil
	default:
		return "", nil, fmt.Errorf("%w: %q", ErrActionNotAllowed, action)
	}
}

type impersonationError struct {
	reason string
	err    error
}

func (e *impersonationError) Error() string { return e.err.Error() }
func (e *impersonationError) Unwrap() error { return e.err }

// run performs impersonate, execute and revert on one dedicated connection.
func (m *Module) run(ctx context.Context, identity, stmt string, args []any) (res *QueryResult, err error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeBackendUnavailable, "failed to acquire database connection", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Debugw("failed to release database connection", "module", m.name, "error", cerr)
		}
	}()

	if _, err := conn.ExecContext(ctx, m.dialect.impersonate(identity)); err != nil {
		return nil, &impersonationError{reason: "impersonation_failed", err: fmt.Errorf("failed to impersonate %s: %w", identity, err)}
	}
	defer func() {
		if rerr := m.revert(ctx, conn); rerr != nil {
			res = nil
			err = &impersonationError{reason: "revert_failed", err: rerr}
		}
	}()

	qctx, cancel := context.WithTimeout(ctx, m.settings.QueryTimeout)
	defer cancel()
	return m.query(qctx, conn, stmt, args)
}

// revert ends the impersonation. On failure the connection is discarded so
// it never returns to the pool with a foreign security context.
func (m *Module) revert(ctx context.Context, conn *stdsql.Conn) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revertTimeout)
	defer cancel()
	if _, err := conn.ExecContext(rctx, m.dialect.revert()); err != nil {
		logger.Errorw("failed to revert impersonation, discarding connection", "module", m.name, "error", err)
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		return fmt.Errorf("failed to revert impersonation: %w", err)
	}
	return nil
}

func (m *Module) query(ctx context.Context, conn *stdsql.Conn, stmt string, args []any) (*QueryResult, error) {
	rows, err := conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperrors.New(apperrors.CodeBackendUnavailable, "query timed out", err)
		}
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	out := &QueryResult{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if out.RowCount >= m.settings.MaxRows {
			out.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = values[i]
		}
		out.Rows = append(out.Rows, row)
		out.RowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.db == nil {
		return false
	}
	if err := m.db.PingContext(ctx); err != nil {
		logger.Warnw("sql health check failed", "module", m.name, "error", err)
		return false
	}
	return true
}

// Destroy closes the pool when the module opened it.
func (m *Module) Destroy(context.Context) error {
	if m.db == nil || !m.ownsDB {
		return nil
	}
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.db = nil
	return nil
}
