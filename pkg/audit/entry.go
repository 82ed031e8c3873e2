// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit defines the audit trail emitted by every validation, token
// exchange, cache and delegation operation, together with the sinks that
// persist it.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LevelAudit is the slog level audit entries are written at.
const LevelAudit = slog.Level(2)

// Sources name the component that produced an entry.
const (
	SourceValidator     = "jwt"
	SourceTokenExchange = "tokenexchange"
	SourceCache         = "cache"
	SourceRegistry      = "registry"
	SourceSQL           = "sql"
	SourceKerberos      = "kerberos"
	SourceREST          = "rest"
	SourceEngine        = "engine"
)

// Entry is a single write-once audit record.
type Entry struct {
	// ID uniquely identifies the entry.
	ID string `json:"id"`
	// Timestamp is when the entry was created, in UTC.
	Timestamp time.Time `json:"timestamp"`
	// Source is the component that emitted the entry.
	Source string `json:"source"`
	// UserID is the acting user, when known.
	UserID string `json:"user_id,omitempty"`
	// Action is qualified by the producer, e.g. "jwt:validate". Delegation
	// results use the module instance name, e.g. "warehouse:query".
	Action string `json:"action"`
	// Success reports the outcome of the audited operation.
	Success bool `json:"success"`
	// Error is the failure message, if any.
	Error string `json:"error,omitempty"`
	// Reason is a short machine-readable failure classification.
	Reason string `json:"reason,omitempty"`
	// Metadata carries additional non-secret context.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEntry returns an entry with a fresh ID and the current UTC time. Action
// is qualified with source unless already qualified.
func NewEntry(source, action, userID string) *Entry {
	return &Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		UserID:    userID,
		Action:    qualify(source, action),
	}
}

func qualify(source, action string) string {
	if source == "" || strings.Contains(action, ":") {
		return action
	}
	return source + ":" + action
}

// Succeeded marks the entry successful.
func (e *Entry) Succeeded() *Entry {
	e.Success = true
	e.Error = ""
	return e
}

// Failed marks the entry failed with err. A nil err only clears Success.
func (e *Entry) Failed(err error) *Entry {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithReason sets the failure classification.
func (e *Entry) WithReason(reason string) *Entry {
	e.Reason = reason
	return e
}

// WithMetadata adds one metadata key.
func (e *Entry) WithMetadata(key string, value any) *Entry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// LogTo writes the entry to logger as an "audit_event" record.
func (e *Entry) LogTo(ctx context.Context, logger *slog.Logger, level slog.Level) {
	attrs := []slog.Attr{
		slog.String("audit_id", e.ID),
		slog.Time("timestamp", e.Timestamp),
		slog.String("source", e.Source),
		slog.String("action", e.Action),
		slog.Bool("success", e.Success),
	}
	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.Error != "" {
		attrs = append(attrs, slog.String("error", e.Error))
	}
	if e.Reason != "" {
		attrs = append(attrs, slog.String("reason", e.Reason))
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", e.Metadata))
	}

	logger.LogAttrs(ctx, level, "audit_event", attrs...)
}
