// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/stacklok/delegator/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks -source=sink.go Sink

// Sink persists audit entries.
type Sink interface {
	Log(ctx context.Context, entry *Entry) error
}

// Emit sends entry to sink. Sink errors and panics are logged and dropped so
// that auditing never fails the operation it describes.
func Emit(ctx context.Context, sink Sink, entry *Entry) {
	if sink == nil || entry == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("audit sink panicked", "action", entry.Action, "panic", fmt.Sprint(r))
		}
	}()
	if err := sink.Log(ctx, entry); err != nil {
		logger.Warnw("failed to write audit entry", "action", entry.Action, "error", err)
	}
}

// NopSink discards every entry.
type NopSink struct{}

// Log implements Sink.
func (NopSink) Log(context.Context, *Entry) error { return nil }

// SlogSink writes entries as JSON records at LevelAudit.
type SlogSink struct {
	logger *slog.Logger
	closer io.Closer
}

// NewSlogSink returns a sink writing JSON lines to w. A nil w means stdout.
func NewSlogSink(w io.Writer) *SlogSink {
	if w == nil {
		w = os.Stdout
	}
	return &SlogSink{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: LevelAudit})),
	}
}

// Close closes the underlying log file, if the sink owns one.
func (s *SlogSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Log implements Sink.
func (s *SlogSink) Log(ctx context.Context, entry *Entry) error {
	entry.LogTo(ctx, s.logger, LevelAudit)
	return nil
}

// MemorySink keeps the most recent entries in memory.
type MemorySink struct {
	mu        sync.Mutex
	entries   []Entry
	retention int
}

// NewMemorySink keeps at most retention entries. Zero or less keeps everything.
func NewMemorySink(retention int) *MemorySink {
	return &MemorySink{retention: retention}
}

// Log implements Sink.
func (s *MemorySink) Log(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, *entry)
	if s.retention > 0 && len(s.entries) > s.retention {
		s.entries = slices.Delete(s.entries, 0, len(s.entries)-s.retention)
	}
	return nil
}

// Entries returns a copy of the retained entries, oldest first.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// Find returns retained entries whose action equals action.
func (s *MemorySink) Find(action string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
