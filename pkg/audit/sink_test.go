// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/delegator/pkg/audit"
	"github.com/stacklok/delegator/pkg/audit/mocks"
)

func TestEmit_SwallowsSinkErrors(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)
	entry := audit.NewEntry(audit.SourceRegistry, "delegate", "u1")

	sink.EXPECT().Log(gomock.Any(), entry).Return(errors.New("disk full"))

	assert.NotPanics(t, func() {
		audit.Emit(context.Background(), sink, entry)
	})
}

func TestEmit_RecoversSinkPanics(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	sink := mocks.NewMockSink(ctrl)

	sink.EXPECT().Log(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *audit.Entry) error {
		panic("boom")
	})

	assert.NotPanics(t, func() {
		audit.Emit(context.Background(), sink, audit.NewEntry(audit.SourceSQL, "query", ""))
	})
}

func TestEmit_NilSinkAndEntry(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		audit.Emit(context.Background(), nil, audit.NewEntry(audit.SourceSQL, "query", ""))
		audit.Emit(context.Background(), audit.NopSink{}, nil)
	})
}

func TestRedisSink(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sink := audit.NewRedisSinkWithClient(client, "", 2)

	for _, action := range []string{"one", "two", "three"} {
		require.NoError(t, sink.Log(ctx, audit.NewEntry(audit.SourceREST, action, "u1").Succeeded()))
	}

	msgs, err := client.XRange(ctx, audit.DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "rest:two", msgs[0].Values["action"])
	assert.Equal(t, "rest:three", msgs[1].Values["action"])

	var decoded audit.Entry
	require.NoError(t, json.Unmarshal([]byte(msgs[1].Values["entry"].(string)), &decoded))
	assert.True(t, decoded.Success)
	assert.Equal(t, "u1", decoded.UserID)
}

func TestNewRedisSink_ConnectFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := audit.NewRedisSink(context.Background(), audit.RedisConfig{Addr: addr}, 10)
	require.Error(t, err)
}

func TestNewSink_Redis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	sink, err := audit.NewSink(context.Background(), &audit.Config{
		Enabled:   true,
		Sink:      audit.SinkRedis,
		Retention: 10,
		Redis:     audit.RedisConfig{Addr: mr.Addr(), Stream: "audit"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Log(context.Background(), audit.NewEntry(audit.SourceCache, "set", "")))
	assert.True(t, mr.Exists("audit"))
}

func TestNewSink_LogFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.log")

	sink, err := audit.NewSink(context.Background(), &audit.Config{Enabled: true, Sink: audit.SinkLog, LogFile: path})
	require.NoError(t, err)
	require.NoError(t, sink.Log(context.Background(), audit.NewEntry(audit.SourceEngine, "delegate", "u1").Succeeded()))

	closer, ok := sink.(io.Closer)
	require.True(t, ok)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "audit_event", rec["msg"])
	assert.Equal(t, "engine:delegate", rec["action"])
}

func TestNewSink_Disabled(t *testing.T) {
	t.Parallel()
	sink, err := audit.NewSink(context.Background(), &audit.Config{Enabled: false, Sink: "kafka"})
	require.NoError(t, err)
	assert.IsType(t, audit.NopSink{}, sink)

	sink, err = audit.NewSink(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, audit.NopSink{}, sink)
}
