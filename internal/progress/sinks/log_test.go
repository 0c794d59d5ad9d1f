package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/sitepdf-client/internal/progress"
)

func TestLogSinkLevelsAndFields(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	now := time.Now()
	batch := []progress.Event{
		{SessionID: "s1", JobID: "j1", TS: now, Stage: progress.StageSubmitted, URL: "https://example.com"},
		{SessionID: "s1", JobID: "j1", TS: now, Stage: progress.StageSnapshot, Pages: 3, Rendered: 1},
		{SessionID: "s1", JobID: "j1", TS: now, Stage: progress.StagePollError, StatusCode: 503, Note: "unavailable"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[2].Level)

	fields := entries[2].ContextMap()
	require.Equal(t, "j1", fields["job_id"])
	require.EqualValues(t, 503, fields["status_code"])
	require.Equal(t, "unavailable", fields["note"])
	require.NotContains(t, entries[0].ContextMap(), "pages")
}
