package logtrace

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWriteAddsCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	ctx := CtxWithCorrelationID(context.Background(), "swap-42")
	Info(ctx, "hello", Fields{FieldModule: "p2p", FieldUID: int64(7)})
	Debug(context.Background(), "bare", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "hello", entries[0].Message)
	ctxMap := entries[0].ContextMap()
	require.Equal(t, "swap-42", ctxMap[FieldCorrelationID])
	require.Equal(t, "p2p", ctxMap[FieldModule])
	require.Equal(t, int64(7), ctxMap[FieldUID])
	require.Equal(t, "unknown", entries[1].ContextMap()[FieldCorrelationID])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}

func TestWithFieldsCopies(t *testing.T) {
	base := Fields{"a": 1}
	out := WithFields(base, Fields{"b": 2})
	require.Len(t, base, 1)
	require.Equal(t, Fields{"a": 1, "b": 2}, out)
}
