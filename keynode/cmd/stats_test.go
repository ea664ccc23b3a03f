package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStatsAreCachedUntilExpiry(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	ctx := context.Background()

	first, err := k.stats.Stats(ctx)
	require.NoError(t, err)
	second, err := k.stats.Stats(ctx)
	require.NoError(t, err)
	require.Same(t, first, second)

	k.stats.cache.Flush()
	third, err := k.stats.Stats(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, third)
}

func TestStatsSnapshotContents(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))

	snap, err := k.stats.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node-under-test", snap.NodeID)
	require.Zero(t, snap.Peers)
	require.Len(t, snap.Schedulers, 4)
	require.Equal(t, k.Engine().State().Location(), snap.Swap.Location)
	require.Equal(t, k.cfg.Node.DataDir, snap.Host.DataDir)
	require.WithinDuration(t, time.Now(), snap.CollectedAt, time.Minute)
}

func TestStatsRejectsCancelledContext(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := k.stats.Stats(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStatsHandlerServesJSON(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))

	rec := httptest.NewRecorder()
	k.stats.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "node-under-test", got["node_id"])
	require.Contains(t, got, "swap")
	require.Contains(t, got, "block_store")
}

func TestRegistryExportsEngineAndSchedulers(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	// 13 engine series plus one gauge per scheduler
	n, err := testutil.GatherAndCount(k.Registry())
	require.NoError(t, err)
	require.Equal(t, 17, n)
}
