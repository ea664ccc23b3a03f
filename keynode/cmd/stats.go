package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/LumeraProtocol/keynode/client/scheduler"
	"github.com/LumeraProtocol/keynode/p2p/location"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/storage/blockstore"
	json "github.com/json-iterator/go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/singleflight"
)

const (
	statsSnapshotKey = "stats/snapshot"

	// statsFreshTTL is how long a collected snapshot is served before the
	// next caller collects a new one.
	statsFreshTTL        = 5 * time.Second
	statsCleanupInterval = time.Minute
)

// Snapshot is the node status served on /stats.
type Snapshot struct {
	NodeID          string            `json:"node_id"`
	Peers           int               `json:"peers"`
	Swap            location.Status   `json:"swap"`
	NetworkSize1h   int               `json:"network_size_1h"`
	NetworkSize48h  int               `json:"network_size_48h"`
	Schedulers      []scheduler.Stats `json:"schedulers"`
	BlockStore      blockstore.Stats  `json:"block_store"`
	Host            HostStats         `json:"host"`
	CollectedAt     time.Time         `json:"collected_at"`
	CollectDuration time.Duration     `json:"collect_duration"`
}

// HostStats reports machine resources. Fields stay zero when the
// platform does not expose them.
type HostStats struct {
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsed      uint64  `json:"memory_used"`
	MemoryAvailable uint64  `json:"memory_available"`
	DataDir         string  `json:"data_dir"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskFree        uint64  `json:"disk_free"`
	DiskUsedPercent float64 `json:"disk_used_percent"`
}

type statsManager struct {
	k     *Keynode
	cache *gocache.Cache
	sf    singleflight.Group
	now   func() time.Time
}

func newStatsManager(k *Keynode) *statsManager {
	return &statsManager{
		k:     k,
		cache: gocache.New(statsFreshTTL, statsCleanupInterval),
		now:   time.Now,
	}
}

// Stats returns the cached snapshot, collecting a new one when it expired.
// Concurrent callers share one collection.
func (m *statsManager) Stats(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if v, ok := m.cache.Get(statsSnapshotKey); ok {
		if snap, ok := v.(*Snapshot); ok {
			return snap, nil
		}
	}
	v, err, _ := m.sf.Do(statsSnapshotKey, func() (interface{}, error) {
		snap := m.collect(ctx)
		m.cache.SetDefault(statsSnapshotKey, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func collectHost(ctx context.Context, dataDir string) HostStats {
	hs := HostStats{DataDir: dataDir}
	if vmem, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logtrace.Debug(ctx, "failed to get memory info", logtrace.Fields{logtrace.FieldError: err.Error()})
	} else {
		hs.MemoryTotal, hs.MemoryUsed, hs.MemoryAvailable = vmem.Total, vmem.Used, vmem.Available
	}
	if usage, err := disk.UsageWithContext(ctx, dataDir); err != nil {
		logtrace.Debug(ctx, "failed to get storage info", logtrace.Fields{
			logtrace.FieldError: err.Error(),
			"path":              dataDir,
		})
	} else {
		hs.DiskTotal, hs.DiskFree, hs.DiskUsedPercent = usage.Total, usage.Free, usage.UsedPercent
	}
	return hs
}

func (m *statsManager) collect(ctx context.Context) *Snapshot {
	start := m.now()
	k := m.k
	snap := &Snapshot{
		NodeID:         k.cfg.Node.ID,
		Peers:          len(k.host.ConnectedPeers()),
		Swap:           k.engine.Status(),
		NetworkSize1h:  k.engine.NetworkSizeEstimate(start.Add(-time.Hour)),
		NetworkSize48h: k.engine.NetworkSizeEstimate(start.Add(-48 * time.Hour)),
		BlockStore:     k.blocks.Stats(),
		Host:           collectHost(ctx, k.cfg.Node.DataDir),
		CollectedAt:    start,
	}
	for _, s := range k.schedulers {
		snap.Schedulers = append(snap.Schedulers, s.Stats())
	}
	snap.CollectDuration = m.now().Sub(start)
	return snap
}

// JSON renders the current snapshot.
func (m *statsManager) JSON(ctx context.Context) ([]byte, error) {
	snap, err := m.Stats(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode stats")
	}
	return data, nil
}

func (m *statsManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logtrace.CtxWithCorrelationID(r.Context(), "stats")
	data, err := m.JSON(ctx)
	if err != nil {
		logtrace.Warn(ctx, "cannot serve stats", logtrace.Fields{logtrace.FieldError: err.Error()})
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
