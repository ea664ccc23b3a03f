package cmd

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/client/scheduler"
	"github.com/LumeraProtocol/keynode/keynode/config"
	"github.com/LumeraProtocol/keynode/p2p/transport"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	"github.com/LumeraProtocol/keynode/pkg/storage/nodestore"
	"github.com/stretchr/testify/require"
)

type fetch struct {
	scheduler.Slot
	agg *requester.Aggregate
	key keys.Key

	mu        sync.Mutex
	successes int
	failures  []error
	got       chan keys.Key
}

func newFetch(agg *requester.Aggregate, data string) *fetch {
	return &fetch{agg: agg, key: keys.ForData([]byte(data)), got: make(chan keys.Key, 1)}
}

func (f *fetch) PriorityClass() requester.PriorityClass { return f.agg.PriorityClass() }
func (f *fetch) RetryCount() int                        { return 0 }
func (f *fetch) Client() string                         { return f.agg.Client() }
func (f *fetch) Aggregate() *requester.Aggregate        { return f.agg }
func (f *fetch) IsInsert() bool                         { return false }
func (f *fetch) AllKeys() []int                         { return []int{0} }
func (f *fetch) IgnoreStore() bool                      { return false }
func (f *fetch) DontCache() bool                        { return false }

func (f *fetch) Key(tok int) (keys.Key, bool) { return f.key, tok == 0 }

func (f *fetch) OnSuccess(*keys.Block, bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}

func (f *fetch) OnFailure(err error, _ int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

func (f *fetch) OnGotKey(key keys.Key, _ *keys.Block) { f.got <- key }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Node.ID = "node-under-test"
	cfg.Node.DataDir = t.TempDir()
	cfg.Storage.NodeDB = ":memory:"
	cfg.Storage.BlockCacheBytes = 1 << 20
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestKeynode(t *testing.T, cfg *config.Config) *Keynode {
	t.Helper()
	k, err := NewKeynode(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(k.Close)
	return k
}

func TestNewKeynodeBuildsSchedulers(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))

	for _, name := range []string{SchedulerCHKGet, SchedulerCHKInsert, SchedulerSSKGet, SchedulerSSKInsert} {
		s, ok := k.Scheduler(name)
		require.True(t, ok, name)
		require.Equal(t, "HARD", s.PriorityPolicy())
	}
	_, ok := k.Scheduler("nope")
	require.False(t, ok)

	loc := k.Engine().State().Location()
	require.GreaterOrEqual(t, loc, 0.0)
	require.LessOrEqual(t, loc, 1.0)
}

func TestNewKeynodeRestoresSavedLocation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.NodeDB = filepath.Join(cfg.Node.DataDir, "node.db")

	db, err := nodestore.Open(cfg.NodeDBPath())
	require.NoError(t, err)
	require.NoError(t, db.SaveLocation(context.Background(), 0.375, -0.125))
	require.NoError(t, db.Close())

	k := newTestKeynode(t, cfg)
	require.Equal(t, 0.375, k.Engine().State().Location())
	require.Equal(t, -0.125, k.Engine().State().LocChangeSession())
}

func TestNewKeynodePersistsFirstLocation(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.NodeDB = filepath.Join(cfg.Node.DataDir, "node.db")

	k, err := NewKeynode(context.Background(), cfg)
	require.NoError(t, err)
	loc := k.Engine().State().Location()
	k.Close()

	db, err := nodestore.Open(cfg.NodeDBPath())
	require.NoError(t, err)
	defer db.Close()
	saved, ok, err := db.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, loc, saved.Location)
}

func TestBlockDeliveryWakesPendingRequest(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	s, _ := k.Scheduler(SchedulerCHKGet)
	ctx := context.Background()

	agg := requester.New("client", requester.InteractivePriority, s)
	req := newFetch(agg, "wanted block")
	require.NoError(t, s.Register(ctx, req))
	require.True(t, s.AnyWantKey(req.key))

	block := keys.NewBlock([]byte("wanted block"))
	msg := transport.NewMessage(transport.BlockDelivery, &transport.BlockData{Key: block.Key, Data: block.Data})
	msg.Sender = "peer"
	require.True(t, k.handleBlockDelivery(ctx, msg))

	select {
	case got := <-req.got:
		require.Equal(t, req.key, got)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request was not woken")
	}
	stored, err := k.blocks.FetchLocal(block.Key, false)
	require.NoError(t, err)
	require.Equal(t, block.Data, stored.Data)
}

func TestBlockDeliveryDropsUnverifiedBlock(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	ctx := context.Background()

	key := keys.ForData([]byte("claimed"))
	msg := transport.NewMessage(transport.BlockDelivery, &transport.BlockData{Key: key, Data: []byte("actual")})
	require.True(t, k.handleBlockDelivery(ctx, msg))
	require.False(t, k.blocks.Has(key))

	require.False(t, k.handleBlockDelivery(ctx, transport.NewMessage(transport.BlockDelivery, &transport.LocChangeData{Location: 0.5})))
}

func TestDispatchUsesLocalStoreOrFails(t *testing.T) {
	k := newTestKeynode(t, testConfig(t))
	s, _ := k.Scheduler(SchedulerSSKGet)
	ctx := context.Background()
	agg := requester.New("client", requester.BulkSplitfilePriority, s)

	missing := newFetch(agg, "nobody has this")
	k.dispatch(s)(ctx, missing)
	require.Equal(t, 0, missing.successes)
	require.Equal(t, []error{ErrNoRoute}, missing.failures)

	present := newFetch(agg, "arrived later")
	require.NoError(t, k.blocks.Put(keys.NewBlock([]byte("arrived later"))))
	k.dispatch(s)(ctx, present)
	require.Equal(t, 1, present.successes)
	require.Empty(t, present.failures)
}

func TestApplyConfigSwitchesPolicy(t *testing.T) {
	cfg := testConfig(t)
	k := newTestKeynode(t, cfg)

	next := testConfig(t)
	next.Scheduler.PriorityPolicy = "SOFT"
	k.ApplyConfig(context.Background(), next)

	for _, name := range []string{SchedulerCHKGet, SchedulerCHKInsert, SchedulerSSKGet, SchedulerSSKInsert} {
		s, _ := k.Scheduler(name)
		require.Equal(t, "SOFT", s.PriorityPolicy())
	}

	bad := testConfig(t)
	bad.Scheduler.PriorityPolicy = "SIDEWAYS"
	k.ApplyConfig(context.Background(), bad)
	s, _ := k.Scheduler(SchedulerCHKGet)
	require.Equal(t, "SOFT", s.PriorityPolicy())
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.P2P.ListenAddress = "127.0.0.1"
	cfg.P2P.Port = 0
	k := newTestKeynode(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	require.Eventually(t, func() bool { return k.Host().Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
