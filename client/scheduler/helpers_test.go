package scheduler

import (
	"sync"
	"testing"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/LumeraProtocol/keynode/pkg/workerpool"
	"github.com/stretchr/testify/require"
)

type testGet struct {
	Slot
	name        string
	retry       int
	client      string
	agg         *requester.Aggregate
	keys        []keys.Key
	ignoreStore bool

	mu        sync.Mutex
	successes []int
	fromStore []bool
	failures  []error
	got       chan keys.Key
}

func newTestGet(name, client string, agg *requester.Aggregate, retry int, ks ...keys.Key) *testGet {
	if len(ks) == 0 {
		ks = []keys.Key{keys.ForData([]byte(name))}
	}
	return &testGet{name: name, client: client, agg: agg, retry: retry, keys: ks, got: make(chan keys.Key, 8)}
}

func (r *testGet) PriorityClass() requester.PriorityClass { return r.agg.PriorityClass() }
func (r *testGet) RetryCount() int                        { return r.retry }
func (r *testGet) Client() string                         { return r.client }
func (r *testGet) Aggregate() *requester.Aggregate        { return r.agg }
func (r *testGet) IsInsert() bool                         { return false }
func (r *testGet) IgnoreStore() bool                      { return r.ignoreStore }
func (r *testGet) DontCache() bool                        { return false }

func (r *testGet) AllKeys() []int {
	out := make([]int, len(r.keys))
	for i := range r.keys {
		out[i] = i
	}
	return out
}

func (r *testGet) Key(tok int) (keys.Key, bool) {
	if tok < 0 || tok >= len(r.keys) {
		return keys.Key{}, false
	}
	return r.keys[tok], true
}

func (r *testGet) OnSuccess(_ *keys.Block, fromStore bool, tok int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, tok)
	r.fromStore = append(r.fromStore, fromStore)
}

func (r *testGet) OnFailure(err error, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *testGet) OnGotKey(key keys.Key, _ *keys.Block) { r.got <- key }

type testInsert struct {
	Slot
	client string
	agg    *requester.Aggregate
}

func (r *testInsert) PriorityClass() requester.PriorityClass { return r.agg.PriorityClass() }
func (r *testInsert) RetryCount() int                        { return 0 }
func (r *testInsert) Client() string                         { return r.client }
func (r *testInsert) Aggregate() *requester.Aggregate        { return r.agg }
func (r *testInsert) IsInsert() bool                         { return true }

// lastSource always picks the last candidate and always wins coin flips.
type lastSource struct{}

func (lastSource) Float64() float64 { return 0 }
func (lastSource) Uint64() uint64   { return 1 }
func (lastSource) Int64() int64     { return 1 }
func (lastSource) IntN(n int) int   { return n - 1 }
func (lastSource) Bool() bool       { return true }

func newGetScheduler(t *testing.T, store LocalStore, rnd random.Source) *Scheduler {
	t.Helper()
	if rnd == nil {
		rnd = random.NewSeeded(1)
	}
	s, err := New(Options{Name: "chk-get", Store: store, Random: rnd, Pool: workerpool.New("test", 2)})
	require.NoError(t, err)
	return s
}
