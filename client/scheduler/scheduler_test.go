package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestRemoveFirstServesMostUrgentClass(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)

	bulk := requester.New("c", requester.BulkSplitfilePriority)
	interactive := requester.New("c", requester.InteractivePriority)
	low := newTestGet("low", "c", bulk, 0)
	high := newTestGet("high", "c", interactive, 0)

	require.NoError(t, s.Register(ctx, low))
	require.NoError(t, s.Register(ctx, high))

	require.Same(t, high, s.RemoveFirst())
	require.Same(t, low, s.RemoveFirst())
	require.Nil(t, s.RemoveFirst())
}

func TestRemoveFirstPrefersFewerRetries(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	agg := requester.New("c", requester.UpdatePriority)

	fresh := map[Request]bool{}
	for i, retry := range []int{0, 1, 2, 3} {
		r := newTestGet("fresh"+string(rune('a'+i)), "c", agg, retry)
		fresh[r] = true
		require.NoError(t, s.Register(ctx, r))
	}
	tired := newTestGet("tired", "c", agg, 9)
	require.NoError(t, s.Register(ctx, tired))

	for i := 0; i < 4; i++ {
		r := s.RemoveFirst()
		require.True(t, fresh[r], "requests with up to three retries share the first bucket")
		delete(fresh, r)
	}
	require.Same(t, tired, s.RemoveFirst())
}

func TestRemoveFirstHandsOutEachRequestOnce(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)

	want := map[Request]bool{}
	for i := 0; i < 50; i++ {
		agg := requester.New("c", requester.PriorityClass(i%requester.NumPriorityClasses))
		r := newTestGet("r"+string(rune(i)), []string{"a", "b", "c"}[i%3], agg, i%7)
		want[r] = true
		require.NoError(t, s.Register(ctx, r))
	}
	require.Equal(t, 50, s.Stats().Registered)

	for i := 0; i < 50; i++ {
		r := s.RemoveFirst()
		require.NotNil(t, r)
		require.True(t, want[r], "request handed out twice")
		delete(want, r)
	}
	require.Nil(t, s.RemoveFirst())
	require.Zero(t, s.Stats().Registered)
}

func TestClientsShareDrawsEvenly(t *testing.T) {
	ctx := context.Background()
	rnd := random.NewSeeded(7)
	heavyFirst := 0
	const trials = 400

	for trial := 0; trial < trials; trial++ {
		s := newGetScheduler(t, nil, rnd)
		agg := requester.New("x", requester.UpdatePriority)
		for i := 0; i < 20; i++ {
			require.NoError(t, s.Register(ctx, newTestGet("heavy", "heavy", agg, 0)))
		}
		light := newTestGet("light", "light", agg, 0)
		require.NoError(t, s.Register(ctx, light))

		if s.RemoveFirst() != Request(light) {
			heavyFirst++
		}
	}
	require.InDelta(t, trials/2, heavyFirst, trials/4)
}

func TestRegisterResolvesFromLocalStore(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockLocalStore(ctrl)

	present := keys.NewBlock([]byte("present"))
	missing := keys.ForData([]byte("missing"))
	store.EXPECT().FetchLocal(present.Key, false).Return(present, nil)
	store.EXPECT().FetchLocal(missing, false).Return(nil, nil)

	s := newGetScheduler(t, store, nil)
	agg := requester.New("c", requester.UpdatePriority)
	r := newTestGet("r", "c", agg, 0, present.Key, missing)

	require.NoError(t, s.Register(ctx, r))
	require.Equal(t, []int{0}, r.successes)
	require.Equal(t, []bool{true}, r.fromStore)
	require.True(t, s.AnyWantKey(missing))
	require.False(t, s.AnyWantKey(present.Key))

	require.Same(t, r, s.RemoveFirst())
	require.False(t, s.AnyWantKey(missing), "drawn requests stop waiting on their keys")
}

func TestRegisterSkipsQueueWhenAllKeysLocal(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockLocalStore(ctrl)
	block := keys.NewBlock([]byte("here"))
	store.EXPECT().FetchLocal(block.Key, false).Return(block, nil)

	s := newGetScheduler(t, store, nil)
	r := newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0, block.Key)

	require.NoError(t, s.Register(ctx, r))
	require.Nil(t, s.RemoveFirst())
}

func TestRegisterReportsDecodeFailure(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockLocalStore(ctrl)
	key := keys.ForData([]byte("corrupt"))
	store.EXPECT().FetchLocal(key, false).Return(nil, keys.ErrVerifyFailed)

	s := newGetScheduler(t, store, nil)
	r := newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0, key)

	require.NoError(t, s.Register(ctx, r))
	require.Len(t, r.failures, 1)
	require.True(t, errors.Is(r.failures[0], ErrDecodeFailed))
	require.Nil(t, s.RemoveFirst())
}

func TestRegisterIgnoreStoreSkipsLookup(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := NewMockLocalStore(ctrl)

	s := newGetScheduler(t, store, nil)
	r := newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0)
	r.ignoreStore = true

	require.NoError(t, s.Register(ctx, r))
	require.True(t, s.AnyWantKey(r.keys[0]))
	require.Same(t, r, s.RemoveFirst())
}

func TestRegisterRejectsWrongRequestType(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	ins := &testInsert{client: "c", agg: requester.New("c", requester.UpdatePriority)}

	err := s.Register(ctx, ins)
	require.True(t, errors.Is(err, ErrWrongRequestType))

	inserts, err := New(Options{Name: "chk-insert", Inserts: true})
	require.NoError(t, err)
	err = inserts.Register(ctx, newTestGet("g", "c", requester.New("c", requester.UpdatePriority), 0))
	require.True(t, errors.Is(err, ErrWrongRequestType))
	require.NoError(t, inserts.Register(ctx, ins))
	require.Same(t, ins, inserts.RemoveFirst())
}

func TestTripPendingKeyDeliversToEveryWaiter(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	block := keys.NewBlock([]byte("shared"))

	agg := requester.New("c", requester.UpdatePriority)
	a := newTestGet("a", "c", agg, 0, block.Key)
	b := newTestGet("b", "d", agg, 0, block.Key)
	require.NoError(t, s.Register(ctx, a))
	require.NoError(t, s.Register(ctx, b))
	require.Equal(t, 1, s.Stats().PendingKeys)

	s.TripPendingKey(ctx, block)
	for _, r := range []*testGet{a, b} {
		select {
		case k := <-r.got:
			require.Equal(t, block.Key, k)
		case <-time.After(2 * time.Second):
			t.Fatalf("request %s never received its key", r.name)
		}
	}

	first := s.RemoveFirst()
	require.True(t, s.AnyWantKey(block.Key))
	require.NotNil(t, first)
	require.NotNil(t, s.RemoveFirst())
	require.False(t, s.AnyWantKey(block.Key))
}

func TestRemovePendingKey(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	r := newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0)
	require.NoError(t, s.Register(ctx, r))

	require.True(t, s.RemovePendingKey(r, r.keys[0], true))
	require.False(t, s.RemovePendingKey(r, r.keys[0], true))
	require.False(t, s.AnyWantKey(r.keys[0]))
}

func TestReregisterAllFollowsPriorityChange(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)

	slow := requester.New("c", requester.PrefetchPriority, s)
	other := requester.New("c", requester.BulkSplitfilePriority, s)
	rSlow := newTestGet("slow", "c", slow, 0)
	rOther := newTestGet("other", "c", other, 0)
	require.NoError(t, s.Register(ctx, rSlow))
	require.NoError(t, s.Register(ctx, rOther))

	require.NoError(t, slow.SetPriorityClass(ctx, requester.MaximumPriority))
	st := s.Stats()
	require.Equal(t, 1, st.Queued[requester.MaximumPriority])
	require.Zero(t, st.Queued[requester.PrefetchPriority])

	require.Same(t, rSlow, s.RemoveFirst())
	require.Same(t, rOther, s.RemoveFirst())
}

func TestStalePriorityIsCorrectedOnDraw(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)

	agg := requester.New("c", requester.MinimumPriority)
	r := newTestGet("r", "c", agg, 0)
	require.NoError(t, s.Register(ctx, r))

	// not bound to the scheduler, so the queue still files r as MINIMUM
	require.NoError(t, agg.SetPriorityClass(ctx, requester.UpdatePriority))
	require.Equal(t, 1, s.Stats().Queued[requester.MinimumPriority])

	require.Same(t, r, s.RemoveFirst())
	require.Nil(t, s.RemoveFirst())
}

func TestRecentSuccessTakesOverDraw(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, lastSource{})

	aggX := requester.New("a", requester.UpdatePriority)
	x1 := newTestGet("x1", "a", aggX, 0)
	x2 := newTestGet("x2", "a", aggX, 0)
	require.NoError(t, s.Register(ctx, x1))
	require.NoError(t, s.Register(ctx, x2))

	require.Same(t, x2, s.RemoveFirst())
	s.Succeeded(x2)
	require.Equal(t, 1, s.Stats().RecentSuccesses)

	y1 := newTestGet("y1", "b", requester.New("b", requester.UpdatePriority), 0)
	require.NoError(t, s.Register(ctx, y1))

	// the plain draw lands on y1 but x1's container succeeded recently
	require.Same(t, x1, s.RemoveFirst())
	require.Same(t, y1, s.RemoveFirst())
}

func TestRecentSuccessYieldsToFresherRequest(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, lastSource{})

	aggX := requester.New("a", requester.UpdatePriority)
	x1 := newTestGet("x1", "a", aggX, 10)
	x2 := newTestGet("x2", "a", aggX, 10)
	require.NoError(t, s.Register(ctx, x1))
	require.NoError(t, s.Register(ctx, x2))

	require.Same(t, x2, s.RemoveFirst())
	s.Succeeded(x2)

	y1 := newTestGet("y1", "b", requester.New("b", requester.UpdatePriority), 0)
	require.NoError(t, s.Register(ctx, y1))

	require.Same(t, y1, s.RemoveFirst())
	require.Equal(t, 1, s.Stats().RecentSuccesses, "rejected container goes back into the ring")
	require.Same(t, x1, s.RemoveFirst())
	require.Nil(t, s.RemoveFirst())
}

func TestSoftPolicyUsesWeights(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options{
		Name:        "soft",
		Inserts:     true,
		Policy:      PolicySoft,
		SoftWeights: []int{0, 0, 0, 0, 0, 0, 1},
		Random:      random.NewSeeded(3),
	})
	require.NoError(t, err)

	urgent := &testInsert{client: "c", agg: requester.New("c", requester.MaximumPriority)}
	idle := &testInsert{client: "c", agg: requester.New("c", requester.MinimumPriority)}
	require.NoError(t, s.Register(ctx, urgent))
	require.NoError(t, s.Register(ctx, idle))

	require.Same(t, idle, s.RemoveFirst())
	require.Same(t, urgent, s.RemoveFirst())

	require.NoError(t, s.SetPriorityPolicy("hard"))
	require.Equal(t, "HARD", s.PriorityPolicy())
	require.NoError(t, s.SetPriorityPolicy(""))
	require.Equal(t, "HARD", s.PriorityPolicy())
	require.True(t, errors.Is(s.SetPriorityPolicy("fair"), ErrInvalidPolicy))
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(Options{Name: "x", SoftWeights: []int{1, 2}})
	require.True(t, errors.Is(err, ErrInvalidWeights))
	_, err = New(Options{Name: "x", SoftWeights: []int{0, 0, 0, 0, 0, 0, 0}})
	require.True(t, errors.Is(err, ErrInvalidWeights))
}

func TestUnregisterDropsRequest(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	r := newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0)
	require.NoError(t, s.Register(ctx, r))

	s.Unregister(r)
	require.False(t, s.AnyWantKey(r.keys[0]))
	require.Nil(t, s.RemoveFirst())
}

func TestRegisterSignalsWake(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	require.NoError(t, s.Register(ctx, newTestGet("r", "c", requester.New("c", requester.UpdatePriority), 0)))
	select {
	case <-s.Wake():
	default:
		t.Fatal("expected wake signal")
	}
}

func TestUnregisterUnlinksEmptyContainers(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	agg := requester.New("c", requester.UpdatePriority)
	r := newTestGet("r", "c", agg, 0)
	require.NoError(t, s.Register(ctx, r))
	require.Equal(t, 1, s.index.buckets(requester.UpdatePriority))

	s.Unregister(r)
	require.True(t, s.index.classEmpty(requester.UpdatePriority))
	require.Zero(t, s.index.buckets(requester.UpdatePriority))
	require.True(t, r.parent.dead)

	// containers shared with a request still queued stay linked
	a := newTestGet("a", "c", agg, 0)
	b := newTestGet("b", "c", agg, 0)
	require.NoError(t, s.Register(ctx, a))
	require.NoError(t, s.Register(ctx, b))
	s.Unregister(a)
	require.False(t, s.index.classEmpty(requester.UpdatePriority))
	require.Same(t, b, s.RemoveFirst())
	require.True(t, s.index.classEmpty(requester.UpdatePriority))
}

func TestReregisterAllUnlinksOldPosition(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	agg := requester.New("c", requester.BulkSplitfilePriority, s)
	r := newTestGet("r", "c", agg, 0)
	require.NoError(t, s.Register(ctx, r))

	require.NoError(t, agg.SetPriorityClass(ctx, requester.MaximumPriority))
	require.True(t, s.index.classEmpty(requester.BulkSplitfilePriority))
	require.Zero(t, s.index.buckets(requester.BulkSplitfilePriority))
	require.False(t, s.index.classEmpty(requester.MaximumPriority))

	prio, ok := s.choosePriorityLocked()
	require.True(t, ok)
	require.Equal(t, requester.MaximumPriority, prio)
}

func TestRetryChangeMovesBucket(t *testing.T) {
	ctx := context.Background()
	s := newGetScheduler(t, nil, nil)
	agg := requester.New("c", requester.UpdatePriority, s)
	r := newTestGet("r", "c", agg, 0)
	require.NoError(t, s.Register(ctx, r))

	r.retry = MinRetryCount + 2
	s.ReregisterAll(ctx, agg)
	require.Equal(t, 1, s.index.buckets(requester.UpdatePriority))
	require.Equal(t, 2, r.bucket)
	require.Same(t, r, s.RemoveFirst())
	require.Zero(t, s.index.buckets(requester.UpdatePriority))
}
