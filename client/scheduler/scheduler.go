// Package scheduler queues block requests and decides which one the node
// works on next. Requests are split by priority class, then by how often
// they were retried, then by client and by aggregate, so that urgent work
// goes first and no client or aggregate can crowd out the others.
package scheduler

import (
	"context"
	"sync"

	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/LumeraProtocol/keynode/pkg/workerpool"
)

const recentSuccessCapacity = 8

var (
	// ErrWrongRequestType is returned when an insert is registered with a
	// get scheduler or the other way round.
	ErrWrongRequestType = errors.New("request type does not match scheduler")
	// ErrDecodeFailed is reported to a request whose locally stored block
	// does not verify.
	ErrDecodeFailed = errors.New("local block failed to decode")
)

// Options configures a Scheduler.
type Options struct {
	Name string
	// Inserts selects an insert scheduler. Get schedulers track pending keys.
	Inserts bool
	Store   LocalStore
	Random  random.Source
	// Pool delivers arriving blocks to waiting requests.
	Pool        *workerpool.Pool
	Policy      PriorityPolicy
	SoftWeights []int
}

// Stats is a point in time view of a scheduler.
type Stats struct {
	Name            string                            `json:"name"`
	Policy          string                            `json:"policy"`
	Queued          [requester.NumPriorityClasses]int `json:"queued"`
	Registered      int                               `json:"registered"`
	Aggregates      int                               `json:"aggregates"`
	PendingKeys     int                               `json:"pending_keys"`
	RecentSuccesses int                               `json:"recent_successes"`
}

// Scheduler holds registered requests until RemoveFirst hands them out.
// It is safe for concurrent use.
type Scheduler struct {
	name     string
	isInsert bool
	store    LocalStore
	rnd      random.Source
	pool     *workerpool.Pool

	// mu guards everything below. When both are needed, mu is taken
	// before the pending key lock.
	mu          sync.Mutex
	index       priorityIndex
	byAggregate map[*requester.Aggregate]map[Request]struct{}
	recent      *recentSuccesses
	policy      PriorityPolicy
	weights     weightedClasses

	pending *pendingKeys
	wake    chan struct{}
}

// New builds a scheduler.
func New(opts Options) (*Scheduler, error) {
	policy := opts.Policy
	if policy == "" {
		policy = PolicyHard
	}
	if _, err := ParsePriorityPolicy(string(policy)); err != nil {
		return nil, err
	}
	weights, err := newWeightedClasses(opts.SoftWeights)
	if err != nil {
		return nil, err
	}
	rnd := opts.Random
	if rnd == nil {
		rnd = random.New()
	}
	pool := opts.Pool
	if pool == nil {
		pool = workerpool.New(opts.Name+"-delivery", 4)
	}
	s := &Scheduler{
		name:        opts.Name,
		isInsert:    opts.Inserts,
		store:       opts.Store,
		rnd:         rnd,
		pool:        pool,
		byAggregate: make(map[*requester.Aggregate]map[Request]struct{}),
		recent:      newRecentSuccesses(recentSuccessCapacity),
		policy:      policy,
		weights:     weights,
		wake:        make(chan struct{}, 1),
	}
	if !opts.Inserts {
		s.pending = newPendingKeys()
	}
	return s, nil
}

func (s *Scheduler) Name() string   { return s.name }
func (s *Scheduler) IsInsert() bool { return s.isInsert }

// Wake is signalled whenever new work may be available.
func (s *Scheduler) Wake() <-chan struct{} { return s.wake }

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Register queues req. Get requests are first checked against the local
// store: keys found there complete immediately, and a request with no
// keys left is not queued at all.
func (s *Scheduler) Register(ctx context.Context, req Request) error {
	if req.IsInsert() != s.isInsert {
		logtrace.Error(ctx, "request registered with wrong scheduler", logtrace.Fields{
			logtrace.FieldScheduler: s.name,
			"insert":                req.IsInsert(),
		})
		return ErrWrongRequestType
	}
	if !req.PriorityClass().Valid() {
		return errors.Wrap(requester.ErrInvalidPriority, req.PriorityClass().String())
	}

	if !s.isInsert {
		get, ok := req.(GetRequest)
		if !ok {
			return ErrWrongRequestType
		}
		queue, err := s.checkStore(ctx, get)
		if err != nil || !queue {
			return err
		}
	}

	s.mu.Lock()
	s.addLocked(req)
	s.mu.Unlock()
	s.signal()
	return nil
}

// checkStore resolves what it can locally and records the rest as pending.
// It reports whether the request still has keys to fetch.
func (s *Scheduler) checkStore(ctx context.Context, get GetRequest) (bool, error) {
	anyValid := false
	for _, tok := range get.AllKeys() {
		key, ok := get.Key(tok)
		if !ok {
			logtrace.Debug(ctx, "request token has no key", logtrace.Fields{logtrace.FieldScheduler: s.name, "token": tok})
			continue
		}
		if s.store != nil && !get.IgnoreStore() {
			block, err := s.store.FetchLocal(key, get.DontCache())
			if errors.Is(err, keys.ErrVerifyFailed) {
				logtrace.Warn(ctx, "local block failed to verify", logtrace.Fields{
					logtrace.FieldScheduler: s.name,
					logtrace.FieldKey:       key.String(),
				})
				get.OnFailure(ErrDecodeFailed, tok)
				return false, nil
			}
			if err != nil {
				logtrace.Warn(ctx, "local store lookup failed", logtrace.Fields{
					logtrace.FieldScheduler: s.name,
					logtrace.FieldKey:       key.String(),
					logtrace.FieldError:     err.Error(),
				})
			}
			if block != nil {
				get.OnSuccess(block, true, tok)
				continue
			}
		}
		s.pending.add(key, get)
		anyValid = true
	}
	return anyValid, nil
}

func (s *Scheduler) addLocked(req Request) {
	s.index.add(req)
	agg := req.Aggregate()
	set, ok := s.byAggregate[agg]
	if !ok {
		set = make(map[Request]struct{})
		s.byAggregate[agg] = set
	}
	set[req] = struct{}{}
}

func (s *Scheduler) forgetLocked(req Request) {
	agg := req.Aggregate()
	if set, ok := s.byAggregate[agg]; ok {
		delete(set, req)
		if len(set) == 0 {
			delete(s.byAggregate, agg)
		}
	}
}

// RemoveFirst hands out the next request to run, or nil if the scheduler
// is empty. The returned request is no longer queued.
func (s *Scheduler) RemoveFirst() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		prio, ok := s.choosePriorityLocked()
		if !ok {
			return nil
		}
		if req := s.drawLocked(prio); req != nil {
			s.forgetLocked(req)
			if get, ok := req.(GetRequest); ok && s.pending != nil {
				s.removePendingKeys(get, true)
			}
			return req
		}
	}
}

// choosePriorityLocked returns a non-empty class. Under the soft policy
// the first attempt is a weighted draw; the remaining attempts walk the
// classes from most to least urgent.
func (s *Scheduler) choosePriorityLocked() (requester.PriorityClass, bool) {
	n := requester.NumPriorityClasses
	fuzz := 0
	for attempt := 0; attempt <= n; attempt++ {
		var p requester.PriorityClass
		if attempt == 0 && s.policy == PolicySoft {
			p = s.weights.pick(s.rnd)
		} else {
			p = requester.PriorityClass(fuzz % n)
			fuzz++
		}
		if !s.index.classEmpty(p) {
			return p, true
		}
	}
	return 0, false
}

// drawLocked takes one request out of class prio. A request whose priority
// changed since it was queued is moved to its current class and the draw
// continues. nil means the class turned out to hold no requests.
func (s *Scheduler) drawLocked(prio requester.PriorityClass) Request {
	for {
		req, bucket, ok := s.index.drawFromLowestBucket(prio, s.rnd)
		if !ok {
			return nil
		}
		if req.PriorityClass() != prio {
			logtrace.Debug(context.Background(), "request found in stale priority class", logtrace.Fields{
				logtrace.FieldScheduler: s.name,
				"queued":                prio.String(),
				logtrace.FieldPriority:  req.PriorityClass().String(),
			})
			s.index.add(req)
			continue
		}
		return s.preferRecentLocked(req, prio, bucket)
	}
}

// preferRecentLocked gives a recently successful container a chance to
// run instead of the drawn request, as long as its request is at least as
// urgent and no more retried.
func (s *Scheduler) preferRecentLocked(req Request, prio requester.PriorityClass, bucket int) Request {
	if s.recent.len() == 0 || !s.rnd.Bool() {
		return req
	}
	container := s.recent.popBack()
	if container == nil {
		return req
	}
	alt := s.index.takeFrom(container, s.rnd)
	if alt == nil {
		return req
	}
	if alt.PriorityClass() <= prio && fixRetryCount(alt.RetryCount()) <= bucket {
		s.index.add(req)
		return alt
	}
	s.index.add(alt)
	s.recent.pushBack(alt.slot().parent)
	return req
}

// Succeeded tells the scheduler that req completed, which makes its
// container a candidate for the recent success shortcut.
func (s *Scheduler) Succeeded(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := req.slot().parent; g != nil && !g.dead {
		s.recent.pushFront(g)
	}
}

// ReregisterAll moves every queued request of agg to the position its
// current priority and retry count call for.
func (s *Scheduler) ReregisterAll(ctx context.Context, agg *requester.Aggregate) {
	s.mu.Lock()
	set := s.byAggregate[agg]
	reqs := make([]Request, 0, len(set))
	for r := range set {
		reqs = append(reqs, r)
	}
	for _, r := range reqs {
		s.index.remove(r)
		s.index.add(r)
	}
	s.mu.Unlock()

	logtrace.Debug(ctx, "reregistered aggregate", logtrace.Fields{
		logtrace.FieldScheduler: s.name,
		logtrace.FieldAggregate: agg.ID(),
		"count":                 len(reqs),
	})
	s.signal()
}

// Unregister drops req from the queue and from the pending key table.
func (s *Scheduler) Unregister(req Request) {
	s.mu.Lock()
	s.index.remove(req)
	s.forgetLocked(req)
	s.mu.Unlock()
	if get, ok := req.(GetRequest); ok && s.pending != nil {
		s.removePendingKeys(get, false)
	}
}

// RemovePendingKey stops req from waiting on key. With complain set, a
// missing entry is logged.
func (s *Scheduler) RemovePendingKey(req GetRequest, key keys.Key, complain bool) bool {
	if s.pending == nil {
		return false
	}
	removed := s.pending.remove(key, req)
	if !removed && complain {
		logtrace.Debug(context.Background(), "pending key not found", logtrace.Fields{
			logtrace.FieldScheduler: s.name,
			logtrace.FieldKey:       key.String(),
		})
	}
	return removed
}

// RemovePendingKeys removes req from the waiters of each of its keys.
func (s *Scheduler) RemovePendingKeys(req GetRequest, complain bool) {
	if s.pending == nil {
		return
	}
	s.removePendingKeys(req, complain)
}

func (s *Scheduler) removePendingKeys(req GetRequest, complain bool) {
	for _, tok := range req.AllKeys() {
		if key, ok := req.Key(tok); ok {
			s.RemovePendingKey(req, key, complain)
		}
	}
}

// TripPendingKey hands block to every request waiting for its key. The
// callbacks run on the delivery pool, never on the caller's goroutine.
func (s *Scheduler) TripPendingKey(ctx context.Context, block *keys.Block) {
	if s.pending == nil {
		return
	}
	waiters := s.pending.snapshot(block.Key)
	if len(waiters) == 0 {
		return
	}
	logtrace.Debug(ctx, "delivering pending key", logtrace.Fields{
		logtrace.FieldScheduler: s.name,
		logtrace.FieldKey:       block.Key.String(),
		"waiters":               len(waiters),
	})
	s.pool.Go(ctx, "trip-pending-key", func(context.Context) {
		for _, w := range waiters {
			w.OnGotKey(block.Key, block)
		}
	})
}

// AnyWantKey reports whether some queued request waits for key.
func (s *Scheduler) AnyWantKey(key keys.Key) bool {
	return s.pending != nil && s.pending.has(key)
}

// PriorityPolicy returns the active policy name.
func (s *Scheduler) PriorityPolicy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.policy)
}

// SetPriorityPolicy switches the policy. An empty or unchanged value is a
// no-op.
func (s *Scheduler) SetPriorityPolicy(value string) error {
	if value == "" {
		return nil
	}
	p, err := ParsePriorityPolicy(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// SetSoftWeights replaces the soft policy weights.
func (s *Scheduler) SetSoftWeights(weights []int) error {
	w, err := newWeightedClasses(weights)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.weights = w
	s.mu.Unlock()
	return nil
}

// Stats returns queue counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Name:            s.name,
		Policy:          string(s.policy),
		Queued:          s.index.sizes(),
		Aggregates:      len(s.byAggregate),
		RecentSuccesses: s.recent.len(),
	}
	for _, set := range s.byAggregate {
		st.Registered += len(set)
	}
	s.mu.Unlock()
	if s.pending != nil {
		st.PendingKeys = s.pending.len()
	}
	return st
}
