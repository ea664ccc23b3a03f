// Package requester holds the client side view of a request: a user level
// operation that expands into many block requests sharing one priority.
package requester

import (
	"context"
	"sync"

	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/google/uuid"
)

// Rescheduler is implemented by schedulers holding requests of an
// aggregate. It is asked to reposition them after a priority change.
type Rescheduler interface {
	ReregisterAll(ctx context.Context, agg *Aggregate)
}

// Progress is a point in time view of an aggregate's block counters.
type Progress struct {
	Total         int  `json:"total"`
	MinSuccess    int  `json:"min_success"`
	Succeeded     int  `json:"succeeded"`
	Failed        int  `json:"failed"`
	FatallyFailed int  `json:"fatally_failed"`
	Finalized     bool `json:"finalized"`
}

// Listener receives progress updates. It runs on the goroutine that
// reported the change and must not block.
type Listener func(agg *Aggregate, p Progress)

// Aggregate groups the block requests issued for one client operation.
type Aggregate struct {
	id     string
	client string

	mu         sync.Mutex
	priority   PriorityClass
	cancelled  bool
	progress   Progress
	schedulers []Rescheduler
	listeners  []Listener
	realTime   bool
}

// New returns an aggregate for client at the given priority. Schedulers
// that will hold its requests can be bound now or later with Bind.
func New(client string, priority PriorityClass, schedulers ...Rescheduler) *Aggregate {
	return &Aggregate{
		id:         uuid.NewString(),
		client:     client,
		priority:   priority,
		schedulers: schedulers,
	}
}

func (a *Aggregate) ID() string     { return a.id }
func (a *Aggregate) Client() string { return a.client }

// Bind adds a scheduler to notify on priority changes.
func (a *Aggregate) Bind(s Rescheduler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.schedulers {
		if existing == s {
			return
		}
	}
	a.schedulers = append(a.schedulers, s)
}

// AddListener registers a progress listener.
func (a *Aggregate) AddListener(l Listener) {
	a.mu.Lock()
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

func (a *Aggregate) PriorityClass() PriorityClass {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.priority
}

// SetPriorityClass changes the priority and asks every bound scheduler
// to reposition this aggregate's requests.
func (a *Aggregate) SetPriorityClass(ctx context.Context, p PriorityClass) error {
	if !p.Valid() {
		return ErrInvalidPriority
	}
	a.mu.Lock()
	if a.priority == p {
		a.mu.Unlock()
		return nil
	}
	old := a.priority
	a.priority = p
	schedulers := append([]Rescheduler(nil), a.schedulers...)
	a.mu.Unlock()

	logtrace.Debug(ctx, "aggregate priority changed", logtrace.Fields{
		logtrace.FieldAggregate: a.id,
		"from":                  old.String(),
		"to":                    p.String(),
	})
	for _, s := range schedulers {
		s.ReregisterAll(ctx, a)
	}
	return nil
}

// SetRealTime marks the aggregate as latency sensitive.
func (a *Aggregate) SetRealTime(v bool) {
	a.mu.Lock()
	a.realTime = v
	a.mu.Unlock()
}

func (a *Aggregate) RealTime() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realTime
}

// Cancel marks the aggregate cancelled. Queued requests are dropped when
// they are next drawn.
func (a *Aggregate) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

func (a *Aggregate) IsCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

// AddBlock adds one block to the total.
func (a *Aggregate) AddBlock(ctx context.Context) {
	a.AddBlocks(ctx, 1)
}

// AddBlocks adds n blocks to the total. Adding after finalization is a
// caller bug; it is logged and the blocks are still counted.
func (a *Aggregate) AddBlocks(ctx context.Context, n int) {
	a.addBlocks(ctx, n, false)
}

// AddMustSucceedBlocks adds n blocks that all have to succeed.
func (a *Aggregate) AddMustSucceedBlocks(ctx context.Context, n int) {
	a.addBlocks(ctx, n, true)
}

func (a *Aggregate) addBlocks(ctx context.Context, n int, mustSucceed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.progress.Finalized {
		logtrace.Error(ctx, "blocks added to finalized aggregate", logtrace.Fields{
			logtrace.FieldAggregate: a.id,
			"count":                 n,
		})
	}
	a.progress.Total += n
	if mustSucceed {
		a.progress.MinSuccess += n
	}
}

// BlockSetFinalized records that no more blocks will be added. It is
// idempotent.
func (a *Aggregate) BlockSetFinalized() {
	a.mu.Lock()
	if a.progress.Finalized {
		a.mu.Unlock()
		return
	}
	a.progress.Finalized = true
	a.mu.Unlock()
	a.notify()
}

// CompletedBlock records a success. When dontNotify is set listeners are
// not called.
func (a *Aggregate) CompletedBlock(dontNotify bool) {
	a.mu.Lock()
	a.progress.Succeeded++
	a.mu.Unlock()
	if !dontNotify {
		a.notify()
	}
}

func (a *Aggregate) FailedBlock() {
	a.mu.Lock()
	a.progress.Failed++
	a.mu.Unlock()
	a.notify()
}

func (a *Aggregate) FatallyFailedBlock() {
	a.mu.Lock()
	a.progress.FatallyFailed++
	a.mu.Unlock()
	a.notify()
}

// Progress returns a copy of the counters.
func (a *Aggregate) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progress
}

func (a *Aggregate) notify() {
	a.mu.Lock()
	p := a.progress
	listeners := append([]Listener(nil), a.listeners...)
	a.mu.Unlock()
	for _, l := range listeners {
		l(a, p)
	}
}
