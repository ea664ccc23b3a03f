package scheduler

import (
	"context"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/workerpool"
	"go.uber.org/ratelimit"
)

const defaultStarterPoll = 5 * time.Second

// DispatchFunc runs a request handed out by the scheduler.
type DispatchFunc func(ctx context.Context, req Request)

// Starter pulls requests from a scheduler and runs them on a worker pool,
// no faster than the configured rate.
type Starter struct {
	sched    *Scheduler
	pool     *workerpool.Pool
	dispatch DispatchFunc
	limiter  ratelimit.Limiter
	poll     time.Duration
}

// NewStarter returns a starter. perSecond <= 0 disables rate limiting.
func NewStarter(s *Scheduler, pool *workerpool.Pool, perSecond int, dispatch DispatchFunc) *Starter {
	limiter := ratelimit.NewUnlimited()
	if perSecond > 0 {
		limiter = ratelimit.New(perSecond)
	}
	return &Starter{sched: s, pool: pool, dispatch: dispatch, limiter: limiter, poll: defaultStarterPoll}
}

// Run loops until ctx is done.
func (st *Starter) Run(ctx context.Context) error {
	ticker := time.NewTicker(st.poll)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		req := st.sched.RemoveFirst()
		if req == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-st.sched.Wake():
			case <-ticker.C:
			}
			continue
		}
		if agg := req.Aggregate(); agg != nil && agg.IsCancelled() {
			logtrace.Debug(ctx, "dropping request of cancelled aggregate", logtrace.Fields{
				logtrace.FieldScheduler: st.sched.Name(),
				logtrace.FieldAggregate: agg.ID(),
			})
			continue
		}

		st.limiter.Take()
		r := req
		if err := st.pool.Submit(ctx, st.sched.Name(), func(ctx context.Context) { st.dispatch(ctx, r) }); err != nil {
			return nil
		}
	}
}
