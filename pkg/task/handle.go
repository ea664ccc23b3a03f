package task

import (
	"context"
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
)

var ErrAlreadyRunning = errors.New("task already running")

// Handle pairs a TryStart with its End. A watchdog ends the job if the
// owner never does, so a wedged job does not stay listed forever.
type Handle struct {
	tr   Tracker
	kind string
	id   string
	stop chan struct{}
	once sync.Once
}

// Start tracks a job and returns its handle. It returns ErrAlreadyRunning
// if the same (kind, id) is live. A nil tracker yields a no-op handle.
func Start(ctx context.Context, tr Tracker, kind, id string, timeout time.Duration) (*Handle, error) {
	if tr == nil || kind == "" || id == "" {
		return &Handle{}, nil
	}
	if !tr.TryStart(kind, id) {
		return nil, ErrAlreadyRunning
	}
	logtrace.Debug(ctx, "task: started", logtrace.Fields{"kind": kind, logtrace.FieldTaskID: id})

	h := &Handle{tr: tr, kind: kind, id: id, stop: make(chan struct{})}
	if timeout > 0 {
		go func() {
			select {
			case <-time.After(timeout):
				h.endWith(ctx, true)
			case <-h.stop:
			}
		}()
	}
	return h, nil
}

// End stops tracking the job. Safe to call multiple times.
func (h *Handle) End(ctx context.Context) {
	h.endWith(ctx, false)
}

func (h *Handle) endWith(ctx context.Context, expired bool) {
	if h == nil || h.kind == "" || h.id == "" {
		return
	}
	h.once.Do(func() {
		close(h.stop)
		h.tr.End(h.kind, h.id)
		if expired {
			logtrace.Warn(ctx, "task: watchdog expired", logtrace.Fields{"kind": h.kind, logtrace.FieldTaskID: h.id})
		} else {
			logtrace.Debug(ctx, "task: ended", logtrace.Fields{"kind": h.kind, logtrace.FieldTaskID: h.id})
		}
	})
}
