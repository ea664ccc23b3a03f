package transport

import (
	"context"
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/errors"
)

var (
	// ErrTimeout is returned when no matching message arrived in time.
	ErrTimeout = errors.New("timed out waiting for message")
	// ErrDisconnected is returned when the awaited peer went away.
	ErrDisconnected = errors.New("peer disconnected while waiting")
)

// Filter selects an incoming message by type, chain UID and sender.
type Filter struct {
	Types   []MessageType
	UID     int64
	Source  PeerID
	Timeout time.Duration
}

// Match reports whether m satisfies the filter.
func (f Filter) Match(m *Message) bool {
	if f.Source != "" && m.Sender != f.Source {
		return false
	}
	typeOK := false
	for _, t := range f.Types {
		if t == m.Type {
			typeOK = true
			break
		}
	}
	if !typeOK {
		return false
	}
	uid, ok := m.UID()
	return ok && uid == f.UID
}

type waitResult struct {
	msg *Message
	err error
}

// Expectation is a registered interest in one message. Register it before
// sending whatever provokes the answer, then Wait for it.
type Expectation struct {
	filter Filter
	set    *waiterSet
	ch     chan waitResult
}

// Wait blocks until a matching message arrives, the filter timeout passes,
// the source disconnects or ctx ends.
func (e *Expectation) Wait(ctx context.Context) (*Message, error) {
	var timeout <-chan time.Time
	if e.filter.Timeout > 0 {
		t := time.NewTimer(e.filter.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-e.ch:
		return r.msg, r.err
	case <-timeout:
		if e.set.remove(e) {
			return nil, ErrTimeout
		}
	case <-ctx.Done():
		if e.set.remove(e) {
			return nil, ctx.Err()
		}
	}
	// delivered concurrently with the timeout
	r := <-e.ch
	return r.msg, r.err
}

// Cancel withdraws the expectation.
func (e *Expectation) Cancel() {
	e.set.remove(e)
}

type waiterSet struct {
	mu      sync.Mutex
	waiters map[*Expectation]struct{}
}

func newWaiterSet() *waiterSet {
	return &waiterSet{waiters: make(map[*Expectation]struct{})}
}

func (s *waiterSet) expect(f Filter) *Expectation {
	e := &Expectation{filter: f, set: s, ch: make(chan waitResult, 1)}
	s.mu.Lock()
	s.waiters[e] = struct{}{}
	s.mu.Unlock()
	return e
}

func (s *waiterSet) remove(e *Expectation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waiters[e]; !ok {
		return false
	}
	delete(s.waiters, e)
	return true
}

// deliver hands m to the first matching expectation.
func (s *waiterSet) deliver(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.waiters {
		if e.filter.Match(m) {
			delete(s.waiters, e)
			e.ch <- waitResult{msg: m}
			return true
		}
	}
	return false
}

// disconnected fails every expectation waiting on peer.
func (s *waiterSet) disconnected(peer PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := range s.waiters {
		if e.filter.Source == peer {
			delete(s.waiters, e)
			e.ch <- waitResult{err: ErrDisconnected}
		}
	}
}

func (s *waiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}
