package location

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/pkg/decay"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
)

var (
	// ErrInvalidLocation is returned for a location outside [0, 1].
	ErrInvalidLocation = errors.New("location out of range")
	// ErrNotLocked is returned by Unlock when no swap holds the lock.
	ErrNotLocked = errors.New("unlocking when not locked")
)

// Distance is the circular distance between two locations on [0, 1).
func Distance(a, b float64) float64 {
	d := math.Abs(a - b)
	return math.Min(d, 1-d)
}

// Valid reports whether loc may be used as a location.
func Valid(loc float64) bool {
	return !math.IsNaN(loc) && loc >= 0 && loc <= 1
}

// State is the node's location together with the swap lock. At most one
// swap (incoming or outgoing) holds the lock at a time.
type State struct {
	mu            sync.Mutex
	loc           float64
	changeSession float64
	locked        bool
	lockedAt      time.Time
	lastSwap      time.Time

	swapTime         *decay.Average
	minSwap, maxSwap time.Duration
	now              func() time.Time
}

// NewState returns a state at loc. The swap interval average starts at
// initialInterval and is clamped to [minSwap, maxSwap].
func NewState(loc float64, initialInterval, minSwap, maxSwap time.Duration) (*State, error) {
	if !Valid(loc) {
		return nil, errors.Wrap(ErrInvalidLocation, "initial location")
	}
	return &State{
		loc:      loc,
		swapTime: decay.NewAverage(float64(initialInterval), float64(minSwap), float64(maxSwap), 20),
		minSwap:  minSwap,
		maxSwap:  maxSwap,
		now:      time.Now,
	}, nil
}

// Location returns the current location.
func (s *State) Location() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// SetLocation replaces the location. Values outside [0, 1] are rejected
// and the location is left unchanged.
func (s *State) SetLocation(ctx context.Context, loc float64) error {
	if !Valid(loc) {
		logtrace.Error(ctx, "invalid location", logtrace.Fields{
			logtrace.FieldModule:   "location",
			logtrace.FieldLocation: loc,
		})
		return ErrInvalidLocation
	}
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
	return nil
}

// UpdateLocationChangeSession adds the signed shortest move from the
// current location to newLoc to the session total.
func (s *State) UpdateLocationChangeSession(newLoc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeSession += signedMove(s.loc, newLoc)
}

// swapTo records a successful swap to newLoc.
func (s *State) swapTo(newLoc float64) error {
	if !Valid(newLoc) {
		return ErrInvalidLocation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeSession += signedMove(s.loc, newLoc)
	s.loc = newLoc
	s.lastSwap = s.now()
	return nil
}

func signedMove(from, to float64) float64 {
	diff := to - from
	switch {
	case diff > 0.5:
		return diff - 1
	case diff < -0.5:
		return diff + 1
	}
	return diff
}

// LocChangeSession is the net distance moved since start.
func (s *State) LocChangeSession() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changeSession
}

// RestoreChangeSession seeds the session total from persisted state.
func (s *State) RestoreChangeSession(v float64) {
	s.mu.Lock()
	s.changeSession = v
	s.mu.Unlock()
}

// Lock takes the swap lock. It returns false if a swap already holds it.
func (s *State) Lock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return false
	}
	s.locked = true
	s.lockedAt = s.now()
	return true
}

// Unlock releases the swap lock. With record set, the time the lock was
// held is fed into the swap interval average.
func (s *State) Unlock(record bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.locked {
		return ErrNotLocked
	}
	s.locked = false
	if record {
		s.swapTime.Report(float64(s.now().Sub(s.lockedAt)))
	}
	return nil
}

// Locked reports whether a swap holds the lock.
func (s *State) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// LastSwap is when the location last changed through a swap.
func (s *State) LastSwap() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSwap
}

// AverageSwapTime is the decaying average of completed swap durations.
func (s *State) AverageSwapTime() time.Duration {
	return time.Duration(s.swapTime.Value())
}

// SendSwapInterval is how long to wait, at most, between outgoing swap
// attempts.
func (s *State) SendSwapInterval() time.Duration {
	d := s.AverageSwapTime()
	if d < s.minSwap {
		return s.minSwap
	}
	if d > s.maxSwap {
		return s.maxSwap
	}
	return d
}
