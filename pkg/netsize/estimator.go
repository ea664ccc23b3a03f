// Package netsize keeps timestamped sightings of remote node locations and
// derives a network size estimate from them.
package netsize

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"
)

// DefaultMaxAge is how long a location sighting is remembered.
const DefaultMaxAge = 7 * 24 * time.Hour

// Sighting is one remembered location and when it was last seen.
type Sighting struct {
	Location float64   `json:"location"`
	SeenAt   time.Time `json:"seen_at"`
}

func sightingLess(a, b Sighting) bool {
	if a.SeenAt.Equal(b.SeenAt) {
		return a.Location < b.Location
	}
	return a.SeenAt.Before(b.SeenAt)
}

// Estimator holds one sighting per distinct location, ordered by time.
type Estimator struct {
	mu     sync.Mutex
	maxAge time.Duration
	now    func() time.Time

	byLoc  map[float64]time.Time
	byTime *btree.BTreeG[Sighting]
}

// New returns an estimator that forgets sightings older than maxAge.
func New(maxAge time.Duration) *Estimator {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Estimator{
		maxAge: maxAge,
		now:    time.Now,
		byLoc:  make(map[float64]time.Time),
		byTime: btree.NewG(16, sightingLess),
	}
}

// Register records loc as seen now. Locations outside [0, 1] are ignored.
func (e *Estimator) Register(loc float64) {
	e.RegisterAt(loc, e.now())
}

// RegisterAt records loc as seen at the given time. A location already
// known keeps the later of the two timestamps.
func (e *Estimator) RegisterAt(loc float64, at time.Time) {
	if math.IsNaN(loc) || loc < 0 || loc > 1 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if prev, ok := e.byLoc[loc]; ok {
		if !at.After(prev) {
			return
		}
		e.byTime.Delete(Sighting{Location: loc, SeenAt: prev})
	}
	e.byLoc[loc] = at
	e.byTime.ReplaceOrInsert(Sighting{Location: loc, SeenAt: at})
	e.pruneLocked(e.now().Add(-e.maxAge))
}

func (e *Estimator) pruneLocked(cutoff time.Time) {
	for {
		oldest, ok := e.byTime.Min()
		if !ok || !oldest.SeenAt.Before(cutoff) {
			return
		}
		e.byTime.DeleteMin()
		delete(e.byLoc, oldest.Location)
	}
}

// Prune drops sightings older than the configured maximum age.
func (e *Estimator) Prune() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pruneLocked(e.now().Add(-e.maxAge))
}

// CountAfter returns how many distinct locations were seen strictly after
// since. A zero since counts everything still remembered.
func (e *Estimator) CountAfter(since time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if since.IsZero() {
		return e.byTime.Len()
	}
	n := 0
	e.byTime.AscendGreaterOrEqual(Sighting{SeenAt: since, Location: math.Inf(1)}, func(Sighting) bool {
		n++
		return true
	})
	return n
}

// SightingsAfter returns the sightings seen strictly after since, oldest first.
func (e *Estimator) SightingsAfter(since time.Time) []Sighting {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Sighting, 0, e.byTime.Len())
	e.byTime.AscendGreaterOrEqual(Sighting{SeenAt: since, Location: math.Inf(1)}, func(s Sighting) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Len returns the number of remembered locations.
func (e *Estimator) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byTime.Len()
}
