// Package random provides the node's shared source of randomness.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Source is a concurrency-safe random source.
type Source interface {
	// Float64 returns a value in [0, 1).
	Float64() float64
	// Uint64 returns a uniformly distributed 64 bit value.
	Uint64() uint64
	// Int64 returns a uniformly distributed value over the full int64 range.
	Int64() int64
	// IntN returns a value in [0, n). It panics if n <= 0.
	IntN(n int) int
	// Bool returns a fair coin flip.
	Bool() bool
}

type lockedSource struct {
	mu sync.Mutex
	r  *rand.Rand
}

// New returns a ChaCha8 source seeded from the operating system.
func New() Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		binary.LittleEndian.PutUint64(seed[:], rand.Uint64())
	}
	return &lockedSource{r: rand.New(rand.NewChaCha8(seed))}
}

// NewSeeded returns a deterministic source. Two sources built from the
// same seed yield the same sequence.
func NewSeeded(seed uint64) Source {
	return &lockedSource{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *lockedSource) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Float64()
}

func (s *lockedSource) Uint64() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Uint64()
}

func (s *lockedSource) Int64() int64 {
	return int64(s.Uint64())
}

func (s *lockedSource) IntN(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.IntN(n)
}

func (s *lockedSource) Bool() bool {
	return s.Uint64()&1 == 1
}
