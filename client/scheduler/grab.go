package scheduler

import (
	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/random"
)

// grabArray is the leaf container: the requests of one aggregate inside
// one client sector. Removal picks a random element.
type grabArray struct {
	reqs  []Request
	index map[Request]int
	// dead is set once the array is unlinked from the index. Entries in
	// the recent success ring pointing at a dead array are skipped.
	dead bool
}

func newGrabArray() *grabArray {
	return &grabArray{index: make(map[Request]int)}
}

func (g *grabArray) add(r Request) {
	if _, ok := g.index[r]; ok {
		return
	}
	g.index[r] = len(g.reqs)
	g.reqs = append(g.reqs, r)
	r.slot().parent = g
}

func (g *grabArray) remove(r Request) bool {
	i, ok := g.index[r]
	if !ok {
		return false
	}
	g.removeAt(i)
	return true
}

func (g *grabArray) removeAt(i int) Request {
	r := g.reqs[i]
	last := len(g.reqs) - 1
	if i != last {
		g.reqs[i] = g.reqs[last]
		g.index[g.reqs[i]] = i
	}
	g.reqs[last] = nil
	g.reqs = g.reqs[:last]
	delete(g.index, r)
	return r
}

func (g *grabArray) removeRandom(rnd random.Source) Request {
	if len(g.reqs) == 0 {
		return nil
	}
	return g.removeAt(rnd.IntN(len(g.reqs)))
}

func (g *grabArray) isEmpty() bool { return len(g.reqs) == 0 }
func (g *grabArray) invalidate()   { g.dead = true }
func (g *grabArray) size() int     { return len(g.reqs) }

// sector is anything that can sit inside a sectoredGrabArray.
type sector interface {
	removeRandom(rnd random.Source) Request
	isEmpty() bool
	invalidate()
	size() int
}

// sectoredGrabArray splits its contents by key and draws by first picking
// a random key, which gives every key the same share regardless of how
// many requests it holds.
type sectoredGrabArray[K comparable, S sector] struct {
	keys    []K
	pos     map[K]int
	sectors map[K]S
}

func newSectoredGrabArray[K comparable, S sector]() *sectoredGrabArray[K, S] {
	return &sectoredGrabArray[K, S]{pos: make(map[K]int), sectors: make(map[K]S)}
}

func (s *sectoredGrabArray[K, S]) get(k K) (S, bool) {
	v, ok := s.sectors[k]
	return v, ok
}

func (s *sectoredGrabArray[K, S]) put(k K, v S) {
	if _, ok := s.pos[k]; !ok {
		s.pos[k] = len(s.keys)
		s.keys = append(s.keys, k)
	}
	s.sectors[k] = v
}

func (s *sectoredGrabArray[K, S]) drop(k K) {
	i, ok := s.pos[k]
	if !ok {
		return
	}
	last := len(s.keys) - 1
	if i != last {
		s.keys[i] = s.keys[last]
		s.pos[s.keys[i]] = i
	}
	s.keys = s.keys[:last]
	delete(s.pos, k)
	if v, ok := s.sectors[k]; ok {
		v.invalidate()
	}
	delete(s.sectors, k)
}

// removeRandom draws from a random sector, unlinking any sector found
// empty on the way. It returns nil only when every sector was empty.
func (s *sectoredGrabArray[K, S]) removeRandom(rnd random.Source) Request {
	for len(s.keys) > 0 {
		k := s.keys[rnd.IntN(len(s.keys))]
		v := s.sectors[k]
		r := v.removeRandom(rnd)
		if v.isEmpty() {
			s.drop(k)
		}
		if r != nil {
			return r
		}
	}
	return nil
}

func (s *sectoredGrabArray[K, S]) isEmpty() bool { return len(s.keys) == 0 }

// invalidate is a no-op: a sectored array is only unlinked once all of
// its sectors were, and those were invalidated then.
func (s *sectoredGrabArray[K, S]) invalidate() {}

func (s *sectoredGrabArray[K, S]) size() int {
	n := 0
	for _, v := range s.sectors {
		n += v.size()
	}
	return n
}

// clientSector holds one client's requests split by aggregate.
type clientSector = sectoredGrabArray[*requester.Aggregate, *grabArray]
