package scheduler

// recentSuccesses is a small ring of the leaf containers whose requests
// succeeded lately. Newest entries go to the front and the oldest fall
// off the back once the ring is full.
type recentSuccesses struct {
	items []*grabArray
	limit int
}

func newRecentSuccesses(limit int) *recentSuccesses {
	return &recentSuccesses{items: make([]*grabArray, 0, limit), limit: limit}
}

func (r *recentSuccesses) pushFront(g *grabArray) {
	if len(r.items) == r.limit {
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, nil)
	copy(r.items[1:], r.items)
	r.items[0] = g
}

func (r *recentSuccesses) pushBack(g *grabArray) {
	if len(r.items) == r.limit {
		return
	}
	r.items = append(r.items, g)
}

// popBack removes the oldest entry. Entries whose container was unlinked
// since are discarded and nil is returned for them.
func (r *recentSuccesses) popBack() *grabArray {
	if len(r.items) == 0 {
		return nil
	}
	last := len(r.items) - 1
	g := r.items[last]
	r.items[last] = nil
	r.items = r.items[:last]
	if g.dead {
		return nil
	}
	return g
}

func (r *recentSuccesses) len() int { return len(r.items) }
