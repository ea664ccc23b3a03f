package scheduler

import (
	"sync"

	"github.com/LumeraProtocol/keynode/pkg/keys"
)

// pendingKeys maps each wanted key to the get requests waiting for it, so
// one arriving block can be handed to every waiter at once.
type pendingKeys struct {
	mu      sync.Mutex
	waiters map[keys.Key][]GetRequest
}

func newPendingKeys() *pendingKeys {
	return &pendingKeys{waiters: make(map[keys.Key][]GetRequest)}
}

// add records req as waiting for key. It returns false if it already was.
func (p *pendingKeys) add(key keys.Key, req GetRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[key]
	for _, r := range list {
		if r == req {
			return false
		}
	}
	p.waiters[key] = append(list, req)
	return true
}

// remove drops req from key's waiters. The entry goes away with its last
// waiter. It returns false if req was not waiting.
func (p *pendingKeys) remove(key keys.Key, req GetRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, ok := p.waiters[key]
	if !ok {
		return false
	}
	for i, r := range list {
		if r != req {
			continue
		}
		if len(list) == 1 {
			delete(p.waiters, key)
			return true
		}
		next := make([]GetRequest, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		p.waiters[key] = next
		return true
	}
	return false
}

// snapshot returns a copy of key's waiters.
func (p *pendingKeys) snapshot(key keys.Key) []GetRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.waiters[key]
	if len(list) == 0 {
		return nil
	}
	return append([]GetRequest(nil), list...)
}

func (p *pendingKeys) has(key keys.Key) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters[key]) > 0
}

func (p *pendingKeys) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
