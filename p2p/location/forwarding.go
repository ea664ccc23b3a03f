package location

import (
	"sync"
	"time"

	"github.com/LumeraProtocol/keynode/p2p/transport"
)

// forwardedItem is one hop of a swap chain seen by this node. The chain
// arrived as incomingID and, when forwarded, left as outgoingID
// (incomingID+1). A chain this node started or accepted uses one ID.
type forwardedItem struct {
	incomingID int64
	outgoingID int64
	// requestSender is nil for chains this node started.
	requestSender Peer
	// routedTo is nil for chains this node accepted.
	routedTo Peer

	addedAt       time.Time
	lastMessageAt time.Time
	// successfullyForwarded is set once the request reached routedTo.
	successfullyForwarded bool
}

// forwardingTable indexes items under both of their IDs.
type forwardingTable struct {
	mu    sync.Mutex
	items map[int64]*forwardedItem
}

func newForwardingTable() *forwardingTable {
	return &forwardingTable{items: make(map[int64]*forwardedItem)}
}

// add indexes a new item under in and out. It fails, leaving the table
// untouched, if either ID is already in use.
func (t *forwardingTable) add(in, out int64, from, to Peer, now time.Time) (*forwardedItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.items[in]; ok {
		return nil, false
	}
	if _, ok := t.items[out]; ok {
		return nil, false
	}
	item := &forwardedItem{
		incomingID:    in,
		outgoingID:    out,
		requestSender: from,
		routedTo:      to,
		addedAt:       now,
		lastMessageAt: now,
	}
	t.items[in] = item
	t.items[out] = item
	return item, true
}

func (t *forwardingTable) get(id int64) (*forwardedItem, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.items[id]
	return item, ok
}

func (t *forwardingTable) contains(id int64) bool {
	_, ok := t.get(id)
	return ok
}

// remove drops both keys of item, but only where they still map to it.
func (t *forwardingTable) remove(item *forwardedItem) {
	if item == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(item)
}

func (t *forwardingTable) removeLocked(item *forwardedItem) {
	if cur, ok := t.items[item.incomingID]; ok && cur == item {
		delete(t.items, item.incomingID)
	}
	if cur, ok := t.items[item.outgoingID]; ok && cur == item {
		delete(t.items, item.outgoingID)
	}
}

func (t *forwardingTable) touch(item *forwardedItem, now time.Time) {
	t.mu.Lock()
	item.lastMessageAt = now
	t.mu.Unlock()
}

func (t *forwardingTable) markForwarded(item *forwardedItem) {
	t.mu.Lock()
	item.successfullyForwarded = true
	t.mu.Unlock()
}

// removeIdleSince drops items with no traffic since cutoff and returns
// how many went.
func (t *forwardingTable) removeIdleSince(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*forwardedItem]struct{})
	for _, item := range t.items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		if item.lastMessageAt.Before(cutoff) {
			t.removeLocked(item)
		}
	}
	return len(seen) - t.countLocked()
}

// removeRoutedTo drops the successfully forwarded items routed to peer and
// returns them.
func (t *forwardingTable) removeRoutedTo(peer transport.PeerID) []*forwardedItem {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*forwardedItem
	seen := make(map[*forwardedItem]struct{})
	for _, item := range t.items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		if item.routedTo == nil || item.routedTo.ID() != peer || !item.successfullyForwarded {
			continue
		}
		out = append(out, item)
	}
	for _, item := range out {
		t.removeLocked(item)
	}
	return out
}

func (t *forwardingTable) countLocked() int {
	seen := make(map[*forwardedItem]struct{}, len(t.items))
	for _, item := range t.items {
		seen[item] = struct{}{}
	}
	return len(seen)
}

// len returns the number of distinct items.
func (t *forwardingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}
