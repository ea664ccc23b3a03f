package scheduler

import (
	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/google/btree"
)

// MinRetryCount is the number of retries a request may accumulate before
// it starts losing out to fresher requests of the same priority.
const MinRetryCount = 3

// fixRetryCount maps a raw retry count to its bucket number. Requests with
// up to MinRetryCount retries share bucket zero.
func fixRetryCount(retryCount int) int {
	return max(0, retryCount-MinRetryCount)
}

// retryBucket holds the requests of one priority class that share a fixed
// retry count, split by client.
type retryBucket struct {
	number  int
	clients *sectoredGrabArray[string, *clientSector]
}

func newRetryBucket(number int) *retryBucket {
	return &retryBucket{number: number, clients: newSectoredGrabArray[string, *clientSector]()}
}

func retryBucketLess(a, b *retryBucket) bool { return a.number < b.number }

// priorityIndex is the scheduler's queue: one ordered set of retry buckets
// per priority class. Lower bucket numbers are drawn first.
type priorityIndex struct {
	classes [requester.NumPriorityClasses]*btree.BTreeG[*retryBucket]
}

func (x *priorityIndex) class(p requester.PriorityClass) *btree.BTreeG[*retryBucket] {
	t := x.classes[p]
	if t == nil {
		t = btree.NewG(8, retryBucketLess)
		x.classes[p] = t
	}
	return t
}

func (x *priorityIndex) classEmpty(p requester.PriorityClass) bool {
	t := x.classes[p]
	return t == nil || t.Len() == 0
}

// add files req under its current priority, retry bucket, client and
// aggregate, creating containers as needed.
func (x *priorityIndex) add(req Request) {
	t := x.class(req.PriorityClass())
	rc := fixRetryCount(req.RetryCount())
	b, ok := t.Get(&retryBucket{number: rc})
	if !ok {
		b = newRetryBucket(rc)
		t.ReplaceOrInsert(b)
	}
	client := req.Client()
	cs, ok := b.clients.get(client)
	if !ok {
		cs = newSectoredGrabArray[*requester.Aggregate, *grabArray]()
		b.clients.put(client, cs)
	}
	agg := req.Aggregate()
	ga, ok := cs.get(agg)
	if !ok {
		ga = newGrabArray()
		cs.put(agg, ga)
	}
	sl := req.slot()
	sl.prio, sl.bucket, sl.client, sl.agg = req.PriorityClass(), rc, client, agg
	ga.add(req)
}

// remove takes req out of the position it was filed under and unlinks
// every container left empty. It reports whether req was queued.
func (x *priorityIndex) remove(req Request) bool {
	sl := req.slot()
	if sl.parent == nil || !sl.parent.remove(req) {
		return false
	}
	x.prune(sl)
	return true
}

// takeFrom removes a random request from g, which must be linked into the
// index, and unlinks whatever that leaves empty.
func (x *priorityIndex) takeFrom(g *grabArray, rnd random.Source) Request {
	req := g.removeRandom(rnd)
	if req != nil {
		x.prune(req.slot())
	}
	return req
}

// prune walks from the bucket down to the aggregate array recorded in sl
// and drops each level that no longer holds requests.
func (x *priorityIndex) prune(sl *Slot) {
	t := x.classes[sl.prio]
	if t == nil {
		return
	}
	b, ok := t.Get(&retryBucket{number: sl.bucket})
	if !ok {
		return
	}
	if cs, ok := b.clients.get(sl.client); ok {
		if ga, ok := cs.get(sl.agg); ok && ga.isEmpty() {
			cs.drop(sl.agg)
		}
		if cs.isEmpty() {
			b.clients.drop(sl.client)
		}
	}
	if b.clients.isEmpty() {
		t.Delete(b)
	}
}

// buckets counts the retry buckets linked under class p.
func (x *priorityIndex) buckets(p requester.PriorityClass) int {
	t := x.classes[p]
	if t == nil {
		return 0
	}
	return t.Len()
}

// drawFromLowestBucket removes a random request from the lowest non-empty
// retry bucket of class p. Buckets found empty are unlinked. It returns
// the bucket number the request came from.
func (x *priorityIndex) drawFromLowestBucket(p requester.PriorityClass, rnd random.Source) (Request, int, bool) {
	t := x.classes[p]
	if t == nil {
		return nil, 0, false
	}
	for {
		b, ok := t.Min()
		if !ok {
			return nil, 0, false
		}
		req := b.clients.removeRandom(rnd)
		if b.clients.isEmpty() {
			t.Delete(b)
		}
		if req != nil {
			return req, b.number, true
		}
	}
}

// sizes counts queued requests per class. It walks every container and is
// meant for stats only.
func (x *priorityIndex) sizes() [requester.NumPriorityClasses]int {
	var out [requester.NumPriorityClasses]int
	for i, t := range x.classes {
		if t == nil {
			continue
		}
		t.Ascend(func(b *retryBucket) bool {
			out[i] += b.clients.size()
			return true
		})
	}
	return out
}
