package scheduler

//go:generate mockgen -destination=store_mock.go -package=scheduler . LocalStore

import (
	"github.com/LumeraProtocol/keynode/client/requester"
	"github.com/LumeraProtocol/keynode/pkg/keys"
)

// Request is a schedulable unit of work. Implementations embed Slot and
// must be pointer types; the scheduler uses request identity as a map key.
type Request interface {
	PriorityClass() requester.PriorityClass
	RetryCount() int
	Client() string
	Aggregate() *requester.Aggregate
	IsInsert() bool

	slot() *Slot
}

// GetRequest fetches one or more keys.
type GetRequest interface {
	Request

	// AllKeys returns the tokens of the keys this request still wants.
	AllKeys() []int
	// Key maps a token to its key. ok is false for tokens no longer valid.
	Key(token int) (key keys.Key, ok bool)
	// IgnoreStore asks the scheduler to skip the local store check.
	IgnoreStore() bool
	// DontCache is passed through to the local store.
	DontCache() bool

	OnSuccess(block *keys.Block, fromStore bool, token int)
	OnFailure(err error, token int)
	// OnGotKey is called when a wanted key arrives while the request is
	// queued. It runs on a worker goroutine.
	OnGotKey(key keys.Key, block *keys.Block)
}

// Slot records where a request currently sits inside a scheduler. It is
// only touched while the scheduler lock is held.
type Slot struct {
	parent *grabArray

	// position the request was filed under, which may differ from its
	// current priority and retry count
	prio   requester.PriorityClass
	bucket int
	client string
	agg    *requester.Aggregate
}

func (s *Slot) slot() *Slot { return s }

// LocalStore is the node's block store as seen by the get schedulers.
// A missing key yields (nil, nil). keys.ErrVerifyFailed means the stored
// data does not decode against the key.
type LocalStore interface {
	FetchLocal(key keys.Key, dontCache bool) (*keys.Block, error)
}
