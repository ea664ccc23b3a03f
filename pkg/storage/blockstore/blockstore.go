// Package blockstore is the node's local block cache. Blocks are kept
// zstd-compressed and charged against the budget at their compressed size.
package blockstore

import (
	"sync"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	ristretto "github.com/dgraph-io/ristretto/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	// average block size assumed when sizing the admission counters
	expectedBlockSize = 32 << 10
	bufferItems       = 64
)

// ErrEmptyBlock is returned when putting a block without data.
var ErrEmptyBlock = errors.New("empty block")

// Store keeps blocks in memory up to a byte budget, evicting by TinyLFU.
type Store struct {
	cache *ristretto.Cache[string, []byte]
	enc   *zstd.Encoder
	dec   *zstd.Decoder
	once  sync.Once
}

// New returns a store holding at most maxBytes of block data.
func New(maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		return nil, errors.Errorf("blockstore: invalid size %d", maxBytes)
	}
	counters := 10 * (maxBytes / expectedBlockSize)
	if counters < 1000 {
		counters = 1000
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "blockstore: create cache")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "blockstore: create encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		c.Close()
		return nil, errors.Wrap(err, "blockstore: create decoder")
	}
	return &Store{cache: c, enc: enc, dec: dec}, nil
}

// Put stores b under its key. Data is not checked here; FetchLocal
// verifies on the way out.
func (s *Store) Put(b *keys.Block) error {
	if b == nil || len(b.Data) == 0 {
		return ErrEmptyBlock
	}
	data := s.enc.EncodeAll(b.Data, nil)
	s.cache.Set(string(b.Key[:]), data, int64(len(data)))
	s.cache.Wait()
	return nil
}

// FetchLocal returns the block for key, or nil if it is not held. A block
// whose data no longer matches its key is dropped and reported as
// keys.ErrVerifyFailed, as is one that no longer decompresses. dontCache
// is accepted for interface compatibility; reads never change what is kept.
func (s *Store) FetchLocal(key keys.Key, dontCache bool) (*keys.Block, error) {
	packed, ok := s.cache.Get(string(key[:]))
	if !ok {
		return nil, nil
	}
	data, err := s.dec.DecodeAll(packed, nil)
	if err != nil {
		s.cache.Del(string(key[:]))
		return nil, keys.ErrVerifyFailed
	}
	b := &keys.Block{Key: key, Data: data}
	if err := b.Verify(); err != nil {
		s.cache.Del(string(key[:]))
		return nil, err
	}
	return b, nil
}

// Has reports whether key is held, without verifying it.
func (s *Store) Has(key keys.Key) bool {
	_, ok := s.cache.Get(string(key[:]))
	return ok
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	CostAdded uint64 `json:"cost_added"`
	Evicted   uint64 `json:"keys_evicted"`
}

func (s *Store) Stats() Stats {
	m := s.cache.Metrics
	return Stats{
		Hits:      m.Hits(),
		Misses:    m.Misses(),
		CostAdded: m.CostAdded(),
		Evicted:   m.KeysEvicted(),
	}
}

// Close releases the cache goroutines and the decoder.
func (s *Store) Close() {
	s.once.Do(func() {
		s.cache.Close()
		s.dec.Close()
	})
}
