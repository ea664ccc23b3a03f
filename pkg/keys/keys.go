// Package keys defines content keys and the blocks they address.
package keys

import (
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/utils"
	"github.com/btcsuite/btcutil/base58"
)

// ErrVerifyFailed is returned when a block's data does not hash to its key.
var ErrVerifyFailed = errors.New("block does not verify against its key")

// ErrMalformedKey is returned when parsing a key fails.
var ErrMalformedKey = errors.New("malformed key")

// Key addresses a block by the BLAKE3 digest of its content.
type Key [utils.DigestSize]byte

// ForData returns the key of data.
func ForData(data []byte) Key {
	return Key(utils.Digest256(data))
}

// Parse decodes the base58 form produced by Key.String.
func Parse(s string) (Key, error) {
	raw := base58.Decode(s)
	if len(raw) != utils.DigestSize {
		return Key{}, errors.Wrap(ErrMalformedKey, s)
	}
	var k Key
	copy(k[:], raw)
	return k, nil
}

func (k Key) String() string {
	return base58.Encode(k[:])
}

// Block is a key together with its payload.
type Block struct {
	Key  Key
	Data []byte
}

// NewBlock builds a block keyed by its content.
func NewBlock(data []byte) *Block {
	return &Block{Key: ForData(data), Data: data}
}

// Verify checks the payload against the key.
func (b *Block) Verify() error {
	if ForData(b.Data) != b.Key {
		return ErrVerifyFailed
	}
	return nil
}
