package location

import (
	"encoding/binary"
	"math"

	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/utils"
)

var (
	ErrBadPayloadLength = errors.New("swap payload has bad length")
	ErrHashMismatch     = errors.New("swap payload does not match committed hash")
	ErrBadHashLength    = errors.New("swap hash has bad length")
)

// swapPayload is what each side of a swap commits to: a random nonce, its
// location and its friends' locations, as big-endian 64 bit words.
type swapPayload struct {
	nonce   int64
	loc     float64
	friends []float64
}

func (p swapPayload) encode() []byte {
	buf := make([]byte, 8*(2+len(p.friends)))
	binary.BigEndian.PutUint64(buf[0:], uint64(p.nonce))
	binary.BigEndian.PutUint64(buf[8:], math.Float64bits(p.loc))
	for i, f := range p.friends {
		binary.BigEndian.PutUint64(buf[16+8*i:], math.Float64bits(f))
	}
	return buf
}

// decodeSwapPayload checks data against the committed hash and decodes it.
// Every location must lie in [0, 1].
func decodeSwapPayload(hash, data []byte) (swapPayload, error) {
	if len(data)%8 != 0 || len(data) < 16 {
		return swapPayload{}, ErrBadPayloadLength
	}
	if !utils.DigestEqual(utils.Digest(data), hash) {
		return swapPayload{}, ErrHashMismatch
	}
	locs, err := payloadLocations(data)
	if err != nil {
		return swapPayload{}, err
	}
	return swapPayload{
		nonce:   int64(binary.BigEndian.Uint64(data[0:])),
		loc:     locs[0],
		friends: locs[1:],
	}, nil
}

// payloadLocations returns the sender's location followed by its friends'
// locations, without checking any hash. Used when watching swaps that
// only pass through this node.
func payloadLocations(data []byte) ([]float64, error) {
	if len(data)%8 != 0 || len(data) < 16 {
		return nil, ErrBadPayloadLength
	}
	locs := make([]float64, 0, len(data)/8-1)
	for off := 8; off < len(data); off += 8 {
		loc := math.Float64frombits(binary.BigEndian.Uint64(data[off:]))
		if !Valid(loc) {
			return nil, errors.Errorf("%w: %v", ErrInvalidLocation, loc)
		}
		locs = append(locs, loc)
	}
	return locs, nil
}
