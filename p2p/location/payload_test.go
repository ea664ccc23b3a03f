package location

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/LumeraProtocol/keynode/pkg/utils"
	"github.com/stretchr/testify/require"
)

func TestSwapPayloadLayout(t *testing.T) {
	p := swapPayload{nonce: -7, loc: 0.25, friends: []float64{0.5, 0.75}}
	buf := p.encode()
	require.Len(t, buf, 32)
	require.Equal(t, uint64(0xfffffffffffffff9), binary.BigEndian.Uint64(buf[0:]))
	require.Equal(t, math.Float64bits(0.25), binary.BigEndian.Uint64(buf[8:]))
	require.Equal(t, math.Float64bits(0.75), binary.BigEndian.Uint64(buf[24:]))

	got, err := decodeSwapPayload(utils.Digest(buf), buf)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDecodeSwapPayloadRejectsTampering(t *testing.T) {
	buf := swapPayload{nonce: 1, loc: 0.1}.encode()
	hash := utils.Digest(buf)

	tampered := append([]byte(nil), buf...)
	tampered[15] ^= 1
	_, err := decodeSwapPayload(hash, tampered)
	require.ErrorIs(t, err, ErrHashMismatch)

	_, err = decodeSwapPayload(hash, buf[:12])
	require.ErrorIs(t, err, ErrBadPayloadLength)
	_, err = decodeSwapPayload(hash, buf[:8])
	require.ErrorIs(t, err, ErrBadPayloadLength)
}

func TestDecodeSwapPayloadRejectsOutOfRangeLocation(t *testing.T) {
	buf := swapPayload{nonce: 1, loc: 0.1, friends: []float64{1.5}}.encode()
	_, err := decodeSwapPayload(utils.Digest(buf), buf)
	require.ErrorIs(t, err, ErrInvalidLocation)
}

func TestPayloadLocationsSkipsNonce(t *testing.T) {
	buf := swapPayload{nonce: 99, loc: 0.3, friends: []float64{0.4}}.encode()
	locs, err := payloadLocations(buf)
	require.NoError(t, err)
	require.Equal(t, []float64{0.3, 0.4}, locs)
}
