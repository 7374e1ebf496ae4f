package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velosd/velosd/internal/verrors"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, n := range []uint32{0, 1, 7, 4096, MaxPayload} {
		var buf [HeaderSize]byte
		wn, err := EncodeHeader(buf[:], n)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize, wn)

		hdr, err := DecodeHeader(buf[:])
		require.NoError(t, err)
		assert.Equal(t, n, hdr.PayloadLen)
	}
}

func TestHeaderPayloadTooLarge(t *testing.T) {
	var buf [HeaderSize]byte
	_, err := EncodeHeader(buf[:], MaxPayload+1)
	assert.ErrorIs(t, err, verrors.ErrPayloadTooLarge)
}

func TestHeaderTruncated(t *testing.T) {
	_, err := DecodeHeader([]byte{0x56, 0x10, 0x01})
	assert.ErrorIs(t, err, verrors.ErrTruncated)
}

func TestHeaderBadMagic(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, 0, 0, 0, 0}
	_, err := DecodeHeader(buf)
	assert.ErrorIs(t, err, verrors.ErrInvalidMagic)
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{ID: 42, Command: CmdPing, Body: []byte("hello")}
	out, err := EncodeRequest(nil, req)
	require.NoError(t, err)

	got, err := DecodeRequest(out)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{ID: 7, Status: StatusOK, Body: []byte("pong")}
	out := EncodeResponse(nil, resp)

	got, err := DecodeResponse(out)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestFieldReaderWriterRoundTrip(t *testing.T) {
	w := NewWriter(64)
	w.PutU8(7)
	w.PutBool(true)
	w.PutU32(123456)
	w.PutI32(-99)
	w.PutU64(1 << 40)
	w.PutString("velosd")

	r := NewReader(w.Bytes())
	u8, err := r.U8()
	require.NoError(t, err)
	assert.EqualValues(t, 7, u8)

	b, err := r.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	u32, err := r.U32()
	require.NoError(t, err)
	assert.EqualValues(t, 123456, u32)

	i32, err := r.I32()
	require.NoError(t, err)
	assert.EqualValues(t, -99, i32)

	u64, err := r.U64()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<40, u64)

	s, err := r.String()
	require.NoError(t, err)
	assert.Equal(t, "velosd", s)

	assert.True(t, r.Done())
}

func TestFieldReaderDefaultsOnTruncation(t *testing.T) {
	w := NewWriter(8)
	w.PutU32(1)
	r := NewReader(w.Bytes())

	v, err := r.U32()
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	// Buffer is now exhausted; subsequent reads use documented defaults.
	assert.EqualValues(t, 5000, r.U32Default(5000))
	assert.EqualValues(t, -1, r.I32Default(-1))
	assert.EqualValues(t, 8000, r.U64Default(8000))
	assert.True(t, r.BoolDefault(true))
	assert.Equal(t, "fallback", r.StringDefault("fallback"))
}
