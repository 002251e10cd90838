package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVSequence(t *testing.T) {
	var c TLV
	values := []interface{}{nil, true, int32(-7), int64(1 << 40), "dest.queue", []byte{0, 1, 2}}

	var buf []byte
	var err error
	for _, v := range values {
		buf, err = c.Append(buf, v)
		require.NoError(t, err)
	}

	rest := buf
	for _, want := range values {
		v, n, err := c.Decode(rest)
		require.NoError(t, err)
		assert.Equal(t, want, v)
		rest = rest[n:]
	}
	assert.Empty(t, rest)
}

func TestTLVSkipErrors(t *testing.T) {
	var c TLV

	_, err := c.Skip(nil)
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = c.Skip([]byte{TagString, 0, 0, 0, 9, 'a'})
	assert.ErrorIs(t, err, ErrShortBuffer)

	_, err = c.Skip([]byte{0xee})
	assert.ErrorIs(t, err, ErrUnknownTag)

	_, err = c.Append(nil, 3.14)
	assert.Error(t, err)
}
