package authstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	s := NewSealer(testKey())

	sealed, err := s.Seal([]byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("hello"), sealed)

	plain, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plain)
}

func TestSealer_NilPassesThrough(t *testing.T) {
	var s *Sealer = NewSealer(nil)
	assert.Nil(t, s)

	out, err := s.Seal([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)

	out, err = s.Open([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
}

func TestSealer_RejectsTampering(t *testing.T) {
	s := NewSealer(testKey())
	sealed, err := s.Seal([]byte("hello"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedBlob)

	_, err = s.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealedBlob)
}
