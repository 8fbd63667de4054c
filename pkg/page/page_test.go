package page

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageIsZeroed(t *testing.T) {
	p := New(3)
	require.Equal(t, ID(3), p.ID())
	require.True(t, bytes.Equal(p.Data(), make([]byte, Size)))
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := New(0)
	payload := bytes.Repeat([]byte{0xAB}, 100)

	require.NoError(t, p.WriteData(10, payload))

	out := make([]byte, 100)
	require.NoError(t, p.ReadData(10, out))
	require.Equal(t, payload, out)
}

func TestWriteDataOutOfBounds(t *testing.T) {
	p := New(0)
	err := p.WriteData(Size-1, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestReadDataOutOfBounds(t *testing.T) {
	p := New(0)
	err := p.ReadData(-1, make([]byte, 4))
	require.ErrorIs(t, err, ErrOutOfBounds)
}

func TestResetKeepsID(t *testing.T) {
	p := New(7)
	require.NoError(t, p.WriteData(0, []byte{9, 9, 9}))
	p.Reset()
	require.Equal(t, ID(7), p.ID())
	require.True(t, bytes.Equal(p.Data(), make([]byte, Size)))
}

func TestIDValid(t *testing.T) {
	require.True(t, ID(0).Valid())
	require.False(t, InvalidID.Valid())
	require.False(t, ID(-5).Valid())
}
