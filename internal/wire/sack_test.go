package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSACKBitmap_MarkAndHas(t *testing.T) {
	s := &SACKBitmap{Base: 10}

	s.Mark(10)
	s.Mark(12)
	s.Mark(10 + SACKWindow - 1)

	assert.True(t, s.Has(10))
	assert.False(t, s.Has(11))
	assert.True(t, s.Has(12))
	assert.True(t, s.Has(10+SACKWindow-1))
}

func TestSACKBitmap_OutOfWindowNoOp(t *testing.T) {
	s := &SACKBitmap{Base: 10}

	s.Mark(9)                // below base
	s.Mark(10 + SACKWindow)  // at window end
	s.Mark(10 + 2*SACKWindow)

	assert.Zero(t, s.Bits)
	assert.False(t, s.Has(9))
	assert.False(t, s.Has(10+SACKWindow))
}

func TestSACKBitmap_HighestContiguous(t *testing.T) {
	s := &SACKBitmap{Base: 5}

	_, ok := s.HighestContiguous()
	assert.False(t, ok, "base missing means no contiguous run")

	s.Mark(5)
	s.Mark(6)
	s.Mark(8)

	idx, ok := s.HighestContiguous()
	require.True(t, ok)
	assert.Equal(t, uint32(6), idx)

	s.Mark(7)
	idx, ok = s.HighestContiguous()
	require.True(t, ok)
	assert.Equal(t, uint32(8), idx)
}

func TestSACKBitmap_Missing(t *testing.T) {
	s := &SACKBitmap{Base: 0}
	s.Mark(0)
	s.Mark(2)
	s.Mark(3)

	assert.Equal(t, []uint32{1, 4}, s.Missing(5))
	assert.Equal(t, []uint32{1}, s.Missing(2))
	assert.Empty(t, s.Missing(1))

	// Limit past the window is clamped.
	missing := s.Missing(1000)
	assert.Len(t, missing, SACKWindow-3)
}

func TestSACKBitmap_Advance(t *testing.T) {
	s := &SACKBitmap{Base: 0}
	s.Mark(0)
	s.Mark(1)
	s.Mark(5)

	s.Advance(2)
	assert.Equal(t, uint32(2), s.Base)
	assert.False(t, s.Has(0))
	assert.True(t, s.Has(5))

	// Sliding past the whole window clears it.
	s.Advance(2 + SACKWindow)
	assert.Zero(t, s.Bits)

	// Backward advance is ignored.
	s.Advance(1)
	assert.Equal(t, uint32(2+SACKWindow), s.Base)
}

func TestSACK_EncodeDecode(t *testing.T) {
	s := &SACKBitmap{Base: 99, Bits: 0xA5A5A5A5A5A5A5A5}

	decoded, ok := decodeSACK(s.encode())
	require.True(t, ok)
	assert.Equal(t, s, decoded)

	_, ok = decodeSACK(make([]byte, 11))
	assert.False(t, ok)
}
