package kiss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name     string
		payload  []byte
		channel  uint8
		expected []byte
	}{
		{
			name:     "plain payload on channel 0",
			payload:  []byte{0x01, 0x02},
			channel:  0,
			expected: []byte{0xC0, 0x00, 0x01, 0x02, 0xC0},
		},
		{
			name:     "delimiter escaped",
			payload:  []byte{0xC0},
			channel:  0,
			expected: []byte{0xC0, 0x00, 0xDB, 0xDC, 0xC0},
		},
		{
			name:     "escape byte escaped",
			payload:  []byte{0xDB},
			channel:  0,
			expected: []byte{0xC0, 0x00, 0xDB, 0xDD, 0xC0},
		},
		{
			name:     "channel in high nibble",
			payload:  []byte{0x55},
			channel:  3,
			expected: []byte{0xC0, 0x30, 0x55, 0xC0},
		},
		{
			name:     "empty payload",
			payload:  nil,
			channel:  0,
			expected: []byte{0xC0, 0x00, 0xC0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Encode(tt.payload, tt.channel))
		})
	}
}

func TestDecoder_SingleFrame(t *testing.T) {
	d := &Decoder{}
	frames := d.Feed([]byte{0xC0, 0xC0, 0xC0, 0x00, 0x01, 0x02, 0xC0, 0xC0})

	require.Len(t, frames, 1)
	assert.Equal(t, uint8(0), frames[0].Channel)
	assert.Equal(t, uint8(CmdData), frames[0].Command)
	assert.Equal(t, []byte{0x01, 0x02}, frames[0].Payload)
}

func TestDecoder_SplitAcrossChunks(t *testing.T) {
	d := &Decoder{}

	frames := d.Feed([]byte{0xC0, 0x00, 0x01})
	assert.Empty(t, frames)

	frames = d.Feed([]byte{0x02, 0x03})
	assert.Empty(t, frames)

	frames = d.Feed([]byte{0xC0})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, frames[0].Payload)
}

func TestDecoder_TrailingEscapeHeld(t *testing.T) {
	d := &Decoder{}

	// Chunk ends on a bare escape byte: it must be held, not dropped.
	frames := d.Feed([]byte{0xC0, 0x00, 0x01, 0xDB})
	assert.Empty(t, frames)

	frames = d.Feed([]byte{0xDC, 0xC0})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01, 0xC0}, frames[0].Payload)
}

func TestDecoder_EscapedSequences(t *testing.T) {
	d := &Decoder{}
	raw := Encode([]byte{0xC0, 0xDB, 0x42, 0xDB, 0xC0}, 0)

	frames := d.Feed(raw)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xC0, 0xDB, 0x42, 0xDB, 0xC0}, frames[0].Payload)
}

func TestDecoder_EmptyPayloadFrame(t *testing.T) {
	d := &Decoder{}

	// A command byte with no payload is a valid frame.
	frames := d.Feed([]byte{0xC0, 0x00, 0xC0})
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
	assert.True(t, frames[0].IsData())
}

func TestDecoder_GarbageBeforeDelimiter(t *testing.T) {
	d := &Decoder{}

	frames := d.Feed([]byte{0x99, 0x88, 0x77, 0xC0, 0x00, 0x01, 0xC0})
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01}, frames[0].Payload)
}

func TestDecoder_MultipleFramesOneChunk(t *testing.T) {
	d := &Decoder{}
	chunk := append(Encode([]byte{0x01}, 0), Encode([]byte{0x02}, 1)...)

	frames := d.Feed(chunk)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x01}, frames[0].Payload)
	assert.Equal(t, uint8(1), frames[1].Channel)
	assert.Equal(t, []byte{0x02}, frames[1].Payload)
}

func TestDecoder_HardwareCommandPassthrough(t *testing.T) {
	d := &Decoder{}

	// Battery poll style command frame from a hardware TNC.
	frames := d.Feed([]byte{0xC0, 0x06, 0x06, 0xC0})
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(0x06), frames[0].Command)
	assert.False(t, frames[0].IsData())
	assert.Equal(t, []byte{0x06}, frames[0].Payload)
}

func TestDecoder_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		{0x00},
		{0xC0, 0xC0, 0xC0},
		{0xDB, 0xDB},
		{0xDB, 0xDC, 0xDB, 0xDD},
		make([]byte, 300),
	}

	d := &Decoder{}
	for _, p := range payloads {
		frames := d.Feed(Encode(p, 5))
		require.Len(t, frames, 1)
		assert.Equal(t, uint8(5), frames[0].Channel)
		if len(p) == 0 {
			assert.Empty(t, frames[0].Payload)
		} else {
			assert.Equal(t, p, frames[0].Payload)
		}
	}
}

func BenchmarkDecoder_Feed(b *testing.B) {
	raw := Encode(make([]byte, 256), 0)
	d := &Decoder{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		d.Feed(raw)
	}
}
