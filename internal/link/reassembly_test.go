package link

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kf7mix/axlink/internal/wire"
)

func dataChunk(session, message, index, total uint32, body []byte) *wire.Message {
	return &wire.Message{
		Type:        wire.MessageData,
		SessionID:   session,
		MessageID:   message,
		ChunkIndex:  index,
		TotalChunks: total,
		Payload:     body,
		Checksum:    wire.Checksum32(body),
	}
}

func TestReassembler_SingleChunk(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	done, ack, err := r.Accept(k, dataChunk(1, 7, 0, 1, []byte("hello")), 0)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, []byte("hello"), done.Data)
	assert.Equal(t, uint32(7), done.MessageID)
	assert.True(t, ack.Has(0))
	assert.Zero(t, r.Inflight())
}

func TestReassembler_OutOfOrderAssembly(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	done, _, err := r.Accept(k, dataChunk(1, 1, 2, 3, []byte("ccc")), 0)
	require.NoError(t, err)
	assert.Nil(t, done)

	done, _, err = r.Accept(k, dataChunk(1, 1, 0, 3, []byte("aaa")), 0)
	require.NoError(t, err)
	assert.Nil(t, done)
	assert.Equal(t, 1, r.Inflight())

	done, ack, err := r.Accept(k, dataChunk(1, 1, 1, 3, []byte("bbb")), 0)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, []byte("aaabbbccc"), done.Data)
	assert.Zero(t, r.Inflight())

	hc, ok := ack.HighestContiguous()
	require.True(t, ok)
	assert.Equal(t, uint32(2), hc)
}

func TestReassembler_CorruptChunkNotAcknowledged(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	good := dataChunk(1, 1, 0, 2, []byte("aaa"))
	_, _, err := r.Accept(k, good, 0)
	require.NoError(t, err)

	bad := dataChunk(1, 1, 1, 2, []byte("bbb"))
	bad.Checksum = 0xDEADBEEF
	done, ack, err := r.Accept(k, bad, 0)
	assert.Error(t, err)
	assert.Nil(t, done)
	// Chunk 0 was verified earlier; the corrupt chunk 1 stays unmarked
	// so the sender retransmits exactly it.
	assert.False(t, ack.Has(1))

	fixed := dataChunk(1, 1, 1, 2, []byte("bbb"))
	done, _, err = r.Accept(k, fixed, 0)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, []byte("aaabbb"), done.Data)
}

func TestReassembler_CompressedChunk(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	body := bytes.Repeat([]byte("radio "), 40)
	rec := wire.Compress(body, 0)
	require.NotNil(t, rec, "repetitive text must compress")

	m := &wire.Message{
		Type:        wire.MessageData,
		SessionID:   1,
		MessageID:   2,
		TotalChunks: 1,
		Compression: rec,
		Checksum:    wire.Checksum32(body),
	}

	done, _, err := r.Accept(k, m, 0)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, body, done.Data)
}

func TestReassembler_ChunkIndexOutOfRange(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	done, _, err := r.Accept(k, dataChunk(1, 1, 5, 3, []byte("x")), 0)
	assert.ErrorIs(t, err, ErrChunkOutOfRange)
	assert.Nil(t, done)
}

func TestReassembler_DuplicateChunkKeepsFirst(t *testing.T) {
	r := NewReassembler(4, nil)
	k := testKey("W1AW")

	_, _, err := r.Accept(k, dataChunk(1, 1, 0, 2, []byte("first")), 0)
	require.NoError(t, err)
	_, _, err = r.Accept(k, dataChunk(1, 1, 0, 2, []byte("other")), 0)
	require.NoError(t, err)

	done, _, err := r.Accept(k, dataChunk(1, 1, 1, 2, []byte("!")), 0)
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, []byte("first!"), done.Data)
}

func TestReassembler_TransfersIsolatedByKey(t *testing.T) {
	r := NewReassembler(4, nil)

	_, _, err := r.Accept(testKey("W1AW"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)
	_, _, err = r.Accept(testKey("KB1ABC"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Inflight())
}

func TestReassembler_ExpireDropsStale(t *testing.T) {
	r := NewReassembler(4, nil)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, _, err := r.Accept(testKey("W1AW"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 1, r.Expire(5*time.Minute))
	assert.Zero(t, r.Inflight())
}

func TestReassembler_EvictsOldestWhenFull(t *testing.T) {
	r := NewReassembler(2, nil)
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_, _, err := r.Accept(testKey("AA1A"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, _, err = r.Accept(testKey("BB2B"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, _, err = r.Accept(testKey("CC3C"), dataChunk(1, 1, 0, 2, []byte("a")), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, r.Inflight())

	// The oldest transfer was evicted; completing it now starts over.
	done, _, err := r.Accept(testKey("AA1A"), dataChunk(1, 1, 1, 2, []byte("b")), 0)
	require.NoError(t, err)
	assert.Nil(t, done, "chunk 0 was lost with the evicted transfer")
}
