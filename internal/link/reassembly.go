package link

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/wire"
)

// DefaultMaxInflight bounds concurrent partial inbound transfers.
const DefaultMaxInflight = 16

// ErrChunkOutOfRange reports a chunk index at or beyond the declared
// total.
var ErrChunkOutOfRange = errors.New("link: chunk index outside declared total")

type transferKey struct {
	key     Key
	session uint32
	message uint32
}

type inbound struct {
	total    uint32
	chunks   map[uint32][]byte
	sack     wire.SACKBitmap
	lastSeen time.Time
}

// Assembled is one fully received application message.
type Assembled struct {
	Key       Key
	SessionID uint32
	MessageID uint32
	Data      []byte
}

// Reassembler collects multi-chunk data messages until complete. Each
// chunk is integrity-checked individually before it counts; a corrupt
// chunk is simply not acknowledged and the sender retransmits it.
type Reassembler struct {
	mu       sync.Mutex
	inflight map[transferKey]*inbound
	limit    int
	now      func() time.Time
	log      *logrus.Entry
}

func NewReassembler(maxInflight int, log *logrus.Logger) *Reassembler {
	if maxInflight <= 0 {
		maxInflight = DefaultMaxInflight
	}
	if log == nil {
		log = logrus.New()
	}
	return &Reassembler{
		inflight: make(map[transferKey]*inbound),
		limit:    maxInflight,
		now:      time.Now,
		log:      log.WithField("component", "reassembly"),
	}
}

// Accept processes one inbound data message. negotiatedMax is the
// decompression limit negotiated with the peer, zero when unknown.
//
// The returned acknowledgment bitmap always reflects what has been
// verified so far and should be sent back to the peer, even on error:
// a failed chunk stays unmarked so the sender resends exactly it. done
// is non-nil once every chunk of the message has arrived intact.
func (r *Reassembler) Accept(k Key, m *wire.Message, negotiatedMax uint32) (done *Assembled, ack *wire.SACKBitmap, err error) {
	body, err := m.Body(negotiatedMax)
	if err != nil {
		// The chunk failed its guard or checksum: report current state.
		return nil, r.ackFor(k, m), err
	}

	// Single-chunk messages never hit the inflight table.
	if m.TotalChunks <= 1 {
		if m.ChunkIndex != 0 {
			return nil, r.ackFor(k, m), errors.Wrapf(ErrChunkOutOfRange, "index=%d total=%d", m.ChunkIndex, m.TotalChunks)
		}
		sack := &wire.SACKBitmap{}
		sack.Mark(0)
		return &Assembled{
			Key:       k,
			SessionID: m.SessionID,
			MessageID: m.MessageID,
			Data:      body,
		}, sack, nil
	}

	if m.ChunkIndex >= m.TotalChunks {
		return nil, r.ackFor(k, m), errors.Wrapf(ErrChunkOutOfRange, "index=%d total=%d", m.ChunkIndex, m.TotalChunks)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tk := transferKey{key: k, session: m.SessionID, message: m.MessageID}
	in, ok := r.inflight[tk]
	if !ok {
		r.evictIfFullLocked()
		in = &inbound{
			total:  m.TotalChunks,
			chunks: make(map[uint32][]byte),
		}
		r.inflight[tk] = in
	}
	in.lastSeen = r.now()

	if _, dup := in.chunks[m.ChunkIndex]; !dup {
		in.chunks[m.ChunkIndex] = body
	}
	in.sack.Mark(m.ChunkIndex)

	// Slide the acknowledgment window past the contiguous prefix so
	// transfers longer than one window keep making progress.
	if hc, ok := in.sack.HighestContiguous(); ok && hc+1 < in.total {
		in.sack.Advance(hc + 1)
		for i := hc + 1; i < in.total && i < hc+1+wire.SACKWindow; i++ {
			if _, have := in.chunks[i]; have {
				in.sack.Mark(i)
			}
		}
	}

	ackCopy := in.sack
	if uint32(len(in.chunks)) < in.total {
		return nil, &ackCopy, nil
	}

	// Everything arrived: assemble in index order.
	var buf bytes.Buffer
	for i := uint32(0); i < in.total; i++ {
		buf.Write(in.chunks[i])
	}
	delete(r.inflight, tk)

	return &Assembled{
		Key:       k,
		SessionID: m.SessionID,
		MessageID: m.MessageID,
		Data:      buf.Bytes(),
	}, &ackCopy, nil
}

// ackFor returns the current acknowledgment state for the message's
// transfer without modifying it.
func (r *Reassembler) ackFor(k Key, m *wire.Message) *wire.SACKBitmap {
	r.mu.Lock()
	defer r.mu.Unlock()

	tk := transferKey{key: k, session: m.SessionID, message: m.MessageID}
	if in, ok := r.inflight[tk]; ok {
		cp := in.sack
		return &cp
	}
	return &wire.SACKBitmap{}
}

// Inflight returns the number of partial transfers currently held.
func (r *Reassembler) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// Expire drops partial transfers with no activity for maxAge and
// returns how many were dropped.
func (r *Reassembler) Expire(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	dropped := 0
	for tk, in := range r.inflight {
		if in.lastSeen.Before(cutoff) {
			delete(r.inflight, tk)
			dropped++
		}
	}
	if dropped > 0 {
		r.log.WithField("dropped", dropped).Debug("expired stale partial transfers")
	}
	return dropped
}

// evictIfFullLocked makes room by dropping the least recently touched
// partial transfer.
func (r *Reassembler) evictIfFullLocked() {
	if len(r.inflight) < r.limit {
		return
	}
	var oldest transferKey
	var oldestSeen time.Time
	first := true
	for tk, in := range r.inflight {
		if first || in.lastSeen.Before(oldestSeen) {
			oldest, oldestSeen, first = tk, in.lastSeen, false
		}
	}
	delete(r.inflight, oldest)
}
