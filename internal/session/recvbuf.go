package session

// recvBuffer holds out-of-order information frames until the sequence
// gap in front of them fills. Capacity is bounded; when full, the frame
// with the largest distance from the expected receive sequence is
// evicted, which keeps the frames closest to becoming deliverable.
type recvBuffer struct {
	capacity int
	modulo   int
	frames   map[int][]byte
}

func newRecvBuffer(capacity, modulo int) *recvBuffer {
	return &recvBuffer{
		capacity: capacity,
		modulo:   modulo,
		frames:   make(map[int][]byte, capacity),
	}
}

// distance is the forward modular distance from expected to seq.
func (b *recvBuffer) distance(expected, seq int) int {
	return (seq - expected + b.modulo) % b.modulo
}

// Insert stores an out-of-order frame. When the buffer is full the
// farthest frame — the inserted one included — is dropped.
func (b *recvBuffer) Insert(expected, seq int, payload []byte) {
	if _, exists := b.frames[seq]; exists {
		return
	}

	if len(b.frames) >= b.capacity {
		farthest := seq
		dist := b.distance(expected, seq)
		for s := range b.frames {
			if d := b.distance(expected, s); d > dist {
				farthest, dist = s, d
			}
		}
		if farthest == seq {
			return // the new frame is the farthest: do not keep it
		}
		delete(b.frames, farthest)
	}

	b.frames[seq] = payload
}

// Take removes and returns the frame at seq, if buffered.
func (b *recvBuffer) Take(seq int) ([]byte, bool) {
	p, ok := b.frames[seq]
	if ok {
		delete(b.frames, seq)
	}
	return p, ok
}

// Has reports whether seq is buffered.
func (b *recvBuffer) Has(seq int) bool {
	_, ok := b.frames[seq]
	return ok
}

// Len returns the number of buffered frames.
func (b *recvBuffer) Len() int {
	return len(b.frames)
}

// Clear drops everything.
func (b *recvBuffer) Clear() {
	b.frames = make(map[int][]byte)
}
