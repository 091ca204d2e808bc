package link

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/wire"
)

// ErrTransferBusy reports that an outbound message is already in flight
// on the same session; the caller should queue and retry after it
// completes.
var ErrTransferBusy = errors.New("link: transfer already in flight for session")

type streamKey struct {
	key     Key
	session uint32
}

type outboundTransfer struct {
	messageID uint32
	total     uint32
	msgs      []*wire.Message
	acked     wire.SACKBitmap
}

// ackedCount is the number of chunks confirmed by the contiguous prefix
// of the acknowledgment window.
func (o *outboundTransfer) ackedCount() int {
	hc, ok := o.acked.HighestContiguous()
	if !ok {
		return int(o.acked.Base)
	}
	return int(hc) + 1
}

func (o *outboundTransfer) complete() bool {
	return uint32(o.ackedCount()) >= o.total
}

// TransferManager tracks outbound multi-chunk messages so that peer
// acknowledgments can drive selective retransmission. One message per
// session may be in flight at a time; chunk pacing within it belongs to
// the scheduler.
type TransferManager struct {
	mu     sync.Mutex
	active map[streamKey]*outboundTransfer
	nextID uint32
	log    *logrus.Entry
}

func NewTransferManager(log *logrus.Logger) *TransferManager {
	if log == nil {
		log = logrus.New()
	}
	return &TransferManager{
		active: make(map[streamKey]*outboundTransfer),
		nextID: 1,
		log:    log.WithField("component", "transfer"),
	}
}

// Start splits data into chunks of at most chunkSize body bytes and
// builds the datagram for each. Chunks compress individually when the
// negotiated capability allows it and compression actually wins.
//
// The returned messages are ready to encode and hand to the scheduler.
// Start fails with ErrTransferBusy while a previous message on the same
// session is still unacknowledged.
func (t *TransferManager) Start(k Key, sessionID uint32, data []byte, chunkSize int, negotiated wire.Capability) ([]*wire.Message, uint32, error) {
	if chunkSize <= 0 {
		chunkSize = int(Baseline().MaxChunk)
	}
	if negotiated.MaxChunk > 0 && int(negotiated.MaxChunk) < chunkSize {
		chunkSize = int(negotiated.MaxChunk)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	sk := streamKey{key: k, session: sessionID}
	if _, busy := t.active[sk]; busy {
		return nil, 0, errors.Wrapf(ErrTransferBusy, "key=%s session=%d", k, sessionID)
	}

	messageID := t.nextID
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}

	chunks := split(data, chunkSize)
	total := uint32(len(chunks))

	compressOK := negotiated.Features.Has(wire.FeatureCompression) &&
		negotiated.SupportsCompression(wire.CompressionZlib)

	msgs := make([]*wire.Message, total)
	for i, chunk := range chunks {
		m := &wire.Message{
			Type:        wire.MessageData,
			SessionID:   sessionID,
			MessageID:   messageID,
			ChunkIndex:  uint32(i),
			TotalChunks: total,
			Checksum:    wire.Checksum32(chunk),
		}
		if rec := compressChunk(chunk, chunkSize, compressOK); rec != nil {
			m.Compression = rec
		} else {
			m.Payload = chunk
		}
		msgs[i] = m
	}

	t.active[sk] = &outboundTransfer{
		messageID: messageID,
		total:     total,
		msgs:      msgs,
	}

	t.log.WithFields(logrus.Fields{
		"key":     k.String(),
		"message": messageID,
		"chunks":  total,
		"bytes":   len(data),
	}).Debug("transfer started")
	return msgs, messageID, nil
}

func compressChunk(chunk []byte, chunkSize int, allowed bool) *wire.CompressionRecord {
	if !allowed {
		return nil
	}
	return wire.Compress(chunk, chunkSize)
}

// HandleAck folds a peer acknowledgment into the matching transfer and
// returns the chunks the peer is still missing, for retransmission.
// done reports whether the transfer finished and was released. An
// acknowledgment for an unknown transfer returns nothing.
func (t *TransferManager) HandleAck(k Key, m *wire.Message) (resend []*wire.Message, done bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sk := streamKey{key: k, session: m.SessionID}
	tr, ok := t.active[sk]
	if !ok || tr.messageID != m.MessageID {
		return nil, false
	}

	if m.SACK != nil {
		tr.acked = *m.SACK
	}

	if tr.complete() {
		delete(t.active, sk)
		return nil, true
	}

	limit := tr.acked.Base + wire.SACKWindow
	if limit > tr.total {
		limit = tr.total
	}
	for _, idx := range tr.acked.Missing(limit) {
		resend = append(resend, tr.msgs[idx])
	}
	return resend, false
}

// HandleComplete releases the transfer the peer declared fully
// received. A completion for an unknown or already released transfer
// is silently ignored.
func (t *TransferManager) HandleComplete(k Key, sessionID, messageID uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sk := streamKey{key: k, session: sessionID}
	tr, ok := t.active[sk]
	if !ok || tr.messageID != messageID {
		return false
	}
	delete(t.active, sk)
	return true
}

// Abort drops the in-flight transfer on a session, if any. Used when
// the underlying session dies.
func (t *TransferManager) Abort(k Key, sessionID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, streamKey{key: k, session: sessionID})
}

// Progress reports acknowledged and total chunk counts for the active
// transfer on a session.
func (t *TransferManager) Progress(k Key, sessionID uint32) (acked, total int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tr, found := t.active[streamKey{key: k, session: sessionID}]
	if !found {
		return 0, 0, false
	}
	return tr.ackedCount(), int(tr.total), true
}

// split cuts data into chunkSize pieces. Empty data still yields one
// empty chunk so every message has at least one datagram.
func split(data []byte, chunkSize int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
