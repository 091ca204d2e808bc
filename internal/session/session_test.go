package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kf7mix/axlink/internal/ax25"
)

var (
	localAddr = ax25.Address{Callsign: "KF7MIX", SSID: 1}
	peerAddr  = ax25.Address{Callsign: "W1AW", SSID: 2}
)

type harness struct {
	s           *Session
	sent        []*ax25.Frame
	delivered   [][]byte
	states      []State
	closeErrs   []error
	closedCount int
	retransmits int
	cleanAcks   int
	dirtyAcks   int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{}
	cb := Callbacks{
		Send:    func(f *ax25.Frame) { h.sent = append(h.sent, f) },
		Deliver: func(p []byte) { h.delivered = append(h.delivered, p) },
		OnStateChange: func(st State) { h.states = append(h.states, st) },
		OnAckRound: func(_ time.Duration, clean bool) {
			if clean {
				h.cleanAcks++
			} else {
				h.dirtyAcks++
			}
		},
		OnRetransmit: func() { h.retransmits++ },
		OnClosed: func(err error) {
			h.closedCount++
			h.closeErrs = append(h.closeErrs, err)
		},
	}
	h.s = New(localAddr, peerAddr, nil, 0, cfg, cb, nil)
	return h
}

func (h *harness) lastSent(t *testing.T) *ax25.Frame {
	t.Helper()
	require.NotEmpty(t, h.sent)
	return h.sent[len(h.sent)-1]
}

// fromPeer builds an inbound frame as the peer would address it.
func fromPeerU(control byte, pf bool) *ax25.Frame {
	return ax25.NewU(localAddr, peerAddr, nil, control, pf, false)
}

func fromPeerS(control byte, nr int, modulo int) *ax25.Frame {
	return ax25.NewS(localAddr, peerAddr, nil, control, nr, false, false, modulo)
}

func fromPeerI(ns, nr int, info []byte, modulo int) *ax25.Frame {
	return ax25.NewI(localAddr, peerAddr, nil, ns, nr, false, ax25.PIDNoLayer3, info, modulo)
}

func connect(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.s.Connect())
	require.Equal(t, Connecting, h.s.State())
	h.s.HandleFrame(fromPeerU(ax25.ControlUA, true))
	require.Equal(t, Connected, h.s.State())
}

func TestSession_ConnectDisconnectLifecycle(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	assert.Equal(t, Disconnected, h.s.State())

	require.NoError(t, h.s.Connect())
	assert.Equal(t, Connecting, h.s.State())
	assert.Equal(t, "SABM", h.lastSent(t).ControlName())

	h.s.HandleFrame(fromPeerU(ax25.ControlUA, true))
	assert.Equal(t, Connected, h.s.State())

	require.NoError(t, h.s.Disconnect())
	assert.Equal(t, Disconnecting, h.s.State())
	assert.Equal(t, "DISC", h.lastSent(t).ControlName())

	h.s.HandleFrame(fromPeerU(ax25.ControlUA, true))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, []State{Connecting, Connected, Disconnecting, Disconnected}, h.states)
	assert.Equal(t, []error{nil}, h.closeErrs)
}

func TestSession_ExtendedModuloConnect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Modulo = ax25.Modulo128
	cfg.Window = 32
	h := newHarness(t, cfg)

	require.NoError(t, h.s.Connect())
	assert.Equal(t, "SABME", h.lastSent(t).ControlName())
}

func TestSession_PassiveAccept(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	h.s.HandleFrame(fromPeerU(ax25.ControlSABM, true))
	assert.Equal(t, Connected, h.s.State())
	assert.Equal(t, "UA", h.lastSent(t).ControlName())
}

func TestSession_SABMEMismatchRefused(t *testing.T) {
	h := newHarness(t, DefaultConfig()) // modulo 8

	h.s.HandleFrame(fromPeerU(ax25.ControlSABME, true))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, "DM", h.lastSent(t).ControlName())
}

func TestSession_ConnectRefusedByDM(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	require.NoError(t, h.s.Connect())
	h.s.HandleFrame(fromPeerU(ax25.ControlDM, true))

	assert.Equal(t, Disconnected, h.s.State())
	require.Len(t, h.closeErrs, 1)
	assert.ErrorIs(t, h.closeErrs[0], ErrRefused)
}

func TestSession_InboundDISC(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	h.s.HandleFrame(fromPeerU(ax25.ControlDISC, true))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Equal(t, "UA", h.lastSent(t).ControlName())
}

func TestSession_SlidingWindowFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 7
	h := newHarness(t, cfg)
	connect(t, h)

	// Send sequences 0..6: the window fills at 7 outstanding.
	for i := 0; i < 8; i++ {
		require.NoError(t, h.s.Send([]byte{byte(i)}))
	}
	assert.Equal(t, 7, h.s.Outstanding())
	assert.Equal(t, 1, h.s.QueueLen())

	var infoFrames []*ax25.Frame
	for _, f := range h.sent {
		if f.Type == ax25.FrameI {
			infoFrames = append(infoFrames, f)
		}
	}
	require.Len(t, infoFrames, 7)
	for i, f := range infoFrames {
		assert.Equal(t, i, f.NS)
	}

	// Acknowledge everything: N(R)=7 acks sequences 0..6.
	h.s.HandleFrame(fromPeerS(ax25.ControlRR, 7, ax25.Modulo8))
	// The queued eighth unit goes out with the wrapped sequence.
	assert.Equal(t, 1, h.s.Outstanding())
	assert.Equal(t, 0, h.s.QueueLen())
	last := h.lastSent(t)
	assert.Equal(t, ax25.FrameI, last.Type)
	assert.Equal(t, 7, last.NS)
}

func TestSession_WindowLimitCapsInFlight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 4
	h := newHarness(t, cfg)
	connect(t, h)

	h.s.SetWindowLimit(1)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.s.Send([]byte{byte(i)}))
	}
	assert.Equal(t, 1, h.s.Outstanding(), "the limit, not K, bounds the pump")
	assert.Equal(t, 2, h.s.QueueLen())

	// An acknowledgment frees one slot under the same limit.
	h.s.HandleFrame(fromPeerS(ax25.ControlRR, 1, ax25.Modulo8))
	assert.Equal(t, 1, h.s.Outstanding())
	assert.Equal(t, 1, h.s.QueueLen())

	// Raising the limit releases the rest immediately.
	h.s.SetWindowLimit(3)
	assert.Equal(t, 2, h.s.Outstanding())
	assert.Zero(t, h.s.QueueLen())

	// The limit clamps to [1, K].
	h.s.SetWindowLimit(99)
	assert.Equal(t, 4, h.s.WindowLimit())
	h.s.SetWindowLimit(0)
	assert.Equal(t, 1, h.s.WindowLimit())
}

func TestSession_OutstandingInvariantAcrossWraparound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 7
	h := newHarness(t, cfg)
	connect(t, h)

	next := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 5; i++ {
			require.NoError(t, h.s.Send([]byte{1}))
		}
		out := h.s.Outstanding()
		assert.GreaterOrEqual(t, out, 0)
		assert.LessOrEqual(t, out, 7)

		next = (next + 5) % 8
		h.s.HandleFrame(fromPeerS(ax25.ControlRR, next, ax25.Modulo8))
		assert.Zero(t, h.s.Outstanding())
	}
}

func TestSession_InOrderDelivery(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	h.s.HandleFrame(fromPeerI(0, 0, []byte("one"), ax25.Modulo8))
	h.s.HandleFrame(fromPeerI(1, 0, []byte("two"), ax25.Modulo8))

	require.Len(t, h.delivered, 2)
	assert.Equal(t, []byte("one"), h.delivered[0])
	assert.Equal(t, []byte("two"), h.delivered[1])

	last := h.lastSent(t)
	assert.Equal(t, "RR", last.ControlName())
	assert.Equal(t, 2, last.NR)
}

func TestSession_OutOfOrderBufferedAndFlushed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 7
	h := newHarness(t, cfg)
	connect(t, h)

	// 1 and 2 arrive ahead of 0: buffered, nothing delivered yet.
	h.s.HandleFrame(fromPeerI(1, 0, []byte("b"), ax25.Modulo8))
	h.s.HandleFrame(fromPeerI(2, 0, []byte("c"), ax25.Modulo8))
	assert.Empty(t, h.delivered)

	// The gap fills: all three flush in order.
	h.s.HandleFrame(fromPeerI(0, 0, []byte("a"), ax25.Modulo8))
	require.Len(t, h.delivered, 3)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, h.delivered)

	last := h.lastSent(t)
	assert.Equal(t, "RR", last.ControlName())
	assert.Equal(t, 3, last.NR)
}

func TestSession_DuplicateDroppedAndReacked(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	h.s.HandleFrame(fromPeerI(0, 0, []byte("x"), ax25.Modulo8))
	require.Len(t, h.delivered, 1)

	// The same frame again: dropped, re-acknowledged.
	h.s.HandleFrame(fromPeerI(0, 0, []byte("x"), ax25.Modulo8))
	assert.Len(t, h.delivered, 1)

	last := h.lastSent(t)
	assert.Equal(t, "RR", last.ControlName())
	assert.Equal(t, 1, last.NR)
}

func TestSession_RejectOnPeerREJ(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	require.NoError(t, h.s.Send([]byte("a")))
	require.NoError(t, h.s.Send([]byte("b")))
	require.NoError(t, h.s.Send([]byte("c")))
	sentBefore := len(h.sent)

	// Peer rejects from sequence 1: frames 1 and 2 go again.
	h.s.HandleFrame(fromPeerS(ax25.ControlREJ, 1, ax25.Modulo8))

	resent := h.sent[sentBefore:]
	require.Len(t, resent, 2)
	assert.Equal(t, 1, resent[0].NS)
	assert.Equal(t, 2, resent[1].NS)
	assert.Equal(t, 1, h.retransmits)
}

func TestSession_SelectiveRejectResendsOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SelectiveReject = true
	h := newHarness(t, cfg)
	connect(t, h)

	require.NoError(t, h.s.Send([]byte("a")))
	require.NoError(t, h.s.Send([]byte("b")))
	require.NoError(t, h.s.Send([]byte("c")))
	sentBefore := len(h.sent)

	h.s.HandleFrame(fromPeerS(ax25.ControlSREJ, 1, ax25.Modulo8))

	resent := h.sent[sentBefore:]
	require.Len(t, resent, 1)
	assert.Equal(t, 1, resent[0].NS)
}

func TestSession_SREJRequestedForGapWhenNegotiated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 7
	cfg.SelectiveReject = true
	h := newHarness(t, cfg)
	connect(t, h)

	h.s.HandleFrame(fromPeerI(2, 0, []byte("later"), ax25.Modulo8))

	last := h.lastSent(t)
	assert.Equal(t, "SREJ", last.ControlName())
	assert.Equal(t, 0, last.NR, "selective reject names the expected sequence")
}

func TestSession_RetryExhaustionWhileConnecting(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	h := newHarness(t, cfg)

	require.NoError(t, h.s.Connect())

	// Each expiry resends the connect request until the transmission
	// budget runs out.
	for i := 0; i < 2; i++ {
		h.s.Clock(DefaultInitialRTO)
		assert.Equal(t, Connecting, h.s.State(), "retry %d", i+1)
	}
	sabms := 0
	for _, f := range h.sent {
		if f.ControlName() == "SABM" {
			sabms++
		}
	}
	assert.Equal(t, 3, sabms, "initial attempt plus two retries")

	h.s.Clock(DefaultInitialRTO)
	assert.Equal(t, Disconnected, h.s.State())
	require.Len(t, h.closeErrs, 1)
	assert.ErrorIs(t, h.closeErrs[0], ErrRetryExhausted)
	assert.Contains(t, h.closeErrs[0].Error(), "attempts")
	assert.Contains(t, h.closeErrs[0].Error(), "last_timeout")
}

func TestSession_RetransmitOnT1(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	require.NoError(t, h.s.Send([]byte("payload")))
	sentBefore := len(h.sent)

	h.s.Clock(DefaultInitialRTO)

	resent := h.sent[sentBefore:]
	require.Len(t, resent, 1)
	assert.Equal(t, ax25.FrameI, resent[0].Type)
	assert.Equal(t, 0, resent[0].NS)
	assert.Equal(t, 1, h.retransmits)
}

func TestSession_DirtyAckAfterRetransmit(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	require.NoError(t, h.s.Send([]byte("p")))
	h.s.Clock(DefaultInitialRTO) // forces a retransmit

	h.s.HandleFrame(fromPeerS(ax25.ControlRR, 1, ax25.Modulo8))
	assert.Equal(t, 1, h.dirtyAcks)
	assert.Zero(t, h.cleanAcks)
}

func TestSession_CleanAckFeedsRTT(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)

	require.NoError(t, h.s.Send([]byte("p")))
	h.s.Clock(2 * time.Second) // below the 3s default RTO: no expiry
	h.s.HandleFrame(fromPeerS(ax25.ControlRR, 1, ax25.Modulo8))

	assert.Equal(t, 1, h.cleanAcks)
	// First sample 2s: timeout = 3*sample = 6s.
	assert.Equal(t, 6*time.Second, h.s.RTO())
}

func TestSession_IdlePollAndDeadLinkDetection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.IdleTimeout = 10 * time.Second
	h := newHarness(t, cfg)
	connect(t, h)

	// Idle timer fires: an RR poll goes out.
	h.s.Clock(10 * time.Second)
	last := h.lastSent(t)
	assert.Equal(t, "RR", last.ControlName())
	assert.True(t, last.PF)

	// No answer ever comes: retries exhaust and the link dies.
	for i := 0; i < 3; i++ {
		h.s.Clock(DefaultInitialRTO)
	}
	assert.Equal(t, Disconnected, h.s.State())
	require.Len(t, h.closeErrs, 1)
	assert.ErrorIs(t, h.closeErrs[0], ErrRetryExhausted)
}

func TestSession_SendWhenDisconnected(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	assert.ErrorIs(t, h.s.Send([]byte("x")), ErrNotConnected)
}

func TestSession_UnexpectedFramesIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	// I and S frames while disconnected: no transition, no delivery.
	h.s.HandleFrame(fromPeerI(0, 0, []byte("x"), ax25.Modulo8))
	h.s.HandleFrame(fromPeerS(ax25.ControlRR, 0, ax25.Modulo8))
	assert.Equal(t, Disconnected, h.s.State())
	assert.Empty(t, h.delivered)

	// UA out of nowhere while connected is ignored too.
	connect(t, h)
	before := h.s.State()
	h.s.HandleFrame(fromPeerU(ax25.ControlUA, false))
	assert.Equal(t, before, h.s.State())
}

func TestSession_CloseCancelsTimers(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	connect(t, h)
	require.NoError(t, h.s.Send([]byte("x")))

	h.s.Close()
	assert.Equal(t, Disconnected, h.s.State())

	sentBefore := len(h.sent)
	// A dangling timer must never fire against a torn-down session.
	h.s.Clock(time.Minute)
	assert.Len(t, h.sent, sentBefore)
}

func TestMerge(t *testing.T) {
	a := Config{Window: 4, MinRTO: time.Second, MaxRTO: 10 * time.Second, MaxRetries: 5, ChunkSize: 256}
	b := Config{Window: 2, MinRTO: 2 * time.Second, MaxRTO: 30 * time.Second, MaxRetries: 10, ChunkSize: 128}

	merged := Merge(a, b)
	assert.Equal(t, 2, merged.Window)
	assert.Equal(t, 2*time.Second, merged.MinRTO)
	assert.Equal(t, 30*time.Second, merged.MaxRTO)
	assert.Equal(t, 10, merged.MaxRetries)
	assert.Equal(t, 128, merged.ChunkSize)

	assert.Equal(t, DefaultConfig(), Merge())
}
