// Package session implements the connected-mode state machine: one
// sliding-window FSM per (peer, path, channel) with adaptive
// retransmission timing.
//
// All mutable protocol state is guarded by a single mutex; the engine
// drives a session from one goroutine with inbound frames and clock
// ticks, so every event is serialized. Callbacks fire with the lock
// held and must hand work off rather than call back in.
package session

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/ax25"
)

// State is the connection state of a session.
type State int

const (
	Disconnected State = iota // initial and terminal
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	}
	return "UNKNOWN"
}

var (
	// ErrRetryExhausted is terminal: the configured retry budget ran out.
	ErrRetryExhausted = errors.New("session: retry limit exceeded")

	ErrNotConnected = errors.New("session: not connected")
	ErrRefused      = errors.New("session: peer sent disconnect mode")
	ErrFrameReject  = errors.New("session: peer rejected frame, link reset")
)

// Config holds the parameters fixed at session creation. They never
// change for the session's lifetime.
type Config struct {
	Window          int // K: maximum unacknowledged I frames in flight
	Modulo          int // sequence space, 8 or 128
	MinRTO          time.Duration
	MaxRTO          time.Duration
	IdleTimeout     time.Duration // T3
	MaxRetries      int
	ChunkSize       int // largest info field handed to the link
	SelectiveReject bool
}

// DefaultConfig returns the stock parameters for an unlearned link.
func DefaultConfig() Config {
	return Config{
		Window:          4,
		Modulo:          ax25.Modulo8,
		MinRTO:          DefaultMinRTO,
		MaxRTO:          DefaultMaxRTO,
		IdleTimeout:     180 * time.Second,
		MaxRetries:      10,
		ChunkSize:       128,
		SelectiveReject: false,
	}
}

// Merge conservatively combines the configurations of concurrent
// sessions toward one destination: minimum window, maximum of each
// timeout bound, maximum retries, minimum chunk size.
func Merge(cfgs ...Config) Config {
	if len(cfgs) == 0 {
		return DefaultConfig()
	}
	out := cfgs[0]
	for _, c := range cfgs[1:] {
		if c.Window < out.Window {
			out.Window = c.Window
		}
		if c.MinRTO > out.MinRTO {
			out.MinRTO = c.MinRTO
		}
		if c.MaxRTO > out.MaxRTO {
			out.MaxRTO = c.MaxRTO
		}
		if c.MaxRetries > out.MaxRetries {
			out.MaxRetries = c.MaxRetries
		}
		if c.ChunkSize < out.ChunkSize {
			out.ChunkSize = c.ChunkSize
		}
	}
	return out
}

// Callbacks connect a session to its surroundings. Send hands a frame
// to the transmit scheduler; Deliver passes in-order received bytes up;
// OnAckRound and OnRetransmit feed congestion and link-quality learning;
// OnStateChange and OnClosed report lifecycle. Any callback may be nil.
type Callbacks struct {
	Send          func(*ax25.Frame)
	Deliver       func([]byte)
	OnStateChange func(State)
	OnAckRound    func(rtt time.Duration, clean bool)
	OnRetransmit  func()
	OnClosed      func(err error)
}

type pendingFrame struct {
	payload       []byte
	sentAt        time.Duration
	retransmitted bool
}

// Session is one connected-mode link endpoint.
type Session struct {
	mu sync.Mutex

	local   ax25.Address
	peer    ax25.Address
	path    []ax25.Address
	channel uint8
	cfg     Config
	cb      Callbacks
	log     *logrus.Entry

	state State

	vs int // V(S): next send sequence
	va int // V(A): oldest unacknowledged sequence
	vr int // V(R): next expected receive sequence

	pending  map[int]*pendingFrame // outstanding I frames by N(S)
	queue    [][]byte              // not yet transmitted
	recvBuf  *recvBuffer
	peerBusy bool
	winLimit int // dynamic in-flight cap, within [1, K]

	t1  Timer // retransmit
	t3  Timer // idle
	rto *rtoEstimator

	attempts int           // transmissions of the frame/request under timer
	now      time.Duration // virtual clock for RTT sampling
}

// New creates a session with parameters copied from cfg. The config is
// fixed for the session's lifetime.
func New(local, peer ax25.Address, path []ax25.Address, channel uint8, cfg Config, cb Callbacks, log *logrus.Logger) *Session {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.Modulo != ax25.Modulo8 && cfg.Modulo != ax25.Modulo128 {
		cfg.Modulo = ax25.Modulo8
	}
	if cfg.Window > cfg.Modulo-1 {
		cfg.Window = cfg.Modulo - 1
	}
	if log == nil {
		log = logrus.New()
	}

	return &Session{
		local:   local,
		peer:    peer,
		path:    append([]ax25.Address(nil), path...),
		channel: channel,
		cfg:     cfg,
		cb:      cb,
		log: log.WithFields(logrus.Fields{
			"component": "session",
			"peer":      peer.String(),
		}),
		state:    Disconnected,
		pending:  make(map[int]*pendingFrame),
		recvBuf:  newRecvBuffer(cfg.Window, cfg.Modulo),
		rto:      newRTOEstimator(cfg.MinRTO, cfg.MaxRTO),
		winLimit: cfg.Window,
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote address.
func (s *Session) Peer() ax25.Address { return s.peer }

// Channel returns the KISS channel the session runs on.
func (s *Session) Channel() uint8 { return s.channel }

// Config returns the creation-time parameters.
func (s *Session) Config() Config { return s.cfg }

// Outstanding returns (V(S)-V(A)) mod M, the number of unacknowledged
// frames in flight. It is always within [0, K].
func (s *Session) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstanding()
}

func (s *Session) outstanding() int {
	return (s.vs - s.va + s.cfg.Modulo) % s.cfg.Modulo
}

// SetWindowLimit caps the number of unacknowledged frames in flight
// below the negotiated window K, for congestion control. The value is
// clamped to [1, K]. Raising the limit releases queued frames
// immediately.
func (s *Session) SetWindowLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > s.cfg.Window {
		n = s.cfg.Window
	}
	s.winLimit = n
	s.pumpLocked()
}

// WindowLimit returns the current in-flight cap.
func (s *Session) WindowLimit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winLimit
}

// RTO returns the current computed retransmission timeout.
func (s *Session) RTO() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rto.Timeout()
}

// Connect starts the connection handshake. Valid only when
// disconnected.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Disconnected {
		return errors.Errorf("session: connect in state %s", s.state)
	}

	s.setState(Connecting)
	s.attempts = 1
	s.sendConnectLocked()
	s.t1.Start(s.rto.Timeout())
	return nil
}

// Disconnect starts an orderly teardown.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Connected:
		s.setState(Disconnecting)
		s.attempts = 1
		s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlDISC, true, true))
		s.t3.Stop()
		s.t1.Start(s.rto.Timeout())
		return nil
	case Connecting:
		// Abandon the handshake locally.
		s.teardown(nil)
		return nil
	case Disconnecting, Disconnected:
		return nil
	}
	return nil
}

// Close tears the session down immediately, cancelling every timer and
// scheduled retransmission.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Disconnected {
		s.teardown(nil)
	}
}

// Send queues data for reliable delivery. The unit should already be
// chunked to the session's chunk size by the caller.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Connected && s.state != Connecting {
		return ErrNotConnected
	}
	s.queue = append(s.queue, data)
	s.pumpLocked()
	return nil
}

// QueueLen returns the count of not-yet-transmitted units.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Clock advances the session's timers by the elapsed time since the
// last tick and fires any expirations.
func (s *Session) Clock(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now += d
	s.t1.Clock(d)
	s.t3.Clock(d)

	if s.t1.Expired() {
		s.t1.Stop()
		s.onT1Expired()
	}
	if s.t3.Expired() {
		s.t3.Stop()
		s.onT3Expired()
	}
}

// HandleFrame processes one inbound frame addressed to this session.
// Frames unexpected in the current state are ignored without a state
// transition.
func (s *Session) HandleFrame(f *ax25.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Connected {
		// Any peer activity proves the link alive.
		s.t3.Start(s.cfg.IdleTimeout)
	}

	switch f.Type {
	case ax25.FrameU:
		s.handleUnnumbered(f)
	case ax25.FrameS:
		s.handleSupervisory(f)
	case ax25.FrameI:
		s.handleInformation(f)
	}
}

func (s *Session) handleUnnumbered(f *ax25.Frame) {
	switch f.Control {
	case ax25.ControlSABM, ax25.ControlSABME:
		wantExtended := f.Control == ax25.ControlSABME
		haveExtended := s.cfg.Modulo == ax25.Modulo128
		if wantExtended != haveExtended {
			s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlDM, f.PF, false))
			return
		}
		switch s.state {
		case Disconnected, Connecting:
			// Inbound connect request; a simultaneous local attempt
			// collapses into the accept.
			s.resetSequences()
			s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlUA, f.PF, false))
			s.t1.Stop()
			s.attempts = 0
			s.setState(Connected)
			s.t3.Start(s.cfg.IdleTimeout)
		case Connected:
			// Link reset by the peer.
			s.resetSequences()
			s.recvBuf.Clear()
			s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlUA, f.PF, false))
		}

	case ax25.ControlUA:
		switch s.state {
		case Connecting:
			s.resetSequences()
			s.attempts = 0
			s.t1.Stop()
			s.setState(Connected)
			s.t3.Start(s.cfg.IdleTimeout)
			s.pumpLocked()
		case Disconnecting:
			s.teardown(nil)
		}

	case ax25.ControlDM:
		switch s.state {
		case Connecting:
			s.teardown(ErrRefused)
		case Connected, Disconnecting:
			s.teardown(nil)
		}

	case ax25.ControlDISC:
		switch s.state {
		case Connected, Connecting, Disconnecting:
			s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlUA, f.PF, false))
			s.teardown(nil)
		case Disconnected:
			s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlDM, f.PF, false))
		}

	case ax25.ControlFRMR:
		if s.state != Disconnected {
			s.teardown(ErrFrameReject)
		}
	}
}

func (s *Session) handleSupervisory(f *ax25.Frame) {
	if s.state != Connected {
		return
	}

	s.processAck(f.NR)

	switch f.Control {
	case ax25.ControlRR:
		s.peerBusy = false
		if f.Command && f.PF {
			s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, true, false, s.cfg.Modulo))
		}
		s.pumpLocked()
	case ax25.ControlRNR:
		s.peerBusy = true
	case ax25.ControlREJ:
		s.peerBusy = false
		s.retransmitFrom(f.NR)
	case ax25.ControlSREJ:
		s.retransmitOne(f.NR)
	}
}

func (s *Session) handleInformation(f *ax25.Frame) {
	if s.state != Connected {
		return
	}

	s.processAck(f.NR)

	m := s.cfg.Modulo
	k := s.cfg.Window
	dist := (f.NS - s.vr + m) % m

	switch {
	case dist == 0:
		// The expected frame: deliver, then flush anything now
		// contiguous from the out-of-order buffer.
		s.deliver(f.Info)
		s.vr = (s.vr + 1) % m
		for {
			p, ok := s.recvBuf.Take(s.vr)
			if !ok {
				break
			}
			s.deliver(p)
			s.vr = (s.vr + 1) % m
		}
		s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, f.PF, false, m))

	case dist < k:
		// Ahead but within the window: hold it and ask for the gap.
		s.recvBuf.Insert(s.vr, f.NS, f.Info)
		if s.cfg.SelectiveReject {
			s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlSREJ, s.vr, f.PF, false, m))
		} else {
			s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, f.PF, false, m))
		}

	case (s.vr-f.NS+m)%m <= k:
		// Duplicate of something already delivered: drop, re-ack.
		s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, f.PF, false, m))

	default:
		// Beyond the receivable window.
		reject := byte(ax25.ControlREJ)
		if s.cfg.SelectiveReject {
			reject = ax25.ControlSREJ
		}
		s.sendFrame(ax25.NewS(s.peer, s.local, s.path, reject, s.vr, f.PF, false, m))
	}
}

// processAck acknowledges every outstanding frame with sequence < nr,
// with correct modulo-wraparound comparison.
func (s *Session) processAck(nr int) {
	m := s.cfg.Modulo
	acked := (nr - s.va + m) % m
	if acked == 0 || acked > s.outstanding() {
		return // duplicate or out-of-range acknowledgment
	}

	clean := true
	var lastRTT time.Duration
	for i := 0; i < acked; i++ {
		seq := (s.va + i) % m
		if p, ok := s.pending[seq]; ok {
			if p.retransmitted {
				clean = false
			} else {
				lastRTT = s.now - p.sentAt
				s.rto.AddSample(lastRTT)
			}
			delete(s.pending, seq)
		}
	}
	s.va = nr
	s.attempts = 0

	if s.outstanding() == 0 {
		s.t1.Stop()
	} else {
		s.t1.Start(s.rto.Timeout())
	}

	if s.cb.OnAckRound != nil {
		s.cb.OnAckRound(lastRTT, clean)
	}
	s.pumpLocked()
}

// pumpLocked transmits queued units while the window has room.
func (s *Session) pumpLocked() {
	if s.state != Connected || s.peerBusy {
		return
	}
	for len(s.queue) > 0 && s.outstanding() < s.winLimit {
		payload := s.queue[0]
		s.queue = s.queue[1:]

		seq := s.vs
		s.pending[seq] = &pendingFrame{payload: payload, sentAt: s.now}
		s.vs = (s.vs + 1) % s.cfg.Modulo

		s.sendFrame(ax25.NewI(s.peer, s.local, s.path, seq, s.vr, false, ax25.PIDNoLayer3, payload, s.cfg.Modulo))

		if !s.t1.IsRunning() {
			s.t1.Start(s.rto.Timeout())
		}
	}
}

// retransmitFrom resends every outstanding frame from seq forward.
func (s *Session) retransmitFrom(seq int) {
	m := s.cfg.Modulo
	if (seq-s.va+m)%m > s.outstanding() {
		return
	}
	count := 0
	for i := seq; i != s.vs; i = (i + 1) % m {
		p, ok := s.pending[i]
		if !ok {
			continue
		}
		p.retransmitted = true
		s.sendFrame(ax25.NewI(s.peer, s.local, s.path, i, s.vr, false, ax25.PIDNoLayer3, p.payload, m))
		count++
	}
	if count > 0 {
		s.t1.Start(s.rto.Timeout())
		if s.cb.OnRetransmit != nil {
			s.cb.OnRetransmit()
		}
	}
}

// retransmitOne resends just the selectively rejected frame.
func (s *Session) retransmitOne(seq int) {
	p, ok := s.pending[seq]
	if !ok {
		return
	}
	p.retransmitted = true
	s.sendFrame(ax25.NewI(s.peer, s.local, s.path, seq, s.vr, false, ax25.PIDNoLayer3, p.payload, s.cfg.Modulo))
	s.t1.Start(s.rto.Timeout())
	if s.cb.OnRetransmit != nil {
		s.cb.OnRetransmit()
	}
}

func (s *Session) onT1Expired() {
	s.attempts++
	if s.attempts > s.cfg.MaxRetries {
		err := errors.Wrapf(ErrRetryExhausted, "state=%s attempts=%d last_timeout=%s",
			s.state, s.attempts-1, s.rto.Timeout())
		if s.state == Disconnecting {
			// Forced completion: the disconnect happened regardless.
			s.teardown(nil)
		} else {
			s.teardown(err)
		}
		return
	}

	switch s.state {
	case Connecting:
		s.sendConnectLocked()
		s.t1.Start(s.rto.Timeout())
	case Connected:
		if s.outstanding() > 0 {
			s.retransmitFrom(s.va)
		} else {
			// Liveness poll got no answer; poll again.
			s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, true, true, s.cfg.Modulo))
		}
		s.t1.Start(s.rto.Timeout())
	case Disconnecting:
		s.sendFrame(ax25.NewU(s.peer, s.local, s.path, ax25.ControlDISC, true, true))
		s.t1.Start(s.rto.Timeout())
	}
}

func (s *Session) onT3Expired() {
	if s.state != Connected {
		return
	}
	// Idle too long: poll the peer to detect a silently dead link.
	s.attempts = 1
	s.sendFrame(ax25.NewS(s.peer, s.local, s.path, ax25.ControlRR, s.vr, true, true, s.cfg.Modulo))
	s.t1.Start(s.rto.Timeout())
}

func (s *Session) sendConnectLocked() {
	control := byte(ax25.ControlSABM)
	if s.cfg.Modulo == ax25.Modulo128 {
		control = ax25.ControlSABME
	}
	s.sendFrame(ax25.NewU(s.peer, s.local, s.path, control, true, true))
}

func (s *Session) sendFrame(f *ax25.Frame) {
	if s.cb.Send != nil {
		s.cb.Send(f)
	}
}

func (s *Session) deliver(p []byte) {
	if s.cb.Deliver != nil && len(p) > 0 {
		s.cb.Deliver(p)
	}
}

func (s *Session) resetSequences() {
	s.vs, s.va, s.vr = 0, 0, 0
	s.pending = make(map[int]*pendingFrame)
	s.peerBusy = false
}

func (s *Session) setState(st State) {
	if st == s.state {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.state.String(), "to": st.String()}).Debug("state change")
	s.state = st
	if s.cb.OnStateChange != nil {
		s.cb.OnStateChange(st)
	}
}

// teardown cancels every timer and pending retransmission and reports
// the terminal condition. err is non-nil only for retry exhaustion or a
// peer fault.
func (s *Session) teardown(err error) {
	s.t1.Stop()
	s.t3.Stop()
	s.pending = make(map[int]*pendingFrame)
	s.queue = nil
	s.recvBuf.Clear()
	s.setState(Disconnected)
	if s.cb.OnClosed != nil {
		s.cb.OnClosed(err)
	}
}
