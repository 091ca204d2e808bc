// Package engine wires the layers together: raw transport bytes through
// the byte framer and frame codec into sessions, datagrams through
// reassembly and negotiation, and everything outbound through the
// transmit scheduler. One loop goroutine owns all protocol state;
// inbound bytes, API calls, and clock ticks arrive as messages.
package engine

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/ax25"
	"github.com/kf7mix/axlink/internal/kiss"
	"github.com/kf7mix/axlink/internal/link"
	"github.com/kf7mix/axlink/internal/sched"
	"github.com/kf7mix/axlink/internal/session"
	"github.com/kf7mix/axlink/internal/store"
	"github.com/kf7mix/axlink/internal/wire"
)

const tickInterval = 100 * time.Millisecond

// pingExpiry bounds how long a ping waits for its pong. A pong landing
// later measures queueing, not the link, and is discarded.
const pingExpiry = 60 * time.Second

// Options configures an engine.
type Options struct {
	Local   ax25.Address
	Channel uint8

	Session   session.Config
	Sched     sched.Config
	MaxWindow int

	// Adaptive enables per-route parameter learning. Off, every session
	// runs on the static Session configuration.
	Adaptive bool

	// AdaptiveDefaults seeds the tuner for unlearned routes. Zero fields
	// fall back to the Session configuration.
	AdaptiveDefaults sched.Params

	// Overrides lists destinations pinned to the defaults regardless of
	// what has been learned about them.
	Overrides []string

	// Capability is what this station advertises. Zero value means
	// wire.DefaultCapability.
	Capability wire.Capability
}

type sessionEntry struct {
	s    *session.Session
	id   uint32
	peer ax25.Address
	path []ax25.Address

	// congestion window for this link; touched only from session
	// callbacks, which the session serializes.
	aimd *sched.AIMD

	// retransmits since the last acknowledgment round; written and read
	// only from session callbacks, which the session serializes.
	retrans int
}

type queueRow struct {
	key   link.Key
	rowID string
}

// Engine is the transmission engine. All mutable protocol state is
// owned by the run loop; exported methods hand work to it.
type Engine struct {
	opts Options
	log  *logrus.Entry
	lgr  *logrus.Logger

	trans io.ReadWriter
	dec   *kiss.Decoder

	sessions   map[link.Key]*sessionEntry
	nextSessID uint32

	negotiator  *link.Negotiator
	reassembler *link.Reassembler
	transfers   *link.TransferManager
	scheduler   *sched.Scheduler
	tuner       *sched.Tuner
	queue       store.QueueStore
	bus         *link.Bus

	// in-flight transfer id -> persisted queue row, for state marking.
	rows map[uint32]queueRow
	// pending pings by key, for RTT measurement on pong.
	pings map[link.Key]time.Time

	// earliest departure of the next jittered burst; loop-owned. Keeps
	// burst N+1 from overtaking burst N when jitters differ.
	nextSend time.Time

	inbound  chan []byte
	commands chan func()

	readMu  sync.Mutex
	readErr error

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an engine over the given transport and stores.
func New(opts Options, trans io.ReadWriter, routes store.RouteStore, queue store.QueueStore, lgr *logrus.Logger) (*Engine, error) {
	if lgr == nil {
		lgr = logrus.New()
	}
	if opts.Capability.MaxVersion == 0 {
		opts.Capability = wire.DefaultCapability()
	}
	if opts.Session == (session.Config{}) {
		opts.Session = session.DefaultConfig()
	}
	if opts.Session.Modulo == 0 {
		opts.Session.Modulo = ax25.Modulo8
	}

	negotiator, err := link.NewNegotiator(opts.Capability, link.DefaultCacheSize, link.DefaultStaleAfter, lgr)
	if err != nil {
		return nil, err
	}

	defaults := sched.DefaultParams()
	if opts.Session.ChunkSize > 0 {
		defaults.ChunkSize = opts.Session.ChunkSize
	}
	if opts.Session.Window > 0 {
		defaults.Window = opts.Session.Window
	}
	if opts.AdaptiveDefaults.ChunkSize > 0 {
		defaults.ChunkSize = opts.AdaptiveDefaults.ChunkSize
	}
	if opts.AdaptiveDefaults.Window > 0 {
		defaults.Window = opts.AdaptiveDefaults.Window
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:        opts,
		log:         lgr.WithField("component", "engine"),
		lgr:         lgr,
		trans:       trans,
		dec:         &kiss.Decoder{},
		sessions:    make(map[link.Key]*sessionEntry),
		nextSessID:  1,
		negotiator:  negotiator,
		reassembler: link.NewReassembler(link.DefaultMaxInflight, lgr),
		transfers:   link.NewTransferManager(lgr),
		scheduler:   sched.NewScheduler(opts.Sched, lgr),
		tuner:       sched.NewTuner(routes, defaults, opts.MaxWindow, lgr),
		queue:       queue,
		bus:         link.NewBus(),
		rows:        make(map[uint32]queueRow),
		pings:       make(map[link.Key]time.Time),
		inbound:     make(chan []byte, 64),
		commands:    make(chan func(), 64),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, dest := range opts.Overrides {
		k := store.RouteKey{Destination: dest, Channel: opts.Channel}
		if err := e.tuner.SetOverride(k, true); err != nil {
			return nil, errors.Wrapf(err, "engine: override %s", dest)
		}
	}
	return e, nil
}

// Events returns the engine's event bus.
func (e *Engine) Events() *link.Bus { return e.bus }

// Run starts the reader and the owning loop and blocks until ctx is
// cancelled or the transport fails.
func (e *Engine) Run(ctx context.Context) error {
	defer e.cancel()

	e.wg.Add(1)
	go e.readLoop()

	go func() {
		select {
		case <-ctx.Done():
			e.cancel()
		case <-e.ctx.Done():
		}
	}()

	e.runLoop()
	e.cancel()
	e.wg.Wait()

	e.readMu.Lock()
	rerr := e.readErr
	e.readMu.Unlock()
	if rerr != nil {
		return errors.Wrap(rerr, "engine: transport read")
	}
	return ctx.Err()
}

// Stop cancels a running engine.
func (e *Engine) Stop() { e.cancel() }

func (e *Engine) readLoop() {
	defer e.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, err := e.trans.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case e.inbound <- chunk:
			case <-e.ctx.Done():
				return
			}
		}
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.WithError(err).Error("transport read failed")
				e.readMu.Lock()
				e.readErr = err
				e.readMu.Unlock()
			}
			e.cancel()
			return
		}
	}
}

func (e *Engine) runLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-e.ctx.Done():
			e.closeAll()
			return

		case chunk := <-e.inbound:
			e.handleChunk(chunk)

		case cmd := <-e.commands:
			cmd()

		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now
			e.tick(delta, now)
		}
	}
}

// do runs fn on the owning loop. It never blocks the caller: session
// callbacks fire while the loop itself holds the session, so a blocking
// hand-off could deadlock.
func (e *Engine) do(fn func()) {
	select {
	case e.commands <- fn:
	default:
		go func() {
			select {
			case e.commands <- fn:
			case <-e.ctx.Done():
			}
		}()
	}
}

func (e *Engine) tick(delta time.Duration, now time.Time) {
	for _, se := range e.sessions {
		se.s.Clock(delta)
	}
	for k, sent := range e.pings {
		if now.Sub(sent) > pingExpiry {
			delete(e.pings, k)
		}
	}
	e.drainScheduler(now)
}

// drainScheduler releases everything the scheduler grants right now as
// one burst under a single jitter delay, never earlier than a previous
// burst. Sequenced frames toward one destination must leave in the
// order the session produced them.
func (e *Engine) drainScheduler(now time.Time) {
	var burst []*sched.Entry
	var delay time.Duration
	for {
		entry, jitter := e.scheduler.Next(now)
		if entry == nil {
			break
		}
		if len(burst) == 0 {
			delay = jitter
		}
		burst = append(burst, entry)
	}
	if len(burst) == 0 {
		return
	}

	if floor := e.nextSend.Sub(now); floor > delay {
		delay = floor
	}
	e.nextSend = now.Add(delay)

	if delay <= 0 {
		e.writeBurst(burst)
		return
	}
	time.AfterFunc(delay, func() { e.writeBurst(burst) })
}

func (e *Engine) writeBurst(burst []*sched.Entry) {
	for _, entry := range burst {
		e.writeFrame(entry.Frame, entry.Channel)
	}
}

// writeFrame wraps an encoded link frame in byte framing and writes it
// to the transport. Writes are serialized so jittered frames cannot
// interleave mid-frame.
func (e *Engine) writeFrame(raw []byte, channel uint8) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.trans.Write(kiss.Encode(raw, channel)); err != nil {
		e.log.WithError(err).Error("transport write failed")
	}
}

// ---- inbound path ----

func (e *Engine) handleChunk(chunk []byte) {
	for _, f := range e.dec.Feed(chunk) {
		if !f.IsData() {
			// Hardware command frames belong to the modem.
			continue
		}
		e.handleRawFrame(f.Channel, f.Payload)
	}
}

func (e *Engine) handleRawFrame(channel uint8, raw []byte) {
	f, err := ax25.Decode(raw, e.opts.Session.Modulo)
	if err != nil {
		e.log.WithError(err).Debug("undecodable frame dropped")
		return
	}
	if f.Dest != e.opts.Local {
		return // someone else's traffic on the shared channel
	}

	key := link.NewKey(f.Source, f.Path, channel)

	if f.Type == ax25.FrameU && f.Control == ax25.ControlUI {
		e.handleUnconnected(key, f)
		return
	}

	se, ok := e.sessions[key]
	if !ok {
		if f.Type == ax25.FrameU && (f.Control == ax25.ControlSABM || f.Control == ax25.ControlSABME) {
			se = e.createSession(key, f.Source, f.Path, channel)
		} else {
			return // stray frame for a link we do not have
		}
	}
	se.s.HandleFrame(f)
}

// handleUnconnected routes a UI frame: structured datagrams carry the
// magic prefix, everything else is plain-text chat.
func (e *Engine) handleUnconnected(key link.Key, f *ax25.Frame) {
	if bytes.HasPrefix(f.Info, []byte(wire.Magic)) {
		e.handleDatagrams(key, f.Info)
		return
	}
	e.bus.Publish(link.Event{
		Type: link.EventChatReceived,
		Key:  key,
		Data: f.Info,
	})
}

// handleDatagrams drains every complete message from buf.
func (e *Engine) handleDatagrams(key link.Key, buf []byte) {
	for len(buf) > 0 {
		m, consumed, err := wire.Decode(buf)
		if err != nil {
			e.log.WithError(err).WithField("key", key.String()).Debug("datagram dropped")
			return
		}
		e.handleMessage(key, m)
		buf = buf[consumed:]
	}
}

func (e *Engine) handleMessage(key link.Key, m *wire.Message) {
	switch m.Type {
	case wire.MessageData:
		e.handleData(key, m)

	case wire.MessageAck:
		resend, done := e.transfers.HandleAck(key, m)
		for _, rm := range resend {
			e.sendDatagram(key, rm, sched.PriorityBulk)
		}
		if done {
			e.finishOutbound(key, m.MessageID, true)
		} else if acked, total, ok := e.transfers.Progress(key, m.SessionID); ok {
			e.bus.Publish(link.Event{
				Type:      link.EventTransferProgress,
				Key:       key,
				MessageID: m.MessageID,
				Done:      acked,
				Total:     total,
			})
		}

	case wire.MessageComplete:
		// A completion for an unknown transfer is silently ignored.
		if e.transfers.HandleComplete(key, m.SessionID, m.MessageID) {
			e.finishOutbound(key, m.MessageID, true)
		}

	case wire.MessageCapRequest:
		if m.Capability != nil {
			e.negotiator.HandleResponse(key, *m.Capability)
		}
		local := e.negotiator.Local()
		e.sendDatagram(key, &wire.Message{
			Type:       wire.MessageCapResponse,
			Capability: &local,
		}, sched.PriorityInteractive)

	case wire.MessageCapResponse:
		if m.Capability != nil {
			e.negotiator.HandleResponse(key, *m.Capability)
		}

	case wire.MessagePing:
		e.sendDatagram(key, &wire.Message{
			Type:      wire.MessagePong,
			MessageID: m.MessageID,
			Payload:   m.Payload,
		}, sched.PriorityInteractive)

	case wire.MessagePong:
		sent, ok := e.pings[key]
		if !ok {
			return
		}
		delete(e.pings, key)
		rtt := time.Since(sent)
		if rtt > pingExpiry {
			return // long written off, would poison the RTT estimate
		}
		e.bus.Publish(link.Event{Type: link.EventPong, Key: key, RTT: rtt})
		if e.opts.Adaptive {
			if err := e.tuner.Observe(routeKey(key), sched.Sample{Acked: true, RTT: rtt}); err != nil {
				e.log.WithError(err).Warn("route observation failed")
			}
		}
	}
}

func (e *Engine) handleData(key link.Key, m *wire.Message) {
	negotiated, _ := e.negotiator.Best(key)

	done, ack, err := e.reassembler.Accept(key, m, negotiated.MaxDecompressed)
	if err != nil {
		e.log.WithError(err).Debug("chunk rejected, treated as not received")
	}

	// Acknowledge what has been verified so far. A rejected chunk is
	// simply absent from the bitmap and gets retransmitted.
	if ack != nil {
		e.sendDatagram(key, &wire.Message{
			Type:      wire.MessageAck,
			SessionID: m.SessionID,
			MessageID: m.MessageID,
			SACK:      ack,
		}, sched.PriorityInteractive)
	}

	if done != nil {
		e.sendDatagram(key, &wire.Message{
			Type:      wire.MessageComplete,
			SessionID: m.SessionID,
			MessageID: m.MessageID,
			SACK:      ack,
		}, sched.PriorityInteractive)
		e.bus.Publish(link.Event{
			Type:      link.EventMessageReceived,
			Key:       key,
			MessageID: done.MessageID,
			Data:      done.Data,
		})
	}
}

// ---- outbound path ----

// SendChat transmits best-effort plain text. Non-aware stations see it
// as ordinary readable traffic.
func (e *Engine) SendChat(dest ax25.Address, path []ax25.Address, text string) {
	e.do(func() {
		f := ax25.NewUI(dest, e.opts.Local, path, ax25.PIDNoLayer3, []byte(text))
		e.scheduler.Enqueue(&sched.Entry{
			Dest:     dest.String(),
			Channel:  e.opts.Channel,
			Priority: sched.PriorityInteractive,
			Cost:     1,
			Frame:    f.Encode(),
		})
	})
}

// Ping probes a peer. The measured round trip feeds the adaptive cache
// when the pong lands.
func (e *Engine) Ping(dest ax25.Address, path []ax25.Address) {
	e.do(func() {
		key := link.NewKey(dest, path, e.opts.Channel)
		e.pings[key] = time.Now()
		e.sendDatagramTo(dest, path, &wire.Message{Type: wire.MessagePing}, sched.PriorityInteractive)
		e.maybeRequestCapability(key, dest, path)
	})
}

// SendMessage queues payload for reliable delivery toward dest. The
// message is persisted before anything is transmitted, so an accepted
// message survives a crash. The returned ID tracks it in the queue.
func (e *Engine) SendMessage(dest ax25.Address, path []ax25.Address, payload []byte, priority sched.Priority) (string, error) {
	msg := &store.QueuedMessage{
		Destination: dest.String(),
		Path:        ax25.PathSignature(path),
		Channel:     e.opts.Channel,
		Priority:    int(priority),
		Payload:     payload,
	}
	if err := e.queue.Enqueue(msg); err != nil {
		return "", errors.Wrap(err, "engine: persist message")
	}

	e.do(func() {
		key := link.NewKey(dest, path, e.opts.Channel)
		se := e.ensureSession(key, dest, path)
		e.maybeRequestCapability(key, dest, path)
		e.startNext(key, se)
	})
	return msg.ID, nil
}

// ensureSession returns the live session toward key, creating and
// connecting one when none exists.
func (e *Engine) ensureSession(key link.Key, peer ax25.Address, path []ax25.Address) *sessionEntry {
	se, ok := e.sessions[key]
	if !ok {
		se = e.createSession(key, peer, path, key.Channel)
	}
	if se.s.State() == session.Disconnected {
		if err := se.s.Connect(); err != nil {
			e.log.WithError(err).WithField("peer", key.Peer).Warn("connect failed")
		}
	}
	return se
}

// startNext starts the oldest queued message toward key when the
// session is connected and no transfer is in flight. Called again on
// every connect and on every transfer completion, so the queue drains
// one message at a time.
func (e *Engine) startNext(key link.Key, se *sessionEntry) {
	if se.s.State() != session.Connected {
		return // pumped again when the session reaches Connected
	}
	if _, _, busy := e.transfers.Progress(key, se.id); busy {
		return
	}

	msg, err := e.queue.Dequeue(key.Peer)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.WithError(err).Warn("queue dequeue failed")
		}
		return
	}

	negotiated, _ := e.negotiator.Best(key)
	params := e.params(key)

	msgs, messageID, err := e.transfers.Start(key, se.id, msg.Payload, params.ChunkSize, negotiated)
	if err != nil {
		e.log.WithError(err).Warn("transfer start failed")
		if merr := e.queue.MarkState(msg.ID, store.StateFailed); merr != nil {
			e.log.WithError(merr).Warn("queue state update failed")
		}
		return
	}
	e.rows[messageID] = queueRow{key: key, rowID: msg.ID}

	for _, m := range msgs {
		if err := se.s.Send(m.Encode()); err != nil {
			e.log.WithError(err).Warn("session send failed")
			e.transfers.Abort(key, se.id)
			e.finishOutbound(key, messageID, false)
			return
		}
	}
}

// finishOutbound marks a finished transfer in the queue and publishes
// the terminal event, then pumps the next queued message.
func (e *Engine) finishOutbound(key link.Key, messageID uint32, ok bool) {
	if row, have := e.rows[messageID]; have && row.key == key {
		delete(e.rows, messageID)
		state := store.StateSent
		if !ok {
			state = store.StateFailed
		}
		if err := e.queue.MarkState(row.rowID, state); err != nil {
			e.log.WithError(err).Warn("queue state update failed")
		}
	}

	evType := link.EventTransferComplete
	if !ok {
		evType = link.EventTransferFailed
	}
	e.bus.Publish(link.Event{Type: evType, Key: key, MessageID: messageID})

	if se, live := e.sessions[key]; live {
		e.startNext(key, se)
	}
}

// sendDatagram transmits a control datagram over the session when one
// is connected, falling back to an unconnected frame.
func (e *Engine) sendDatagram(key link.Key, m *wire.Message, p sched.Priority) {
	if se, ok := e.sessions[key]; ok && se.s.State() == session.Connected {
		if err := se.s.Send(m.Encode()); err == nil {
			return
		}
	}
	dest, err := ax25.ParseAddress(key.Peer)
	if err != nil {
		e.log.WithError(err).Warn("unroutable datagram dropped")
		return
	}
	var path []ax25.Address
	if se, ok := e.sessions[key]; ok {
		path = se.path
	}
	e.sendDatagramTo(dest, path, m, p)
}

func (e *Engine) sendDatagramTo(dest ax25.Address, path []ax25.Address, m *wire.Message, p sched.Priority) {
	f := ax25.NewUI(dest, e.opts.Local, path, ax25.PIDNoLayer3, m.Encode())
	e.scheduler.Enqueue(&sched.Entry{
		Dest:     dest.String(),
		Channel:  e.opts.Channel,
		Priority: p,
		Cost:     1,
		Frame:    f.Encode(),
	})
}

func (e *Engine) maybeRequestCapability(key link.Key, dest ax25.Address, path []ax25.Address) {
	if !e.negotiator.ShouldRequest(key) {
		return
	}
	local := e.negotiator.Local()
	e.sendDatagramTo(dest, path, &wire.Message{
		Type:       wire.MessageCapRequest,
		Capability: &local,
	}, sched.PriorityInteractive)
}

// ---- session management ----

// params returns the adaptive transmission parameters for key, frozen
// by the caller for the session or transfer about to use them.
func (e *Engine) params(key link.Key) sched.Params {
	if !e.opts.Adaptive {
		return sched.Params{ChunkSize: e.opts.Session.ChunkSize, Window: e.opts.Session.Window}
	}
	return e.tuner.Params(routeKey(key))
}

func (e *Engine) createSession(key link.Key, peer ax25.Address, path []ax25.Address, channel uint8) *sessionEntry {
	cfg := e.opts.Session
	if p := e.params(key); p.ChunkSize > 0 {
		cfg.ChunkSize = p.ChunkSize
		if p.Window > 0 && p.Window < cfg.Window {
			cfg.Window = p.Window
		}
	}

	// Concurrent links to the same station (other paths or channels)
	// run on merged conservative parameters.
	peerCfgs := []session.Config{cfg}
	for k, other := range e.sessions {
		if k.Peer == key.Peer {
			peerCfgs = append(peerCfgs, other.s.Config())
		}
	}
	cfg = session.Merge(peerCfgs...)

	// Selective reject only runs against a peer that confirmed it.
	negotiated, fresh := e.negotiator.Best(key)
	cfg.SelectiveReject = cfg.SelectiveReject && fresh &&
		negotiated.Features.Has(wire.FeatureSelectiveReject)

	se := &sessionEntry{id: e.nextSessID, peer: peer, path: path, aimd: sched.NewAIMD(cfg.Window)}
	e.nextSessID++
	if e.nextSessID == 0 {
		e.nextSessID = 1
	}

	cb := session.Callbacks{
		Send: func(f *ax25.Frame) {
			cost := 1.0
			if f.Type != ax25.FrameI {
				cost = 0 // acknowledgments and control never stall
			}
			e.scheduler.Enqueue(&sched.Entry{
				Dest:     key.Peer,
				Channel:  channel,
				Priority: sched.PriorityNormal,
				Cost:     cost,
				Frame:    f.Encode(),
			})
		},
		Deliver: func(p []byte) {
			data := append([]byte(nil), p...)
			e.do(func() { e.handleDatagrams(key, data) })
		},
		OnStateChange: func(st session.State) {
			e.bus.Publish(link.Event{Type: link.EventSessionState, Key: key, State: st.String()})
			if st == session.Connected {
				e.do(func() {
					if cur, ok := e.sessions[key]; ok && cur == se {
						e.startNext(key, se)
					}
				})
			}
		},
		OnAckRound: func(rtt time.Duration, clean bool) {
			e.bus.Publish(link.Event{Type: link.EventLinkQuality, Key: key, RTT: rtt})
			if clean {
				// Dirty rounds already halved the window at retransmit
				// time; only clean rounds grow it.
				se.aimd.OnCleanRound()
				e.applyWindow(se)
			}
			if !e.opts.Adaptive {
				return
			}
			retrans := se.retrans
			se.retrans = 0
			if err := e.tuner.Observe(routeKey(key), sched.Sample{
				Acked:       true,
				Lost:        !clean,
				Retransmits: retrans,
				RTT:         rtt,
			}); err != nil {
				e.log.WithError(err).Warn("route observation failed")
			}
		},
		OnRetransmit: func() {
			se.retrans++
			se.aimd.OnLoss()
			e.applyWindow(se)
		},
		OnClosed: func(err error) {
			e.do(func() { e.sessionClosed(key, se, err) })
		},
	}

	se.s = session.New(e.opts.Local, peer, path, channel, cfg, cb, e.lgr)
	se.s.SetWindowLimit(se.aimd.Window())
	e.sessions[key] = se
	return se
}

// applyWindow pushes the congestion window into the session's pump
// limit. Deferred to the loop: congestion callbacks fire while the
// session lock is held.
func (e *Engine) applyWindow(se *sessionEntry) {
	w := se.aimd.Window()
	e.do(func() { se.s.SetWindowLimit(w) })
}

func (e *Engine) sessionClosed(key link.Key, se *sessionEntry, err error) {
	if cur, ok := e.sessions[key]; !ok || cur != se {
		return
	}
	delete(e.sessions, key)
	e.transfers.Abort(key, se.id)

	if err != nil {
		e.log.WithError(err).WithField("peer", key.Peer).Warn("session failed")
		if e.opts.Adaptive {
			if oerr := e.tuner.Observe(routeKey(key), sched.Sample{Acked: true, Lost: true}); oerr != nil {
				e.log.WithError(oerr).Warn("route observation failed")
			}
		}
	}

	// Any transfer row still bound to this session fails with it.
	for messageID, row := range e.rows {
		if row.key == key {
			e.finishOutbound(key, messageID, false)
		}
	}

	e.bus.Publish(link.Event{
		Type:  link.EventSessionState,
		Key:   key,
		State: session.Disconnected.String(),
		Err:   err,
	})
}

func (e *Engine) closeAll() {
	for _, se := range e.sessions {
		se.s.Close()
	}
}

func routeKey(k link.Key) store.RouteKey {
	return store.RouteKey{Destination: k.Peer, Path: k.Path, Channel: k.Channel}
}
