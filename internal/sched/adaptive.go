package sched

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/store"
)

const (
	// ewmaGain weights new link-quality samples, matching the smoothed
	// RTT gain.
	ewmaGain = 0.125

	// StreakThreshold is the consecutive-success count that earns
	// parameter growth.
	StreakThreshold = 10

	// StreakPartialReset is the streak value after growth. Not zero:
	// an established good link re-earns the next step faster, but
	// never grows twice in a row.
	StreakPartialReset = 5

	// lossGrowCeiling blocks growth while the loss average is above it
	// even when the streak qualifies.
	lossGrowCeiling = 0.1

	MinChunkSize     = 32
	DefaultChunkSize = 128
	MaxChunkSize     = 512
)

// Params are the adaptive transmission parameters a new session copies
// at creation time.
type Params struct {
	ChunkSize int
	Window    int
	RTT       time.Duration
}

// DefaultParams is the stock configuration for an unlearned route.
func DefaultParams() Params {
	return Params{ChunkSize: DefaultChunkSize, Window: 2}
}

// Sample is the outcome of one acknowledged delivery round.
type Sample struct {
	// Acked marks traffic that was actually acknowledged. Best-effort
	// traffic never learns: its fate is unknown.
	Acked       bool
	Lost        bool // timeout or terminal failure
	Retransmits int
	RTT         time.Duration
}

// Tuner learns per-route transmission parameters from delivery
// outcomes. Growth is slow and earned; shrinking is immediate. The
// asymmetry is what keeps a shared half-duplex channel usable.
type Tuner struct {
	mu        sync.Mutex
	routes    store.RouteStore
	defaults  Params
	stock     Params
	maxWindow int
	log       *logrus.Entry
}

func NewTuner(routes store.RouteStore, defaults Params, maxWindow int, log *logrus.Logger) *Tuner {
	if defaults.ChunkSize <= 0 {
		defaults.ChunkSize = DefaultChunkSize
	}
	if defaults.Window <= 0 {
		defaults.Window = DefaultParams().Window
	}
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	if log == nil {
		log = logrus.New()
	}
	return &Tuner{
		routes:    routes,
		defaults:  defaults,
		stock:     defaults,
		maxWindow: maxWindow,
		log:       log.WithField("component", "tuner"),
	}
}

// Params returns the parameters to use toward key right now. A route
// under override, or one never observed, runs on the global defaults.
// The caller gets a copy; later learning never mutates a live session.
func (t *Tuner) Params(key store.RouteKey) Params {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found, err := t.routes.Get(key)
	if err != nil {
		t.log.WithError(err).Warn("route lookup failed, using defaults")
		return t.defaults
	}
	if !found || entry.Override {
		return t.defaults
	}
	return Params{
		ChunkSize: entry.ChunkSize,
		Window:    entry.Window,
		RTT:       entry.RTT,
	}
}

// Observe folds one delivery outcome into the route's learned entry.
// Unacknowledged traffic is ignored.
func (t *Tuner) Observe(key store.RouteKey, s Sample) error {
	if !s.Acked {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found, err := t.routes.Get(key)
	if err != nil {
		return err
	}
	if !found {
		entry = store.RouteEntry{
			ChunkSize: t.defaults.ChunkSize,
			Window:    t.defaults.Window,
		}
	}

	failure := s.Lost || s.Retransmits > 0

	lossIndicator := 0.0
	if failure {
		lossIndicator = 1.0
	}
	entry.LossEWMA = (1-ewmaGain)*entry.LossEWMA + ewmaGain*lossIndicator
	entry.RetryEWMA = (1-ewmaGain)*entry.RetryEWMA + ewmaGain*float64(s.Retransmits)
	if s.RTT > 0 {
		if entry.RTT == 0 {
			entry.RTT = s.RTT
		} else {
			entry.RTT = entry.RTT - entry.RTT/8 + s.RTT/8
		}
	}

	if failure {
		// Fast reaction: one failure drops straight to stop-and-wait.
		entry.Streak = 0
		entry.ChunkSize = MinChunkSize
		entry.Window = 1
	} else {
		entry.Streak++
		if entry.Streak >= StreakThreshold && entry.LossEWMA <= lossGrowCeiling {
			entry.ChunkSize = growChunk(entry.ChunkSize)
			if entry.Window < t.maxWindow {
				entry.Window++
			}
			entry.Streak = StreakPartialReset
			t.log.WithFields(logrus.Fields{
				"dest":  key.Destination,
				"chunk": entry.ChunkSize,
				"win":   entry.Window,
			}).Debug("route parameters grown")
		}
	}

	return t.routes.Put(key, entry)
}

func growChunk(chunk int) int {
	if chunk <= 0 {
		chunk = MinChunkSize
	}
	chunk *= 2
	if chunk > MaxChunkSize {
		chunk = MaxChunkSize
	}
	return chunk
}

// SetOverride forces (or releases) a route to run on defaults,
// keeping its learned history intact.
func (t *Tuner) SetOverride(key store.RouteKey, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, found, err := t.routes.Get(key)
	if err != nil {
		return err
	}
	if !found {
		entry = store.RouteEntry{
			ChunkSize: t.defaults.ChunkSize,
			Window:    t.defaults.Window,
		}
	}
	entry.Override = on
	return t.routes.Put(key, entry)
}

// ClearRoute forgets one route.
func (t *Tuner) ClearRoute(key store.RouteKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.routes.ClearRoute(key)
}

// SetDefaults replaces the global default parameters used for
// unlearned and overridden routes.
func (t *Tuner) SetDefaults(p Params) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.ChunkSize > 0 {
		t.defaults.ChunkSize = p.ChunkSize
	}
	if p.Window > 0 {
		t.defaults.Window = p.Window
	}
}

// ClearAll resets every learned entry and the global default in one
// step, under the same lock, so no reader observes one without the
// other.
func (t *Tuner) ClearAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defaults = t.stock
	return t.routes.ClearAll()
}
