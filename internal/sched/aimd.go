package sched

// DefaultMaxWindow bounds the congestion window unless configured
// otherwise. Half-duplex channels reward small windows.
const DefaultMaxWindow = 4

// AIMD is the congestion window for reliable traffic: additive
// increase of 1/w per clean acknowledgment round, multiplicative
// decrease on any loss signal.
type AIMD struct {
	w   float64
	max int
}

func NewAIMD(max int) *AIMD {
	if max <= 0 {
		max = DefaultMaxWindow
	}
	return &AIMD{w: 1.0, max: max}
}

// OnCleanRound credits one acknowledgment round that needed no
// retransmission: roughly +1 per round trip.
func (a *AIMD) OnCleanRound() {
	a.w += 1.0 / a.w
	if a.w > float64(a.max) {
		a.w = float64(a.max)
	}
}

// OnLoss halves the window. The floor is 1.0: the channel always
// admits stop-and-wait.
func (a *AIMD) OnLoss() {
	a.w /= 2
	if a.w < 1.0 {
		a.w = 1.0
	}
}

// Window is the effective integer window, always within [1, max].
func (a *AIMD) Window() int {
	w := int(a.w)
	if w < 1 {
		return 1
	}
	if w > a.max {
		return a.max
	}
	return w
}

// Value exposes the floating window for logging.
func (a *AIMD) Value() float64 { return a.w }
