package link

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kf7mix/axlink/internal/wire"
)

const (
	// DefaultCacheSize bounds how many peers the negotiator remembers.
	DefaultCacheSize = 64

	// DefaultStaleAfter is how long a negotiated capability is trusted
	// before a fresh exchange is requested. Stations change firmware.
	DefaultStaleAfter = 30 * time.Minute

	// requestRetryAfter throttles repeated capability requests toward a
	// peer that never answers.
	requestRetryAfter = 30 * time.Second
)

type peerState struct {
	negotiated   wire.Capability
	learnedAt    time.Time
	requestedAt  time.Time
	haveResponse bool
}

// Negotiator caches negotiated capabilities per link key. Lookups never
// block: until a response from the peer lands, a conservative baseline
// is used so traffic flows immediately.
type Negotiator struct {
	mu    sync.Mutex
	local wire.Capability
	stale time.Duration
	now   func() time.Time
	cache *lru.Cache[Key, *peerState]
	log   *logrus.Entry
}

// NewNegotiator builds a negotiator advertising local. size bounds the
// cache; staleAfter bounds trust in an old response.
func NewNegotiator(local wire.Capability, size int, staleAfter time.Duration, log *logrus.Logger) (*Negotiator, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if log == nil {
		log = logrus.New()
	}

	cache, err := lru.New[Key, *peerState](size)
	if err != nil {
		return nil, errors.Wrap(err, "link: capability cache")
	}

	return &Negotiator{
		local: local,
		stale: staleAfter,
		now:   time.Now,
		cache: cache,
		log:   log.WithField("component", "negotiator"),
	}, nil
}

// Local returns the capability this station advertises.
func (n *Negotiator) Local() wire.Capability { return n.local }

// Baseline is the capability assumed for a peer that has not answered a
// capability request: lowest common denominator, no optional features,
// no compression.
func Baseline() wire.Capability {
	return wire.Capability{
		MinVersion:      wire.VersionMin,
		MaxVersion:      wire.VersionMax,
		MaxDecompressed: wire.DefaultMaxDecompressed,
		MaxChunk:        128,
	}
}

// Best returns the capability to use toward k right now and whether it
// came from a fresh negotiated response. It never blocks and never
// triggers I/O.
func (n *Negotiator) Best(k Key) (wire.Capability, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	st, ok := n.cache.Get(k)
	if !ok || !st.haveResponse {
		return Baseline(), false
	}
	if n.now().Sub(st.learnedAt) > n.stale {
		return st.negotiated, false
	}
	return st.negotiated, true
}

// ShouldRequest reports whether a capability request toward k is due:
// no fresh response is cached and no request is recently outstanding.
// A true return records the request time, so callers that act on it
// will not be told twice within the retry window.
func (n *Negotiator) ShouldRequest(k Key) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	st, ok := n.cache.Get(k)
	if !ok {
		n.cache.Add(k, &peerState{requestedAt: now})
		return true
	}
	if st.haveResponse && now.Sub(st.learnedAt) <= n.stale {
		return false
	}
	if !st.requestedAt.IsZero() && now.Sub(st.requestedAt) < requestRetryAfter {
		return false
	}
	st.requestedAt = now
	return true
}

// HandleResponse folds a peer's capability record into the cache and
// returns the negotiated result.
func (n *Negotiator) HandleResponse(k Key, remote wire.Capability) wire.Capability {
	n.mu.Lock()
	defer n.mu.Unlock()

	negotiated := wire.Negotiate(n.local, remote)
	n.cache.Add(k, &peerState{
		negotiated:   negotiated,
		learnedAt:    n.now(),
		haveResponse: true,
	})

	n.log.WithFields(logrus.Fields{
		"key":        k.String(),
		"compatible": negotiated.Compatible(),
		"features":   negotiated.Features.Bits(),
	}).Debug("capability negotiated")
	return negotiated
}

// Invalidate forgets everything learned about k.
func (n *Negotiator) Invalidate(k Key) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Remove(k)
}

// Clear drops the whole cache.
func (n *Negotiator) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Purge()
}
