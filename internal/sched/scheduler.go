package sched

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Priority orders traffic classes. Lower value is served first.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityNormal
	PriorityBulk

	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityNormal:
		return "normal"
	case PriorityBulk:
		return "bulk"
	}
	return "unknown"
}

// Entry is one frame ready for the air, already encoded for the
// transport.
type Entry struct {
	Dest     string
	Channel  uint8
	Priority Priority
	Cost     float64
	Frame    []byte
}

type destKey struct {
	dest    string
	channel uint8
}

// Config tunes the scheduler.
type Config struct {
	BucketCapacity float64       // tokens per destination bucket
	RefillRate     float64       // tokens per second
	MaxJitter      time.Duration // upper bound of the random send delay
	BulkShare      float64       // fraction of granted tokens bulk may use while others wait
}

func DefaultSchedConfig() Config {
	return Config{
		BucketCapacity: 4,
		RefillRate:     1,
		MaxJitter:      50 * time.Millisecond,
		BulkShare:      0.25,
	}
}

// Scheduler holds per-priority queues and per-destination token
// buckets. Next pops the highest-priority sendable entry; the caller
// delays transmission by the returned jitter so repeated collisions
// with other stations on the shared channel become unlikely.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	queues  [priorityCount][]*Entry
	buckets map[destKey]*TokenBucket

	granted     float64 // total tokens granted
	bulkGranted float64 // tokens granted to bulk traffic

	rng *rand.Rand
	log *logrus.Entry
}

func NewScheduler(cfg Config, log *logrus.Logger) *Scheduler {
	if cfg.BucketCapacity <= 0 {
		cfg.BucketCapacity = DefaultSchedConfig().BucketCapacity
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = DefaultSchedConfig().RefillRate
	}
	if cfg.BulkShare <= 0 || cfg.BulkShare >= 1 {
		cfg.BulkShare = DefaultSchedConfig().BulkShare
	}
	if log == nil {
		log = logrus.New()
	}
	return &Scheduler{
		cfg:     cfg,
		buckets: make(map[destKey]*TokenBucket),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		log:     log.WithField("component", "sched"),
	}
}

// Enqueue adds an entry to its priority queue.
func (s *Scheduler) Enqueue(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := e.Priority
	if p < PriorityInteractive || p >= priorityCount {
		p = PriorityNormal
	}
	s.queues[p] = append(s.queues[p], e)
}

// Len returns the number of queued entries across all classes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// Next returns the next entry allowed to transmit at now, plus the
// jitter delay to apply before handing it to the transport. It returns
// nil when nothing is currently sendable, either because queues are
// empty or because every candidate is out of tokens.
//
// Service is strict priority. Bulk is additionally held to a minority
// share of all granted tokens while higher-priority traffic is
// waiting, so a large transfer cannot starve a conversation.
func (s *Scheduler) Next(now time.Time) (*Entry, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	othersWaiting := len(s.queues[PriorityInteractive]) > 0 || len(s.queues[PriorityNormal]) > 0

	for p := PriorityInteractive; p < priorityCount; p++ {
		q := s.queues[p]
		if len(q) == 0 {
			continue
		}
		e := q[0]

		if p == PriorityBulk && othersWaiting && s.bulkOverShare(e.Cost) {
			continue
		}

		if !s.bucketFor(e).Allow(e.Cost, now) {
			continue
		}

		s.queues[p] = q[1:]
		s.granted += e.Cost
		if p == PriorityBulk {
			s.bulkGranted += e.Cost
		}
		return e, s.jitterLocked()
	}
	return nil, 0
}

// bulkOverShare reports whether granting cost more bulk tokens would
// push bulk past its configured share.
func (s *Scheduler) bulkOverShare(cost float64) bool {
	total := s.granted + cost
	if total <= 0 {
		return false
	}
	return (s.bulkGranted+cost)/total > s.cfg.BulkShare
}

func (s *Scheduler) bucketFor(e *Entry) *TokenBucket {
	k := destKey{dest: e.Dest, channel: e.Channel}
	b, ok := s.buckets[k]
	if !ok {
		b = NewTokenBucket(s.cfg.BucketCapacity, s.cfg.RefillRate)
		s.buckets[k] = b
	}
	return b
}

func (s *Scheduler) jitterLocked() time.Duration {
	if s.cfg.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(s.cfg.MaxJitter)))
}
