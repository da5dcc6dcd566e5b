package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// DefaultSweepInterval is how often Run evicts idle keys when no interval is
// given.
const DefaultSweepInterval = time.Minute

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest request in the window expires.
	ResetAt time.Time
	// RetryAfter is only set on denial, rounded up to whole seconds.
	RetryAfter time.Duration
}

// Limiter is an in-process sliding-window log limiter. Each (client,
// endpoint) pair keeps the timestamps of its admitted requests; a request is
// admitted while fewer than max of them fall inside the trailing window.
//
// State is per process. Several replicas each enforce their own window.
type Limiter struct {
	shards [shardCount]shard
	now    func() time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[windowKey]*window
}

type windowKey struct {
	client   string
	endpoint string
}

type window struct {
	stamps []time.Time
	span   time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(opts ...Option) *Limiter {
	l := &Limiter{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[windowKey]*window)
	}
	return l
}

// Check decides whether one more request from clientKey to endpointKey is
// admitted under a limit of maxRequests per win, and records it if so.
func (l *Limiter) Check(clientKey, endpointKey string, maxRequests int, win time.Duration) Decision {
	key := windowKey{client: clientKey, endpoint: endpointKey}
	now := l.now()
	cutoff := now.Add(-win)

	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.windows[key]
	if w == nil {
		w = &window{}
		s.windows[key] = w
	}
	w.span = win
	w.prune(cutoff)

	d := Decision{Limit: maxRequests}
	if len(w.stamps) >= maxRequests {
		var oldest time.Time
		if len(w.stamps) > 0 {
			oldest = w.stamps[0]
		} else {
			oldest = now
		}
		d.ResetAt = oldest.Add(win)
		secs := int((win - now.Sub(oldest)).Seconds()) + 1
		d.RetryAfter = time.Duration(secs) * time.Second
		return d
	}

	w.stamps = append(w.stamps, now)
	d.Allowed = true
	d.Remaining = maxRequests - len(w.stamps)
	d.ResetAt = w.stamps[0].Add(win)
	return d
}

// Sweep drops keys whose recorded requests have all left their window and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			w.prune(now.Add(-w.span))
			if len(w.stamps) == 0 {
				delete(s.windows, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps idle keys every interval until ctx is cancelled. A
// non-positive interval selects DefaultSweepInterval.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Keys returns the number of tracked (client, endpoint) pairs.
func (l *Limiter) Keys() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) shardFor(key windowKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.client))
	h.Write([]byte{0})
	h.Write([]byte(key.endpoint))
	return &l.shards[h.Sum32()%shardCount]
}

// prune keeps only timestamps strictly newer than cutoff.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}
