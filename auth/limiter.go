package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// LimiterPool keeps one token bucket per key. With a positive ttl, buckets
// idle for longer than ttl are evicted by a background loop until Shutdown.
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*limiterEntry
	rps   float64
	burst int
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

func NewLimiterPool(rps float64, burst int, ttl time.Duration) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	p := &LimiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	if ttl > 0 {
		go p.cleanupLoop(ttl)
	}
	return p
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.lim
	}
	e := &limiterEntry{lim: rate.NewLimiter(rate.Limit(p.rps), p.burst), lastSeen: now}
	p.m[key] = e
	return e.lim
}

func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Forget drops key's bucket, e.g. when its connection closes.
func (p *LimiterPool) Forget(key string) {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
}

// Len reports how many buckets are held.
func (p *LimiterPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

// evictIdle drops buckets not used since cutoff and returns how many went.
func (p *LimiterPool) evictIdle(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, key)
			n++
		}
	}
	return n
}

func (p *LimiterPool) cleanupLoop(ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(p.now().Add(-ttl))
		case <-p.stop:
			return
		}
	}
}

// Shutdown stops the eviction loop. It is safe to call more than once.
func (p *LimiterPool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stop) })
}
