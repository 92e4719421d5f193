package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// throttle holds one token bucket per license key.
type throttle struct {
	visitors map[string]*visitor
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
	now      func() time.Time
	lastGC   time.Time
}

func newThrottle(perSecond float64, burst int) *throttle {
	if burst < 1 {
		burst = 1
	}
	return &throttle{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may make a request now. A non-positive rate
// disables throttling.
func (t *throttle) Allow(key string) bool {
	if t.limit <= 0 {
		return true
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()

	now := t.now()
	v, ok := t.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[key] = v
	}
	v.lastSeen = now
	t.cleanupStaleVisitors(now)
	return v.limiter.AllowN(now, 1)
}

// cleanupStaleVisitors drops buckets idle for a while, at most once a minute.
func (t *throttle) cleanupStaleVisitors(now time.Time) {
	if now.Sub(t.lastGC) < time.Minute {
		return
	}
	t.lastGC = now
	for key, v := range t.visitors {
		if now.Sub(v.lastSeen) > visitorIdle {
			delete(t.visitors, key)
		}
	}
}
