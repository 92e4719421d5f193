package whatsapp

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a sliding 60s window over recent sends.
type RateLimiter struct {
	mutex sync.Mutex
	max   int
	sends []time.Time
	now   func() time.Time
}

// NewRateLimiter creates a limiter allowing perMinute sends, clamped to [1,5].
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		max: ClampMessagesPerMinute(perMinute),
		now: time.Now,
	}
}

// CanSendNow prunes sends older than the window and checks the cap.
func (rl *RateLimiter) CanSendNow() bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.prune(rl.now())
	return len(rl.sends) < rl.max
}

// RecordSend appends the current instant.
func (rl *RateLimiter) RecordSend() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	rl.prune(now)
	rl.sends = append(rl.sends, now)
}

func (rl *RateLimiter) Max() int {
	return rl.max
}

func (rl *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(rl.sends) && !rl.sends[i].After(cutoff) {
		i++
	}
	if i > 0 {
		rl.sends = append(rl.sends[:0], rl.sends[i:]...)
	}
}
