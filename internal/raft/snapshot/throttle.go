package snapshot

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits the throughput of snapshot copies. ThrottledByThroughput returns how many of the requested
// bytes may be transferred now, possibly zero.
type Throttle interface {
	ThrottledByThroughput(bytes uint64) uint64
}

// RateThrottle is a token bucket shared by every session of a node, refilled at bytesPerSecond with a burst of
// one second worth of bytes.
type RateThrottle struct {
	limiter *rate.Limiter
}

func NewThrottle(bytesPerSecond int) *RateThrottle {
	return &RateThrottle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

func (t *RateThrottle) ThrottledByThroughput(bytes uint64) uint64 {
	now := time.Now()
	avail := t.limiter.TokensAt(now)
	if avail < 1 {
		return 0
	}
	grant := min(bytes, uint64(avail))
	// another session may have drained the bucket in between
	if !t.limiter.AllowN(now, int(grant)) {
		return 0
	}
	return grant
}
