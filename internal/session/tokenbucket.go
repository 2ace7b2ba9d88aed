package session

import "golang.org/x/time/rate"

// outboundThrottle gates DATA frame emission to respect the mesh's duty
// cycle. A blocking WaitN would suit a dedicated writer goroutine, but
// the protocol engine here is a single cooperative loop that must
// never block a tick on a token refill, so this exposes a
// non-blocking Allow instead. Control-kind frames bypass it entirely.
type outboundThrottle struct {
	limiter *rate.Limiter
}

// newOutboundThrottle builds a token bucket with capacity burst and
// refill ratePerSec tokens/second (TX_BURST, RATE_HZ).
func newOutboundThrottle(burst int, ratePerSec float64) *outboundThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &outboundThrottle{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether a DATA frame may be sent right now, consuming a
// token if so.
func (t *outboundThrottle) Allow() bool {
	return t.limiter.Allow()
}
