package isotp

import (
	"time"
)

// Sliding window rate limiter capping the outbound payload bitrate. Only the
// data field bits count, CAN framing overhead is ignored. All times are
// monotonic
type rateLimiter struct {
	enabled    bool
	maxBitrate int
	windowSize time.Duration
	emitted    []rateEvent
}

type rateEvent struct {
	when time.Time
	bits int
}

func newRateLimiter(enabled bool, maxBitrate int, windowSize time.Duration) *rateLimiter {
	return &rateLimiter{
		enabled:    enabled,
		maxBitrate: maxBitrate,
		windowSize: windowSize,
	}
}

func (limiter *rateLimiter) reset() {
	limiter.emitted = limiter.emitted[:0]
}

// Drop events that slid out of the window
func (limiter *rateLimiter) update(now time.Time) {
	cutoff := now.Add(-limiter.windowSize)
	kept := 0
	for _, event := range limiter.emitted {
		if event.when.After(cutoff) {
			break
		}
		kept++
	}
	limiter.emitted = limiter.emitted[kept:]
}

func (limiter *rateLimiter) bitsInWindow() int {
	total := 0
	for _, event := range limiter.emitted {
		total += event.bits
	}
	return total
}

// Whether a data field of the given byte count may be emitted right now
func (limiter *rateLimiter) allowed(now time.Time, dataLength int) bool {
	if !limiter.enabled {
		return true
	}
	limiter.update(now)
	budget := int(float64(limiter.maxBitrate) * limiter.windowSize.Seconds())
	return limiter.bitsInWindow()+dataLength*8 <= budget
}

// Record an emitted data field
func (limiter *rateLimiter) inform(now time.Time, dataLength int) {
	if !limiter.enabled {
		return
	}
	limiter.emitted = append(limiter.emitted, rateEvent{when: now, bits: dataLength * 8})
}

// Smallest sleep that frees enough window room for the given data field.
// Returns 0 when sending is already possible
func (limiter *rateLimiter) sleepTime(now time.Time, dataLength int) time.Duration {
	if !limiter.enabled || limiter.allowed(now, dataLength) {
		return 0
	}
	budget := int(float64(limiter.maxBitrate) * limiter.windowSize.Seconds())
	needed := limiter.bitsInWindow() + dataLength*8 - budget
	freed := 0
	for _, event := range limiter.emitted {
		freed += event.bits
		if freed >= needed {
			wait := event.when.Add(limiter.windowSize).Sub(now)
			if wait < 0 {
				wait = 0
			}
			return wait
		}
	}
	return limiter.windowSize
}
