package bybit

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces the venue's per-second request cap in front of every
// outbound call.
//
// Writes fail fast: when the current window has no budget left,
// AcquireWrite returns ErrBusy and the caller rejects the intent instead
// of buffering. Reads may wait for the next window since stale market
// data is better than none.
type Limiter struct {
	mu sync.Mutex

	maxPerSecond int
	used         int
	windowStart  time.Time

	// Writes keep a reserved share of the budget so a burst of reads
	// can never starve an order or a stop-loss move.
	writeReserve int
}

// NewLimiter creates a limiter for the venue's per-second cap.
func NewLimiter(maxPerSecond int) *Limiter {
	if maxPerSecond <= 0 {
		maxPerSecond = 10
	}
	reserve := maxPerSecond / 5
	if reserve < 1 {
		reserve = 1
	}
	return &Limiter{
		maxPerSecond: maxPerSecond,
		writeReserve: reserve,
		windowStart:  time.Now(),
	}
}

// rollWindow resets the counter when the one-second window has elapsed.
// Callers must hold mu.
func (l *Limiter) rollWindow(now time.Time) {
	if now.Sub(l.windowStart) >= time.Second {
		l.used = 0
		l.windowStart = now
	}
}

// AcquireWrite takes one slot for an exchange write, failing fast with
// ErrBusy when the window is exhausted.
func (l *Limiter) AcquireWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollWindow(time.Now())
	if l.used >= l.maxPerSecond {
		return ErrBusy
	}
	l.used++
	return nil
}

// WaitRead takes one slot for an exchange read, waiting for the next
// window if the read share is used up. It respects ctx cancellation.
func (l *Limiter) WaitRead(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.rollWindow(now)
		if l.used < l.maxPerSecond-l.writeReserve {
			l.used++
			l.mu.Unlock()
			return nil
		}
		wait := time.Second - now.Sub(l.windowStart)
		l.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Usage reports the used and total slots in the current window.
func (l *Limiter) Usage() (used, max int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindow(time.Now())
	return l.used, l.maxPerSecond
}
