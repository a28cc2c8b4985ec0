package canif

import (
	"context"
	"time"
)

// Notifier is the cross-context readiness signal between an interrupt shim
// and a producer goroutine. Signal never blocks and coalesces while nobody
// is waiting, so a wakeup raised between two waits is not lost.
type Notifier struct {
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{}, 1)}
}

// Signal marks data as ready. Safe to call from any goroutine; the minimum
// possible work for an interrupt context.
func (n *Notifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until a signal arrives, the timeout elapses or ctx is done.
// It reports whether a signal was received.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-n.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
