package voice

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// watchdog is a renewable deadline owned by the controller goroutine. Its
// timer may fire early relative to a renewed deadline; fired re-arms for
// the remainder in that case.
type watchdog struct {
	clock    clockwork.Clock
	timeout  time.Duration
	deadline time.Time
	timer    clockwork.Timer
	renewals int
}

func newWatchdog(clock clockwork.Clock, timeout time.Duration) *watchdog {
	return &watchdog{
		clock:    clock,
		timeout:  timeout,
		deadline: clock.Now().Add(timeout),
		timer:    clock.NewTimer(timeout),
	}
}

func (w *watchdog) C() <-chan time.Time {
	if w == nil {
		return nil
	}
	return w.timer.Chan()
}

// renew pushes the deadline to timeout after now.
func (w *watchdog) renew() {
	if w == nil {
		return
	}
	w.deadline = w.clock.Now().Add(w.timeout)
	w.renewals++
}

// fired handles a timer tick and reports whether the deadline has passed.
func (w *watchdog) fired() bool {
	now := w.clock.Now()
	if !now.Before(w.deadline) {
		return true
	}
	w.timer = w.clock.NewTimer(w.deadline.Sub(now))
	return false
}

func (w *watchdog) stop() {
	if w != nil {
		w.timer.Stop()
	}
}
