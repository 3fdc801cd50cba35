package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Notify relays the platform's shutdown signals to ch.
func Notify(ch chan<- os.Signal) {
	signal.Notify(ch, signals...)
}

// Context is cancelled by the first shutdown signal or by stop.
func Context(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
