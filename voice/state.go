package voice

import (
	"errors"
	"fmt"
	"time"

	"voxrec/record"
)

var ErrTimeout = errors.New("timed out waiting for the server")

type State int

const (
	StateIdle State = iota
	StatePressing
	StateConnecting
	StateRecording
	StateAwaitingResult
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePressing:
		return "pressing"
	case StateConnecting:
		return "connecting"
	case StateRecording:
		return "recording"
	case StateAwaitingResult:
		return "awaiting_result"
	case StateExiting:
		return "exiting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Result int

const (
	ResultUpdated Result = iota
	ResultCancelled
	ResultFailed
	ResultTimedOut
	// ResultDiscarded covers presses too short to start a session and
	// sessions torn down by Close or a new press.
	ResultDiscarded
)

func (r Result) String() string {
	switch r {
	case ResultUpdated:
		return "updated"
	case ResultCancelled:
		return "cancelled"
	case ResultFailed:
		return "failed"
	case ResultTimedOut:
		return "timed_out"
	case ResultDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Outcome is reported exactly once per press.
type Outcome struct {
	Result     Result
	Message    string
	Err        error
	Transcript string
}

// Alert is the single user-facing line for the outcome.
func (o Outcome) Alert() string {
	switch {
	case o.Err != nil && o.Message != "":
		return fmt.Sprintf("%s: %v", o.Message, o.Err)
	case o.Err != nil:
		return o.Err.Error()
	}
	return o.Message
}

// Capturer is the microphone side of a session.
type Capturer interface {
	Start() error
	Drain() []byte
	Stop(discard bool) []byte
	Level() float64
}

// Target is the record a session updates.
type Target interface {
	Kind() record.Kind
	RemoteID() string
	ApplyVoiceResult(card record.Card, reason string) error
}

// Sink receives progress from the controller goroutine. Implementations
// must not block.
type Sink interface {
	StateChanged(state State, cancelling bool)
	Transcript(text string, final bool)
	Processing(message string)
	SilenceWarning(active bool)
	Finished(outcome Outcome)
}

// Archiver receives the audio of every session that sent any.
type Archiver interface {
	Save(name string, pcm []byte) (string, error)
}

type Config struct {
	MinHold         time.Duration
	CancelDistance  float64
	DrainInterval   time.Duration
	ResultTimeout   time.Duration
	CancelGrace     time.Duration
	TickInterval    time.Duration
	SilenceWarn     time.Duration
	SilenceAutoStop time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinHold:         300 * time.Millisecond,
		CancelDistance:  80,
		DrainInterval:   120 * time.Millisecond,
		ResultTimeout:   40 * time.Second,
		CancelGrace:     2 * time.Second,
		TickInterval:    100 * time.Millisecond,
		SilenceWarn:     8 * time.Second,
		SilenceAutoStop: 30 * time.Second,
	}
}

// withDefaults fills zero durations from DefaultConfig. SilenceAutoStop
// may be negative to disable auto-stop.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinHold <= 0 {
		c.MinHold = d.MinHold
	}
	if c.CancelDistance <= 0 {
		c.CancelDistance = d.CancelDistance
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = d.DrainInterval
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = d.ResultTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SilenceWarn <= 0 {
		c.SilenceWarn = d.SilenceWarn
	}
	if c.SilenceAutoStop == 0 {
		c.SilenceAutoStop = d.SilenceAutoStop
	} else if c.SilenceAutoStop < 0 {
		c.SilenceAutoStop = 0
	}
	return c
}
