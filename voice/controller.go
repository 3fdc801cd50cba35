package voice

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"voxrec/log"
	"voxrec/transport"
)

type inputKind int

const (
	inputPress inputKind = iota
	inputRelease
	inputDrag
)

type input struct {
	kind inputKind
	dy   float64
}

// Deps are the collaborators of a Controller. Archive and Clock are
// optional.
type Deps struct {
	Dialer  transport.Dialer
	Capture Capturer
	Target  Target
	Sink    Sink
	Archive Archiver
	Clock   clockwork.Clock
}

// Controller runs the press-to-talk state machine for one open record.
// All state lives on a single goroutine; Press, Release and Drag only
// enqueue input.
type Controller struct {
	cfg     Config
	clock   clockwork.Clock
	dialer  transport.Dialer
	capture Capturer
	target  Target
	sink    Sink
	archive Archiver

	inputs    chan input
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	cleanups  sync.WaitGroup
	view      atomic.Int32

	state      State
	cancelling bool
	hold       clockwork.Timer
	sess       *session
}

func New(cfg Config, d Deps) *Controller {
	clock := d.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Controller{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		dialer:  d.Dialer,
		capture: d.Capture,
		target:  d.Target,
		sink:    d.Sink,
		archive: d.Archive,
		inputs:  make(chan input, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Controller) Press()   { c.send(input{kind: inputPress}) }
func (c *Controller) Release() { c.send(input{kind: inputRelease}) }

// Drag reports the vertical distance of the finger from where the press
// began. Past CancelDistance the session is marked for cancellation.
func (c *Controller) Drag(dy float64) { c.send(input{kind: inputDrag, dy: dy}) }

// State is a snapshot for display; it may be stale by the time it is read.
func (c *Controller) State() State { return State(c.view.Load()) }

// Close force-stops any session and waits for its goroutines to exit.
// It does not wait for the server.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	c.cleanups.Wait()
}

func (c *Controller) send(in input) {
	select {
	case c.inputs <- in:
	case <-c.done:
	}
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		var (
			holdC, silenceC, watchC, graceC <-chan time.Time
			startedC                        <-chan struct{}
			eventsC                         <-chan recvResult
		)
		if c.hold != nil {
			holdC = c.hold.Chan()
		}
		s := c.sess
		if s != nil {
			if !s.startSeen {
				startedC = s.started
			}
			if s.running {
				eventsC = s.events
			}
			if s.silenceTicker != nil {
				silenceC = s.silenceTicker.Chan()
			}
			watchC = s.watchdog.C()
			if s.grace != nil {
				graceC = s.grace.Chan()
			}
		}

		select {
		case <-c.quit:
			c.shutdown()
			return
		case in := <-c.inputs:
			c.handleInput(in)
		case <-holdC:
			c.hold = nil
			c.begin()
		case <-startedC:
			c.onStarted(s)
		case r := <-eventsC:
			c.onEvent(s, r)
		case <-silenceC:
			c.onSilenceTick(s)
		case <-watchC:
			if s.watchdog.fired() {
				c.finish(s, Outcome{Result: ResultTimedOut, Message: "no response from the server", Err: ErrTimeout})
			}
		case <-graceC:
			c.finish(s, Outcome{Result: ResultCancelled, Message: "cancelled"})
		}
	}
}

func (c *Controller) setState(st State) {
	c.state = st
	c.view.Store(int32(st))
	c.sink.StateChanged(st, c.cancelling)
}

func (c *Controller) handleInput(in input) {
	switch in.kind {
	case inputPress:
		switch c.state {
		case StateIdle:
		case StateAwaitingResult, StateExiting:
			c.finish(c.sess, Outcome{Result: ResultDiscarded, Message: "superseded by a new recording"})
		default:
			// key repeat
			return
		}
		c.cancelling = false
		c.hold = c.clock.NewTimer(c.cfg.MinHold)
		c.setState(StatePressing)

	case inputRelease:
		switch c.state {
		case StatePressing:
			c.hold.Stop()
			c.hold = nil
			c.setState(StateIdle)
			c.sink.Finished(Outcome{Result: ResultDiscarded, Message: "hold to talk"})
		case StateConnecting:
			c.sess.released = true
		case StateRecording:
			c.release(c.sess)
		}

	case inputDrag:
		if c.state != StateConnecting && c.state != StateRecording {
			return
		}
		cancelling := in.dy >= c.cfg.CancelDistance
		if cancelling != c.cancelling {
			c.cancelling = cancelling
			c.sink.StateChanged(c.state, c.cancelling)
		}
	}
}

// begin runs once the press has been held for MinHold.
func (c *Controller) begin() {
	s := newSession(c.target.Kind(), c.target.RemoteID(), c.clock.Now())
	c.sess = s
	c.setState(StateConnecting)
	go s.start(c.capture, c.dialer, c.clock)
}

func (c *Controller) onStarted(s *session) {
	s.startSeen = true
	if s.startErr != nil {
		c.finish(s, Outcome{Result: ResultFailed, Message: "could not start recording", Err: s.startErr})
		return
	}
	log.SessionStart(s.id, string(s.kind), s.remoteID)

	s.running = true
	s.drain = c.clock.NewTicker(c.cfg.DrainInterval)
	s.silence = newSilenceMonitor(c.cfg.TickInterval, c.cfg.SilenceWarn, c.cfg.SilenceAutoStop)
	s.silenceTicker = c.clock.NewTicker(c.cfg.TickInterval)
	go s.runSender(c.capture, s.drain.Chan())
	go s.runReceiver()
	c.setState(StateRecording)

	if s.released {
		c.release(s)
	}
}

// release ends capture. A cancelling session tells the server to drop
// the request and waits briefly for it to close; otherwise the tail and
// done are sent and the result watchdog is armed.
func (c *Controller) release(s *session) {
	s.released = true
	s.releasedAt = c.clock.Now()
	if c.cancelling {
		s.cancelled = true
		c.capture.Stop(true)
		s.finishReq <- finishRequest{cancel: true}
		s.grace = c.clock.NewTimer(c.cfg.CancelGrace)
	} else {
		tail := c.capture.Stop(false)
		text, isFinal := s.best()
		s.finishReq <- finishRequest{tail: tail, text: text, isFinal: isFinal}
		s.watchdog = newWatchdog(c.clock, c.cfg.ResultTimeout)
	}
	s.drain.Stop()
	s.drain = nil
	s.silenceTicker.Stop()
	s.silenceTicker = nil
	if s.warned {
		s.warned = false
		c.sink.SilenceWarning(false)
	}

	if s.cancelled {
		c.setState(StateExiting)
	} else {
		c.setState(StateAwaitingResult)
	}
}

func (c *Controller) onSilenceTick(s *session) {
	switch s.silence.Tick(c.capture.Level() > 0) {
	case SilenceWarn, SilenceRepeat:
		s.warned = true
		c.sink.SilenceWarning(true)
	case SilenceWarnClear:
		s.warned = false
		c.sink.SilenceWarning(false)
	case SilenceAutoStop:
		log.Infof("session %s: auto-stop after silence", s.id)
		c.release(s)
	}
}

func (c *Controller) onEvent(s *session, r recvResult) {
	if r.err != nil {
		if s.cancelled {
			c.finish(s, Outcome{Result: ResultCancelled, Message: "cancelled"})
			return
		}
		c.finish(s, Outcome{Result: ResultFailed, Message: "connection lost", Err: r.err})
		return
	}
	s.recv++
	s.watchdog.renew()

	if s.cancelled {
		// Nothing from a cancelled session reaches the record.
		if r.ev.Terminal() {
			c.finish(s, Outcome{Result: ResultCancelled, Message: "cancelled"})
		}
		return
	}

	switch ev := r.ev.(type) {
	case transport.EventASR:
		s.addASR(ev.Text, ev.IsFinal)
		text, isFinal := s.best()
		c.sink.Transcript(text, isFinal)
	case transport.EventProcessing:
		c.sink.Processing(ev.Message)
	case transport.EventUpdateResult:
		reason := ev.Message
		if reason == "" {
			reason, _ = s.best()
		}
		if reason == "" {
			reason = "voice update"
		}
		if err := c.target.ApplyVoiceResult(ev.Card, reason); err != nil {
			c.finish(s, Outcome{Result: ResultFailed, Message: "could not apply the update", Err: err})
			return
		}
		c.finish(s, Outcome{Result: ResultUpdated, Message: ev.Message})
	case transport.EventCancelled:
		c.finish(s, Outcome{Result: ResultCancelled, Message: ev.Message})
	case transport.EventError:
		c.finish(s, Outcome{Result: ResultFailed, Message: "server error", Err: ev})
	}
}

// finish ends s exactly once: background tasks, timers, the connection
// and the microphone are all released before the outcome is reported.
func (c *Controller) finish(s *session, out Outcome) {
	if s == nil || s.ended {
		return
	}
	s.ended = true
	close(s.quit)
	s.cancel()
	s.stopTimers()
	if !s.startSeen {
		<-s.started
		s.startSeen = true
	}
	if s.startErr == nil && s.conn != nil {
		s.conn.Close()
		c.capture.Stop(true)
	}
	if c.sess == s {
		c.sess = nil
	}

	text, _ := s.best()
	out.Transcript = text
	if out.Result == ResultUpdated && text != "" {
		log.Transcript(string(s.kind), s.remoteID, text)
	}
	if out.Err != nil && !errors.Is(out.Err, ErrTimeout) {
		log.Warnf("session %s: %s: %v", s.id, out.Result, out.Err)
	}

	now := c.clock.Now()
	m := log.SessionMetrics{
		ConnectMs:    float64(s.connectDur.Milliseconds()),
		TotalMs:      float64(now.Sub(s.beganAt).Milliseconds()),
		RecvMessages: s.recv,
	}
	if s.released {
		m.FinalizeMs = float64(now.Sub(s.releasedAt).Milliseconds())
	}
	if s.watchdog != nil {
		m.Renewals = s.watchdog.renewals
	}
	c.cleanups.Add(1)
	go func() {
		defer c.cleanups.Done()
		s.cleanup(c.archive, out.Result, m)
	}()

	c.cancelling = false
	c.setState(StateExiting)
	c.setState(StateIdle)
	c.sink.Finished(out)
}

func (c *Controller) shutdown() {
	if c.hold != nil {
		c.hold.Stop()
		c.hold = nil
	}
	if c.sess != nil {
		c.finish(c.sess, Outcome{Result: ResultDiscarded, Message: "closed"})
		return
	}
	if c.state != StateIdle {
		c.setState(StateIdle)
		c.sink.Finished(Outcome{Result: ResultDiscarded, Message: "closed"})
	}
}
