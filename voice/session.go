package voice

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"voxrec/encoder"
	"voxrec/log"
	"voxrec/record"
	"voxrec/transport"
)

type recvResult struct {
	ev  transport.Event
	err error
}

// finishRequest is the last thing the sender does before exiting.
type finishRequest struct {
	cancel  bool
	tail    []byte
	text    string
	isFinal bool
}

// session is one press of the talk key. Fields without a comment are
// owned by the controller goroutine.
type session struct {
	id       string
	kind     record.Kind
	remoteID string

	ctx    context.Context
	cancel context.CancelFunc

	// Written by start before started is closed.
	conn       transport.Conn
	startErr   error
	connectDur time.Duration

	started   chan struct{}
	startSeen bool
	running   bool
	events    chan recvResult
	finishReq chan finishRequest
	quit      chan struct{}

	senderDone   chan struct{}
	receiverDone chan struct{}

	drain         clockwork.Ticker
	silence       *silenceMonitor
	silenceTicker clockwork.Ticker
	warned        bool
	watchdog      *watchdog
	grace         clockwork.Timer

	released   bool
	cancelled  bool
	ended      bool
	beganAt    time.Time
	releasedAt time.Time

	committed string
	partial   string
	recv      int

	// Owned by the sender until senderDone is closed.
	sentChunks   int
	sentBytes    int
	sendFailures int
	audio        []byte
}

func newSession(kind record.Kind, remoteID string, now time.Time) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		id:           uuid.NewString(),
		kind:         kind,
		remoteID:     remoteID,
		ctx:          ctx,
		cancel:       cancel,
		started:      make(chan struct{}),
		events:       make(chan recvResult),
		finishReq:    make(chan finishRequest, 1),
		quit:         make(chan struct{}),
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
		beganAt:      now,
	}
}

// start opens the microphone and the connection concurrently. If either
// fails, or the session is torn down meanwhile, whatever succeeded is
// undone before started is closed.
func (s *session) start(capture Capturer, dialer transport.Dialer, clock clockwork.Clock) {
	defer close(s.started)

	g, ctx := errgroup.WithContext(s.ctx)
	var (
		captureOK bool
		conn      transport.Conn
	)
	g.Go(func() error {
		if err := capture.Start(); err != nil {
			return err
		}
		captureOK = true
		return nil
	})
	g.Go(func() error {
		t0 := clock.Now()
		c, err := dialer.Dial(ctx, s.kind, s.remoteID)
		s.connectDur = clock.Since(t0)
		if err != nil {
			return err
		}
		conn = c
		if err := c.SendHeader(transport.NewHeader(s.kind, s.remoteID)); err != nil {
			return fmt.Errorf("%w: header: %v", transport.ErrConnectionFailed, err)
		}
		return nil
	})

	err := g.Wait()
	if err == nil {
		err = s.ctx.Err()
	}
	if err != nil {
		if captureOK {
			capture.Stop(true)
		}
		if conn != nil {
			conn.Close()
		}
		s.startErr = err
		return
	}
	s.conn = conn
}

func (s *session) runSender(capture Capturer, drain <-chan time.Time) {
	defer close(s.senderDone)
	for {
		select {
		case <-s.quit:
			return
		case <-drain:
			s.sendPCM(capture.Drain())
		case req := <-s.finishReq:
			if req.cancel {
				if err := s.conn.SendCancel(); err != nil {
					log.Warnf("session %s: cancel: %v", s.id, err)
				}
				return
			}
			s.sendPCM(req.tail)
			if err := s.conn.SendDone(req.text, req.isFinal); err != nil {
				log.Warnf("session %s: done: %v", s.id, err)
			}
			return
		}
	}
}

// sendPCM is best effort. A failed chunk is counted and dropped.
func (s *session) sendPCM(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.audio = append(s.audio, pcm...)
	if err := s.conn.SendPCM(pcm); err != nil {
		s.sendFailures++
		return
	}
	s.sentChunks++
	s.sentBytes += len(pcm)
}

func (s *session) runReceiver() {
	defer close(s.receiverDone)
	for {
		ev, err := s.conn.Recv()
		select {
		case s.events <- recvResult{ev: ev, err: err}:
		case <-s.quit:
			return
		}
		if err != nil {
			return
		}
	}
}

// addASR folds a recognition result into the transcript cache. Finals are
// committed in order; a partial replaces the previous partial.
func (s *session) addASR(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if !isFinal {
		s.partial = text
		return
	}
	s.partial = ""
	if text == "" {
		return
	}
	if s.committed != "" {
		s.committed += " " + text
	} else {
		s.committed = text
	}
}

// best returns the transcript to send with done and whether it is final.
func (s *session) best() (string, bool) {
	switch {
	case s.partial == "":
		return s.committed, s.committed != ""
	case s.committed == "":
		return s.partial, false
	}
	return s.committed + " " + s.partial, false
}

func (s *session) stopTimers() {
	if s.drain != nil {
		s.drain.Stop()
	}
	if s.silenceTicker != nil {
		s.silenceTicker.Stop()
	}
	s.watchdog.stop()
	if s.grace != nil {
		s.grace.Stop()
	}
}

// cleanup runs after the session is detached from the controller. It
// waits for the sender and receiver, then archives and logs.
func (s *session) cleanup(archive Archiver, outcome Result, m log.SessionMetrics) {
	if s.running {
		<-s.senderDone
		<-s.receiverDone
	}
	m.SentChunks = s.sentChunks
	m.SendFailures = s.sendFailures
	m.SentKB = float64(s.sentBytes) / 1024
	m.AudioS = float64(s.sentBytes) / float64(encoder.SampleRate*encoder.Channels*(encoder.BitsPerSample/8))
	if archive != nil && len(s.audio) > 0 {
		if path, err := archive.Save(string(s.kind)+"-"+s.remoteID, s.audio); err != nil {
			log.Warnf("session %s: archive: %v", s.id, err)
		} else {
			log.Infof("session %s: archived %s", s.id, path)
		}
	}
	log.SessionEnd(s.id, outcome.String(), m)
}
