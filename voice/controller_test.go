package voice

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"

	"voxrec/audio"
	"voxrec/record"
	"voxrec/reconcile"
	"voxrec/store"
	"voxrec/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

type stateChange struct {
	state      State
	cancelling bool
}

type testSink struct {
	states      chan stateChange
	transcripts chan string
	processing  chan string
	silence     chan bool
	finished    chan Outcome
}

func newTestSink() *testSink {
	return &testSink{
		states:      make(chan stateChange, 256),
		transcripts: make(chan string, 256),
		processing:  make(chan string, 256),
		silence:     make(chan bool, 256),
		finished:    make(chan Outcome, 16),
	}
}

func (s *testSink) StateChanged(st State, cancelling bool) {
	s.states <- stateChange{st, cancelling}
}
func (s *testSink) Transcript(text string, _ bool) { s.transcripts <- text }
func (s *testSink) Processing(msg string)         { s.processing <- msg }
func (s *testSink) SilenceWarning(active bool)    { s.silence <- active }
func (s *testSink) Finished(o Outcome)            { s.finished <- o }

func (s *testSink) waitState(t *testing.T, want State) stateChange {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case sc := <-s.states:
			if sc.state == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (s *testSink) waitCancelling(t *testing.T) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case sc := <-s.states:
			if sc.cancelling {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for cancelling")
		}
	}
}

func (s *testSink) waitFinished(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-s.finished:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the session to finish")
	}
	return Outcome{}
}

func (s *testSink) waitString(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	return ""
}

func (s *testSink) assertNotFinished(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case o := <-s.finished:
		t.Fatalf("unexpected outcome %+v", o)
	case <-time.After(within):
	}
}

// testMic is a Capturer that yields the same chunk on every drain.
type testMic struct {
	mu       sync.Mutex
	startErr error
	chunk    []byte
	level    float64
	running  bool
	starts   int
	discards int
}

func newTestMic() *testMic {
	return &testMic{chunk: []byte{1, 0, 2, 0}, level: 0.5}
}

func (m *testMic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.running = true
	m.starts++
	return nil
}

func (m *testMic) Drain() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	return append([]byte(nil), m.chunk...)
}

func (m *testMic) Stop(discard bool) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasRunning := m.running
	m.running = false
	if discard {
		if wasRunning {
			m.discards++
		}
		return nil
	}
	if !wasRunning {
		return nil
	}
	return append([]byte(nil), m.chunk...)
}

func (m *testMic) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func (m *testMic) isRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

type testTarget struct {
	mu      sync.Mutex
	applied []record.Card
	reasons []string
}

func (t *testTarget) Kind() record.Kind { return record.KindContact }
func (t *testTarget) RemoteID() string  { return "c-1" }
func (t *testTarget) ApplyVoiceResult(card record.Card, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, card)
	t.reasons = append(t.reasons, reason)
	return nil
}

func (t *testTarget) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.applied)
}

func fastConfig() Config {
	return Config{
		MinHold:         5 * time.Millisecond,
		DrainInterval:   5 * time.Millisecond,
		ResultTimeout:   2 * time.Second,
		CancelGrace:     300 * time.Millisecond,
		TickInterval:    10 * time.Millisecond,
		SilenceWarn:     10 * time.Second,
		SilenceAutoStop: -1,
	}
}

type harness struct {
	ctrl   *Controller
	sink   *testSink
	mic    *testMic
	dialer *transport.FakeDialer
	target Target
}

func newHarness(t *testing.T, cfg Config, target Target, clock clockwork.Clock) *harness {
	t.Helper()
	h := &harness{
		sink:   newTestSink(),
		mic:    newTestMic(),
		dialer: &transport.FakeDialer{},
		target: target,
	}
	if h.target == nil {
		h.target = &testTarget{}
	}
	h.ctrl = New(cfg, Deps{
		Dialer:  h.dialer,
		Capture: h.mic,
		Target:  h.target,
		Sink:    h.sink,
		Clock:   clock,
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

// record presses, waits for recording and returns the session's conn.
func (h *harness) record(t *testing.T) *transport.FakeConn {
	t.Helper()
	h.ctrl.Press()
	h.sink.waitState(t, StateRecording)
	conn := h.dialer.Last()
	if conn == nil {
		t.Fatal("no connection dialed")
	}
	return conn
}

func frameKinds(c *transport.FakeConn) []string {
	var kinds []string
	for _, f := range c.Frames() {
		if len(kinds) > 0 && kinds[len(kinds)-1] == f.Kind {
			continue
		}
		kinds = append(kinds, f.Kind)
	}
	return kinds
}

func cardWith(field, value string) record.Card {
	return record.NewCard("c-1", record.Values{field: value})
}

func TestVoiceUpdateApplied(t *testing.T) {
	target := &testTarget{}
	h := newHarness(t, fastConfig(), target, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventProcessing{Message: "updating"})
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme Corp"), Message: "company changed"})
		}
	}

	conn := h.record(t)
	conn.Push(transport.EventASR{Text: "change company"})
	h.sink.waitString(t, h.sink.transcripts, "partial transcript")
	conn.Push(transport.EventASR{Text: "change company to Acme Corp", IsFinal: true})
	if got := h.sink.waitString(t, h.sink.transcripts, "final transcript"); got != "change company to Acme Corp" {
		t.Fatalf("transcript = %q", got)
	}
	h.ctrl.Release()

	out := h.sink.waitFinished(t)
	if out.Result != ResultUpdated || out.Message != "company changed" {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Transcript != "change company to Acme Corp" {
		t.Errorf("outcome transcript = %q", out.Transcript)
	}
	if target.count() != 1 || target.reasons[0] != "company changed" {
		t.Fatalf("applied %d results, reasons %v", target.count(), target.reasons)
	}

	if diff := cmp.Diff([]string{"header", "pcm", "done"}, frameKinds(conn)); diff != "" {
		t.Errorf("frame order (-want +got):\n%s", diff)
	}
	frames := conn.Frames()
	last := frames[len(frames)-1]
	if last.ASRText != "change company to Acme Corp" || !last.IsFinal {
		t.Errorf("done frame = %+v", last)
	}
	if hdr := frames[0].Header; hdr.RecordID != "c-1" || hdr.Kind != record.KindContact || hdr.SampleRate != transport.SampleRate {
		t.Errorf("header = %+v", hdr)
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
	if h.mic.isRunning() {
		t.Error("microphone left running")
	}
	if h.ctrl.State() != StateIdle {
		t.Errorf("state = %s, want idle", h.ctrl.State())
	}
}

func TestNoDoubleTerminal(t *testing.T) {
	tests := []struct {
		name    string
		events  []transport.Event
		want    Result
		applied int
	}{
		{
			name: "update first",
			events: []transport.Event{
				transport.EventUpdateResult{Card: cardWith("company", "A")},
				transport.EventError{Code: "late", Message: "late error"},
				transport.EventCancelled{Message: "late cancel"},
				transport.EventUpdateResult{Card: cardWith("company", "B")},
			},
			want:    ResultUpdated,
			applied: 1,
		},
		{
			name: "error first",
			events: []transport.Event{
				transport.EventError{Code: "asr", Message: "could not understand"},
				transport.EventUpdateResult{Card: cardWith("company", "B")},
			},
			want: ResultFailed,
		},
		{
			name: "cancelled first",
			events: []transport.Event{
				transport.EventCancelled{Message: "nothing to change"},
				transport.EventUpdateResult{Card: cardWith("company", "B")},
			},
			want: ResultCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &testTarget{}
			h := newHarness(t, fastConfig(), target, nil)
			h.dialer.Script = func(c *transport.FakeConn) {
				c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
					for _, ev := range tt.events {
						c.Push(ev)
					}
				}
			}
			h.record(t)
			h.ctrl.Release()

			if out := h.sink.waitFinished(t); out.Result != tt.want {
				t.Fatalf("outcome = %+v, want %s", out, tt.want)
			}
			h.sink.assertNotFinished(t, 100*time.Millisecond)
			if got := target.count(); got != tt.applied {
				t.Errorf("applied %d results, want %d", got, tt.applied)
			}
		})
	}
}

func openContact(t *testing.T) (*reconcile.Detail[record.Contact], *transport.FakeAPI) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	api := transport.NewFakeAPI()
	values := record.Values{"name": "Jane Doe", "company": "Initech"}
	api.Put(record.KindContact, record.NewCard("c-1", values))
	d, err := reconcile.Open(record.ContactSchema, s, api, nil, record.Snapshot{
		Kind:   record.KindContact,
		Meta:   record.Meta{RemoteID: "c-1"},
		Values: values,
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, api
}

func TestCancelBeforeReleaseDiscards(t *testing.T) {
	detail, _ := openContact(t)
	detail.Draft().Set("notes", "typed by hand")
	before := detail.Snapshot()
	draftBefore := detail.Draft().Values()

	h := newHarness(t, fastConfig(), detail, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnCancel = func(c *transport.FakeConn) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme Corp")})
			c.Push(transport.EventCancelled{Message: "cancelled"})
		}
	}
	conn := h.record(t)
	h.ctrl.Drag(120)
	h.sink.waitCancelling(t)
	h.ctrl.Release()

	out := h.sink.waitFinished(t)
	if out.Result != ResultCancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if diff := cmp.Diff(before, detail.Snapshot()); diff != "" {
		t.Errorf("record changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(draftBefore, detail.Draft().Values()); diff != "" {
		t.Errorf("draft changed (-before +after):\n%s", diff)
	}
	if len(detail.History()) != 0 {
		t.Errorf("history = %v", detail.History())
	}
	kinds := frameKinds(conn)
	if kinds[len(kinds)-1] != "cancel" {
		t.Errorf("last frame = %s, want cancel", kinds[len(kinds)-1])
	}
	for _, k := range kinds {
		if k == "done" {
			t.Error("done sent for a cancelled session")
		}
	}
	if h.mic.discards != 1 {
		t.Errorf("discards = %d, want 1", h.mic.discards)
	}
}

func TestDragBackClearsCancel(t *testing.T) {
	target := &testTarget{}
	h := newHarness(t, fastConfig(), target, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme")})
		}
	}
	h.record(t)
	h.ctrl.Drag(120)
	h.sink.waitCancelling(t)
	h.ctrl.Drag(10)
	h.ctrl.Release()

	if out := h.sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCancelGraceBoundsWait(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	conn := h.record(t)
	h.ctrl.Drag(200)
	h.sink.waitCancelling(t)
	h.ctrl.Release()
	h.sink.waitState(t, StateExiting)

	if out := h.sink.waitFinished(t); out.Result != ResultCancelled {
		t.Fatalf("outcome = %+v", out)
	}
	if !conn.Closed() {
		t.Error("connection left open after grace period")
	}
}

func TestTimeoutRenewsOnActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.SilenceAutoStop = -1
	h := newHarness(t, cfg, nil, clock)

	h.ctrl.Press()
	h.sink.waitState(t, StatePressing)
	clock.BlockUntil(1) // hold timer
	clock.Advance(cfg.MinHold)
	h.sink.waitState(t, StateRecording)
	clock.BlockUntil(2) // drain and silence tickers
	conn := h.dialer.Last()

	h.ctrl.Release()
	h.sink.waitState(t, StateAwaitingResult)
	clock.BlockUntil(1) // watchdog

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
		conn.Push(transport.EventProcessing{Message: fmt.Sprintf("step %d", i)})
		h.sink.waitString(t, h.sink.processing, "processing")
	}

	// 40s after release, 10s after the last processing event.
	clock.Advance(10 * time.Second)
	clock.BlockUntil(1)
	h.sink.assertNotFinished(t, 50*time.Millisecond)

	clock.Advance(29 * time.Second)
	h.sink.assertNotFinished(t, 50*time.Millisecond)

	clock.Advance(time.Second)
	out := h.sink.waitFinished(t)
	if out.Result != ResultTimedOut || !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("outcome = %+v", out)
	}
	if !conn.Closed() {
		t.Error("connection left open after timeout")
	}
}

func TestTimeoutWithoutActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.SilenceAutoStop = -1
	target := &testTarget{}
	h := newHarness(t, cfg, target, clock)

	h.ctrl.Press()
	clock.BlockUntil(1)
	clock.Advance(cfg.MinHold)
	h.sink.waitState(t, StateRecording)
	h.ctrl.Release()
	h.sink.waitState(t, StateAwaitingResult)
	clock.BlockUntil(1)

	clock.Advance(cfg.ResultTimeout - time.Second)
	h.sink.assertNotFinished(t, 50*time.Millisecond)
	clock.Advance(time.Second)

	out := h.sink.waitFinished(t)
	if out.Result != ResultTimedOut {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Alert() == "" {
		t.Error("timeout has no user-facing message")
	}
	if target.count() != 0 {
		t.Error("timed out session modified the record")
	}
}

func TestSendFailuresAreSwallowed(t *testing.T) {
	target := &testTarget{}
	h := newHarness(t, fastConfig(), target, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.FailNextPCM(3)
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme")})
		}
	}
	conn := h.record(t)

	deadline := time.Now().Add(waitTimeout)
	for conn.PCMFailures() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d chunks failed", conn.PCMFailures())
		}
		time.Sleep(time.Millisecond)
	}
	h.ctrl.Release()

	if out := h.sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}
	if target.count() != 1 {
		t.Errorf("applied %d results", target.count())
	}
}

func TestVoiceResultUpdatesDetail(t *testing.T) {
	detail, _ := openContact(t)
	detail.Draft().Set("notes", "stale manual note")

	h := newHarness(t, fastConfig(), detail, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{
				Card:    record.NewCard("c-1", record.Values{"name": "Jane Doe", "company": "Acme Corp"}),
				Message: "Updated company",
			})
		}
	}
	h.record(t)
	h.ctrl.Release()
	if out := h.sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}

	if got := detail.Snapshot().Values.Get("company"); got != "Acme Corp" {
		t.Errorf("company = %q", got)
	}
	if got := detail.Draft().Get("company"); got != "Acme Corp" {
		t.Errorf("draft company = %q", got)
	}
	if got := detail.Draft().Get("notes"); got != "" {
		t.Errorf("voice result did not replace the stale draft: notes = %q", got)
	}
	if !detail.Draft().HasUserEdited() {
		t.Error("draft should count as edited after a voice result")
	}
	hist := detail.History()
	if len(hist) != 1 || hist[0].Reason != "Updated company" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestUnusableResultLeavesRecord(t *testing.T) {
	detail, _ := openContact(t)
	before := detail.Snapshot()

	h := newHarness(t, fastConfig(), detail, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: record.Card{RemoteID: "c-1"}})
		}
	}
	h.record(t)
	h.ctrl.Release()

	out := h.sink.waitFinished(t)
	if out.Result != ResultFailed || !errors.Is(out.Err, reconcile.ErrUnusableResult) {
		t.Fatalf("outcome = %+v", out)
	}
	if diff := cmp.Diff(before, detail.Snapshot()); diff != "" {
		t.Errorf("record changed (-before +after):\n%s", diff)
	}
}

func TestShortHoldIsDiscarded(t *testing.T) {
	cfg := fastConfig()
	cfg.MinHold = time.Second
	h := newHarness(t, cfg, nil, nil)

	h.ctrl.Press()
	h.ctrl.Release()
	if out := h.sink.waitFinished(t); out.Result != ResultDiscarded {
		t.Fatalf("outcome = %+v", out)
	}
	if n := len(h.dialer.Conns()); n != 0 {
		t.Errorf("dialed %d connections", n)
	}
	if h.mic.starts != 0 {
		t.Error("microphone started for a short hold")
	}
}

func TestDialFailureUndoesCapture(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.dialer.Err = errors.New("connection refused")

	h.ctrl.Press()
	out := h.sink.waitFinished(t)
	if out.Result != ResultFailed || !errors.Is(out.Err, transport.ErrConnectionFailed) {
		t.Fatalf("outcome = %+v", out)
	}
	if h.mic.isRunning() {
		t.Error("microphone left running after dial failure")
	}
	if out.Alert() == "" {
		t.Error("no alert for dial failure")
	}
}

func TestAudioUnavailableClosesConnection(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.mic.startErr = fmt.Errorf("%w: device busy", audio.ErrUnavailable)

	h.ctrl.Press()
	out := h.sink.waitFinished(t)
	if out.Result != ResultFailed || !errors.Is(out.Err, audio.ErrUnavailable) {
		t.Fatalf("outcome = %+v", out)
	}
	for _, c := range h.dialer.Conns() {
		if !c.Closed() {
			t.Error("connection left open after audio failure")
		}
	}
}

func TestConnectionLostWhileAwaiting(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) { c.Hangup() }
	}
	h.record(t)
	h.ctrl.Release()

	out := h.sink.waitFinished(t)
	if out.Result != ResultFailed || !errors.Is(out.Err, transport.ErrClosed) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestNewPressSupersedesAwaitingSession(t *testing.T) {
	target := &testTarget{}
	h := newHarness(t, fastConfig(), target, nil)
	first := h.record(t)
	h.ctrl.Release()
	h.sink.waitState(t, StateAwaitingResult)

	h.ctrl.Press()
	if out := h.sink.waitFinished(t); out.Result != ResultDiscarded {
		t.Fatalf("outcome = %+v", out)
	}
	if !first.Closed() {
		t.Error("first connection left open")
	}
	h.sink.waitState(t, StateRecording)
	second := h.dialer.Last()
	if second == first {
		t.Fatal("second press reused the first connection")
	}

	first.Push(transport.EventUpdateResult{Card: cardWith("company", "stale")})
	h.sink.assertNotFinished(t, 50*time.Millisecond)
	if target.count() != 0 {
		t.Error("stale session result applied")
	}
}

func TestCloseDuringRecording(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	conn := h.record(t)

	h.ctrl.Close()
	if out := h.sink.waitFinished(t); out.Result != ResultDiscarded {
		t.Fatalf("outcome = %+v", out)
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
	if h.mic.isRunning() {
		t.Error("microphone left running")
	}
	for _, f := range conn.Frames() {
		if f.Kind == "done" {
			t.Error("close sent done")
		}
	}
	h.ctrl.Close()
}

func TestCloseWhileConnecting(t *testing.T) {
	h := newHarness(t, fastConfig(), nil, nil)
	h.dialer.Block = make(chan struct{})

	h.ctrl.Press()
	h.sink.waitState(t, StateConnecting)
	h.ctrl.Close()

	if out := h.sink.waitFinished(t); out.Result != ResultDiscarded {
		t.Fatalf("outcome = %+v", out)
	}
	if h.mic.isRunning() {
		t.Error("microphone left running")
	}
}

func TestReleaseWhileConnecting(t *testing.T) {
	target := &testTarget{}
	h := newHarness(t, fastConfig(), target, nil)
	block := make(chan struct{})
	h.dialer.Block = block
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme")})
		}
	}

	h.ctrl.Press()
	h.sink.waitState(t, StateConnecting)
	h.ctrl.Release()
	close(block)

	h.sink.waitState(t, StateAwaitingResult)
	if out := h.sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestSilenceAutoStop(t *testing.T) {
	cfg := fastConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.SilenceWarn = 30 * time.Millisecond
	cfg.SilenceAutoStop = 60 * time.Millisecond
	target := &testTarget{}
	h := newHarness(t, cfg, target, nil)
	h.mic.level = 0
	h.dialer.Script = func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme")})
		}
	}

	h.record(t)
	select {
	case active := <-h.sink.silence:
		if !active {
			t.Fatal("first silence notification cleared a warning")
		}
	case <-time.After(waitTimeout):
		t.Fatal("no silence warning")
	}
	h.sink.waitState(t, StateAwaitingResult)
	if out := h.sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestControllerWithCapture(t *testing.T) {
	ctx := audio.NewFakeContextPCM(audio.Tone(200*time.Millisecond, 440, 0.5), false)
	capture := audio.NewCapture(ctx.NewFakeCapture())
	sink := newTestSink()
	dialer := &transport.FakeDialer{Script: func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventUpdateResult{Card: cardWith("company", "Acme")})
		}
	}}
	ctrl := New(fastConfig(), Deps{Dialer: dialer, Capture: capture, Target: &testTarget{}, Sink: sink})
	defer ctrl.Close()

	ctrl.Press()
	sink.waitState(t, StateRecording)
	time.Sleep(30 * time.Millisecond)
	ctrl.Release()
	if out := sink.waitFinished(t); out.Result != ResultUpdated {
		t.Fatalf("outcome = %+v", out)
	}
	if capture.Running() {
		t.Error("capture still running")
	}
	var pcm int
	for _, f := range dialer.Last().Frames() {
		pcm += len(f.PCM)
	}
	if pcm < len(audio.Tone(200*time.Millisecond, 440, 0.5)) {
		t.Errorf("sent %d bytes of PCM", pcm)
	}
}

type memArchive struct {
	mu    sync.Mutex
	saved map[string]int
}

func (a *memArchive) Save(name string, pcm []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = map[string]int{}
	}
	a.saved[name] += len(pcm)
	return name, nil
}

func TestArchiveReceivesSessionAudio(t *testing.T) {
	archive := &memArchive{}
	sink := newTestSink()
	dialer := &transport.FakeDialer{Script: func(c *transport.FakeConn) {
		c.OnDone = func(c *transport.FakeConn, _ string, _ bool) {
			c.Push(transport.EventCancelled{Message: "no change"})
		}
	}}
	ctrl := New(fastConfig(), Deps{Dialer: dialer, Capture: newTestMic(), Target: &testTarget{}, Sink: sink, Archive: archive})

	ctrl.Press()
	sink.waitState(t, StateRecording)
	ctrl.Release()
	sink.waitFinished(t)
	ctrl.Close()

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if archive.saved["contact-c-1"] == 0 {
		t.Errorf("archive = %v", archive.saved)
	}
}
