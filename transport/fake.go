package transport

import (
	"context"
	"fmt"
	"sync"

	"voxrec/record"
)

// Frame is a client frame recorded by FakeConn.
type Frame struct {
	Kind    string // header | pcm | done | cancel
	Header  Header
	PCM     []byte
	ASRText string
	IsFinal bool
}

// FakeConn is an in-memory Conn. Server events are queued with Push and
// delivered in order by Recv; Hangup ends the stream once the queue drains.
type FakeConn struct {
	guard frameGuard

	mu       sync.Mutex
	frames   []Frame
	queue    []Event
	failPCM  int
	failures int
	hung     bool
	closed   bool
	notify   chan struct{}

	// OnDone and OnCancel script the server's reaction. They run on the
	// sending goroutine after the frame is recorded.
	OnDone   func(c *FakeConn, asrText string, isFinal bool)
	OnCancel func(c *FakeConn)
}

func NewFakeConn() *FakeConn {
	return &FakeConn{notify: make(chan struct{}, 1)}
}

func (c *FakeConn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Push queues a server event.
func (c *FakeConn) Push(ev Event) {
	c.mu.Lock()
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	c.wake()
}

// Hangup closes the server side after any queued events.
func (c *FakeConn) Hangup() {
	c.mu.Lock()
	c.hung = true
	c.mu.Unlock()
	c.wake()
}

// FailNextPCM makes the next n SendPCM calls fail.
func (c *FakeConn) FailNextPCM(n int) {
	c.mu.Lock()
	c.failPCM = n
	c.mu.Unlock()
}

func (c *FakeConn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// PCMFailures counts SendPCM calls that were made to fail.
func (c *FakeConn) PCMFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) record(f Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *FakeConn) SendHeader(h Header) error {
	if err := c.guard.admit(frameHeader); err != nil {
		return err
	}
	c.record(Frame{Kind: "header", Header: h})
	c.guard.release()
	return nil
}

func (c *FakeConn) SendPCM(pcm []byte) error {
	if err := c.guard.admit(framePCM); err != nil {
		return err
	}
	defer c.guard.release()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPCM > 0 {
		c.failPCM--
		c.failures++
		return fmt.Errorf("fake send failure")
	}
	c.frames = append(c.frames, Frame{Kind: "pcm", PCM: append([]byte(nil), pcm...)})
	return nil
}

func (c *FakeConn) SendDone(asrText string, isFinal bool) error {
	if err := c.guard.admit(frameDone); err != nil {
		return err
	}
	c.record(Frame{Kind: "done", ASRText: asrText, IsFinal: isFinal})
	c.guard.release()
	if c.OnDone != nil {
		c.OnDone(c, asrText, isFinal)
	}
	return nil
}

func (c *FakeConn) SendCancel() error {
	if err := c.guard.admit(frameCancel); err != nil {
		return err
	}
	c.record(Frame{Kind: "cancel"})
	c.guard.release()
	if c.OnCancel != nil {
		c.OnCancel(c)
	}
	return nil
}

func (c *FakeConn) Recv() (Event, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, nil
		}
		if c.hung {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.mu.Unlock()
		<-c.notify
	}
}

func (c *FakeConn) Close() error {
	c.guard.close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wake()
	return nil
}

// FakeDialer hands out FakeConns. Script, if set, configures each new
// conn before it is returned.
type FakeDialer struct {
	Script func(c *FakeConn)
	// Err makes every Dial fail with an error wrapping ErrConnectionFailed.
	Err error
	// Block, if non-nil, holds Dial until it is closed or ctx ends.
	Block chan struct{}

	mu    sync.Mutex
	conns []*FakeConn
}

func (d *FakeDialer) Dial(ctx context.Context, kind record.Kind, remoteID string) (Conn, error) {
	if remoteID == "" {
		return nil, fmt.Errorf("%w: record is not synced", ErrConnectionFailed)
	}
	if d.Block != nil {
		select {
		case <-d.Block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, ctx.Err())
		}
	}
	if d.Err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, d.Err)
	}
	c := NewFakeConn()
	if d.Script != nil {
		d.Script(c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

// Last returns the most recently dialed conn, or nil.
func (d *FakeDialer) Last() *FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// FakeAPI is an in-memory API. Cards are keyed by kind and remote id.
type FakeAPI struct {
	mu      sync.Mutex
	cards   map[string]record.Card
	next    int
	calls   []string
	updates []record.Values

	// NoBody makes Create and Update reply without a card.
	NoBody bool
	// Omit drops these fields from Create/Update responses.
	Omit []string
	// FetchErr fails FetchDetail.
	FetchErr error
	// WriteErr fails Create, Update and Delete.
	WriteErr error
}

func NewFakeAPI() *FakeAPI {
	return &FakeAPI{cards: make(map[string]record.Card)}
}

func fakeKey(kind record.Kind, id string) string { return string(kind) + "/" + id }

// Put seeds a server-side record.
func (f *FakeAPI) Put(kind record.Kind, card record.Card) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[fakeKey(kind, card.RemoteID)] = card
}

func (f *FakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Submitted returns the value sets sent with Create and Update.
func (f *FakeAPI) Submitted() []record.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]record.Values(nil), f.updates...)
}

func (f *FakeAPI) FetchDetail(_ context.Context, kind record.Kind, remoteID string) (record.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "fetch "+remoteID)
	if f.FetchErr != nil {
		return record.Card{}, f.FetchErr
	}
	card, ok := f.cards[fakeKey(kind, remoteID)]
	if !ok {
		return record.Card{}, &APIError{Status: 404, Body: "not found"}
	}
	return card, nil
}

func (f *FakeAPI) Create(_ context.Context, kind record.Kind, values record.Values) (*record.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	f.updates = append(f.updates, values.Clone())
	if f.WriteErr != nil {
		return nil, f.WriteErr
	}
	f.next++
	card := record.NewCard(fmt.Sprintf("%s-%d", kind, f.next), values)
	f.cards[fakeKey(kind, card.RemoteID)] = card
	return f.reply(card), nil
}

func (f *FakeAPI) Update(_ context.Context, kind record.Kind, remoteID string, values record.Values) (*record.Card, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "update "+remoteID)
	f.updates = append(f.updates, values.Clone())
	if f.WriteErr != nil {
		return nil, f.WriteErr
	}
	card, ok := f.cards[fakeKey(kind, remoteID)]
	if !ok {
		return nil, &APIError{Status: 404, Body: "not found"}
	}
	merged := record.NewCard(remoteID, nil)
	for k, v := range card.Fields {
		merged.Fields[k] = v
	}
	for k, v := range values {
		v := v
		merged.Fields[k] = &v
	}
	f.cards[fakeKey(kind, remoteID)] = merged
	return f.reply(merged), nil
}

func (f *FakeAPI) reply(card record.Card) *record.Card {
	if f.NoBody {
		return nil
	}
	out := record.NewCard(card.RemoteID, nil)
	for k, v := range card.Fields {
		out.Fields[k] = v
	}
	for _, k := range f.Omit {
		delete(out.Fields, k)
	}
	return &out
}

func (f *FakeAPI) Delete(_ context.Context, kind record.Kind, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "delete "+remoteID)
	if f.WriteErr != nil {
		return f.WriteErr
	}
	delete(f.cards, fakeKey(kind, remoteID))
	return nil
}
