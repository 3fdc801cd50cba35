package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"voxrec/record"
)

// PCM format of every voice session.
const (
	Encoding   = "pcm_s16le"
	SampleRate = 16000
	Channels   = 1
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrClosed           = errors.New("connection closed")
	ErrProtocol         = errors.New("protocol violation")
)

// Dialer opens a voice session for one synced record.
type Dialer interface {
	Dial(ctx context.Context, kind record.Kind, remoteID string) (Conn, error)
}

// Conn is one voice session. Sends are serialized internally and may be
// called from any goroutine; Recv is meant for a single reader.
type Conn interface {
	// SendHeader must be called exactly once, before any audio.
	SendHeader(h Header) error
	// SendPCM is best-effort: a failure loses that chunk only.
	SendPCM(pcm []byte) error
	// SendDone signals end of audio. At most once.
	SendDone(asrText string, isFinal bool) error
	SendCancel() error
	// Recv blocks for the next server event and returns an error wrapping
	// ErrClosed once no further events will arrive.
	Recv() (Event, error)
	// Close is idempotent.
	Close() error
}

type Header struct {
	Type       string      `json:"type"`
	Kind       record.Kind `json:"kind"`
	RecordID   string      `json:"record_id"`
	Encoding   string      `json:"encoding"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
}

func NewHeader(kind record.Kind, remoteID string) Header {
	return Header{
		Type:       "start",
		Kind:       kind,
		RecordID:   remoteID,
		Encoding:   Encoding,
		SampleRate: SampleRate,
		Channels:   Channels,
	}
}

// HealthPath answers 2xx when the backend is up.
const HealthPath = "/v1/health"

// VoicePath is the websocket path of a record's voice endpoint.
func VoicePath(kind record.Kind, remoteID string) string {
	return RecordPath(kind, remoteID) + "/voice"
}

// RecordPath is the REST path of a record, or of the collection when
// remoteID is empty.
func RecordPath(kind record.Kind, remoteID string) string {
	p := "/v1/" + string(kind) + "s"
	if remoteID != "" {
		p += "/" + url.PathEscape(remoteID)
	}
	return p
}

func joinURL(server, path string) string {
	return strings.TrimRight(server, "/") + path
}

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

type frameKind int

const (
	frameHeader frameKind = iota
	framePCM
	frameDone
	frameCancel
)

func (k frameKind) String() string {
	switch k {
	case frameHeader:
		return "header"
	case framePCM:
		return "pcm"
	case frameDone:
		return "done"
	case frameCancel:
		return "cancel"
	}
	return "unknown"
}

// frameGuard enforces client frame ordering: one header first, then audio,
// then at most one done. Callers hold it across the actual write so frames
// leave in the order they were admitted.
type frameGuard struct {
	mu     sync.Mutex
	header bool
	done   bool
	closed bool
}

// admit locks the guard and validates the frame. On success the caller
// writes the frame and then calls release.
func (g *frameGuard) admit(k frameKind) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("send %s: %w", k, ErrClosed)
	}
	var err error
	switch k {
	case frameHeader:
		if g.header {
			err = fmt.Errorf("%w: header already sent", ErrProtocol)
		}
		g.header = true
	case framePCM:
		if !g.header {
			err = fmt.Errorf("%w: audio before header", ErrProtocol)
		} else if g.done {
			err = fmt.Errorf("%w: audio after done", ErrProtocol)
		}
	case frameDone:
		if !g.header {
			err = fmt.Errorf("%w: done before header", ErrProtocol)
		} else if g.done {
			err = fmt.Errorf("%w: done already sent", ErrProtocol)
		}
		g.done = true
	case frameCancel:
		if !g.header {
			err = fmt.Errorf("%w: cancel before header", ErrProtocol)
		}
	}
	if err != nil {
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *frameGuard) release() {
	g.mu.Unlock()
}

// close marks the guard closed and reports whether this call closed it.
func (g *frameGuard) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.closed = true
	return true
}
