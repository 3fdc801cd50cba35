package fakebackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"nhooyr.io/websocket"

	"voxrec/log"
	"voxrec/record"
	"voxrec/transport"
)

// The first partial transcript goes out once this much audio (100ms) has
// arrived.
const partialAfterBytes = transport.SampleRate * transport.Channels * 2 / 10

func (s *Server) voice(c *gin.Context) {
	kind, ok := kindParam(c)
	if !ok {
		return
	}
	id := c.Param("id")

	s.mu.Lock()
	_, exists := s.records[kind][id]
	if exists {
		s.voiceCount++
		s.audioBytes = 0
	}
	var utterance string
	if exists && len(s.utterances) > 0 {
		utterance = s.utterances[0]
		s.utterances = s.utterances[1:]
	}
	s.mu.Unlock()
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("%s %s not found", kind, id)})
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("fakebackend: accept: %v", err)
		return
	}
	defer conn.CloseNow()

	vs := &voiceSession{srv: s, conn: conn, kind: kind, id: id, utterance: utterance}
	if err := vs.run(c.Request.Context()); err != nil && !errors.Is(err, context.Canceled) {
		log.Infof("fakebackend: voice %s %s: %v", kind, id, err)
	}
}

type voiceSession struct {
	srv       *Server
	conn      *websocket.Conn
	kind      record.Kind
	id        string
	utterance string

	started bool
	audio   int
	heard   bool
}

func (v *voiceSession) send(ctx context.Context, ev transport.Event) error {
	data, err := transport.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return v.conn.Write(ctx, websocket.MessageText, data)
}

func (v *voiceSession) run(ctx context.Context) error {
	for {
		typ, data, err := v.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if typ == websocket.MessageBinary {
			if !v.started {
				v.conn.Close(websocket.StatusPolicyViolation, "audio before start")
				return errors.New("audio before start")
			}
			if err := v.onAudio(ctx, len(data)); err != nil {
				return err
			}
			continue
		}

		msg, err := transport.ParseClientMessage(data)
		if err != nil {
			v.conn.Close(websocket.StatusUnsupportedData, "bad message")
			return err
		}
		switch msg.Type {
		case "start":
			if err := v.onStart(ctx, msg); err != nil {
				return err
			}
		case "cancel":
			v.srv.mu.Lock()
			v.srv.cancelCount++
			v.srv.mu.Unlock()
			if err := v.send(ctx, transport.EventCancelled{Message: "cancelled by client"}); err != nil {
				return err
			}
			return v.conn.Close(websocket.StatusNormalClosure, "")
		case "done":
			if !v.started {
				v.conn.Close(websocket.StatusPolicyViolation, "done before start")
				return errors.New("done before start")
			}
			return v.onDone(ctx)
		}
	}
}

func (v *voiceSession) onStart(ctx context.Context, msg transport.ClientMessage) error {
	if v.started {
		v.conn.Close(websocket.StatusPolicyViolation, "duplicate start")
		return errors.New("duplicate start")
	}
	if msg.Encoding != transport.Encoding || msg.SampleRate != transport.SampleRate ||
		msg.Kind != v.kind || msg.RecordID != v.id {
		v.send(ctx, transport.EventError{Code: "bad_header", Message: "unsupported session header"})
		v.conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("bad header %+v", msg)
	}
	v.started = true
	v.srv.mu.Lock()
	v.srv.lastHeader = msg
	v.srv.mu.Unlock()
	return nil
}

func (v *voiceSession) onAudio(ctx context.Context, n int) error {
	v.audio += n
	v.srv.mu.Lock()
	v.srv.audioBytes += n
	v.srv.mu.Unlock()
	if v.heard || v.audio < partialAfterBytes || v.utterance == "" {
		return nil
	}
	v.heard = true
	words := strings.Fields(v.utterance)
	partial := strings.Join(words[:(len(words)+1)/2], " ")
	return v.send(ctx, transport.EventASR{Text: partial})
}

func (v *voiceSession) transcript() string {
	if v.utterance != "" {
		return v.utterance
	}
	secs := float64(v.audio) / float64(transport.SampleRate*transport.Channels*2)
	return fmt.Sprintf("set notes to voice note of %.1f seconds", secs)
}

// onDone recognizes the utterance, applies it to the stored record and
// answers with the updated card.
func (v *voiceSession) onDone(ctx context.Context) error {
	// Keep answering control frames so the client's close handshake
	// completes while the server is busy.
	ctx = v.conn.CloseRead(ctx)

	text := v.transcript()
	if err := v.send(ctx, transport.EventASR{Text: text, IsFinal: true}); err != nil {
		return err
	}

	v.srv.mu.Lock()
	b := v.srv.behavior
	v.srv.mu.Unlock()

	if b.Silent {
		<-ctx.Done()
		return nil
	}
	if err := v.send(ctx, transport.EventProcessing{Message: "understanding your request"}); err != nil {
		return err
	}
	if err := v.think(ctx, b); err != nil {
		return err
	}

	if b.VoiceError != "" {
		v.send(ctx, transport.EventError{Code: "backend_error", Message: b.VoiceError})
		return v.conn.Close(websocket.StatusNormalClosure, "")
	}

	intent, ok := ParseIntent(v.kind, text)
	if !ok {
		v.send(ctx, transport.EventError{Code: "no_intent", Message: fmt.Sprintf("could not find a change in %q", text)})
		return v.conn.Close(websocket.StatusNormalClosure, "")
	}
	card, msg, err := v.srv.apply(v.kind, v.id, intent)
	if err != nil {
		v.send(ctx, transport.EventError{Code: "not_found", Message: err.Error()})
		return v.conn.Close(websocket.StatusNormalClosure, "")
	}
	if err := v.send(ctx, transport.EventUpdateResult{Card: card, Message: msg}); err != nil {
		return err
	}
	return v.conn.Close(websocket.StatusNormalClosure, "")
}

func (v *voiceSession) think(ctx context.Context, b Behavior) error {
	if b.Think <= 0 {
		return nil
	}
	tick := b.ThinkTick
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	deadline := time.NewTimer(b.Think)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-ticker.C:
			if err := v.send(ctx, transport.EventProcessing{Message: "still working"}); err != nil {
				return err
			}
		}
	}
}

func (s *Server) apply(kind record.Kind, id string, in Intent) (record.Card, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[kind][id]
	if !ok {
		return record.Card{}, "", fmt.Errorf("%s %s no longer exists", kind, id)
	}
	next := cur.Clone()
	next.Set(in.Field, in.Value)
	next = next.Normalized(schemas[kind].fields)
	s.records[kind][id] = next

	label := schemas[kind].labels[in.Field]
	msg := fmt.Sprintf("%s set to %q", label, in.Value)
	if in.Value == "" {
		msg = label + " cleared"
	}
	return s.card(kind, id, next), msg, nil
}
