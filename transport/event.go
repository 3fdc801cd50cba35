package transport

import (
	"encoding/json"
	"fmt"

	"voxrec/record"
)

// Event is a server event on a voice session. The concrete types are
// EventASR, EventProcessing, EventUpdateResult, EventCancelled and
// EventError.
type Event interface {
	// Terminal reports whether the event ends the session.
	Terminal() bool
	eventType() string
}

type EventASR struct {
	Text    string
	IsFinal bool
}

type EventProcessing struct {
	Message string
}

type EventUpdateResult struct {
	Card    record.Card
	Message string
}

type EventCancelled struct {
	Message string
}

type EventError struct {
	Code    string
	Message string
}

func (EventASR) Terminal() bool          { return false }
func (EventProcessing) Terminal() bool   { return false }
func (EventUpdateResult) Terminal() bool { return true }
func (EventCancelled) Terminal() bool    { return true }
func (EventError) Terminal() bool        { return true }

func (EventASR) eventType() string          { return "asr_result" }
func (EventProcessing) eventType() string   { return "processing" }
func (EventUpdateResult) eventType() string { return "update_result" }
func (EventCancelled) eventType() string    { return "cancelled" }
func (EventError) eventType() string        { return "error" }

func (e EventError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type serverMessage struct {
	Type    string       `json:"type"`
	Text    string       `json:"text,omitempty"`
	IsFinal bool         `json:"is_final,omitempty"`
	Message string       `json:"message,omitempty"`
	Record  *record.Card `json:"record,omitempty"`
	Code    string       `json:"code,omitempty"`
}

// errUnknownEvent marks well-formed messages of a type this client does
// not know. Receivers skip them.
type errUnknownEvent string

func (e errUnknownEvent) Error() string { return fmt.Sprintf("unknown event type %q", string(e)) }

func DecodeEvent(data []byte) (Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode event: %v", ErrProtocol, err)
	}
	switch msg.Type {
	case "asr_result":
		return EventASR{Text: msg.Text, IsFinal: msg.IsFinal}, nil
	case "processing":
		return EventProcessing{Message: msg.Message}, nil
	case "update_result":
		ev := EventUpdateResult{Message: msg.Message}
		if msg.Record != nil {
			ev.Card = *msg.Record
		}
		return ev, nil
	case "cancelled":
		return EventCancelled{Message: msg.Message}, nil
	case "error":
		return EventError{Code: msg.Code, Message: msg.Message}, nil
	case "":
		return nil, fmt.Errorf("%w: event without type", ErrProtocol)
	default:
		return nil, errUnknownEvent(msg.Type)
	}
}

func EncodeEvent(ev Event) ([]byte, error) {
	msg := serverMessage{Type: ev.eventType()}
	switch e := ev.(type) {
	case EventASR:
		msg.Text, msg.IsFinal = e.Text, e.IsFinal
	case EventProcessing:
		msg.Message = e.Message
	case EventUpdateResult:
		card := e.Card
		msg.Record, msg.Message = &card, e.Message
	case EventCancelled:
		msg.Message = e.Message
	case EventError:
		msg.Code, msg.Message = e.Code, e.Message
	}
	return json.Marshal(msg)
}

type doneMessage struct {
	Type    string `json:"type"`
	ASRText string `json:"asr_text"`
	IsFinal bool   `json:"is_final"`
}

var cancelMessage = []byte(`{"type":"cancel"}`)

// ClientMessage is the decoded form of any client text frame.
type ClientMessage struct {
	Type       string      `json:"type"`
	Kind       record.Kind `json:"kind"`
	RecordID   string      `json:"record_id"`
	Encoding   string      `json:"encoding"`
	SampleRate int         `json:"sample_rate"`
	Channels   int         `json:"channels"`
	ASRText    string      `json:"asr_text"`
	IsFinal    bool        `json:"is_final"`
}

func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: decode client message: %v", ErrProtocol, err)
	}
	switch msg.Type {
	case "start", "done", "cancel":
		return msg, nil
	}
	return msg, fmt.Errorf("%w: unknown client message %q", ErrProtocol, msg.Type)
}
