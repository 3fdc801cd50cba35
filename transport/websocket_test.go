package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"voxrec/record"
)

// voiceServer accepts one session, checks the header, counts audio and
// answers done with an update_result for the record.
func voiceServer(t *testing.T, gotAuth chan<- string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		var audio int
		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				audio += len(data)
				continue
			}
			msg, err := ParseClientMessage(data)
			if err != nil {
				c.Close(websocket.StatusPolicyViolation, err.Error())
				return
			}
			switch msg.Type {
			case "start":
				if msg.Encoding != Encoding || msg.RecordID != "c-1" {
					c.Close(websocket.StatusPolicyViolation, "bad header")
					return
				}
				out, _ := EncodeEvent(EventASR{Text: "change company", IsFinal: false})
				c.Write(ctx, websocket.MessageText, out)
			case "done":
				out, _ := json.Marshal(map[string]any{"type": "heartbeat"})
				c.Write(ctx, websocket.MessageText, out)
				out, _ = EncodeEvent(EventProcessing{Message: msg.ASRText})
				c.Write(ctx, websocket.MessageText, out)
				card := record.NewCard("c-1", record.Values{"company": "Acme"})
				if audio == 0 {
					card = record.NewCard("c-1", nil)
				}
				out, _ = EncodeEvent(EventUpdateResult{Card: card, Message: "updated"})
				c.Write(ctx, websocket.MessageText, out)
				c.Close(websocket.StatusNormalClosure, "")
				return
			case "cancel":
				out, _ := EncodeEvent(EventCancelled{Message: "cancelled"})
				c.Write(ctx, websocket.MessageText, out)
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
}

func TestWebsocketSession(t *testing.T) {
	auth := make(chan string, 1)
	srv := voiceServer(t, auth)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := NewWSDialer(srv.URL, "secret").Dial(ctx, record.KindContact, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := <-auth; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}
	if err := conn.SendHeader(NewHeader(record.KindContact, "c-1")); err != nil {
		t.Fatal(err)
	}
	if err := conn.SendPCM(make([]byte, 640)); err != nil {
		t.Fatal(err)
	}
	if err := conn.SendDone("change company to acme", true); err != nil {
		t.Fatal(err)
	}

	var events []Event
	for {
		ev, err := conn.Recv()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("Recv: %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("got %d events, want asr, processing, update_result: %+v", len(events), events)
	}
	if p, ok := events[1].(EventProcessing); !ok || p.Message != "change company to acme" {
		t.Errorf("event 1 = %+v", events[1])
	}
	res, ok := events[2].(EventUpdateResult)
	if !ok {
		t.Fatalf("event 2 = %T", events[2])
	}
	if res.Card.Value("company") != "Acme" {
		t.Errorf("company = %q", res.Card.Value("company"))
	}
}

func TestWebsocketCancel(t *testing.T) {
	auth := make(chan string, 1)
	srv := voiceServer(t, auth)
	defer srv.Close()

	conn, err := NewWSDialer(srv.URL, "").Dial(context.Background(), record.KindContact, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	<-auth

	conn.SendHeader(NewHeader(record.KindContact, "c-1"))
	if _, err := conn.Recv(); err != nil {
		t.Fatal(err)
	}
	if err := conn.SendCancel(); err != nil {
		t.Fatal(err)
	}
	ev, err := conn.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(EventCancelled); !ok {
		t.Errorf("got %T, want EventCancelled", ev)
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWSDialer(srv.URL, "").Dial(context.Background(), record.KindContact, "c-1")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("got %v, want ErrConnectionFailed", err)
	}
	_, err = NewWSDialer(srv.URL, "").Dial(context.Background(), record.KindContact, "")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("unsynced: got %v, want ErrConnectionFailed", err)
	}
}

func TestWebsocketCloseUnblocksRecv(t *testing.T) {
	auth := make(chan string, 1)
	srv := voiceServer(t, auth)
	defer srv.Close()

	conn, err := NewWSDialer(srv.URL, "").Dial(context.Background(), record.KindContact, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	<-auth

	done := make(chan error, 1)
	go func() {
		_, err := conn.Recv()
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	conn.Close()
	conn.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv blocked after Close")
	}
	if err := conn.SendPCM([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: got %v, want ErrClosed", err)
	}
}

func TestHTTPAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/contacts/c-1", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"c-1","name":"Jane","company":null}`)
	})
	mux.HandleFunc("POST /v1/contacts", func(w http.ResponseWriter, r *http.Request) {
		var v map[string]string
		json.NewDecoder(r.Body).Decode(&v)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "c-2", "name": v["name"]})
	})
	mux.HandleFunc("PATCH /v1/contacts/c-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	})
	mux.HandleFunc("DELETE /v1/contacts/c-9", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api := NewHTTPAPI(srv.URL, "tok")
	defer api.Close()
	ctx := context.Background()

	if _, err := api.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	bad := NewHTTPAPI(srv.URL, "wrong")
	defer bad.Close()
	if _, err := bad.Ping(ctx); err == nil {
		t.Error("ping with a bad token succeeded")
	}

	card, err := api.FetchDetail(ctx, record.KindContact, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if card.RemoteID != "c-1" || card.Value("name") != "Jane" || !card.Has("company") {
		t.Errorf("unexpected card %+v", card)
	}

	created, err := api.Create(ctx, record.KindContact, record.Values{"name": "Bob"})
	if err != nil {
		t.Fatal(err)
	}
	if created == nil || created.RemoteID != "c-2" || created.Value("name") != "Bob" {
		t.Errorf("unexpected created card %+v", created)
	}

	updated, err := api.Update(ctx, record.KindContact, "c-1", record.Values{"name": "J"})
	if err != nil {
		t.Fatal(err)
	}
	if updated != nil {
		t.Errorf("204 should yield nil card, got %+v", updated)
	}

	err = api.Delete(ctx, record.KindContact, "c-9")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Errorf("got %v, want APIError 404", err)
	}
}
