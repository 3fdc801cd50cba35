package doctor

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voxrec/audio"
	"voxrec/record"
	"voxrec/store"
)

func TestRunChecksReport(t *testing.T) {
	var out bytes.Buffer
	checks := []check{
		{name: "ok", run: func(context.Context) (string, error) { return "fine", nil }},
		{name: "needs a person", interactive: true, run: func(context.Context) (string, error) {
			t.Error("interactive check ran")
			return "", nil
		}},
		{name: "broken", run: func(context.Context) (string, error) { return "", errors.New("boom") }},
	}
	if runChecks(context.Background(), &out, checks, false) {
		t.Error("failing check reported as pass")
	}
	for _, want := range []string{"[1/3] ok", "PASS: fine", "SKIP:", "[3/3] broken", "FAIL: boom"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(record.Snapshot{Kind: record.KindContact, Values: record.Values{"name": "Jane"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	msg, err := checkStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "1 contacts, 0 schedules") {
		t.Errorf("msg = %q", msg)
	}
}

func TestCheckBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/health" {
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	if _, err := checkBackend(context.Background(), srv.URL, ""); err != nil {
		t.Errorf("healthy backend: %v", err)
	}
	srv.Close()
	if _, err := checkBackend(context.Background(), srv.URL, ""); err == nil {
		t.Error("closed backend passed")
	}
}

func TestSampleCapture(t *testing.T) {
	ctx := audio.NewFakeContextPCM(audio.Tone(100*time.Millisecond, 440, 0.5), false)
	capture := audio.NewCapture(ctx.NewFakeCapture())

	msg, err := sampleCapture(context.Background(), capture, 120*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "fake:") || capture.Running() {
		t.Errorf("msg = %q, running = %v", msg, capture.Running())
	}
}
