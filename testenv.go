package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"voxrec/audio"
	"voxrec/config"
	"voxrec/encoder"
	"voxrec/hotkey"
	"voxrec/internal/fakebackend"
	"voxrec/log"
	"voxrec/record"
	"voxrec/store"
	"voxrec/transport"
	"voxrec/voice"
)

// lineSink prints controller callbacks one per line. It backs -tui=false
// and the headless test mode.
type lineSink struct {
	w        io.Writer
	mu       *sync.Mutex
	finished chan voice.Outcome
}

func (s lineSink) printf(format string, args ...any) {
	if s.mu != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	fmt.Fprintf(s.w, format+"\n", args...)
}

func (s lineSink) StateChanged(st voice.State, cancelling bool) {
	if cancelling {
		s.printf("STATE %s cancelling", st)
		return
	}
	s.printf("STATE %s", st)
}

func (s lineSink) Transcript(text string, final bool) {
	if final {
		s.printf("TRANSCRIPT final %s", text)
		return
	}
	s.printf("TRANSCRIPT partial %s", text)
}

func (s lineSink) Processing(msg string) { s.printf("PROCESSING %s", msg) }

func (s lineSink) SilenceWarning(active bool) { s.printf("SILENCE %t", active) }

func (s lineSink) Finished(out voice.Outcome) {
	if out.Err != nil {
		s.printf("RESULT %s %s", out.Result, out.Alert())
	} else {
		s.printf("RESULT %s %s", out.Result, out.Message)
	}
	if s.finished != nil {
		select {
		case s.finished <- out:
		default:
		}
	}
}

func printRecord(s lineSink, pane *recordPane) {
	snap := pane.Snapshot()
	parts := make([]string, 0, len(pane.fields))
	for _, f := range pane.fields {
		if v := snap.Values.Get(f); v != "" {
			parts = append(parts, f+"="+v)
		}
	}
	s.printf("RECORD %s %s", snap.Meta.RemoteID, strings.Join(parts, "; "))
	s.printf("REVISIONS %d", len(pane.History()))
}

// runTestMode drives one record headlessly from stdin against the demo
// backend. Commands: KEYDOWN, KEYUP, CANCEL, UNCANCEL, SAY <text>,
// BEHAVIOR ok|silent|error <msg>|think <ms>, SET <field> <value>, SAVE,
// REFRESH, PRINT, WAIT, SLEEP <ms>, QUIT.
func runTestMode(cfg *config.Config, kind record.Kind, recordID, wavPath string) int {
	backend := fakebackend.New("")
	seedDemo(backend)
	server, stopBackend, err := backend.Listen("127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting backend: %v\n", err)
		return 1
	}
	defer stopBackend()

	st, err := store.Open(":memory:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		return 1
	}
	defer st.Close()

	api := transport.NewHTTPAPI(server, "")
	defer api.Close()

	if recordID == "" {
		recordID = demoRecordID(kind)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pane, err := openRecord(ctx, kind, recordID, st, api, nil)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var fake *audio.FakeContext
	if wavPath != "" {
		fake, err = audio.NewFakeContext(wavPath, true)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
			return 1
		}
	} else {
		fake = audio.NewFakeContextPCM(audio.Tone(3*time.Second, 440, 0.3), true)
	}
	fakeCapture := fake.NewFakeCapture()
	capture := audio.NewCapture(fakeCapture)
	defer fakeCapture.Close()

	var archive voice.Archiver
	if cfg.ArchiveDir != "" {
		a, err := encoder.NewArchive(cfg.ArchiveDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		archive = a
	}

	sink := lineSink{w: os.Stdout, mu: &sync.Mutex{}, finished: make(chan voice.Outcome, 16)}
	voiceCfg := cfg.Voice()
	ctrl := voice.New(voiceCfg, voice.Deps{
		Dialer:  transport.NewWSDialer(server, ""),
		Capture: capture,
		Target:  pane,
		Sink:    sink,
		Archive: archive,
	})
	defer ctrl.Close()

	hk := hotkey.NewFake()
	pump := hotkey.NewPump(hk, ctrl)
	defer pump.Stop()

	log.Infof("test mode: %s %s against %s", kind, pane.RemoteID(), server)
	printRecord(sink, pane)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "":
		case "KEYDOWN":
			hk.SimKeydown()
		case "KEYUP":
			hk.SimKeyup()
		case "CANCEL":
			ctrl.Drag(voiceCfg.CancelDistance)
		case "UNCANCEL":
			ctrl.Drag(0)
		case "SAY":
			backend.Say(arg)
		case "BEHAVIOR":
			b, err := parseBehavior(arg)
			if err != nil {
				sink.printf("ERROR %v", err)
				continue
			}
			backend.SetBehavior(b)
		case "SET":
			field, value, _ := strings.Cut(arg, " ")
			pane.Draft().Set(field, value)
		case "SAVE":
			ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
			err := pane.SubmitSave(ctx)
			cancel()
			if err != nil {
				sink.printf("ERROR save: %v", err)
			} else {
				sink.printf("SAVED")
			}
		case "REFRESH":
			ctx, cancel := context.WithTimeout(context.Background(), requestLimit)
			err := pane.Refresh(ctx)
			cancel()
			if err != nil {
				sink.printf("ERROR refresh: %v", err)
			}
		case "PRINT":
			printRecord(sink, pane)
		case "WAIT":
			select {
			case <-sink.finished:
			case <-time.After(90 * time.Second):
				sink.printf("ERROR wait timed out")
				return 1
			}
		case "WAIT_AUDIO_DONE":
			<-fakeCapture.AudioDone()
		case "SLEEP":
			if ms, err := strconv.Atoi(arg); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		case "QUIT":
			return 0
		default:
			sink.printf("ERROR unknown command %q", cmd)
		}
	}
	return 0
}

func parseBehavior(arg string) (fakebackend.Behavior, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(arg), " ")
	switch strings.ToLower(kind) {
	case "ok", "":
		return fakebackend.Behavior{}, nil
	case "silent":
		return fakebackend.Behavior{Silent: true}, nil
	case "error":
		if rest == "" {
			rest = "backend failure"
		}
		return fakebackend.Behavior{VoiceError: rest}, nil
	case "nobody":
		return fakebackend.Behavior{NoBody: true}, nil
	case "think":
		ms, err := strconv.Atoi(rest)
		if err != nil {
			return fakebackend.Behavior{}, fmt.Errorf("think: %w", err)
		}
		return fakebackend.Behavior{Think: time.Duration(ms) * time.Millisecond}, nil
	}
	return fakebackend.Behavior{}, fmt.Errorf("unknown behavior %q", kind)
}
