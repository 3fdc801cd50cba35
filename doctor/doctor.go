package doctor

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"voxrec/audio"
	"voxrec/clipboard"
	"voxrec/hotkey"
	"voxrec/record"
	"voxrec/store"
	"voxrec/transport"
)

type Options struct {
	Server  string
	Token   string
	DBPath  string
	Device  string
	Binding hotkey.Binding
	// Interactive enables checks that need someone at the keyboard.
	Interactive bool
}

type check struct {
	name        string
	interactive bool
	run         func(ctx context.Context) (string, error)
}

// Run executes the diagnostic checks and returns an exit code (0=all pass, 1=any fail).
func Run(opts Options) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("voxrec doctor - system diagnostics")
	fmt.Println("==================================")

	checks := []check{
		{name: "Record store", run: func(context.Context) (string, error) { return checkStore(opts.DBPath) }},
		{name: "Backend", run: func(ctx context.Context) (string, error) { return checkBackend(ctx, opts.Server, opts.Token) }},
		{name: "Microphone", run: func(ctx context.Context) (string, error) { return checkMicrophone(ctx, opts.Device) }},
		{name: "Hotkey", interactive: true, run: func(ctx context.Context) (string, error) { return checkHotkey(ctx, opts.Binding) }},
		{name: "Clipboard", run: func(context.Context) (string, error) { return checkClipboard() }},
	}

	if runChecks(context.Background(), os.Stdout, checks, opts.Interactive) {
		fmt.Println("\nAll checks passed!")
		return 0
	}
	fmt.Println("\nSome checks failed. See details above.")
	return 1
}

func runChecks(ctx context.Context, w io.Writer, checks []check, interactive bool) bool {
	allPass := true
	for i, c := range checks {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.name)
		if c.interactive && !interactive {
			fmt.Fprintln(w, "  SKIP: needs a terminal")
			continue
		}
		msg, err := c.run(ctx)
		if err != nil {
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			allPass = false
			continue
		}
		fmt.Fprintf(w, "  PASS: %s\n", msg)
	}
	return allPass
}

func checkStore(path string) (string, error) {
	s, err := store.Open(path)
	if err != nil {
		return "", err
	}
	defer s.Close()
	contacts := len(s.List(record.KindContact))
	schedules := len(s.List(record.KindSchedule))
	return fmt.Sprintf("%s (%d contacts, %d schedules)", s.Path(), contacts, schedules), nil
}

func checkBackend(ctx context.Context, server, token string) (string, error) {
	api := transport.NewHTTPAPI(server, token)
	defer api.Close()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rtt, err := api.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("%s: %w", server, err)
	}
	return fmt.Sprintf("%s answered in %dms", server, rtt.Milliseconds()), nil
}

func checkMicrophone(ctx context.Context, device string) (string, error) {
	actx, err := audio.NewContext()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer actx.Close()
	capture, err := audio.OpenCapture(actx, device)
	if err != nil {
		return "", err
	}
	defer capture.Device().Close()
	return sampleCapture(ctx, capture, 2*time.Second)
}

// sampleCapture records for d and reports how much audio arrived and the
// peak level.
func sampleCapture(ctx context.Context, capture *audio.Capture, d time.Duration) (string, error) {
	if err := capture.Start(); err != nil {
		return "", err
	}
	var n int
	var peak float64
	timer := time.NewTimer(d)
	defer timer.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			capture.Stop(true)
			return "", ctx.Err()
		case <-timer.C:
			break loop
		case <-tick.C:
			n += len(capture.Drain())
			peak = max(peak, capture.Level())
		}
	}
	n += len(capture.Stop(false))
	if n == 0 {
		return "", fmt.Errorf("%s delivered no audio", capture.Device().DeviceName())
	}
	secs := float64(n) / float64(transport.SampleRate*transport.Channels*2)
	return fmt.Sprintf("%s: %.1fs captured, peak level %.2f", capture.Device().DeviceName(), secs, peak), nil
}

func checkHotkey(ctx context.Context, b hotkey.Binding) (string, error) {
	msg, err := hotkey.Diagnose(b)
	if err != nil {
		return "", err
	}
	fmt.Printf("  %s\n", msg)
	fmt.Printf("  Press %s...\n", b)

	hk := hotkey.New(b)
	if err := hk.Register(); err != nil {
		return "", fmt.Errorf("could not register hotkey: %w", err)
	}
	defer hk.Unregister()

	select {
	case <-hk.Keydown():
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		// the key may leave the terminal in raw mode
		resetTerminal()
		return "hotkey detected", nil
	case <-time.After(10 * time.Second):
		return "", fmt.Errorf("timeout waiting for %s", b)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func checkClipboard() (string, error) {
	if !clipboard.Available() {
		return "", fmt.Errorf("no clipboard backend (install xclip, xsel or wl-clipboard)")
	}
	prev, _ := clipboard.Read()
	defer clipboard.Copy(prev)
	if err := clipboard.CopyVerified("voxrec-doctor-test"); err != nil {
		return "", err
	}
	return "copy and read back verified", nil
}
