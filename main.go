package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"voxrec/audio"
	"voxrec/config"
	"voxrec/doctor"
	"voxrec/encoder"
	"voxrec/hotkey"
	"voxrec/internal/fakebackend"
	"voxrec/log"
	"voxrec/record"
	"voxrec/shutdown"
	"voxrec/store"
	"voxrec/transport"
	"voxrec/voice"
)

var version = "dev"

type options struct {
	kind      string
	recordID  string
	server    string
	demo      bool
	config    string
	db        string
	device    string
	setup     bool
	logPath   string
	longPress time.Duration
	timeout   time.Duration
	archive   string
	doctor    bool
	test      bool
	tui       bool
	version   bool
	profile   string
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.kind, "kind", "contact", "Record kind: contact or schedule")
	flag.StringVar(&o.recordID, "record", "", "Local or remote id of the record to open (default: most recent)")
	flag.StringVar(&o.server, "server", "", "Backend base URL (overrides config)")
	flag.BoolVar(&o.demo, "demo", false, "Run against an in-process demo backend")
	flag.StringVar(&o.config, "config", "", "Config file path (default: OS config dir)")
	flag.StringVar(&o.db, "db", "", "Local record database path (overrides config)")
	flag.StringVar(&o.device, "device", "", "Use named microphone device")
	flag.BoolVar(&o.setup, "setup", false, "Select microphone device and save it to the config")
	flag.StringVar(&o.logPath, "logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	flag.DurationVar(&o.longPress, "longpress", 0, "Minimum hold before a press starts recording (e.g., 300ms)")
	flag.DurationVar(&o.timeout, "timeout", 0, "Result inactivity timeout after release (e.g., 40s)")
	flag.StringVar(&o.archive, "archive", "", "Directory to archive each session's audio as FLAC")
	flag.BoolVar(&o.doctor, "doctor", false, "Run system diagnostics and exit")
	flag.BoolVar(&o.test, "test", false, "Test mode (headless, stdin-driven)")
	flag.BoolVar(&o.tui, "tui", true, "Run with terminal UI")
	flag.BoolVar(&o.version, "version", false, "Print version and exit")
	flag.StringVar(&o.profile, "profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	flag.Parse()
	return o
}

// initCrashLog sends fatal runtime errors to crash_log.txt in the log
// directory.
func initCrashLog() {
	dir, err := log.ResolveDir(flagValue("logpath"))
	if err != nil {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "crash_log.txt"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(f, debug.CrashOptions{})
}

// flagValue scans os.Args for -name value or -name=value before flags are
// parsed.
func flagValue(name string) string {
	args := os.Args[1:]
	for i, a := range args {
		for _, p := range []string{"-" + name, "--" + name} {
			if a == p && i+1 < len(args) {
				return args[i+1]
			}
			if len(a) > len(p)+1 && a[:len(p)+1] == p+"=" {
				return a[len(p)+1:]
			}
		}
	}
	return ""
}

func fatalf(format string, args ...any) {
	log.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	log.Close()
	os.Exit(1)
}

// loadConfig reads the config file and lets explicitly set flags win.
func loadConfig(o options) (*config.Config, string) {
	path := o.config
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server = o.server
		case "db":
			cfg.DB = o.db
		case "device":
			cfg.Device = o.device
		case "longpress":
			cfg.LongPress = o.longPress.String()
		case "timeout":
			cfg.ResultTimeout = o.timeout.String()
		case "archive":
			cfg.ArchiveDir = o.archive
		}
	})
	if err := cfg.Validate(); err != nil {
		fatalf("%v", err)
	}
	return cfg, path
}

func run() {
	o := parseFlags()

	if o.version {
		fmt.Printf("voxrec %s\n", version)
		os.Exit(0)
	}

	logPath, err := log.ResolveDir(o.logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	log.Infof("voxrec %s starting", version)

	if o.profile != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", o.profile)
			if err := http.ListenAndServe(o.profile, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	cfg, cfgPath := loadConfig(o)

	if o.setup {
		if err := setupDevice(cfg, cfgPath); err != nil {
			fatalf("%v", err)
		}
	}

	if o.doctor {
		code := doctor.Run(doctor.Options{
			Server:      cfg.Server,
			Token:       cfg.Token,
			DBPath:      cfg.DB,
			Device:      cfg.Device,
			Binding:     cfg.Binding(),
			Interactive: true,
		})
		log.Close()
		os.Exit(code)
	}

	kind, err := record.ParseKind(o.kind)
	if err != nil {
		fatalf("%v", err)
	}

	if o.test {
		wav := ""
		if len(flag.Args()) > 0 {
			wav = flag.Args()[0]
		}
		os.Exit(runTestMode(cfg, kind, o.recordID, wav))
	}

	a, err := newApp(cfg, kind, o.recordID, o.demo)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.close()

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if !o.tui {
		a.start(lineSink{w: os.Stdout})
		fmt.Printf("voxrec: %s %s open; hold %s to talk, Ctrl+C to quit\n", kind, a.pane.RemoteID(), a.binding)
		<-ctx.Done()
		return
	}

	a.start(teaSink{send: tuiSend})
	tuiMu.Lock()
	tuiProgram = NewTUIProgram(newTUIModel(a))
	p := tuiProgram
	tuiMu.Unlock()

	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	if _, err := p.Run(); err != nil {
		log.Errorf("TUI error: %v", err)
	}
	tuiMu.Lock()
	tuiProgram = nil
	tuiMu.Unlock()
}

func setupDevice(cfg *config.Config, path string) error {
	actx, err := audio.NewContext()
	if err != nil {
		return fmt.Errorf("initializing audio: %w", err)
	}
	defer actx.Close()
	dev, err := audio.SelectDevice(actx, cfg.Device)
	if errors.Is(err, audio.ErrSelectionCancelled) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg.Device = dev.Name
	if err := cfg.Save(path); err != nil {
		return err
	}
	fmt.Printf("Saved microphone %q to %s\n", dev.Name, path)
	return nil
}

// app holds everything one open record needs while the UI runs.
type app struct {
	voiceCfg   voice.Config
	binding    hotkey.Binding
	server     string
	token      string
	deviceName string

	backend     *fakebackend.Server
	stopBackend func() error
	store       *store.Store
	api         *transport.HTTPAPI
	events      *record.EventStream
	pane        *recordPane
	audioCtx    audio.Context
	capture     *audio.Capture
	archive     voice.Archiver

	ctrl *voice.Controller
	hk   hotkey.Hotkey
	pump *hotkey.Pump
}

func newApp(cfg *config.Config, kind record.Kind, recordID string, demo bool) (a *app, err error) {
	a = &app{
		voiceCfg: cfg.Voice(),
		binding:  cfg.Binding(),
		server:   cfg.Server,
		token:    cfg.Token,
		events:   record.NewEventStream(),
	}
	defer func() {
		if err != nil {
			a.close()
			a = nil
		}
	}()

	dbPath := cfg.DB
	if demo {
		a.backend = fakebackend.New("")
		seedDemo(a.backend)
		a.server, a.stopBackend, err = a.backend.Listen("127.0.0.1:0")
		if err != nil {
			return a, fmt.Errorf("starting demo backend: %w", err)
		}
		a.token = ""
		dbPath = ":memory:"
		if recordID == "" {
			recordID = demoRecordID(kind)
		}
		log.Infof("demo backend at %s", a.server)
	}

	a.store, err = store.Open(dbPath)
	if err != nil {
		return a, err
	}
	a.api = transport.NewHTTPAPI(a.server, a.token)
	go a.api.Warm()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.pane, err = openRecord(ctx, kind, recordID, a.store, a.api, a.events)
	if err != nil {
		return a, err
	}

	a.audioCtx, err = audio.NewContext()
	if err != nil {
		return a, fmt.Errorf("initializing audio: %w", err)
	}
	a.capture, err = audio.OpenCapture(a.audioCtx, cfg.Device)
	if err != nil {
		return a, err
	}
	a.deviceName = a.capture.Device().DeviceName()
	if audio.IsBluetooth(a.deviceName) {
		log.Warnf("bluetooth microphone %q may add latency", a.deviceName)
	}

	if cfg.ArchiveDir != "" {
		arch, err := encoder.NewArchive(cfg.ArchiveDir)
		if err != nil {
			return a, err
		}
		a.archive = arch
	}
	return a, nil
}

// start creates the controller and connects the global hotkey to it.
func (a *app) start(sink voice.Sink) {
	a.ctrl = voice.New(a.voiceCfg, voice.Deps{
		Dialer:  transport.NewWSDialer(a.server, a.token),
		Capture: a.capture,
		Target:  a.pane,
		Sink:    sink,
		Archive: a.archive,
	})
	a.hk = hotkey.New(a.binding)
	if err := a.hk.Register(); err != nil {
		log.Errorf("hotkey register error: %v", err)
		fmt.Fprintf(os.Stderr, "Warning: hotkey %s unavailable: %v\n", a.binding, err)
		a.hk = nil
		return
	}
	a.pump = hotkey.NewPump(a.hk, a.ctrl)
}

func (a *app) close() {
	if a.pump != nil {
		a.pump.Stop()
	}
	if a.hk != nil {
		a.hk.Unregister()
	}
	if a.ctrl != nil {
		a.ctrl.Close()
	}
	if a.capture != nil {
		a.capture.Device().Close()
	}
	if a.audioCtx != nil {
		a.audioCtx.Close()
	}
	if a.api != nil {
		a.api.Close()
	}
	if a.store != nil {
		if err := a.store.Save(); err != nil {
			log.Warnf("store: final save: %v", err)
		}
		a.store.Close()
	}
	if a.stopBackend != nil {
		a.stopBackend()
	}
}

func seedDemo(b *fakebackend.Server) {
	b.Put(record.KindContact, "c-1", record.Values{
		"name":    "Jane Doe",
		"company": "Initech",
		"phone":   "+1 555 0100",
		"email":   "jane@initech.test",
	})
	b.Put(record.KindSchedule, "s-1", record.Values{
		"title":     "Quarterly review",
		"location":  "Room 4",
		"starts_at": "2026-10-20T09:00:00Z",
		"ends_at":   "2026-10-20T10:00:00Z",
	})
}

func demoRecordID(kind record.Kind) string {
	if kind == record.KindSchedule {
		return "s-1"
	}
	return "c-1"
}
